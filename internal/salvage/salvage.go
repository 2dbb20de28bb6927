// Package salvage recovers structured JSON from imperfect model replies.
//
// A reply goes through an ordered list of strategies; the first one that
// yields valid JSON wins. Strategies are pure functions so each can be
// tested on its own and new ones slotted in without touching callers.
package salvage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"crewplan/internal/logging"
)

// ErrUnparseable is matched by errors.Is on every *UnparseableError.
var ErrUnparseable = errors.New("unparseable response")

var errEmpty = errors.New("empty input")

// Strategy turns raw text into a decoded JSON value (map[string]any, []any, ...).
type Strategy struct {
	Name  string
	Apply func(raw string) (any, error)
}

// StrategyFailure records why one strategy gave up.
type StrategyFailure struct {
	Strategy string
	Err      error
}

// UnparseableError is returned once every strategy has failed. Raw keeps the
// original reply for diagnostics.
type UnparseableError struct {
	Raw      string
	Failures []StrategyFailure
}

func (e *UnparseableError) Error() string {
	names := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		names = append(names, f.Strategy)
	}
	return fmt.Sprintf("unparseable response (%d bytes, tried %s)", len(e.Raw), strings.Join(names, ", "))
}

func (e *UnparseableError) Unwrap() error { return ErrUnparseable }

// Engine applies strategies in order.
type Engine struct {
	strategies []Strategy
}

// NewEngine builds an engine; with no strategies it uses DefaultStrategies.
func NewEngine(strategies ...Strategy) *Engine {
	if len(strategies) == 0 {
		strategies = DefaultStrategies()
	}
	return &Engine{strategies: strategies}
}

// DefaultStrategies returns the standard cascade, cheapest first.
func DefaultStrategies() []Strategy {
	return []Strategy{
		{Name: "fenced_block", Apply: FencedBlock},
		{Name: "balanced_span", Apply: BalancedSpan},
		{Name: "control_chars", Apply: ControlChars},
		{Name: "truncation_repair", Apply: TruncationRepair},
		{Name: "literal_syntax", Apply: LiteralSyntax},
	}
}

var defaultEngine = NewEngine()

// Salvage runs the default cascade.
func Salvage(raw string) (any, error) {
	return defaultEngine.Salvage(raw)
}

// Decode salvages raw and decodes the result into dst.
func Decode(raw string, dst any) error {
	return defaultEngine.Decode(raw, dst)
}

// Salvage returns the first successful strategy result.
func (e *Engine) Salvage(raw string) (any, error) {
	failures := make([]StrategyFailure, 0, len(e.strategies))
	for _, s := range e.strategies {
		v, err := s.Apply(raw)
		if err == nil {
			if len(failures) > 0 {
				logging.SalvageDebug("recovered with %s after %d failed strategies", s.Name, len(failures))
			}
			return v, nil
		}
		failures = append(failures, StrategyFailure{Strategy: s.Name, Err: err})
	}
	logging.SalvageWarn("all %d strategies failed on %d-byte reply", len(e.strategies), len(raw))
	return nil, &UnparseableError{Raw: raw, Failures: failures}
}

// Decode salvages raw and decodes the result into dst.
func (e *Engine) Decode(raw string, dst any) error {
	v, err := e.Salvage(raw)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("re-encode salvaged value: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode salvaged value: %w", err)
	}
	return nil
}

// parseJSON strictly decodes exactly one JSON value, keeping numbers as json.Number.
func parseJSON(s string) (any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errEmpty
	}
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("trailing data after JSON value")
	}
	switch v.(type) {
	case map[string]any, []any:
		return v, nil
	default:
		return nil, errors.New("top-level value is not an object or array")
	}
}
