// Package usage keeps advisory token and cost counters for provider calls.
// Nothing in the pipeline reads these numbers to make decisions.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"crewplan/internal/logging"
)

type trackerKey struct{}
type projectKey struct{}

// Tracker records token usage. Totals are atomics; the per-dimension
// breakdown sits behind a mutex because it is only read for reporting.
type Tracker struct {
	calls       atomic.Int64
	inputTotal  atomic.Int64
	outputTotal atomic.Int64
	costMicros  atomic.Int64

	mu       sync.Mutex
	data     UsageData
	pricing  map[string]Price
	filePath string
}

// NewTracker creates a tracker persisted at filePath (empty = memory only).
// Existing data at filePath is loaded; a corrupt file is logged and ignored.
func NewTracker(filePath string, pricing map[string]Price) *Tracker {
	t := &Tracker{
		filePath: filePath,
		pricing:  pricing,
		data:     UsageData{Version: "1.0", Aggregate: newAggregate()},
	}
	if filePath != "" {
		if err := t.Load(); err != nil {
			logging.UsageWarn("ignoring unreadable usage file %s: %v", filePath, err)
			t.data.Aggregate = newAggregate()
		}
	}
	return t
}

func newAggregate() AggregatedStats {
	return AggregatedStats{
		ByModel:   make(map[string]TokenCounts),
		ByRole:    make(map[string]TokenCounts),
		ByProject: make(map[string]TokenCounts),
	}
}

// Load reads the usage data from disk.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := os.ReadFile(t.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, &t.data); err != nil {
		return err
	}

	agg := &t.data.Aggregate
	if agg.ByModel == nil {
		agg.ByModel = make(map[string]TokenCounts)
	}
	if agg.ByRole == nil {
		agg.ByRole = make(map[string]TokenCounts)
	}
	if agg.ByProject == nil {
		agg.ByProject = make(map[string]TokenCounts)
	}

	t.calls.Store(agg.Total.Calls)
	t.inputTotal.Store(agg.Total.Input)
	t.outputTotal.Store(agg.Total.Output)
	t.costMicros.Store(int64(math.Round(agg.Total.Cost * 1e6)))
	return nil
}

// Save writes the usage data to disk.
func (t *Tracker) Save() error {
	if t.filePath == "" {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.data.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(t.data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(t.filePath), 0755); err != nil {
		return fmt.Errorf("failed to create usage dir: %w", err)
	}
	return os.WriteFile(t.filePath, data, 0644)
}

// EstimateCost returns the advisory USD cost of a call. Unknown models cost 0.
func (t *Tracker) EstimateCost(model string, input, output int) float64 {
	p, ok := t.pricing[model]
	if !ok {
		return 0
	}
	return float64(input)/1e6*p.InputPerMillion + float64(output)/1e6*p.OutputPerMillion
}

// Track records a new usage event.
func (t *Tracker) Track(ctx context.Context, ev Event) {
	if t == nil {
		return
	}
	cost := t.EstimateCost(ev.Model, ev.InputTokens, ev.OutputTokens)

	t.calls.Add(1)
	t.inputTotal.Add(int64(ev.InputTokens))
	t.outputTotal.Add(int64(ev.OutputTokens))
	t.costMicros.Add(int64(math.Round(cost * 1e6)))

	project := ProjectFromContext(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.data.Aggregate.Total.Add(ev.InputTokens, ev.OutputTokens, cost)
	addToMap(t.data.Aggregate.ByModel, ev.Model, ev.InputTokens, ev.OutputTokens, cost)
	addToMap(t.data.Aggregate.ByRole, ev.Role, ev.InputTokens, ev.OutputTokens, cost)
	addToMap(t.data.Aggregate.ByProject, project, ev.InputTokens, ev.OutputTokens, cost)

	logging.UsageDebug("tracked model=%s role=%s project=%s in=%d out=%d cost=%.6f",
		ev.Model, ev.Role, project, ev.InputTokens, ev.OutputTokens, cost)
}

// Totals returns the running totals without taking the breakdown lock.
func (t *Tracker) Totals() TokenCounts {
	in, out := t.inputTotal.Load(), t.outputTotal.Load()
	return TokenCounts{
		Calls:  t.calls.Load(),
		Input:  in,
		Output: out,
		Total:  in + out,
		Cost:   float64(t.costMicros.Load()) / 1e6,
	}
}

// Stats returns a copy of the aggregated stats.
func (t *Tracker) Stats() AggregatedStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := t.data.Aggregate
	stats.ByModel = copyTokenCountsMap(stats.ByModel)
	stats.ByRole = copyTokenCountsMap(stats.ByRole)
	stats.ByProject = copyTokenCountsMap(stats.ByProject)
	return stats
}

func copyTokenCountsMap(src map[string]TokenCounts) map[string]TokenCounts {
	dst := make(map[string]TokenCounts, len(src))
	for key, counts := range src {
		dst[key] = counts
	}
	return dst
}

func addToMap(m map[string]TokenCounts, key string, input, output int, cost float64) {
	if key == "" {
		key = "unknown"
	}
	entry := m[key]
	entry.Add(input, output, cost)
	m[key] = entry
}

// Context Helpers

// NewContext returns a new context carrying the tracker.
func NewContext(ctx context.Context, t *Tracker) context.Context {
	return context.WithValue(ctx, trackerKey{}, t)
}

// FromContext retrieves the tracker from the context.
func FromContext(ctx context.Context) *Tracker {
	t, _ := ctx.Value(trackerKey{}).(*Tracker)
	return t
}

// WithProject tags usage recorded under ctx with a project id.
func WithProject(ctx context.Context, projectID string) context.Context {
	return context.WithValue(ctx, projectKey{}, projectID)
}

// ProjectFromContext returns the project id set by WithProject, or "".
func ProjectFromContext(ctx context.Context) string {
	id, _ := ctx.Value(projectKey{}).(string)
	return id
}
