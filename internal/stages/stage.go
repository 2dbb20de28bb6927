// Package stages implements the four pipeline stages. A handler reads the
// slice of the project document it needs, invokes the model, validates the
// reply and returns a merge function; it never writes to the document itself.
package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"crewplan/internal/config"
	"crewplan/internal/logging"
	"crewplan/internal/perception"
	"crewplan/internal/project"
	"crewplan/internal/prompts"
)

var (
	// ErrMissingAssignment means an input item came back without a package.
	ErrMissingAssignment = errors.New("work item missing package assignment")
	// ErrUnknownPackage means the model referenced a package that does not exist.
	ErrUnknownPackage = errors.New("unknown package id")
	// ErrConflictingAssignment means one item was assigned to two packages.
	ErrConflictingAssignment = errors.New("work item assigned to more than one package")
	// ErrInvalidOutput covers replies that parse but fail structural checks.
	ErrInvalidOutput = errors.New("invalid stage output")
	// ErrPrecondition means the document is not ready for this stage.
	ErrPrecondition = errors.New("stage precondition not met")
)

// Invoker is the slice of perception.Invoker the stages use.
type Invoker interface {
	Invoke(ctx context.Context, req perception.Request) perception.InvocationResult
}

// Result is a stage outcome. Merge is set iff Success.
type Result struct {
	Success bool
	Merge   func(doc *project.Document)
	Err     error
}

func failed(err error) Result {
	return Result{Err: err}
}

func succeeded(merge func(doc *project.Document)) Result {
	return Result{Success: true, Merge: merge}
}

// Handler runs one stage.
type Handler interface {
	Name() string
	Run(ctx context.Context, doc *project.Document) Result
}

// Options tunes every handler.
type Options struct {
	MaxRetries         int
	BatchSize          int
	MaxParallelBatches int
	DebugDir           string // empty disables debug artifacts
	Workforce          project.WorkforceRange
	PerPackageMax      int
}

// OptionsFromConfig maps configuration onto handler options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		MaxRetries:         cfg.Pipeline.MaxRetries,
		BatchSize:          cfg.Pipeline.BatchSize,
		MaxParallelBatches: cfg.Pipeline.MaxParallelBatches,
		DebugDir:           cfg.Pipeline.DebugDir,
		Workforce:          project.WorkforceRange{Min: cfg.Constraints.WorkforceMin, Max: cfg.Constraints.WorkforceMax},
		PerPackageMax:      cfg.Constraints.PerPackageMax,
	}
}

func (o Options) withDefaults() Options {
	if o.BatchSize < 1 {
		o.BatchSize = 100
	}
	if o.MaxParallelBatches < 1 {
		o.MaxParallelBatches = 1
	}
	if o.PerPackageMax < 1 {
		o.PerPackageMax = 20
	}
	if o.Workforce.Max < 1 {
		o.Workforce.Max = 100
	}
	return o
}

// NewHandlers builds all four handlers keyed by stage name.
func NewHandlers(inv Invoker, set *prompts.Set, opts Options) map[string]Handler {
	b := base{invoker: inv, prompts: set, opts: opts.withDefaults()}
	handlers := []Handler{
		&Packager{base: b.forStage(project.StageWorkPackager, perception.RoleWorkPackager)},
		&Assigner{base: b.forStage(project.StageWorksToPackages, perception.RoleWorksToPackages)},
		&Counter{base: b.forStage(project.StageCounter, perception.RoleCounter)},
		&Scheduler{base: b.forStage(project.StageSchedulerAndStaffer, perception.RoleSchedulerAndStaffer)},
	}
	out := make(map[string]Handler, len(handlers))
	for _, h := range handlers {
		out[h.Name()] = h
	}
	return out
}

// base is the shared runner: render, write request artifact, invoke, write
// response artifact, decode.
type base struct {
	invoker Invoker
	prompts *prompts.Set
	opts    Options
	stage   string
	role    perception.Role
}

func (b base) forStage(stage string, role perception.Role) base {
	b.stage, b.role = stage, role
	return b
}

// Name implements Handler.
func (b base) Name() string { return b.stage }

// call runs one invocation. batch is 1-based; 0 means the stage is not batched.
// On success the parsed reply is decoded into dst.
func (b base) call(ctx context.Context, projectID string, batch int, data any, dst any) (perception.InvocationResult, error) {
	rendered, err := b.prompts.Render(string(b.role), data)
	if err != nil {
		return perception.InvocationResult{}, fmt.Errorf("render prompt: %w", err)
	}

	b.writeArtifact(projectID, batch, "request", ".json", requestArtifact{
		Stage:             b.stage,
		Role:              string(b.role),
		Batch:             batch,
		SystemInstruction: rendered.System,
		Prompt:            rendered.User,
	})

	res := b.invoker.Invoke(ctx, perception.Request{
		Role:              b.role,
		Prompt:            rendered.User,
		SystemInstruction: rendered.System,
		MaxRetries:        b.opts.MaxRetries,
	})

	b.writeArtifact(projectID, batch, "response", ".txt", res.RawText)

	if !res.Success {
		return res, res.Err
	}
	if err := decodeInto(res.Response, dst); err != nil {
		return res, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	return res, nil
}

type requestArtifact struct {
	Stage             string `json:"stage"`
	Role              string `json:"role"`
	Batch             int    `json:"batch,omitempty"`
	SystemInstruction string `json:"system_instruction"`
	Prompt            string `json:"prompt"`
}

// writeArtifact writes <debug_dir>/<project>/<stage>/<kind>[_batchN]<ext>.
// Artifacts are diagnostics only, so failures are logged and swallowed.
func (b base) writeArtifact(projectID string, batch int, kind, ext string, payload any) {
	if b.opts.DebugDir == "" {
		return
	}
	name := kind
	if batch > 0 {
		name = fmt.Sprintf("%s_batch%d", kind, batch)
	}
	path := filepath.Join(b.opts.DebugDir, sanitize(projectID), b.stage, name+ext)

	var data []byte
	switch v := payload.(type) {
	case string:
		data = []byte(v)
	default:
		var err error
		if data, err = json.MarshalIndent(v, "", "  "); err != nil {
			logging.StagesWarn("debug artifact %s: %v", path, err)
			return
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		logging.StagesWarn("debug artifact %s: %v", path, err)
		return
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		logging.StagesWarn("debug artifact %s: %v", path, err)
	}
}

func sanitize(id string) string {
	if id == "" {
		return "unnamed"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, id)
}

func setResult(doc *project.Document, stage string, v any) {
	if doc.Results == nil {
		doc.Results = map[string]any{}
	}
	doc.Results[stage] = v
}

// decodeInto re-encodes a salvaged value into a typed struct.
func decodeInto(v any, dst any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// chunk splits n items into batches of size.
func chunk[T any](items []T, size int) [][]T {
	var out [][]T
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

// fanOut runs fn for every batch with at most limit in flight. The first
// error cancels the rest.
func fanOut[T any](ctx context.Context, batches [][]T, limit int, fn func(ctx context.Context, index int, batch []T) error) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, batch := range batches {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, i, batch)
		})
	}
	return g.Wait()
}
