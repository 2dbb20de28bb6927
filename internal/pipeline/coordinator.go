// Package pipeline drives a project document through the stages in order,
// persisting after every transition so a crashed run can be resumed.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"crewplan/internal/logging"
	"crewplan/internal/project"
	"crewplan/internal/stages"
	"crewplan/internal/usage"
)

// ErrNoHandler means a stage has no registered handler.
var ErrNoHandler = errors.New("no handler registered for stage")

// StageError is returned when a stage fails. The document has already been
// persisted with the stage marked as error.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Store persists the whole document after each transition.
type Store interface {
	Save(doc *project.Document) error
}

// Transition is one stage status change.
type Transition struct {
	RunID     string
	ProjectID string
	Stage     string
	From      project.Status
	To        project.Status
	Err       string
	At        time.Time
	Duration  time.Duration
}

// Recorder receives every transition after it is persisted.
type Recorder interface {
	RecordTransition(ctx context.Context, t Transition)
}

type runKey struct{}

// WithRunID tags ctx with a run id shared by every transition and attempt.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runKey{}, id)
}

// RunIDFromContext returns the id set by WithRunID, or "".
func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runKey{}).(string)
	return id
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRecorder reports transitions to r.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) { c.recorder = r }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator runs stages one at a time. It holds no per-project state, so
// one Coordinator per project is the expected use.
type Coordinator struct {
	store    Store
	handlers map[string]stages.Handler
	recorder Recorder
	now      func() time.Time
}

// NewCoordinator creates a coordinator persisting through store.
func NewCoordinator(store Store, handlers map[string]stages.Handler, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		handlers: handlers,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Advance runs the first stage that is not completed. A fully completed
// document is returned unchanged and nothing is written.
func (c *Coordinator) Advance(ctx context.Context, doc *project.Document) (*project.Document, error) {
	if nextStage(doc) == "" {
		logging.PipelineDebug("project %s: every stage completed", doc.ProjectID)
		return doc, nil
	}
	doc.EnsureStages()
	name := doc.NextStage()
	h, ok := c.handlers[name]
	if !ok {
		return doc, &StageError{Stage: name, Err: ErrNoHandler}
	}

	if RunIDFromContext(ctx) == "" {
		ctx = WithRunID(ctx, uuid.NewString())
	}
	ctx = usage.WithProject(ctx, doc.ProjectID)

	st := doc.StageStatus(name)
	from := st.Status
	started := c.now()
	st.Status = project.StatusInProgress
	st.StartedAt = &started
	st.CompletedAt = nil
	st.Error = ""
	if err := c.persist(ctx, doc, name, from, 0); err != nil {
		return doc, err
	}

	logging.Pipeline("project %s: running %s", doc.ProjectID, name)
	res := h.Run(ctx, doc)
	elapsed := c.now().Sub(started)

	if !res.Success {
		err := res.Err
		if err == nil {
			err = errors.New("stage reported failure without an error")
		}
		st = doc.StageStatus(name)
		st.Status = project.StatusError
		st.Error = err.Error()
		logging.PipelineError("project %s: %s failed after %v: %v", doc.ProjectID, name, elapsed, err)
		if perr := c.persist(ctx, doc, name, project.StatusInProgress, elapsed); perr != nil {
			return doc, errors.Join(&StageError{Stage: name, Err: err}, perr)
		}
		return doc, &StageError{Stage: name, Err: err}
	}

	if res.Merge != nil {
		res.Merge(doc)
	}
	st = doc.StageStatus(name)
	completed := c.now()
	st.Status = project.StatusCompleted
	st.CompletedAt = &completed
	st.Error = ""
	if err := c.persist(ctx, doc, name, project.StatusInProgress, elapsed); err != nil {
		return doc, err
	}
	logging.Pipeline("project %s: %s completed in %v", doc.ProjectID, name, elapsed)
	return doc, nil
}

// Run advances until every stage is completed or one fails.
func (c *Coordinator) Run(ctx context.Context, doc *project.Document) (*project.Document, error) {
	if RunIDFromContext(ctx) == "" {
		ctx = WithRunID(ctx, uuid.NewString())
	}
	timer := logging.StartTimer(logging.CategoryPipeline, "run "+doc.ProjectID)
	defer timer.Stop()

	for {
		if nextStage(doc) == "" {
			return doc, nil
		}
		if err := ctx.Err(); err != nil {
			return doc, err
		}
		var err error
		if doc, err = c.Advance(ctx, doc); err != nil {
			return doc, err
		}
	}
}

func (c *Coordinator) persist(ctx context.Context, doc *project.Document, stage string, from project.Status, d time.Duration) error {
	if err := c.store.Save(doc); err != nil {
		return fmt.Errorf("failed to persist project %s after %s transition: %w", doc.ProjectID, stage, err)
	}
	if c.recorder != nil {
		st := doc.StageStatus(stage)
		c.recorder.RecordTransition(ctx, Transition{
			RunID:     RunIDFromContext(ctx),
			ProjectID: doc.ProjectID,
			Stage:     stage,
			From:      from,
			To:        st.Status,
			Err:       st.Error,
			At:        c.now(),
			Duration:  d,
		})
	}
	return nil
}

// nextStage is doc.NextStage on a normalized copy, leaving doc untouched.
func nextStage(doc *project.Document) string {
	view := *doc
	view.StageStatuses = append([]project.StageStatus(nil), doc.StageStatuses...)
	view.EnsureStages()
	return view.NextStage()
}

// Resume resets stages left in_progress by an interrupted run to pending.
// It returns the stages reset.
func Resume(doc *project.Document) []string {
	doc.EnsureStages()
	var reset []string
	for i := range doc.StageStatuses {
		st := &doc.StageStatuses[i]
		if st.Status == project.StatusInProgress {
			st.Status = project.StatusPending
			st.StartedAt = nil
			reset = append(reset, st.Stage)
			logging.PipelineWarn("project %s: %s was interrupted, will re-run", doc.ProjectID, st.Stage)
		}
	}
	return reset
}

// ResetStage marks name and every later stage pending so they run again.
// Their results are dropped; enriched document fields stay until overwritten.
func ResetStage(doc *project.Document, name string) error {
	doc.EnsureStages()
	from := -1
	for i, s := range project.StageOrder {
		if s == name {
			from = i
		}
	}
	if from < 0 {
		return fmt.Errorf("unknown stage %q", name)
	}
	for _, s := range project.StageOrder[from:] {
		st := doc.StageStatus(s)
		st.Status = project.StatusPending
		st.StartedAt = nil
		st.CompletedAt = nil
		st.Error = ""
		delete(doc.Results, s)
	}
	logging.Pipeline("project %s: reset from %s", doc.ProjectID, name)
	return nil
}
