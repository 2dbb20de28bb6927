package main

import (
	"context"
	"errors"
	"fmt"

	"crewplan/internal/config"
	"crewplan/internal/journal"
	"crewplan/internal/logging"
	"crewplan/internal/perception"
	"crewplan/internal/pipeline"
	"crewplan/internal/project"
	"crewplan/internal/prompts"
	"crewplan/internal/stages"
	"crewplan/internal/usage"
)

// app holds the long-lived components shared by every command that talks to
// the model.
type app struct {
	cfg      *config.Config
	tracker  *usage.Tracker
	journal  *journal.Journal
	handlers map[string]stages.Handler
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, tracker: usage.NewTracker(cfg.Pipeline.UsagePath, pricing(cfg))}

	if cfg.Journal.Enabled {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			logging.BootWarn("journal disabled: %v", err)
		} else {
			a.journal = j
		}
	}

	provider, err := perception.NewProviderFromConfig(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	opts := []perception.Option{
		perception.WithTracker(a.tracker),
		perception.WithTimeouts(cfg.Timeouts()),
		perception.WithDefaultMaxRetries(cfg.Pipeline.MaxRetries),
	}
	if a.journal != nil {
		opts = append(opts, perception.WithRecorder(a.journal))
	}
	inv := perception.NewInvoker(provider, perception.ResolveProfiles(cfg), opts...)

	set, err := prompts.Default()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.handlers = stages.NewHandlers(inv, set, stages.OptionsFromConfig(cfg))
	return a, nil
}

func pricing(cfg *config.Config) map[string]usage.Price {
	out := make(map[string]usage.Price, len(cfg.Pricing))
	for model, p := range cfg.Pricing {
		out[model] = usage.Price{InputPerMillion: p.InputPerMillion, OutputPerMillion: p.OutputPerMillion}
	}
	return out
}

// Close persists usage and closes the journal.
func (a *app) Close() {
	if err := a.tracker.Save(); err != nil {
		logging.UsageWarn("failed to save usage: %v", err)
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			logging.JournalWarn("failed to close journal: %v", err)
		}
	}
}

func (a *app) coordinator(docPath string) *pipeline.Coordinator {
	var opts []pipeline.Option
	if a.journal != nil {
		opts = append(opts, pipeline.WithRecorder(a.journal))
	}
	return pipeline.NewCoordinator(project.NewFileStore(docPath), a.handlers, opts...)
}

// process locks the document, resumes an interrupted run and then either
// advances one stage or runs to completion.
func (a *app) process(ctx context.Context, docPath string, all bool) (*project.Document, error) {
	lock := project.NewLock(docPath)
	if err := lock.Acquire(); err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logging.PipelineWarn("failed to release %s: %v", lock.Path(), err)
		}
	}()

	doc, err := project.Load(docPath)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(); err != nil {
		return doc, err
	}
	if reset := pipeline.Resume(doc); len(reset) > 0 {
		logging.Pipeline("resuming %s: re-running %v", doc.ProjectID, reset)
	}

	c := a.coordinator(docPath)
	if all {
		return c.Run(ctx, doc)
	}
	return c.Advance(ctx, doc)
}

// describeFailure renders a stage failure for the terminal.
func describeFailure(err error) string {
	var se *pipeline.StageError
	if !errors.As(err, &se) {
		return err.Error()
	}
	msg := fmt.Sprintf("stage %s failed: %v", se.Stage, se.Err)
	var ie *perception.InvocationError
	if errors.As(err, &ie) {
		msg += fmt.Sprintf(" (%s after %d attempt(s))", ie.Kind, ie.Attempts)
	}
	return msg
}
