package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"crewplan/internal/pipeline"
	"crewplan/internal/project"
	"crewplan/internal/schedule"
)

// errStageFailed makes the process exit non-zero after the failure has
// already been printed.
var errStageFailed = errors.New("pipeline stopped on a failed stage")

var runCmd = &cobra.Command{
	Use:   "run <doc.json>",
	Short: "Run every remaining stage of a project document",
	Long: `Locks the document, resets a stage left in_progress by an interrupted run,
then runs stages in order until all are completed or one fails. A failed
stage is recorded in the document and re-run on the next invocation.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return processCommand(cmd, args[0], true)
	},
}

var advanceCmd = &cobra.Command{
	Use:   "advance <doc.json>",
	Short: "Run only the next pending stage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return processCommand(cmd, args[0], false)
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <doc.json> <stage>",
	Short: "Mark a stage and every later stage pending",
	Long: `Operator intervention after a bad result: the named stage and all stages after
it are set back to pending and will run again on the next run/advance.

Stages: work_packager, works_to_packages, counter, scheduler_and_staffer`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		path, stage := args[0], args[1]
		lock := project.NewLock(path)
		if err := lock.Acquire(); err != nil {
			return err
		}
		defer lock.Release()

		doc, err := project.Load(path)
		if err != nil {
			return err
		}
		if err := pipeline.ResetStage(doc, stage); err != nil {
			return err
		}
		if err := doc.Save(path); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: reset from %s, next stage %s\n", doc.ProjectID, stage, doc.NextStage())
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <doc.json>",
	Short: "Check document structure and the weekly workforce",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := project.Load(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if err := doc.Validate(); err != nil {
			fmt.Fprintln(out, err)
			return err
		}
		fmt.Fprintf(out, "%s: structure ok (%d items, %d packages, %d weeks)\n",
			doc.ProjectID, len(doc.WorkItems), len(doc.WorkPackages), len(doc.TimelineBlocks))

		r := doc.Workforce(project.WorkforceRange{Min: cfg.Constraints.WorkforceMin, Max: cfg.Constraints.WorkforceMax})
		report := schedule.ValidateWorkforce(doc.WorkPackages, doc.TimelineBlocks, r)
		for _, v := range report.Violations {
			fmt.Fprintf(out, "week %d: %d workers exceeds max %d\n", v.WeekID, v.Total, v.Max)
		}
		for _, w := range report.Warnings {
			fmt.Fprintf(out, "week %d: %d workers below min %d (warning)\n", w.WeekID, w.Total, w.Min)
		}
		if !report.Valid {
			return fmt.Errorf("%d week(s) over the workforce ceiling", len(report.Violations))
		}
		fmt.Fprintf(out, "workforce ok (%d-%d per week)\n", r.Min, r.Max)
		return nil
	},
}

func processCommand(cmd *cobra.Command, path string, all bool) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	doc, err := a.process(ctx, path, all)
	out := cmd.OutOrStdout()
	if doc != nil {
		fmt.Fprint(out, renderStatus(doc))
	}
	if err != nil {
		var se *pipeline.StageError
		if errors.As(err, &se) {
			fmt.Fprintln(cmd.ErrOrStderr(), describeFailure(err))
			return errStageFailed
		}
		return err
	}
	return nil
}
