package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"crewplan/internal/inbox"
	"crewplan/internal/journal"
	"crewplan/internal/logging"
	"crewplan/internal/project"
	"crewplan/internal/usage"
)

var rawMarkdown bool

var statusCmd = &cobra.Command{
	Use:   "status <doc.json>",
	Short: "Show the stage table of a project document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := project.Load(args[0])
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), renderStatus(doc))
		if locked, _ := project.NewLock(args[0]).IsLocked(); locked {
			fmt.Fprintln(cmd.OutOrStdout(), mutedStyle.Render("a run is in progress"))
		}
		return nil
	},
}

var reportCmd = &cobra.Command{
	Use:   "report <doc.json>",
	Short: "Render the schedule as markdown",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := project.Load(args[0])
		if err != nil {
			return err
		}
		r := doc.Workforce(project.WorkforceRange{Min: cfg.Constraints.WorkforceMin, Max: cfg.Constraints.WorkforceMax})
		md := reportMarkdown(doc, r)
		if rawMarkdown {
			fmt.Fprint(cmd.OutOrStdout(), md)
			return nil
		}
		fmt.Fprint(cmd.OutOrStdout(), renderMarkdown(md))
		return nil
	},
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show persisted token usage and advisory cost",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		t := usage.NewTracker(cfg.Pipeline.UsagePath, pricing(cfg))
		stats := t.Stats()
		out := cmd.OutOrStdout()

		fmt.Fprintln(out, titleStyle.Render("Token usage"))
		printCounts(cmd, "total", stats.Total)
		for _, section := range []struct {
			name string
			m    map[string]usage.TokenCounts
		}{
			{"by model", stats.ByModel},
			{"by role", stats.ByRole},
			{"by project", stats.ByProject},
		} {
			if len(section.m) == 0 {
				continue
			}
			fmt.Fprintln(out, "\n"+headerStyle.Render(section.name))
			keys := make([]string, 0, len(section.m))
			for k := range section.m {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				name := k
				if name == "" {
					name = "(none)"
				}
				printCounts(cmd, name, section.m[k])
			}
		}
		return nil
	},
}

func printCounts(cmd *cobra.Command, name string, c usage.TokenCounts) {
	fmt.Fprintf(cmd.OutOrStdout(), "  %-28s calls=%-5d in=%-9d out=%-9d ~$%.4f\n", name, c.Calls, c.Input, c.Output, c.Cost)
}

var historyRuns int

var historyCmd = &cobra.Command{
	Use:   "history <project-id>",
	Short: "List journaled runs, transitions and attempts for a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return err
		}
		defer j.Close()

		ctx := cmd.Context()
		runs, err := j.Runs(ctx, args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(runs) == 0 {
			fmt.Fprintf(out, "no runs journaled for %s\n", args[0])
			return nil
		}
		if historyRuns > 0 && len(runs) > historyRuns {
			runs = runs[:historyRuns]
		}
		for _, r := range runs {
			fmt.Fprintln(out, titleStyle.Render("run "+r.RunID))
			fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("%s .. %s, %d attempts, %d in / %d out tokens",
				r.StartedAt.Local().Format(time.DateTime), r.LastAt.Local().Format(time.DateTime),
				r.Attempts, r.InputTokens, r.OutputTokens)))

			trans, err := j.Transitions(ctx, r.RunID)
			if err != nil {
				return err
			}
			for _, t := range trans {
				line := fmt.Sprintf("  %s  %-22s %s -> %s", t.At.Local().Format(time.TimeOnly), t.Stage, t.From, t.To)
				if t.Duration > 0 {
					line += fmt.Sprintf(" (%v)", t.Duration.Round(time.Millisecond))
				}
				fmt.Fprintln(out, line)
				if t.Err != "" {
					fmt.Fprintln(out, errorStyle.Render("      "+t.Err))
				}
			}

			attempts, err := j.Attempts(ctx, r.RunID)
			if err != nil {
				return err
			}
			for _, a := range attempts {
				fmt.Fprintf(out, "    attempt %s #%d %s cap=%d %s\n", a.Role, a.Number, a.Model, a.MaxOutputTokens, a.Kind)
			}
			fmt.Fprintln(out)
		}
		return nil
	},
}

var watchDebounce time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Run the pipeline on every project document dropped into a directory",
	Long: `Watches dir for *.json project documents. Each new or changed document is
run to completion (or to its first failed stage) one at a time. Stop with Ctrl+C.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		w, err := inbox.NewWatcher(args[0], watchDebounce, func(ctx context.Context, path string) error {
			doc, err := a.process(ctx, path, true)
			if err != nil {
				return errors.New(describeFailure(err))
			}
			logging.Inbox("%s: next stage %q", doc.ProjectID, doc.NextStage())
			return a.tracker.Save()
		})
		if err != nil {
			return err
		}
		if err := w.Start(ctx); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "watching %s (Ctrl+C to stop)\n", args[0])

		<-ctx.Done()
		w.Stop()
		s := w.Stats()
		fmt.Fprintf(cmd.OutOrStdout(), "processed %d document(s), %d failed\n", s.Handled, s.Failed)
		return nil
	},
}

func init() {
	reportCmd.Flags().BoolVar(&rawMarkdown, "raw", false, "Print markdown without terminal styling")
	historyCmd.Flags().IntVarP(&historyRuns, "limit", "n", 5, "Number of most recent runs to show (0 = all)")
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 500*time.Millisecond, "Quiet period before a changed file is processed")
}
