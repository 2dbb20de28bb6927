package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"crewplan/internal/config"
	"crewplan/internal/logging"
)

var (
	// Global flags
	configPath string
	verbose    bool

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "crewplan",
	Short: "Staged LLM planning pipeline for construction estimates",
	Long: `crewplan turns a construction estimate (work items plus a weekly timeline)
into a staffed schedule by running four model-backed stages in order:

  1. work_packager          group work items into work packages
  2. works_to_packages      assign every item to a package
  3. counter                summarise each package's volume
  4. scheduler_and_staffer  place packages on the timeline and staff them

The project document is persisted after every stage transition, so an
interrupted run resumes where it stopped.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		return logging.Initialize(logging.Options{
			Level:      level,
			Format:     cfg.Logging.Format,
			OutputPath: cfg.Logging.File,
			Categories: cfg.Logging.Categories,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(advanceCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(watchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
