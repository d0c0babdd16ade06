package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "quantbrief",
	Short: "Staged stock analysis pipeline",
	Long: `Quantbrief runs a fixed pipeline of analysis tasks for one stock:
four ordered stages of parallel and batched remote calls, interleaved
with a directional and a risk debate, assembled into a single report.

Runs survive restarts: progress is snapshotted locally every second and
mirrored to the remote session store, so an interrupted run can be
picked up with 'quantbrief resume'.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(versionCmd)
}
