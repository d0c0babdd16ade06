package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	analyzeOutput string
	analyzeQuiet  bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <stock-code>",
	Short: "Run the full analysis pipeline for one stock",
	Long: `Run all four analysis stages and both debates for the given stock
code and print the assembled report.

The run snapshots its state locally every second; if the process dies,
'quantbrief resume' continues where it left off.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeOutput, "output", "o", "", "write the report to a file instead of stdout")
	analyzeCmd.Flags().BoolVarP(&analyzeQuiet, "quiet", "q", false, "suppress per-task progress output")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	events := watchEvents(rt.emitter, analyzeQuiet)

	result, runErr := rt.engine.Run(ctx, args[0])
	rt.emitter.Close()
	<-events
	if runErr != nil {
		return runErr
	}

	return writeReport(result.Report)
}

// writeReport sends the assembled document to the requested destination.
func writeReport(doc string) error {
	if analyzeOutput == "" {
		fmt.Println()
		fmt.Print(doc)
		return nil
	}
	if err := os.WriteFile(analyzeOutput, []byte(doc), 0644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	fmt.Printf("report written to %s\n", analyzeOutput)
	return nil
}
