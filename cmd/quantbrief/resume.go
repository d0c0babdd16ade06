package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var resumeQuiet bool

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume an interrupted analysis run",
	Long: `Pick up the run recorded by the last interrupted process.

A still-live remote session takes precedence: its completed results are
replayed before the remaining tasks dispatch. Failing that, the local
snapshot is restored. With neither, there is nothing to resume.`,
	RunE: runResume,
}

func init() {
	resumeCmd.Flags().BoolVarP(&resumeQuiet, "quiet", "q", false, "suppress per-task progress output")
}

func runResume(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}
	defer rt.close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	res, err := rt.cont.FindResumable(ctx)
	if err != nil {
		return fmt.Errorf("look up interrupted run: %w", err)
	}
	if res == nil {
		fmt.Println("Nothing to resume. Run 'quantbrief analyze <stock-code>' to start.")
		return nil
	}

	stockCode := ""
	if res.Snapshot != nil {
		stockCode = res.Snapshot.Session.StockCode
	}
	fmt.Printf("Resuming %s session %s (%s)\n", res.Source, res.SessionID, stockCode)

	events := watchEvents(rt.emitter, resumeQuiet)

	result, runErr := rt.engine.Resume(ctx, res)
	rt.emitter.Close()
	<-events
	if runErr != nil {
		return runErr
	}

	fmt.Println()
	fmt.Print(result.Report)
	return nil
}
