package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/quantbrief/quantbrief/internal/state"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current session pointer and stored snapshots",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	db, err := state.OpenDefault()
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate snapshot store: %w", err)
	}

	current, err := db.CurrentSession()
	if err != nil {
		return err
	}
	if current == "" {
		fmt.Println("No session in progress.")
	} else {
		color.New(color.FgCyan).Printf("Current session: %s\n", current)
	}

	snaps, err := db.ListSnapshots()
	if err != nil {
		return err
	}
	if len(snaps) == 0 {
		fmt.Println("No stored snapshots.")
		return nil
	}

	fmt.Printf("\n%d stored snapshot(s):\n", len(snaps))
	for _, s := range snaps {
		marker := " "
		if s.SessionID == current {
			marker = "*"
		}
		fmt.Printf("%s %s  %-10s  %s\n", marker, s.SessionID, s.StockCode, s.SavedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}
