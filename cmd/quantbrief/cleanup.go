package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/quantbrief/quantbrief/internal/config"
	"github.com/quantbrief/quantbrief/internal/state"
)

var cleanupOlderThan time.Duration

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Purge old run snapshots from the local store",
	RunE:  runCleanup,
}

func init() {
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 0,
		"purge snapshots older than this (default: continuity.purge_after from config)")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	olderThan := cleanupOlderThan
	if olderThan == 0 {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		olderThan = cfg.Continuity.PurgeAfter
	}

	db, err := state.OpenDefault()
	if err != nil {
		return fmt.Errorf("open snapshot store: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate snapshot store: %w", err)
	}

	purged, err := db.PurgeOlderThan(olderThan)
	if err != nil {
		return err
	}
	fmt.Printf("purged %d snapshot(s) older than %s\n", purged, olderThan)
	return nil
}
