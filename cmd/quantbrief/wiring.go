package main

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/fatih/color"

	"github.com/quantbrief/quantbrief/internal/backend"
	"github.com/quantbrief/quantbrief/internal/config"
	"github.com/quantbrief/quantbrief/internal/continuity"
	"github.com/quantbrief/quantbrief/internal/pipeline"
	"github.com/quantbrief/quantbrief/internal/registry"
	"github.com/quantbrief/quantbrief/internal/state"
	"github.com/quantbrief/quantbrief/pkg/models"
)

// runtime bundles everything one command invocation needs to drive the
// engine, plus a teardown for the resources it opened.
type runtime struct {
	cfg     *config.Config
	engine  *pipeline.Engine
	cont    *continuity.Continuity
	emitter *pipeline.EventEmitter
	db      *state.DB
	close   func()
}

// buildRuntime loads config and wires the engine with its collaborators.
// With a backend URL configured, one HTTP backend serves every
// collaborator role; otherwise analysis goes directly to the Anthropic
// API and the run is local-only.
func buildRuntime() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	reg := registry.Default()
	if cfg.Pipeline.OverridesFile != "" {
		if err := reg.LoadOverrides(cfg.Pipeline.OverridesFile); err != nil {
			return nil, fmt.Errorf("registry overrides: %w", err)
		}
	}

	dbPath := cfg.Continuity.DBPath
	if dbPath == "" {
		dbPath = state.DefaultDBPath()
	}
	db, err := state.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate snapshot store: %w", err)
	}

	logger, err := pipeline.NewDebugLogger(cfg.Pipeline.LogPath)
	if err != nil {
		db.Close()
		return nil, err
	}

	collab, err := buildCollaborators(cfg)
	if err != nil {
		db.Close()
		logger.Close()
		return nil, err
	}

	emitter := pipeline.NewEventEmitter(256)
	cont := continuity.New(collab.Sessions, db,
		cfg.Continuity.PollInterval, cfg.Continuity.SnapshotInterval,
		continuity.WithLogf(logger.Log),
		continuity.WithCallTimeout(cfg.Timeouts.StoreCall),
		continuity.WithMergeObserver(func(taskID string) {
			emitter.Emit(pipeline.Event{
				Type:    pipeline.EventRemoteMerge,
				Level:   pipeline.LevelInfo,
				TaskID:  taskID,
				Message: "result completed elsewhere, merged",
			})
		}))

	control, err := pipeline.NewControlWatcher(cfg.Pipeline.ControlDir)
	if err != nil {
		db.Close()
		logger.Close()
		return nil, fmt.Errorf("control watcher: %w", err)
	}
	engine := pipeline.NewEngine(cfg, reg, collab, cont,
		pipeline.WithEmitter(emitter),
		pipeline.WithControlWatcher(control),
		pipeline.WithLogger(logger),
	)

	return &runtime{
		cfg:     cfg,
		engine:  engine,
		cont:    cont,
		emitter: emitter,
		db:      db,
		close: func() {
			control.Close()
			logger.Close()
			db.Close()
		},
	}, nil
}

// buildCollaborators picks the collaborator set for the configured mode.
func buildCollaborators(cfg *config.Config) (pipeline.Collaborators, error) {
	if cfg.Backend.BaseURL != "" {
		hb := backend.NewHTTPBackend(cfg.Backend.BaseURL, cfg.Backend.APIKey)
		return pipeline.Collaborators{
			Analysis:  hb,
			Debate:    hb,
			Market:    hb,
			Citations: hb,
			Sessions:  hb,
		}, nil
	}

	analyzer, err := backend.NewDirectAnalyzer(backend.DirectConfig{
		Model:         anthropic.Model(cfg.Anthropic.Model),
		APIKey:        cfg.Anthropic.APIKey,
		UseAWSBedrock: cfg.Anthropic.UseBedrock,
		AWSRegion:     cfg.Anthropic.AWSRegion,
		AWSProfile:    cfg.Anthropic.AWSProfile,
	})
	if err != nil {
		return pipeline.Collaborators{}, fmt.Errorf("direct mode: %w", err)
	}

	// No market feed in direct mode: the model works from the stock code
	// alone, so the precondition is satisfied with a bare snapshot.
	return pipeline.Collaborators{
		Analysis: analyzer,
		Market:   bareMarket{},
	}, nil
}

// bareMarket satisfies the market precondition in direct mode, where no
// quote feed is configured.
type bareMarket struct{}

func (bareMarket) Snapshot(ctx context.Context, stockCode string) (*backend.MarketSnapshot, error) {
	return &backend.MarketSnapshot{StockCode: stockCode, AsOf: time.Now()}, nil
}

// watchEvents prints pipeline events until the emitter closes. Returns a
// done channel the caller waits on after the run finishes.
func watchEvents(emitter *pipeline.EventEmitter, quiet bool) <-chan struct{} {
	done := make(chan struct{})

	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)
	dim := color.New(color.Faint)

	go func() {
		defer close(done)
		for ev := range emitter.Events() {
			if quiet && ev.Level == pipeline.LevelDebug {
				continue
			}
			switch ev.Type {
			case pipeline.EventSessionCreated:
				cyan.Printf("▸ %s\n", ev.Message)
			case pipeline.EventStageStarted:
				cyan.Printf("▸ stage %d: %s\n", ev.Stage, ev.Message)
			case pipeline.EventTaskState:
				switch ev.State {
				case models.TaskStateSuccess:
					green.Printf("  ✓ %s\n", ev.TaskID)
				case models.TaskStateError:
					red.Printf("  ✗ %s\n", ev.TaskID)
				default:
					if !quiet {
						dim.Printf("  · %s → %s\n", ev.TaskID, ev.State)
					}
				}
			case pipeline.EventHeartbeat:
				dim.Printf("  … %s: %s\n", ev.TaskID, ev.Message)
			case pipeline.EventRemoteMerge:
				green.Printf("  ⇅ %s: %s\n", ev.TaskID, ev.Message)
			case pipeline.EventDebateStarted:
				cyan.Printf("▸ debate: %s\n", ev.Message)
			case pipeline.EventDebateConcluded:
				if ev.Level == pipeline.LevelWarn {
					yellow.Printf("  ⚖ %s\n", ev.Message)
				} else {
					green.Printf("  ⚖ %s\n", ev.Message)
				}
			case pipeline.EventRunCompleted:
				green.Println("✓ run completed")
			case pipeline.EventRunFailed:
				red.Printf("✗ run failed: %s\n", ev.Message)
			}
		}
	}()

	return done
}
