package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tabnerd/internal/client"
	"tabnerd/internal/config"
	"tabnerd/internal/history"
	"tabnerd/internal/logging"
	"tabnerd/internal/loop"
	"tabnerd/internal/task"
)

var (
	loopSession         string
	loopMaxIterations   int
	loopBudget          time.Duration
	loopMarker          string
	loopCheckpointEvery int
	loopStatePath       string
	loopNoHistory       bool
)

// loopCmd runs a task autonomously until it signals completion
var loopCmd = &cobra.Command{
	Use:   "loop [task-file]",
	Short: "Run a task repeatedly until it completes",
	Long: `Runs the task file over and over until it signals completion, the
iteration cap is reached, or the time budget runs out.

Completion is signaled by the marker string (default LOOP_COMPLETE)
appearing in the last evaluate output, or by editing the marker or the
word DONE into the task file itself. The file is re-read before every
iteration, so it can be edited mid-run.

State is checkpointed to a JSON file so an interrupted run can be
inspected, and finished runs are archived to the history database.`,
	Args: cobra.ExactArgs(1),
	RunE: runLoop,
}

func runLoop(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	initFileLogging()
	defer logging.CloseAll()

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	lcfg := loopConfigFromFlags(cmd, cfg, args[0])

	deps := loop.Deps{
		Executor: newRelayExecutor(ctx, cfg),
		Out:      os.Stdout,
	}

	if cfg.History.Enabled && !loopNoHistory {
		store, err := history.NewStore(cfg.History.DatabasePath)
		if err != nil {
			logger.Warn("History archive unavailable", zap.Error(err))
		} else {
			defer store.Close()
			deps.Archive = func(ctx context.Context, rec loop.RunRecord) error {
				return store.RecordRun(&history.Run{
					RunID:      rec.RunID,
					TaskPath:   rec.TaskPath,
					Status:     rec.Status,
					Iterations: rec.Iterations,
					Errors:     rec.Errors,
					LastOutput: rec.LastOutput,
					StartedAt:  rec.StartedAt,
					FinishedAt: rec.FinishedAt,
				})
			}
		}
	}

	ctrl, err := loop.New(lcfg, deps)
	if err != nil {
		return err
	}

	state, err := ctrl.Run(ctx)
	if err != nil {
		return err
	}
	if state.Status != loop.StatusCompleted {
		return fmt.Errorf("loop ended without completing: %s", state.Status)
	}
	return nil
}

// loopConfigFromFlags layers explicit flags over the config file.
func loopConfigFromFlags(cmd *cobra.Command, cfg *config.Config, taskPath string) loop.Config {
	lcfg := loop.Config{
		TaskPath:        taskPath,
		MaxIterations:   cfg.Loop.MaxIterations,
		Budget:          cfg.GetLoopBudget(),
		Marker:          cfg.Loop.Marker,
		CheckpointEvery: cfg.Loop.CheckpointEvery,
		StatePath:       cfg.Loop.StatePath,
	}
	if cmd.Flags().Changed("max-iterations") {
		lcfg.MaxIterations = loopMaxIterations
	}
	if cmd.Flags().Changed("budget") {
		lcfg.Budget = loopBudget
	}
	if cmd.Flags().Changed("marker") {
		lcfg.Marker = loopMarker
	}
	if cmd.Flags().Changed("checkpoint-every") {
		lcfg.CheckpointEvery = loopCheckpointEvery
	}
	if cmd.Flags().Changed("state") {
		lcfg.StatePath = loopStatePath
	}
	return lcfg
}

// newRelayExecutor runs task iterations through a relay client, redialing
// when the connection has died so a relay restart costs one backoff cycle
// instead of the whole run.
func newRelayExecutor(ctx context.Context, cfg *config.Config) loop.Executor {
	var (
		mu  sync.Mutex
		cur *client.Client
	)
	relayBase := resolveRelayURL(cfg)

	acquire := func(ctx context.Context) (*client.Client, error) {
		mu.Lock()
		defer mu.Unlock()
		if cur != nil {
			select {
			case <-cur.Done():
				cur = nil
			default:
				return cur, nil
			}
		}
		c, err := client.Dial(ctx, relayBase, client.Options{
			ClientID:    cfg.Client.ClientID,
			CallTimeout: cfg.GetClientCallTimeout(),
		})
		if err != nil {
			return nil, fmt.Errorf("connect to relay: %w", err)
		}
		cur = c
		return c, nil
	}

	// Close whatever client is live once the loop's context ends.
	go func() {
		<-ctx.Done()
		mu.Lock()
		if cur != nil {
			cur.Close()
		}
		mu.Unlock()
	}()

	return loop.ExecutorFunc(func(ctx context.Context, t *task.Task) (*task.Result, error) {
		c, err := acquire(ctx)
		if err != nil {
			return nil, err
		}
		runner := task.NewRunner(c, loopSession, os.Stdout)
		return runner.Run(ctx, t), nil
	})
}
