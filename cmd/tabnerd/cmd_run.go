package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tabnerd/internal/client"
	"tabnerd/internal/logging"
	"tabnerd/internal/task"
)

var (
	runSession string
	runWatch   bool
)

// runCmd executes one task file
var runCmd = &cobra.Command{
	Use:   "run [task-file]",
	Short: "Execute a task file against the relay",
	Long: `Runs the steps of a YAML task file in order against an attached tab.

A failing step does not stop the run; every step executes and the task is
reported failed if any step failed.

With --watch the command keeps running and re-executes the task whenever
the file changes.

Example task file:
  name: smoke
  steps:
    - navigate: https://example.com
    - wait: 1
    - assert: document.title.length > 0
    - screenshot: shots/home.png`,
	Args: cobra.ExactArgs(1),
	RunE: runTask,
}

func runTask(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	initFileLogging()
	defer logging.CloseAll()

	taskPath := args[0]

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	c, err := client.Dial(ctx, resolveRelayURL(cfg), client.Options{
		ClientID:    cfg.Client.ClientID,
		CallTimeout: cfg.GetClientCallTimeout(),
	})
	if err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}
	defer c.Close()
	logger.Info("Connected to relay", zap.String("client_id", c.ID()))

	execute := func() (*task.Result, error) {
		tk, err := task.Load(taskPath)
		if err != nil {
			return nil, err
		}
		fmt.Printf("Running %s (%d steps)\n", taskPath, len(tk.Steps))
		runner := task.NewRunner(c, runSession, os.Stdout)
		res := runner.Run(ctx, tk)
		fmt.Printf("Task %s\n", res.Summary())
		return res, nil
	}

	if !runWatch {
		res, err := execute()
		if err != nil {
			return err
		}
		if !res.OK() {
			return fmt.Errorf("task failed")
		}
		return nil
	}

	// Watch mode: initial run, then rerun on every settled edit. Failures
	// are reported but never end the watch.
	rerun := make(chan struct{}, 1)
	watcher, err := task.NewWatcher(taskPath, func() {
		select {
		case rerun <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("watch task file: %w", err)
	}
	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("watch task file: %w", err)
	}
	defer watcher.Stop()

	runOnce := func() {
		if _, err := execute(); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}

	runOnce()
	fmt.Println("\nWatching for changes (Ctrl-C to stop)...")
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.Done():
			return fmt.Errorf("relay connection lost")
		case <-rerun:
			fmt.Println("\nTask file changed, rerunning...")
			runOnce()
		}
	}
}
