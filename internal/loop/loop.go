// Package loop runs a task repeatedly until it reports completion or runs
// out of budget. The controller owns the loop state machine, persists
// checkpoints so an operator can inspect a run in flight, and backs off when
// iterations fail for infrastructure reasons.
package loop

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"tabnerd/internal/logging"
	"tabnerd/internal/task"
)

// Status is the loop state. Once a run reaches a terminal status it never
// transitions again.
type Status string

const (
	StatusRunning       Status = "running"
	StatusCompleted     Status = "completed"
	StatusMaxIterations Status = "max_iterations"
	StatusTimeout       Status = "timeout"
	StatusAborted       Status = "aborted"
)

// Terminal reports whether the status ends a run.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusMaxIterations, StatusTimeout, StatusAborted:
		return true
	}
	return false
}

const (
	defaultMaxIterations   = 10
	defaultBudget          = time.Hour
	defaultMarker          = "LOOP_COMPLETE"
	defaultCheckpointEvery = 5
	defaultStatePath       = ".tabnerd/loop_state.json"

	maxBackoff = 30 * time.Second
)

// Config tunes one loop run. Zero fields take the defaults above.
type Config struct {
	TaskPath        string
	MaxIterations   int
	Budget          time.Duration
	Marker          string
	CheckpointEvery int
	StatePath       string
	RunID           string
}

func (c *Config) normalize() error {
	if c.TaskPath == "" {
		return fmt.Errorf("task path required")
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = defaultMaxIterations
	}
	if c.Budget <= 0 {
		c.Budget = defaultBudget
	}
	if c.Marker == "" {
		c.Marker = defaultMarker
	}
	if c.CheckpointEvery <= 0 {
		c.CheckpointEvery = defaultCheckpointEvery
	}
	if c.StatePath == "" {
		c.StatePath = defaultStatePath
	}
	if c.RunID == "" {
		c.RunID = uuid.NewString()
	}
	return nil
}

// State is the checkpointed loop state, rewritten in full on every save.
type State struct {
	RunID             string    `json:"runId"`
	TaskPath          string    `json:"taskPath"`
	Status            Status    `json:"status"`
	Iteration         int       `json:"iteration"`
	ConsecutiveErrors int       `json:"consecutiveErrors"`
	TotalErrors       int       `json:"totalErrors"`
	StartedAt         time.Time `json:"startedAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
	LastOutput        string    `json:"lastOutput,omitempty"`
	LastError         string    `json:"lastError,omitempty"`
	Marker            string    `json:"marker"`
}

// LoadState reads a checkpoint file.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read loop state: %w", err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse loop state: %w", err)
	}
	return &s, nil
}

// Clock abstracts time so backoff and the wall-clock budget are testable
// without real waiting.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration)
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func (wallClock) Sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Executor runs one parsed task. An error return means the attempt never
// meaningfully ran (relay unreachable, connection lost mid-dial); a task
// whose steps failed is still a successful iteration and is reported inside
// the Result.
type Executor interface {
	Run(ctx context.Context, t *task.Task) (*task.Result, error)
}

// ExecutorFunc adapts a closure to Executor.
type ExecutorFunc func(ctx context.Context, t *task.Task) (*task.Result, error)

func (f ExecutorFunc) Run(ctx context.Context, t *task.Task) (*task.Result, error) {
	return f(ctx, t)
}

// RunRecord is handed to the archive hook at the terminal transition.
type RunRecord struct {
	RunID      string
	TaskPath   string
	Status     string
	Iterations int
	Errors     int
	LastOutput string
	StartedAt  time.Time
	FinishedAt time.Time
}

// ArchiveFunc persists a finished run. Failures are logged, never fatal.
type ArchiveFunc func(ctx context.Context, rec RunRecord) error

// Deps are the controller's collaborators. Executor is required; the rest
// default to wall clock, no archive, and discarded console output.
type Deps struct {
	Executor Executor
	Clock    Clock
	Archive  ArchiveFunc
	Out      io.Writer
}

// Controller drives one autonomous run.
type Controller struct {
	cfg     Config
	exec    Executor
	clock   Clock
	archive ArchiveFunc
	out     io.Writer

	state State
}

func New(cfg Config, deps Deps) (*Controller, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if deps.Executor == nil {
		return nil, fmt.Errorf("executor required")
	}
	c := &Controller{
		cfg:     cfg,
		exec:    deps.Executor,
		clock:   deps.Clock,
		archive: deps.Archive,
		out:     deps.Out,
	}
	if c.clock == nil {
		c.clock = wallClock{}
	}
	if c.out == nil {
		c.out = io.Discard
	}
	return c, nil
}

// Run executes iterations until completion, a bound, or an abort. Both
// bounds are checked before each iteration, so they are never exceeded by
// the iteration they admit. The returned state carries the terminal status.
func (c *Controller) Run(ctx context.Context) (*State, error) {
	start := c.clock.Now()
	c.state = State{
		RunID:     c.cfg.RunID,
		TaskPath:  c.cfg.TaskPath,
		Status:    StatusRunning,
		StartedAt: start,
		Marker:    c.cfg.Marker,
	}
	c.checkpoint()
	logging.Loop("run %s started: task=%s max=%d budget=%s marker=%q",
		c.cfg.RunID, c.cfg.TaskPath, c.cfg.MaxIterations, c.cfg.Budget, c.cfg.Marker)

	deadline := start.Add(c.cfg.Budget)
	for {
		if ctx.Err() != nil {
			c.finish(StatusAborted)
			break
		}
		if c.state.Iteration >= c.cfg.MaxIterations {
			c.finish(StatusMaxIterations)
			break
		}
		if !c.clock.Now().Before(deadline) {
			c.finish(StatusTimeout)
			break
		}

		c.state.Iteration++
		fmt.Fprintf(c.out, "=== iteration %d/%d ===\n", c.state.Iteration, c.cfg.MaxIterations)

		// The task file is re-read every iteration so the operator can edit
		// it mid-run.
		source, tk, err := c.loadTask()
		if err != nil {
			c.iterationError(ctx, err)
			continue
		}

		res, err := c.exec.Run(ctx, tk)
		if err != nil {
			c.iterationError(ctx, err)
			continue
		}

		c.state.ConsecutiveErrors = 0
		if res.LastOutput != "" {
			c.state.LastOutput = res.LastOutput
		}
		fmt.Fprintf(c.out, "iteration %d: task %s\n", c.state.Iteration, res.Summary())
		logging.Loop("iteration %d: %s (last output %q)", c.state.Iteration, res.Summary(), res.LastOutput)

		if c.isComplete(source, res.LastOutput) {
			c.finish(StatusCompleted)
			break
		}

		c.maybeCheckpoint()
	}

	return &c.state, nil
}

func (c *Controller) loadTask() ([]byte, *task.Task, error) {
	source, err := os.ReadFile(c.cfg.TaskPath)
	if err != nil {
		return nil, nil, fmt.Errorf("read task file: %w", err)
	}
	tk, err := task.Parse(source)
	if err != nil {
		return nil, nil, err
	}
	return source, tk, nil
}

// isComplete applies both completion signals: the iteration's last evaluate
// output containing the marker, or the task source itself carrying the
// marker or the literal DONE (how an operator stops a loop by editing the
// file).
func (c *Controller) isComplete(source []byte, lastOutput string) bool {
	if lastOutput != "" && strings.Contains(lastOutput, c.cfg.Marker) {
		return true
	}
	if bytes.Contains(source, []byte(c.cfg.Marker)) || bytes.Contains(source, []byte("DONE")) {
		return true
	}
	return false
}

func (c *Controller) iterationError(ctx context.Context, err error) {
	c.state.ConsecutiveErrors++
	c.state.TotalErrors++
	c.state.LastError = err.Error()

	delay := backoffDelay(c.state.ConsecutiveErrors)
	fmt.Fprintf(c.out, "iteration %d error: %v (backing off %s)\n", c.state.Iteration, err, delay)
	logging.LoopWarn("iteration %d error (consecutive=%d): %v", c.state.Iteration, c.state.ConsecutiveErrors, err)

	c.maybeCheckpoint()
	c.clock.Sleep(ctx, delay)
}

// backoffDelay doubles per consecutive error: 2s, 4s, 8s, ... capped at 30s.
func backoffDelay(consecutive int) time.Duration {
	if consecutive < 1 {
		consecutive = 1
	}
	if consecutive > 4 {
		return maxBackoff
	}
	return time.Duration(1<<uint(consecutive)) * time.Second
}

func (c *Controller) maybeCheckpoint() {
	if c.state.Iteration%c.cfg.CheckpointEvery == 0 {
		c.checkpoint()
	}
}

func (c *Controller) checkpoint() {
	c.state.UpdatedAt = c.clock.Now()
	if err := saveState(c.cfg.StatePath, &c.state); err != nil {
		logging.LoopWarn("checkpoint failed: %v", err)
		fmt.Fprintf(c.out, "warning: checkpoint failed: %v\n", err)
	}
}

func saveState(path string, s *State) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0644)
}

func (c *Controller) finish(status Status) {
	if c.state.Status.Terminal() {
		return
	}
	c.state.Status = status
	c.checkpoint()

	elapsed := c.state.UpdatedAt.Sub(c.state.StartedAt)
	fmt.Fprintf(c.out, "loop finished: %s after %d iterations (%d errors, %s elapsed)\n",
		status, c.state.Iteration, c.state.TotalErrors, elapsed.Round(time.Second))
	logging.Loop("run %s finished: %s iterations=%d errors=%d elapsed=%s",
		c.cfg.RunID, status, c.state.Iteration, c.state.TotalErrors, elapsed)

	if c.archive == nil {
		return
	}
	rec := RunRecord{
		RunID:      c.state.RunID,
		TaskPath:   c.state.TaskPath,
		Status:     string(status),
		Iterations: c.state.Iteration,
		Errors:     c.state.TotalErrors,
		LastOutput: c.state.LastOutput,
		StartedAt:  c.state.StartedAt,
		FinishedAt: c.state.UpdatedAt,
	}
	// Archiving must survive an aborted context; the run is over either way.
	if err := c.archive(context.Background(), rec); err != nil {
		logging.LoopWarn("history archive failed: %v", err)
		fmt.Fprintf(c.out, "warning: history archive failed: %v\n", err)
	}
}
