package task

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"tabnerd/internal/logging"
	"tabnerd/internal/protocol"
)

// noMatchSentinel is returned by the injected selector expressions when
// document.querySelector finds nothing.
const noMatchSentinel = "__no_match__"

// Caller is the narrow wire surface the runner needs. *client.Client
// satisfies it; tests stub it.
type Caller interface {
	Call(ctx context.Context, method string, params any, sessionID string) (json.RawMessage, error)
}

// StepResult records one executed step.
type StepResult struct {
	Index  int
	Op     Op
	Output string
	Err    error
}

// Result is the outcome of one task run. A run succeeds only when every
// step succeeded; failed steps do not stop the run, so Steps always covers
// the whole task.
type Result struct {
	Name       string
	Steps      []StepResult
	Failed     int
	LastOutput string
	Started    time.Time
	Finished   time.Time
}

// OK reports whether every step succeeded.
func (r *Result) OK() bool {
	return r.Failed == 0
}

// Summary is a one-line human rendering of the outcome.
func (r *Result) Summary() string {
	if r.Failed == 0 {
		return fmt.Sprintf("ok (%d steps)", len(r.Steps))
	}
	return fmt.Sprintf("failed (%d/%d steps failed)", r.Failed, len(r.Steps))
}

// Runner executes tasks against one session.
type Runner struct {
	caller  Caller
	session string
	out     io.Writer
}

// NewRunner binds a runner to a caller and session id. session may be empty;
// the relay then routes to its first known session. out receives per-step
// outcome lines and log-step text; nil discards it.
func NewRunner(caller Caller, session string, out io.Writer) *Runner {
	if out == nil {
		out = io.Discard
	}
	return &Runner{caller: caller, session: session, out: out}
}

// Run executes every step in order. A failing step marks the run failed and
// execution continues with the next step.
func (r *Runner) Run(ctx context.Context, t *Task) *Result {
	res := &Result{Name: t.Name, Started: time.Now()}
	total := len(t.Steps)
	logging.Task("run %q: %d steps (session=%q)", t.Name, total, r.session)

	for i, step := range t.Steps {
		output, err := r.runStep(ctx, step)
		res.Steps = append(res.Steps, StepResult{Index: i, Op: step.Op, Output: output, Err: err})
		if output != "" && (step.Op == OpEvaluate || step.Op == OpAssert) {
			res.LastOutput = output
		}
		if err != nil {
			res.Failed++
			fmt.Fprintf(r.out, "  [%d/%d] %s FAILED: %v\n", i+1, total, step.Op, err)
			logging.TaskError("step %d/%d %s: %v", i+1, total, step.Op, err)
			continue
		}
		fmt.Fprintf(r.out, "  [%d/%d] %s ok\n", i+1, total, step.Op)
		logging.TaskDebug("step %d/%d %s ok", i+1, total, step.Op)
	}

	res.Finished = time.Now()
	logging.Task("run %q: %s", t.Name, res.Summary())
	return res
}

func (r *Runner) runStep(ctx context.Context, step Step) (string, error) {
	switch step.Op {
	case OpNavigate:
		_, err := r.caller.Call(ctx, "Page.navigate", map[string]string{"url": step.Arg}, r.session)
		return "", err

	case OpWait:
		// Waiting never fails, even when the context dies under it.
		d := time.Duration(step.Seconds * float64(time.Second))
		select {
		case <-time.After(d):
		case <-ctx.Done():
		}
		return "", nil

	case OpEvaluate:
		return r.evaluate(ctx, step.Arg)

	case OpClick:
		out, err := r.evaluate(ctx, clickExpression(step.Arg))
		if err != nil {
			return "", err
		}
		if out == noMatchSentinel {
			return "", fmt.Errorf("%w: %s", protocol.ErrElementNotFound, step.Arg)
		}
		return "", nil

	case OpType:
		out, err := r.evaluate(ctx, typeExpression(step.Args[0], step.Args[1]))
		if err != nil {
			return "", err
		}
		if out == noMatchSentinel {
			return "", fmt.Errorf("%w: %s", protocol.ErrElementNotFound, step.Args[0])
		}
		return "", nil

	case OpScreenshot:
		return "", r.screenshot(ctx, step.Arg)

	case OpAssert:
		out, err := r.evaluate(ctx, step.Arg)
		if err != nil {
			return out, err
		}
		if out != "true" {
			return out, fmt.Errorf("%w: got %s", protocol.ErrAssertionFailed, out)
		}
		return out, nil

	case OpLog:
		fmt.Fprintln(r.out, step.Arg)
		logging.Task("%s", step.Arg)
		return "", nil
	}

	// Parse enforces the closed op set; reaching this is a programming error.
	return "", fmt.Errorf("unhandled op %q", step.Op)
}

// evalResult is the Runtime.evaluate payload subset the runner reads.
type evalResult struct {
	Result struct {
		Type        string          `json:"type"`
		Value       json.RawMessage `json:"value"`
		Description string          `json:"description"`
	} `json:"result"`
	ExceptionDetails *struct {
		Text      string `json:"text"`
		Exception *struct {
			Description string `json:"description"`
		} `json:"exception"`
	} `json:"exceptionDetails"`
}

func (r *Runner) evaluate(ctx context.Context, expression string) (string, error) {
	raw, err := r.caller.Call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expression,
		"returnByValue": true,
	}, r.session)
	if err != nil {
		return "", err
	}

	var res evalResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("bad evaluate result: %w", err)
	}
	if res.ExceptionDetails != nil {
		msg := res.ExceptionDetails.Text
		if res.ExceptionDetails.Exception != nil && res.ExceptionDetails.Exception.Description != "" {
			msg = res.ExceptionDetails.Exception.Description
		}
		return "", &protocol.RemoteError{Message: msg}
	}
	return stringifyValue(res.Result.Value, res.Result.Type, res.Result.Description), nil
}

// stringifyValue renders an evaluate result the way an operator reads it:
// plain strings lose their quotes, everything else keeps its JSON form.
func stringifyValue(value json.RawMessage, typ, description string) string {
	if len(value) == 0 {
		if description != "" {
			return description
		}
		if typ == "undefined" {
			return "undefined"
		}
		return ""
	}
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		return s
	}
	return string(value)
}

func (r *Runner) screenshot(ctx context.Context, path string) error {
	raw, err := r.caller.Call(ctx, "Page.captureScreenshot", map[string]string{"format": "png"}, r.session)
	if err != nil {
		return err
	}
	var res struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("bad screenshot result: %w", err)
	}
	img, err := base64.StdEncoding.DecodeString(res.Data)
	if err != nil {
		return fmt.Errorf("decode screenshot: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: create screenshot dir: %v", protocol.ErrIO, err)
		}
	}
	if err := os.WriteFile(path, img, 0644); err != nil {
		return fmt.Errorf("%w: write screenshot: %v", protocol.ErrIO, err)
	}
	logging.TaskDebug("screenshot saved to %s (%d bytes)", path, len(img))
	return nil
}

// clickExpression builds the injected click-by-selector script. The selector
// is JSON-escaped so arbitrary quoting survives embedding.
func clickExpression(selector string) string {
	sel, _ := json.Marshal(selector)
	return fmt.Sprintf(`(() => { const el = document.querySelector(%s); if (!el) return %q; el.click(); return 'clicked'; })()`,
		sel, noMatchSentinel)
}

// typeExpression sets the element value and dispatches input/change events
// so framework-bound inputs notice the edit.
func typeExpression(selector, text string) string {
	sel, _ := json.Marshal(selector)
	val, _ := json.Marshal(text)
	return fmt.Sprintf(`(() => { const el = document.querySelector(%s); if (!el) return %q; el.focus(); el.value = %s; el.dispatchEvent(new Event('input', {bubbles: true})); el.dispatchEvent(new Event('change', {bubbles: true})); return 'typed'; })()`,
		sel, noMatchSentinel, val)
}
