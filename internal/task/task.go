// Package task loads and executes browser task files: ordered step lists
// that drive a tab through the relay. The step vocabulary is closed; a file
// using an op this package does not know is rejected at load time, so
// execution never meets an unknown command.
package task

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Op names a step operation.
type Op string

const (
	OpNavigate   Op = "navigate"
	OpWait       Op = "wait"
	OpEvaluate   Op = "evaluate"
	OpClick      Op = "click"
	OpType       Op = "type"
	OpScreenshot Op = "screenshot"
	OpAssert     Op = "assert"
	OpLog        Op = "log"
)

// Step is one operation of a task. Which argument fields are set depends on
// Op: Arg carries the single-string ops (navigate url, evaluate/assert
// expression, click selector, screenshot path, log text), Seconds carries
// wait, and Args carries type's [selector, text] pair.
type Step struct {
	Op      Op
	Arg     string
	Args    []string
	Seconds float64
}

// UnmarshalYAML decodes the single-key mapping form used in task files,
// for example `- navigate: https://example.com`.
func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode || len(node.Content) != 2 {
		return fmt.Errorf("line %d: step must be a single-key mapping", node.Line)
	}
	key := node.Content[0].Value
	val := node.Content[1]

	switch Op(key) {
	case OpNavigate, OpEvaluate, OpClick, OpScreenshot, OpAssert, OpLog:
		var arg string
		if err := val.Decode(&arg); err != nil {
			return fmt.Errorf("line %d: %s step: %w", node.Line, key, err)
		}
		if arg == "" {
			return fmt.Errorf("line %d: %s step: empty argument", node.Line, key)
		}
		s.Op = Op(key)
		s.Arg = arg

	case OpWait:
		var secs float64
		if err := val.Decode(&secs); err != nil {
			return fmt.Errorf("line %d: wait step: %w", node.Line, err)
		}
		if secs < 0 {
			return fmt.Errorf("line %d: wait step: negative duration", node.Line)
		}
		s.Op = OpWait
		s.Seconds = secs

	case OpType:
		var pair []string
		if err := val.Decode(&pair); err != nil {
			return fmt.Errorf("line %d: type step: %w", node.Line, err)
		}
		if len(pair) != 2 {
			return fmt.Errorf("line %d: type step needs [selector, text]", node.Line)
		}
		s.Op = OpType
		s.Args = pair

	default:
		return fmt.Errorf("line %d: unknown step op %q", node.Line, key)
	}
	return nil
}

// Task is an ordered step list with an optional human label.
type Task struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"steps"`
}

// Parse decodes a task definition. yaml.v3 also accepts JSON bodies of the
// same shape.
func Parse(data []byte) (*Task, error) {
	var t Task
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse task: %w", err)
	}
	if len(t.Steps) == 0 {
		return nil, fmt.Errorf("task has no steps")
	}
	return &t, nil
}

// Load reads and parses a task file.
func Load(path string) (*Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task file: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}
