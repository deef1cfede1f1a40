// Package workload describes sets of demo tasks and submits them to a
// fiber scheduler.
package workload

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dop251/goja"
	"gopkg.in/yaml.v3"

	"github.com/me/fibersched/internal/config"
)

// Kind selects what a task does on each iteration.
type Kind string

const (
	// KindSleep prints a step, sleeps for Duration, prints another step.
	KindSleep Kind = "sleep"
	// KindYield prints a step, yields, prints another step.
	KindYield Kind = "yield"
	// KindScript runs a JavaScript program with scheduler bindings.
	KindScript Kind = "script"
)

// TaskSpec is one entry of a workload's task list.
type TaskSpec struct {
	Name       string        `yaml:"name"`
	Kind       Kind          `yaml:"kind"`
	Iterations int           `yaml:"iterations"` // 0 loops until the run is stopped
	Duration   time.Duration `yaml:"duration"`   // Sleep length for KindSleep
	Script     string        `yaml:"script"`     // Source for KindScript
	Count      int           `yaml:"count"`      // Number of copies to submit, default 1
}

// Forever reports whether the task loops until stopped.
func (t TaskSpec) Forever() bool { return t.Iterations == 0 && t.Kind != KindScript }

// Workload is a named set of tasks plus the scheduler policy to run them under.
type Workload struct {
	Name     string     `yaml:"name"`
	Shuffle  *bool      `yaml:"shuffle"`   // nil keeps the configured default
	KillMain bool       `yaml:"kill_main"` // Retire main on the first yield
	ReadySet string     `yaml:"ready_set"` // linear or heap, empty keeps the default
	Tasks    []TaskSpec `yaml:"tasks"`
}

// Load reads and validates a workload file.
func Load(path string) (*Workload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workload: %w", err)
	}
	w, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("workload %s: %w", path, err)
	}
	return w, nil
}

// Parse decodes and validates a workload document.
func Parse(data []byte) (*Workload, error) {
	var w Workload
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return &w, nil
}

// Validate checks every task and reports all problems at once.
func (w *Workload) Validate() error {
	var errs []error
	if w.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(w.Tasks) == 0 {
		errs = append(errs, errors.New("at least one task is required"))
	}
	sched := config.SchedulerConfig{ReadySet: w.ReadySet}
	if err := sched.Validate(); err != nil {
		errs = append(errs, err)
	}

	names := make(map[string]bool)
	for i, t := range w.Tasks {
		where := fmt.Sprintf("tasks[%d]", i)
		if t.Name == "" {
			errs = append(errs, fmt.Errorf("%s: name is required", where))
		} else if names[t.Name] {
			errs = append(errs, fmt.Errorf("%s: duplicate name %q", where, t.Name))
		}
		names[t.Name] = true

		if t.Iterations < 0 {
			errs = append(errs, fmt.Errorf("%s: iterations must not be negative", where))
		}
		if t.Count < 0 {
			errs = append(errs, fmt.Errorf("%s: count must not be negative", where))
		}
		switch t.Kind {
		case KindSleep:
			if t.Duration <= 0 {
				errs = append(errs, fmt.Errorf("%s: sleep task needs a positive duration", where))
			}
		case KindYield:
		case KindScript:
			if t.Script == "" {
				errs = append(errs, fmt.Errorf("%s: script task needs a script", where))
			} else if _, err := goja.Compile(t.Name, t.Script, false); err != nil {
				errs = append(errs, fmt.Errorf("%s: compile script: %w", where, err))
			}
		default:
			errs = append(errs, fmt.Errorf("%s: unknown kind %q (want sleep, yield or script)", where, t.Kind))
		}
	}
	return errors.Join(errs...)
}

// Apply overlays the workload's policy onto cfg.
func (w *Workload) Apply(cfg config.SchedulerConfig) config.SchedulerConfig {
	if w.Shuffle != nil {
		cfg.Shuffle = *w.Shuffle
	}
	if w.KillMain {
		cfg.KillMain = true
	}
	if w.ReadySet != "" {
		cfg.ReadySet = w.ReadySet
	}
	return cfg
}

// Demo returns the classic three-task demo: two sleepers around a yielder,
// run in submission order with main retired on the first yield. Zero
// iterations loops until the run is stopped.
func Demo(iterations int) *Workload {
	shuffle := false
	return &Workload{
		Name:     "demo",
		Shuffle:  &shuffle,
		KillMain: true,
		Tasks: []TaskSpec{
			{Name: "Task 1", Kind: KindSleep, Iterations: iterations, Duration: 500 * time.Millisecond},
			{Name: "Task 2", Kind: KindYield, Iterations: iterations},
			{Name: "Task 3", Kind: KindSleep, Iterations: iterations, Duration: 500 * time.Millisecond},
		},
	}
}
