package workload

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/me/fibersched/internal/config"
	"github.com/me/fibersched/internal/execctx"
	"github.com/me/fibersched/internal/fiber"
)

const mixedYAML = `
name: mixed
shuffle: false
ready_set: heap
tasks:
  - name: sleeper
    kind: sleep
    iterations: 3
    duration: 500ms
  - name: spinner
    kind: yield
    count: 2
  - name: js
    kind: script
    script: |
      for (var i = 0; i < 3; i++) { log("step " + i); yield_now(); }
`

func TestParse(t *testing.T) {
	w, err := Parse([]byte(mixedYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if w.Name != "mixed" || w.Shuffle == nil || *w.Shuffle || w.ReadySet != "heap" {
		t.Errorf("workload = %+v", w)
	}
	if len(w.Tasks) != 3 {
		t.Fatalf("tasks = %d, want 3", len(w.Tasks))
	}
	if w.Tasks[0].Duration != 500*time.Millisecond || w.Tasks[0].Iterations != 3 {
		t.Errorf("sleeper = %+v", w.Tasks[0])
	}
	if !w.Tasks[1].Forever() || w.Tasks[1].Count != 2 {
		t.Errorf("spinner = %+v", w.Tasks[1])
	}
	if w.Tasks[2].Kind != KindScript || !strings.Contains(w.Tasks[2].Script, "yield_now") {
		t.Errorf("js = %+v", w.Tasks[2])
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"no name", "tasks: [{name: a, kind: yield}]", "name is required"},
		{"no tasks", "name: x", "at least one task"},
		{"bad kind", "name: x\ntasks: [{name: a, kind: spin}]", "unknown kind"},
		{"sleep without duration", "name: x\ntasks: [{name: a, kind: sleep}]", "positive duration"},
		{"empty script", "name: x\ntasks: [{name: a, kind: script}]", "needs a script"},
		{"syntax error", "name: x\ntasks: [{name: a, kind: script, script: 'for (;'}]", "compile script"},
		{"duplicate", "name: x\ntasks: [{name: a, kind: yield}, {name: a, kind: yield}]", "duplicate name"},
		{"negative iterations", "name: x\ntasks: [{name: a, kind: yield, iterations: -1}]", "iterations"},
		{"bad ready set", "name: x\nready_set: tree\ntasks: [{name: a, kind: yield}]", "ready_set"},
		{"bad yaml", "name: [", "parse"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Parse() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestApply(t *testing.T) {
	w, err := Parse([]byte(mixedYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := w.Apply(config.DefaultSchedulerConfig())
	if got.Shuffle || got.KillMain || got.ReadySet != "heap" {
		t.Errorf("Apply() = %+v", got)
	}

	unset := &Workload{Name: "x"}
	if got := unset.Apply(config.DefaultSchedulerConfig()); got != config.DefaultSchedulerConfig() {
		t.Errorf("Apply() with nothing set = %+v, want defaults", got)
	}
}

func TestDemo(t *testing.T) {
	w := Demo(0)
	if err := w.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	cfg := w.Apply(config.DefaultSchedulerConfig())
	if cfg.Shuffle || !cfg.KillMain {
		t.Errorf("demo policy = %+v, want shuffle off and kill-main on", cfg)
	}
	kinds := []Kind{KindSleep, KindYield, KindSleep}
	for i, task := range w.Tasks {
		if task.Kind != kinds[i] || !task.Forever() {
			t.Errorf("task %d = %+v", i, task)
		}
	}
}

// runWorkload submits w to a fresh scheduler with shuffle off and runs it to
// completion on its own thread.
func runWorkload(t *testing.T, w *Workload, env *Env) []*fiber.Fiber {
	t.Helper()
	p := execctx.NewGoroutines(0, slog.New(slog.DiscardHandler))
	var fibers []*fiber.Fiber
	done := make(chan struct{})
	go func() {
		defer close(done)
		s, err := fiber.New(p, fiber.WithShuffle(false))
		if err != nil {
			t.Errorf("fiber.New: %v", err)
			return
		}
		fibers, err = Submit(s, w, env)
		if err != nil {
			t.Errorf("Submit: %v", err)
			return
		}
		if err := s.Start(); err != nil {
			t.Errorf("Start: %v", err)
		}
		s.Close()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("workload did not finish")
	}
	return fibers
}

func newEnv() (*Env, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewEnv(&buf, slog.New(slog.DiscardHandler)), &buf
}

func lines(buf *bytes.Buffer) []string {
	return strings.Split(strings.TrimSpace(buf.String()), "\n")
}

func TestSubmit_YieldTasksInterleave(t *testing.T) {
	env, out := newEnv()
	w := &Workload{Name: "pair", Tasks: []TaskSpec{
		{Name: "A", Kind: KindYield, Iterations: 2},
		{Name: "B", Kind: KindYield, Iterations: 2},
	}}
	runWorkload(t, w, env)

	want := []string{
		"A: Step 1", "B: Step 1",
		"A: Step 2", "A: Step 1",
		"B: Step 2", "B: Step 1",
		"A: Step 2", "B: Step 2",
	}
	if got := lines(out); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("output =\n%s\nwant\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
	}
}

func TestSubmit_SleepTask(t *testing.T) {
	env, out := newEnv()
	w := &Workload{Name: "nap", Tasks: []TaskSpec{
		{Name: "S", Kind: KindSleep, Iterations: 2, Duration: 10 * time.Millisecond},
	}}
	start := time.Now()
	fibers := runWorkload(t, w, env)

	if elapsed := time.Since(start); elapsed < 20*time.Millisecond {
		t.Errorf("two 10ms sleeps finished in %v", elapsed)
	}
	if n := len(lines(out)); n != 4 {
		t.Errorf("output lines = %d, want 4", n)
	}
	if fibers[0].State() != fiber.StateFinished {
		t.Errorf("state = %v, want finished", fibers[0].State())
	}
}

func TestSubmit_Copies(t *testing.T) {
	env, _ := newEnv()
	w := &Workload{Name: "copies", Tasks: []TaskSpec{
		{Name: "w", Kind: KindYield, Iterations: 1, Count: 3},
		{Name: "solo", Kind: KindYield, Iterations: 1},
	}}
	fibers := runWorkload(t, w, env)

	var names []string
	for _, f := range fibers {
		names = append(names, f.Name())
	}
	if got := strings.Join(names, ","); got != "w-1,w-2,w-3,solo" {
		t.Errorf("names = %s", got)
	}
}

func TestScriptTask_Bindings(t *testing.T) {
	env, out := newEnv()
	w := &Workload{Name: "js", Tasks: []TaskSpec{
		{Name: "js", Kind: KindScript, Script: `for (var i = 0; i < 2; i++) { log(NAME + " step " + i); yield_now(); }`},
		{Name: "Y", Kind: KindYield, Iterations: 1},
	}}
	fibers := runWorkload(t, w, env)

	want := []string{"js: js step 0", "Y: Step 1", "js: js step 1", "Y: Step 2"}
	if got := lines(out); strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("output = %q, want %q", got, want)
	}
	for _, f := range fibers {
		if f.State() != fiber.StateFinished {
			t.Errorf("%s state = %v, want finished", f.Name(), f.State())
		}
	}
}

func TestScriptTask_SleepNow(t *testing.T) {
	env, _ := newEnv()
	w := &Workload{Name: "js", Tasks: []TaskSpec{
		{Name: "js", Kind: KindScript, Script: `sleep_now(15); log("awake");`},
	}}
	start := time.Now()
	runWorkload(t, w, env)
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("sleep_now(15) returned after %v", elapsed)
	}
}

func TestScriptTask_ErrorFailsFiber(t *testing.T) {
	env, _ := newEnv()
	w := &Workload{Name: "js", Tasks: []TaskSpec{
		{Name: "bad", Kind: KindScript, Script: `yield_now(); throw new Error("nope");`},
		{Name: "good", Kind: KindYield, Iterations: 2},
	}}
	fibers := runWorkload(t, w, env)

	bad, good := fibers[0], fibers[1]
	if bad.State() != fiber.StateFailed {
		t.Fatalf("bad state = %v, want failed", bad.State())
	}
	if err := bad.Err(); err == nil || !strings.Contains(err.Error(), "nope") {
		t.Errorf("bad.Err() = %v", err)
	}
	if good.State() != fiber.StateFinished {
		t.Errorf("good state = %v, want finished", good.State())
	}
}

func TestStop_EndsTasksQuietly(t *testing.T) {
	env, out := newEnv()
	env.Stop()
	w := &Workload{Name: "forever", Tasks: []TaskSpec{
		{Name: "spin", Kind: KindYield},
		{Name: "js", Kind: KindScript, Script: `while (true) { yield_now(); }`},
	}}
	fibers := runWorkload(t, w, env)

	if out.Len() != 0 {
		t.Errorf("stopped tasks printed %q", out.String())
	}
	for _, f := range fibers {
		if f.State() != fiber.StateFinished {
			t.Errorf("%s state = %v, want finished", f.Name(), f.State())
		}
	}
}

func TestStop_InterruptsBusyScript(t *testing.T) {
	env, _ := newEnv()
	w := &Workload{Name: "busy", Tasks: []TaskSpec{
		{Name: "hog", Kind: KindScript, Script: `while (true) {}`},
	}}
	go func() {
		for env.running() == 0 {
			time.Sleep(time.Millisecond)
		}
		env.Stop()
	}()
	fibers := runWorkload(t, w, env)

	if len(fibers) != 1 || fibers[0].State() != fiber.StateFinished {
		t.Fatalf("fibers = %v, want one finished fiber", fibers)
	}
	if n := env.running(); n != 0 {
		t.Errorf("running scripts = %d after stop, want 0", n)
	}
}
