package fiber

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/me/fibersched/internal/execctx"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeClock only moves when slept on or advanced.
type fakeClock struct {
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock { return &fakeClock{now: epoch} }

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Sleep(d time.Duration) {
	c.slept = append(c.slept, d)
	if d > 0 {
		c.now = c.now.Add(d)
	}
}

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// recorded builds a Scheduler over a Recorder with shuffle off.
func recorded(t *testing.T, opts ...Option) (*Scheduler, *execctx.Recorder, *fakeClock) {
	t.Helper()
	rec := execctx.NewRecorder()
	clk := newFakeClock()
	base := []Option{WithClock(clk), WithShuffle(false), WithRand(rand.New(rand.NewPCG(1, 2)))}
	s, err := New(rec, append(base, opts...)...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s, rec, clk
}

func mustSubmit(t *testing.T, s *Scheduler, name string, task Task) *Fiber {
	t.Helper()
	if task == nil {
		task = func() {}
	}
	f, err := s.SubmitNamed(name, task)
	if err != nil {
		t.Fatalf("Submit(%s): %v", name, err)
	}
	return f
}

// names maps recorded switch targets to fiber names, "main" for the main context.
func names(s *Scheduler, hs []execctx.Handle) []string {
	out := make([]string, 0, len(hs))
	for _, h := range hs {
		if f, ok := s.Lookup(h); ok {
			out = append(out, f.Name())
		} else {
			out = append(out, "main")
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// onThread runs body on its own goroutine and waits for it to return.
func onThread(t *testing.T, body func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		body()
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("thread did not finish")
	}
}
