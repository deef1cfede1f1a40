package execctx

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"
)

// Goroutines is a Platform that backs every context with a goroutine and
// hands control between them over per-context channels, so only one of them
// makes progress at a time.
//
// Destroying a parked context makes its goroutine exit through
// runtime.Goexit, which runs its deferred calls. This includes the goroutine
// that called Bind: once its context is destroyed it never resumes.
type Goroutines struct {
	mu       sync.Mutex
	contexts map[Handle]*gctx
	next     Handle
	current  Handle
	bound    Handle
	max      int
	done     chan struct{}
	doneOnce sync.Once
	logger   *slog.Logger
}

type gctx struct {
	handle Handle
	resume chan struct{}
	kill   chan struct{}
}

// NewGoroutines returns an empty platform. maxContexts bounds the number of
// contexts Create may hold live at once; zero or less means unbounded.
func NewGoroutines(maxContexts int, logger *slog.Logger) *Goroutines {
	return &Goroutines{
		contexts: make(map[Handle]*gctx),
		max:      maxContexts,
		done:     make(chan struct{}),
		logger:   logger.With("component", "execctx"),
	}
}

func newGctx(h Handle) *gctx {
	return &gctx{
		handle: h,
		resume: make(chan struct{}, 1),
		kill:   make(chan struct{}),
	}
}

// park blocks until the context is resumed. A destroyed context never returns.
func (c *gctx) park() {
	select {
	case <-c.resume:
	case <-c.kill:
		runtime.Goexit()
	}
}

// Bind adopts the calling goroutine. A platform has at most one bound caller.
func (g *Goroutines) Bind() (Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.bound != None {
		return None, ErrAlreadyBound
	}
	g.next++
	h := g.next
	g.contexts[h] = newGctx(h)
	g.bound = h
	g.current = h
	g.logger.Debug("caller bound", "handle", h)
	return h, nil
}

// Create starts a parked goroutine that runs entry once switched to.
func (g *Goroutines) Create(entry func()) (Handle, error) {
	g.mu.Lock()
	live := len(g.contexts)
	if g.bound != None {
		live--
	}
	if g.max > 0 && live >= g.max {
		g.mu.Unlock()
		return None, fmt.Errorf("%w: %d contexts live", ErrResourceExhausted, live)
	}
	g.next++
	h := g.next
	c := newGctx(h)
	g.contexts[h] = c
	g.mu.Unlock()

	go func() {
		c.park()
		entry()
		panic(fmt.Sprintf("execctx: entry of context %d returned", h))
	}()

	g.logger.Debug("context created", "handle", h)
	return h, nil
}

// SwitchTo resumes h and parks the caller.
func (g *Goroutines) SwitchTo(h Handle) {
	g.mu.Lock()
	to, ok := g.contexts[h]
	if !ok {
		g.mu.Unlock()
		panic(fmt.Sprintf("execctx: switch to unknown context %d", h))
	}
	if h == g.current {
		g.mu.Unlock()
		return
	}
	from := g.contexts[g.current]
	g.current = h
	g.mu.Unlock()

	to.resume <- struct{}{}
	if from != nil {
		from.park()
	}
}

// Current reports the running context.
func (g *Goroutines) Current() Handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// Destroy releases h. Destroying the current context closes Done and exits
// the calling goroutine.
func (g *Goroutines) Destroy(h Handle) {
	g.mu.Lock()
	c, ok := g.contexts[h]
	if !ok {
		g.mu.Unlock()
		return
	}
	delete(g.contexts, h)
	if h == g.bound {
		g.bound = None
	}
	if h == g.current {
		g.current = None
		g.mu.Unlock()
		g.logger.Debug("current context destroyed, thread ends", "handle", h)
		g.doneOnce.Do(func() { close(g.done) })
		runtime.Goexit()
	}
	g.mu.Unlock()

	close(c.kill)
	g.logger.Debug("context destroyed", "handle", h)
}

// Unbind forgets the bound caller, which keeps running as a plain goroutine.
func (g *Goroutines) Unbind(h Handle) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if h == None || h != g.bound {
		return
	}
	delete(g.contexts, h)
	g.bound = None
	if g.current == h {
		g.current = None
	}
	g.logger.Debug("caller unbound", "handle", h)
}

// Done is closed when a context destroys itself, ending the logical thread.
func (g *Goroutines) Done() <-chan struct{} {
	return g.done
}

// Live reports how many contexts, including a bound caller, are live.
func (g *Goroutines) Live() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.contexts)
}
