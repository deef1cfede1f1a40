package execctx

import "fmt"

// OpKind identifies a recorded platform operation.
type OpKind string

const (
	OpBind    OpKind = "bind"
	OpCreate  OpKind = "create"
	OpSwitch  OpKind = "switch"
	OpDestroy OpKind = "destroy"
	OpUnbind  OpKind = "unbind"
)

// Op is one recorded platform call.
type Op struct {
	Kind   OpKind
	Handle Handle
}

// Recorder is a Platform that transfers no control at all. SwitchTo only
// moves Current and records the call, so callers can drive scheduling
// decisions synchronously and inspect them afterwards.
type Recorder struct {
	// Max bounds live created contexts, as in Goroutines. Zero means unbounded.
	Max int

	ops     []Op
	entries map[Handle]func()
	next    Handle
	current Handle
	bound   Handle
	halted  bool
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{entries: make(map[Handle]func())}
}

func (r *Recorder) Bind() (Handle, error) {
	if r.bound != None {
		return None, ErrAlreadyBound
	}
	r.next++
	r.bound = r.next
	r.current = r.bound
	r.ops = append(r.ops, Op{OpBind, r.bound})
	return r.bound, nil
}

func (r *Recorder) Create(entry func()) (Handle, error) {
	if r.Max > 0 && len(r.entries) >= r.Max {
		return None, ErrResourceExhausted
	}
	r.next++
	h := r.next
	r.entries[h] = entry
	r.ops = append(r.ops, Op{OpCreate, h})
	return h, nil
}

// SwitchTo panics on handles that were never issued or are already destroyed.
func (r *Recorder) SwitchTo(h Handle) {
	if _, ok := r.entries[h]; !ok && h != r.bound {
		panic(fmt.Sprintf("execctx: switch to unknown context %d", h))
	}
	r.ops = append(r.ops, Op{OpSwitch, h})
	r.current = h
}

func (r *Recorder) Current() Handle { return r.current }

// Destroy records the release. Destroying the current context marks the
// recorder halted and leaves Current at None.
func (r *Recorder) Destroy(h Handle) {
	if _, ok := r.entries[h]; !ok && h != r.bound {
		return
	}
	delete(r.entries, h)
	if h == r.bound {
		r.bound = None
	}
	r.ops = append(r.ops, Op{OpDestroy, h})
	if h == r.current {
		r.current = None
		r.halted = true
	}
}

func (r *Recorder) Unbind(h Handle) {
	if h == None || h != r.bound {
		return
	}
	r.bound = None
	r.ops = append(r.ops, Op{OpUnbind, h})
}

// Enter makes h current without recording a switch, as if h had just been
// resumed by another party. Tests use it to act on behalf of a fiber.
func (r *Recorder) Enter(h Handle) { r.current = h }

// Entry returns the entry function registered for h.
func (r *Recorder) Entry(h Handle) func() { return r.entries[h] }

// Ops returns every recorded operation in call order.
func (r *Recorder) Ops() []Op { return append([]Op(nil), r.ops...) }

// Switches returns the targets of every recorded SwitchTo.
func (r *Recorder) Switches() []Handle {
	var out []Handle
	for _, op := range r.ops {
		if op.Kind == OpSwitch {
			out = append(out, op.Handle)
		}
	}
	return out
}

// Count reports how many times op was recorded for h.
func (r *Recorder) Count(kind OpKind, h Handle) int {
	n := 0
	for _, op := range r.ops {
		if op.Kind == kind && op.Handle == h {
			n++
		}
	}
	return n
}

// Halted reports whether the current context destroyed itself.
func (r *Recorder) Halted() bool { return r.halted }

// Live reports how many created contexts have not been destroyed.
func (r *Recorder) Live() int { return len(r.entries) }
