// Package execctx abstracts the capability to create, switch between and
// destroy execution contexts. Exactly one context of a Platform runs at any
// instant; SwitchTo hands control to another context and does not return
// until some later SwitchTo hands it back.
package execctx

import "errors"

// Handle names an execution context. The zero value is never issued.
type Handle uint64

// None is the absent handle.
const None Handle = 0

var (
	// ErrResourceExhausted is returned by Create when no further context can be allocated.
	ErrResourceExhausted = errors.New("execctx: cannot allocate execution context")

	// ErrAlreadyBound is returned by Bind when the platform already has a bound caller.
	ErrAlreadyBound = errors.New("execctx: caller already bound")
)

// Platform is the execution-context capability consumed by the fiber scheduler.
type Platform interface {
	// Bind adopts the calling context as a switchable context and returns its handle.
	Bind() (Handle, error)

	// Create allocates a suspended context that runs entry when first switched to.
	// entry must never return; it ends by switching away or destroying itself.
	Create(entry func()) (Handle, error)

	// SwitchTo suspends the current context and resumes h. It returns only
	// when the caller is resumed again. Switching to the current context is a no-op.
	SwitchTo(h Handle)

	// Current reports the context executing this call.
	Current() Handle

	// Destroy releases h. h must not be running, except that destroying the
	// current context ends the logical thread and does not return.
	// Unknown handles are ignored.
	Destroy(h Handle)

	// Unbind returns a context adopted by Bind to plain, non-switchable execution.
	Unbind(h Handle)
}
