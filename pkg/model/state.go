package model

// RunState represents the outcome of a scheduler run.
type RunState string

const (
	// RunStateRunning: the scheduler has been started and not yet torn down.
	RunStateRunning RunState = "RUNNING"
	// RunStateReturned: Start returned to main with nothing left to run.
	RunStateReturned RunState = "RETURNED"
	// RunStateHalted: main was destroyed and the last fiber ended the thread.
	RunStateHalted RunState = "HALTED"
	// RunStateTimedOut: the run hit its deadline and was torn down.
	RunStateTimedOut RunState = "TIMED_OUT"
	// RunStateFailed: the run could not be set up, or a fiber failed.
	RunStateFailed RunState = "FAILED"
)

// String returns the string representation of the run state.
func (s RunState) String() string {
	return string(s)
}

// IsTerminal returns true if the run is in a final state.
func (s RunState) IsTerminal() bool {
	switch s {
	case RunStateReturned, RunStateHalted, RunStateTimedOut, RunStateFailed:
		return true
	}
	return false
}

// ValidRunTransitions defines the allowed state transitions for Runs.
var ValidRunTransitions = map[RunState][]RunState{
	RunStateRunning: {RunStateReturned, RunStateHalted, RunStateTimedOut, RunStateFailed},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s RunState) CanTransitionTo(next RunState) bool {
	for _, allowed := range ValidRunTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ParseRunState returns the RunState named by s, or false.
func ParseRunState(s string) (RunState, bool) {
	switch st := RunState(s); st {
	case RunStateRunning, RunStateReturned, RunStateHalted, RunStateTimedOut, RunStateFailed:
		return st, true
	}
	return "", false
}
