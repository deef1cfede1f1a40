package model

import "testing"

func TestRunState_IsTerminal(t *testing.T) {
	tests := []struct {
		state    RunState
		terminal bool
	}{
		{RunStateRunning, false},
		{RunStateReturned, true},
		{RunStateHalted, true},
		{RunStateTimedOut, true},
		{RunStateFailed, true},
	}
	for _, tt := range tests {
		if got := tt.state.IsTerminal(); got != tt.terminal {
			t.Errorf("RunState(%q).IsTerminal() = %v, want %v", tt.state, got, tt.terminal)
		}
	}
}

func TestRunState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  RunState
		to    RunState
		valid bool
	}{
		// Valid transitions
		{RunStateRunning, RunStateReturned, true},
		{RunStateRunning, RunStateHalted, true},
		{RunStateRunning, RunStateTimedOut, true},
		{RunStateRunning, RunStateFailed, true},

		// Invalid transitions
		{RunStateReturned, RunStateRunning, false},
		{RunStateHalted, RunStateReturned, false},
		{RunStateFailed, RunStateRunning, false},
		{RunStateRunning, RunStateRunning, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.valid {
			t.Errorf("RunState(%q).CanTransitionTo(%q) = %v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestParseRunState(t *testing.T) {
	if st, ok := ParseRunState("HALTED"); !ok || st != RunStateHalted {
		t.Errorf("ParseRunState(HALTED) = %q, %v", st, ok)
	}
	if _, ok := ParseRunState("halted"); ok {
		t.Error("ParseRunState is case sensitive")
	}
	if _, ok := ParseRunState(""); ok {
		t.Error("ParseRunState(\"\") should fail")
	}
}
