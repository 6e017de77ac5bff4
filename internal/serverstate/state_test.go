package serverstate

import "testing"

func TestStateTransitions(t *testing.T) {
	Reset()
	defer Reset()

	if got := GetState(); got != StateNotReady {
		t.Fatalf("initial state = %q; want %q", got, StateNotReady)
	}
	if IsDraining() {
		t.Fatalf("initial draining = true; want false")
	}

	SetState(StateReady)
	if got := GetState(); got != StateReady {
		t.Fatalf("state after SetState = %q; want %q", got, StateReady)
	}

	StartDrain()
	if got := GetState(); got != StateDraining {
		t.Fatalf("state after StartDrain = %q; want %q", got, StateDraining)
	}
	if !IsDraining() {
		t.Fatalf("IsDraining = false; want true")
	}
}
