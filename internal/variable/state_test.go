package variable

import (
	"encoding/json"
	"errors"
	"testing"
)

// TestStateGetAndSave verifies reads and writes within the namespace
func TestStateGetAndSave(t *testing.T) {
	state := NewState("doctor", nil)

	ref := Reference{Scope: "shared", Namespace: "doctor", Variable: "visited"}
	if err := state.Save(ref, "true"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	v, err := state.Get(ref)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if v == nil || v.Value != "true" {
		t.Fatalf("Expected visited=true, got %+v", v)
	}
}

// TestStateGetWrongNamespace verifies a mismatched read yields nil, not an error
func TestStateGetWrongNamespace(t *testing.T) {
	state := NewState("doctor", []Variable{{ID: "visited", Value: "true"}})

	v, err := state.Get(Reference{Scope: "shared", Namespace: "patient", Variable: "visited"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if v != nil {
		t.Errorf("Expected nil for a mismatched namespace, got %+v", v)
	}
}

// TestStateSaveWrongNamespace verifies a misrouted write is rejected
func TestStateSaveWrongNamespace(t *testing.T) {
	state := NewState("doctor", nil)

	err := state.Save(Reference{Scope: "shared", Namespace: "patient", Variable: "visited"}, "true")
	if !errors.Is(err, ErrNamespaceMismatch) {
		t.Errorf("Expected ErrNamespaceMismatch, got %v", err)
	}
}

// TestStateNotifiesOnSave verifies one notification per mutation
func TestStateNotifiesOnSave(t *testing.T) {
	state := NewState("doctor", nil)

	var calls int
	state.Subscribe(func() { calls++ })

	ref := Reference{Namespace: "doctor", Variable: "visited"}
	state.Save(ref, "true")
	state.Save(ref, "false")

	if calls != 2 {
		t.Errorf("Expected 2 notifications, got %d", calls)
	}
}

// TestStateJSONRoundTrip verifies the {id, variables} wire form
func TestStateJSONRoundTrip(t *testing.T) {
	state := NewState("doctor", []Variable{{ID: "visited", Value: "true"}})

	data, err := json.Marshal(state)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	decoded := &State{}
	if err := json.Unmarshal(data, decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.ID() != "doctor" {
		t.Errorf("Expected id doctor, got %s", decoded.ID())
	}
	v, _ := decoded.Get(Reference{Namespace: "doctor", Variable: "visited"})
	if v == nil || v.Value != "true" {
		t.Errorf("Round trip lost variable: %+v", v)
	}

	// Decoded states must still notify.
	var calls int
	decoded.Subscribe(func() { calls++ })
	decoded.Save(Reference{Namespace: "doctor", Variable: "visited"}, "false")
	if calls != 1 {
		t.Errorf("Expected decoded state to notify, got %d calls", calls)
	}
}

// TestStateUnmarshalRejectsEmptyID verifies decode validation
func TestStateUnmarshalRejectsEmptyID(t *testing.T) {
	decoded := &State{}
	if err := json.Unmarshal([]byte(`{"id":"","variables":[]}`), decoded); err == nil {
		t.Error("Expected error decoding a state without an id")
	}
}
