package variable

import (
	"encoding/json"
	"testing"
)

// TestScopeSaveCreatesNamespace verifies lazy namespace creation
func TestScopeSaveCreatesNamespace(t *testing.T) {
	scope := NewStateScope("reading-1", "story-1")

	ref := Reference{Scope: ScopeShared, Namespace: "doctor", Variable: "visited"}
	if err := scope.Save(ref, "true"); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	v, err := scope.Get(ref)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if v == nil || v.Value != "true" {
		t.Fatalf("Expected visited=true, got %+v", v)
	}
	if scope.State("doctor") == nil {
		t.Error("Expected a state for the new namespace")
	}
}

// TestScopeGetUnknownNamespace verifies nil without error
func TestScopeGetUnknownNamespace(t *testing.T) {
	scope := NewStateScope("reading-1", "story-1")

	v, err := scope.Get(Reference{Namespace: "nope", Variable: "x"})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if v != nil {
		t.Errorf("Expected nil for unknown namespace, got %+v", v)
	}
}

// TestScopeSingleNotificationPerSave verifies creating a namespace notifies once
func TestScopeSingleNotificationPerSave(t *testing.T) {
	scope := NewStateScope("reading-1", "story-1")

	var calls int
	scope.Subscribe(func() { calls++ })

	// First save creates the namespace seeded with the variable.
	scope.Save(Reference{Namespace: "doctor", Variable: "visited"}, "true")
	if calls != 1 {
		t.Errorf("Expected 1 notification for a namespace-creating save, got %d", calls)
	}

	// Subsequent saves go through the existing state.
	scope.Save(Reference{Namespace: "doctor", Variable: "visited"}, "false")
	if calls != 2 {
		t.Errorf("Expected 2 notifications, got %d", calls)
	}
}

// TestScopeForwardsStateNotifications verifies direct state writes reach scope observers
func TestScopeForwardsStateNotifications(t *testing.T) {
	scope := NewStateScope("reading-1", "story-1")
	scope.Save(Reference{Namespace: "doctor", Variable: "visited"}, "true")

	var calls int
	scope.Subscribe(func() { calls++ })

	state := scope.State("doctor")
	state.Save(Reference{Namespace: "doctor", Variable: "visited"}, "false")

	if calls != 1 {
		t.Errorf("Expected scope observer notified through the state, got %d", calls)
	}
}

// TestScopeRevision verifies revision accessors
func TestScopeRevision(t *testing.T) {
	scope := NewStateScope("reading-1", "story-1")
	if scope.RevisionNumber() != 0 {
		t.Errorf("Expected fresh scope at revision 0, got %d", scope.RevisionNumber())
	}
	scope.SetRevisionNumber(7)
	if scope.RevisionNumber() != 7 {
		t.Errorf("Expected revision 7, got %d", scope.RevisionNumber())
	}
}

// TestScopeJSONRoundTrip verifies the wire form and rebuilt forwarding
func TestScopeJSONRoundTrip(t *testing.T) {
	scope := NewStateScope("reading-1", "story-1")
	scope.SetRevisionNumber(3)
	scope.Save(Reference{Namespace: "doctor", Variable: "visited"}, "true")

	data, err := json.Marshal(scope)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var wire map[string]json.RawMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		t.Fatalf("Wire form is not an object: %v", err)
	}
	for _, key := range []string{"readingId", "storyId", "states", "revision"} {
		if _, ok := wire[key]; !ok {
			t.Errorf("Wire form missing %q", key)
		}
	}

	decoded := &StateScope{}
	if err := json.Unmarshal(data, decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.ReadingID() != "reading-1" || decoded.StoryID() != "story-1" {
		t.Errorf("Round trip lost ids: %s/%s", decoded.ReadingID(), decoded.StoryID())
	}
	if decoded.RevisionNumber() != 3 {
		t.Errorf("Expected revision 3, got %d", decoded.RevisionNumber())
	}

	v, _ := decoded.Get(Reference{Namespace: "doctor", Variable: "visited"})
	if v == nil || v.Value != "true" {
		t.Fatalf("Round trip lost variable: %+v", v)
	}

	// Forwarding subscriptions must be rebuilt for decoded scopes.
	var calls int
	decoded.Subscribe(func() { calls++ })
	decoded.State("doctor").Save(Reference{Namespace: "doctor", Variable: "visited"}, "false")
	if calls != 1 {
		t.Errorf("Expected decoded scope to forward state notifications, got %d", calls)
	}
}

// TestCombinedScopesScope verifies name lookup
func TestCombinedScopesScope(t *testing.T) {
	scopes := &CombinedScopes{
		Global: NewStateScope("r", "s"),
		Shared: NewStateScope("r", "s"),
	}

	if scopes.Scope(ScopeGlobal) != scopes.Global {
		t.Error("Expected global scope")
	}
	if scopes.Scope(ScopeShared) != scopes.Shared {
		t.Error("Expected shared scope")
	}
	if scopes.Scope("local") != nil {
		t.Error("Expected nil for unknown scope name")
	}
}

// TestCombinedScopesNewerThan verifies strict monotonic comparison
func TestCombinedScopesNewerThan(t *testing.T) {
	build := func(global, shared int64) *CombinedScopes {
		c := &CombinedScopes{
			Global: NewStateScope("r", "s"),
			Shared: NewStateScope("r", "s"),
		}
		c.Global.SetRevisionNumber(global)
		c.Shared.SetRevisionNumber(shared)
		return c
	}

	current := build(2, 2)

	if !build(3, 2).NewerThan(current) {
		t.Error("Higher global revision should be newer")
	}
	if !build(2, 3).NewerThan(current) {
		t.Error("Higher shared revision should be newer")
	}
	if build(2, 2).NewerThan(current) {
		t.Error("Equal revisions are not newer")
	}
	if build(1, 1).NewerThan(current) {
		t.Error("Lower revisions are not newer")
	}
	if !build(0, 0).NewerThan(nil) {
		t.Error("Anything is newer than no snapshot")
	}
}
