package variable

import (
	"encoding/json"
	"testing"
)

// TestCollectionSaveAndGet verifies insert and replace
func TestCollectionSaveAndGet(t *testing.T) {
	c := NewCollection(nil)

	if err := c.Save(Variable{ID: "score", Value: "1"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	v := c.Get("score")
	if v == nil || v.Value != "1" {
		t.Fatalf("Expected score=1, got %+v", v)
	}

	if err := c.Save(Variable{ID: "score", Value: "2"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	v = c.Get("score")
	if v.Value != "2" {
		t.Errorf("Expected replaced value 2, got %s", v.Value)
	}
	if c.Len() != 1 {
		t.Errorf("Expected 1 variable after replace, got %d", c.Len())
	}
}

// TestCollectionGetReturnsCopy verifies callers cannot mutate stored values
func TestCollectionGetReturnsCopy(t *testing.T) {
	c := NewCollection([]Variable{{ID: "score", Value: "1"}})

	v := c.Get("score")
	v.Value = "99"

	if got := c.Get("score").Value; got != "1" {
		t.Errorf("Stored value changed through a returned copy: %s", got)
	}
}

// TestCollectionRejectsEmptyID verifies validation
func TestCollectionRejectsEmptyID(t *testing.T) {
	c := NewCollection(nil)
	if err := c.Save(Variable{Value: "x"}); err == nil {
		t.Error("Expected error saving a variable without an id")
	}
}

// TestCollectionGetMissing verifies nil for unknown ids
func TestCollectionGetMissing(t *testing.T) {
	c := NewCollection(nil)
	if v := c.Get("nope"); v != nil {
		t.Errorf("Expected nil for unknown id, got %+v", v)
	}
}

// TestCollectionOrder verifies insertion order is preserved
func TestCollectionOrder(t *testing.T) {
	c := NewCollection([]Variable{
		{ID: "b", Value: "2"},
		{ID: "a", Value: "1"},
		{ID: "c", Value: "3"},
	})

	all := c.All()
	if len(all) != 3 {
		t.Fatalf("Expected 3 variables, got %d", len(all))
	}
	if all[0].ID != "b" || all[1].ID != "a" || all[2].ID != "c" {
		t.Errorf("Insertion order not preserved: %+v", all)
	}
}

// TestCollectionJSONRoundTrip verifies the array wire form
func TestCollectionJSONRoundTrip(t *testing.T) {
	c := NewCollection([]Variable{{ID: "a", Value: "1"}, {ID: "b", Value: "2"}})

	data, err := json.Marshal(c)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	decoded := &Collection{}
	if err := json.Unmarshal(data, decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded.Len() != 2 || decoded.Get("b").Value != "2" {
		t.Errorf("Round trip lost data: %+v", decoded.All())
	}
}

// TestReferenceClone verifies clones are independent
func TestReferenceClone(t *testing.T) {
	ref := Reference{Scope: "shared", Namespace: "this", Variable: "score"}

	clone := ref.Clone()
	clone.Namespace = "doctor"

	if ref.Namespace != "this" {
		t.Errorf("Original reference mutated: %s", ref.Namespace)
	}
	if ref.String() != "shared/this/score" {
		t.Errorf("Unexpected String(): %s", ref.String())
	}
}
