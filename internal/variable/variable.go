// Package variable implements the scoped, namespaced variable model that
// drives story logic: Variables keyed by id, References addressing one
// variable across the whole system, per-namespace States, named StateScopes
// with server-assigned revision numbers, and the CombinedScopes unit
// exchanged with the server.
package variable

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Variable is a single named scalar value. Variables are replaced
// wholesale on save, never mutated in place.
type Variable struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

// Reference addresses exactly one variable in the whole system.
// Namespace may be the sentinel "this", which must be resolved to a
// concrete namespace before the reference reaches storage.
type Reference struct {
	Scope     string `json:"scope"`
	Namespace string `json:"namespace"`
	Variable  string `json:"variable"`
}

// Clone returns an independent copy, safe to rewrite without affecting
// the original reference.
func (r Reference) Clone() Reference {
	return r
}

func (r Reference) String() string {
	return r.Scope + "/" + r.Namespace + "/" + r.Variable
}

// Accessor is the capability through which story logic reads and writes
// variables. Implemented by State, StateScope, the synchronised container
// and the namespace resolver.
type Accessor interface {
	// Get returns the referenced variable, or nil if it does not exist.
	Get(ref Reference) (*Variable, error)

	// Save writes value into the referenced variable, creating it if
	// absent.
	Save(ref Reference, value string) error
}

// Collection is an ordered set of variables keyed by id.
type Collection struct {
	order []string
	byID  map[string]*Variable
	mu    sync.RWMutex
}

// NewCollection creates a collection seeded with the given variables.
func NewCollection(variables []Variable) *Collection {
	c := &Collection{
		byID: make(map[string]*Variable),
	}
	for _, v := range variables {
		c.saveLocked(v)
	}
	return c
}

// Get returns the variable with the given id, or nil.
func (c *Collection) Get(id string) *Variable {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.byID[id]
	if !ok {
		return nil
	}
	copied := *v
	return &copied
}

// Save inserts or replaces a variable. The id must be non-empty.
func (c *Collection) Save(v Variable) error {
	if v.ID == "" {
		return fmt.Errorf("variable id must not be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.saveLocked(v)
	return nil
}

// saveLocked inserts or replaces without locking. Caller must hold c.mu
// (or own the collection exclusively, as during construction).
func (c *Collection) saveLocked(v Variable) {
	if _, ok := c.byID[v.ID]; !ok {
		c.order = append(c.order, v.ID)
	}
	stored := v
	c.byID[v.ID] = &stored
}

// All returns the variables in insertion order.
func (c *Collection) All() []Variable {
	c.mu.RLock()
	defer c.mu.RUnlock()

	all := make([]Variable, 0, len(c.order))
	for _, id := range c.order {
		all = append(all, *c.byID[id])
	}
	return all
}

// Len returns the number of variables.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// MarshalJSON encodes the collection as a JSON array of variables.
func (c *Collection) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.All())
}

// UnmarshalJSON decodes a JSON array of variables.
func (c *Collection) UnmarshalJSON(data []byte) error {
	var variables []Variable
	if err := json.Unmarshal(data, &variables); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = nil
	c.byID = make(map[string]*Variable, len(variables))
	for _, v := range variables {
		c.saveLocked(v)
	}
	return nil
}
