package variable

import (
	"encoding/json"
	"sync"

	"github.com/wandertale/engine/internal/subscription"
)

// Scope names understood by the engine. The set is extensible server-side;
// these two are what the synchronisation protocol exchanges today.
const (
	ScopeGlobal = "global"
	ScopeShared = "shared"
)

// StateScope is a named scope holding one State per namespace. It carries
// the server-assigned revision number used for collision detection.
// Revision numbers are comparable only within the same (readingId, scope)
// pair.
type StateScope struct {
	readingID string
	storyID   string
	revision  int64

	states    map[string]*State
	order     []string
	observers *subscription.Service
	stateSubs []subscription.Subscription
	mu        sync.RWMutex
}

// NewStateScope creates an empty scope with revision 0.
func NewStateScope(readingID, storyID string) *StateScope {
	return &StateScope{
		readingID: readingID,
		storyID:   storyID,
		states:    make(map[string]*State),
		observers: subscription.NewService(),
	}
}

// ReadingID returns the reading this scope belongs to.
func (sc *StateScope) ReadingID() string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.readingID
}

// StoryID returns the story this scope belongs to.
func (sc *StateScope) StoryID() string {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.storyID
}

// RevisionNumber returns the server-assigned revision of this snapshot.
func (sc *StateScope) RevisionNumber() int64 {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.revision
}

// SetRevisionNumber stamps the scope with a revision. Used by servers and
// test fixtures; clients receive revisions through the wire form.
func (sc *StateScope) SetRevisionNumber(revision int64) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.revision = revision
}

// Get returns the referenced variable. Accessing a namespace that has no
// state yet is valid and yields nil.
func (sc *StateScope) Get(ref Reference) (*Variable, error) {
	sc.mu.RLock()
	state := sc.states[ref.Namespace]
	sc.mu.RUnlock()

	if state == nil {
		return nil, nil
	}
	return state.Get(ref)
}

// Save writes value into the referenced variable. A previously-unseen
// namespace gets a new State seeded with exactly the variable being
// saved, so the write produces a single notification.
func (sc *StateScope) Save(ref Reference, value string) error {
	sc.mu.Lock()
	state := sc.states[ref.Namespace]
	if state == nil {
		state = NewState(ref.Namespace, []Variable{{ID: ref.Variable, Value: value}})
		sc.addStateLocked(state)
		sc.mu.Unlock()
		sc.observers.Notify()
		return nil
	}
	sc.mu.Unlock()

	return state.Save(ref, value)
}

// addStateLocked registers a state and wires its notifications into the
// scope's own service. Caller must hold sc.mu.
func (sc *StateScope) addStateLocked(state *State) {
	sc.states[state.ID()] = state
	sc.order = append(sc.order, state.ID())
	sc.stateSubs = append(sc.stateSubs, state.Subscribe(sc.observers.Notify))
}

// State returns the state for a namespace, or nil.
func (sc *StateScope) State(namespace string) *State {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.states[namespace]
}

// States returns the scope's states in insertion order.
func (sc *StateScope) States() []*State {
	sc.mu.RLock()
	defer sc.mu.RUnlock()

	all := make([]*State, 0, len(sc.order))
	for _, id := range sc.order {
		all = append(all, sc.states[id])
	}
	return all
}

// Subscribe registers for "something in this scope changed" notifications.
// Mutating through the scope and mutating a contained State directly
// produce the same single notification per logical change.
func (sc *StateScope) Subscribe(callback subscription.NotifyCallback) subscription.Subscription {
	return sc.observers.Subscribe(callback)
}

// scopeJSON is the wire form of a StateScope.
type scopeJSON struct {
	ReadingID string          `json:"readingId"`
	StoryID   string          `json:"storyId"`
	States    json.RawMessage `json:"states"`
	Revision  int64           `json:"revision"`
}

// MarshalJSON encodes the scope as {readingId, storyId, states, revision}.
func (sc *StateScope) MarshalJSON() ([]byte, error) {
	states, err := json.Marshal(sc.States())
	if err != nil {
		return nil, err
	}

	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return json.Marshal(scopeJSON{
		ReadingID: sc.readingID,
		StoryID:   sc.storyID,
		States:    states,
		Revision:  sc.revision,
	})
}

// UnmarshalJSON decodes the wire form, rebuilding the per-state
// subscriptions.
func (sc *StateScope) UnmarshalJSON(data []byte) error {
	var raw scopeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var states []*State
	if len(raw.States) > 0 {
		if err := json.Unmarshal(raw.States, &states); err != nil {
			return err
		}
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.readingID = raw.ReadingID
	sc.storyID = raw.StoryID
	sc.revision = raw.Revision
	sc.states = make(map[string]*State, len(states))
	sc.order = nil
	sc.stateSubs = nil
	if sc.observers == nil {
		sc.observers = subscription.NewService()
	}
	for _, state := range states {
		sc.addStateLocked(state)
	}
	return nil
}

// CombinedScopes is the full synchronisation unit: the global and shared
// scopes are always read and written together so a save is atomic across
// both.
type CombinedScopes struct {
	Global *StateScope `json:"global"`
	Shared *StateScope `json:"shared"`
}

// Scope returns the named scope, or nil for an unknown name.
func (c *CombinedScopes) Scope(name string) *StateScope {
	switch name {
	case ScopeGlobal:
		return c.Global
	case ScopeShared:
		return c.Shared
	}
	return nil
}

// NewerThan reports whether either of c's scopes carries a strictly
// higher revision than other's. A snapshot that is not newer is stale
// and must not replace the current one.
func (c *CombinedScopes) NewerThan(other *CombinedScopes) bool {
	if other == nil {
		return true
	}
	return c.Shared.RevisionNumber() > other.Shared.RevisionNumber() ||
		c.Global.RevisionNumber() > other.Global.RevisionNumber()
}
