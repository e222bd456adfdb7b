package variable

import (
	"encoding/json"
	"fmt"

	"github.com/wandertale/engine/internal/subscription"
)

// ErrNamespaceMismatch reports a save routed to a State whose id does not
// match the reference's namespace. This is a programming error in the
// calling story logic, never retried.
var ErrNamespaceMismatch = fmt.Errorf("variable reference namespace does not match state")

// State is one namespace's variable bag. Observers are notified
// synchronously after every mutation.
type State struct {
	id        string
	variables *Collection
	observers *subscription.Service
}

// NewState creates a state for the given namespace, seeded with the given
// variables.
func NewState(id string, variables []Variable) *State {
	return &State{
		id:        id,
		variables: NewCollection(variables),
		observers: subscription.NewService(),
	}
}

// ID returns the namespace this state holds variables for.
func (s *State) ID() string {
	return s.id
}

// Get returns the referenced variable. A reference whose namespace does
// not match this state, or a variable that was never written, yields nil.
func (s *State) Get(ref Reference) (*Variable, error) {
	if ref.Namespace != s.id {
		return nil, nil
	}
	return s.variables.Get(ref.Variable), nil
}

// Save writes value into the referenced variable, creating it if absent,
// and notifies observers. A reference addressed at another namespace is
// rejected: it indicates a misrouted write.
func (s *State) Save(ref Reference, value string) error {
	if ref.Namespace != s.id {
		return fmt.Errorf("saving %q in state %q: %w", ref.Namespace, s.id, ErrNamespaceMismatch)
	}

	if err := s.variables.Save(Variable{ID: ref.Variable, Value: value}); err != nil {
		return err
	}

	s.observers.Notify()
	return nil
}

// Subscribe registers for change notifications on this state.
func (s *State) Subscribe(callback subscription.NotifyCallback) subscription.Subscription {
	return s.observers.Subscribe(callback)
}

// Variables returns a snapshot of the state's variables.
func (s *State) Variables() []Variable {
	return s.variables.All()
}

// stateJSON is the wire form of a State.
type stateJSON struct {
	ID        string     `json:"id"`
	Variables []Variable `json:"variables"`
}

// MarshalJSON encodes the state as {id, variables}.
func (s *State) MarshalJSON() ([]byte, error) {
	return json.Marshal(stateJSON{
		ID:        s.id,
		Variables: s.variables.All(),
	})
}

// UnmarshalJSON decodes the {id, variables} wire form.
func (s *State) UnmarshalJSON(data []byte) error {
	var raw stateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.ID == "" {
		return fmt.Errorf("state id must not be empty")
	}

	s.id = raw.ID
	s.variables = NewCollection(raw.Variables)
	s.observers = subscription.NewService()
	return nil
}
