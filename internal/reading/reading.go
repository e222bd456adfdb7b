// Package reading implements the reading session layer: the Reading
// model shared by a group of readers, the namespace resolver that lets
// story logic address "this" reader's variables, and the Manager that
// drives page status and the execute-functions-and-save cycle.
package reading

import (
	"encoding/json"
	"fmt"
	"sync"
)

// Reading lifecycle states.
const (
	StateNotStarted = "notstarted"
	StateInProgress = "inprogress"
	StateClosed     = "closed"
)

// Reader is a participant in a reading.
type Reader struct {
	ID string `json:"id"`
}

// Reading is one shared walk-through of a story by a group of readers.
type Reading struct {
	ID      string
	Name    string
	StoryID string

	state     string
	readers   []Reader
	timestamp int64
	mu        sync.RWMutex
}

// NewReading creates a reading in the notstarted state.
func NewReading(id, name, storyID string) *Reading {
	return &Reading{
		ID:      id,
		Name:    name,
		StoryID: storyID,
		state:   StateNotStarted,
	}
}

// State returns the reading's lifecycle state.
func (r *Reading) State() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// SetState transitions the reading's lifecycle state. Only the three
// known states are accepted.
func (r *Reading) SetState(state string) error {
	switch state {
	case StateNotStarted, StateInProgress, StateClosed:
	default:
		return fmt.Errorf("reading state must be %q, %q or %q, got %q",
			StateNotStarted, StateInProgress, StateClosed, state)
	}

	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
	return nil
}

// HasReader reports whether the user already participates in the
// reading.
func (r *Reading) HasReader(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, reader := range r.readers {
		if reader.ID == userID {
			return true
		}
	}
	return false
}

// AddReader registers a participant. Adding an existing reader is a
// no-op.
func (r *Reading) AddReader(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, reader := range r.readers {
		if reader.ID == userID {
			return
		}
	}
	r.readers = append(r.readers, Reader{ID: userID})
}

// Readers returns the participants in join order.
func (r *Reading) Readers() []Reader {
	r.mu.RLock()
	defer r.mu.RUnlock()

	readers := make([]Reader, len(r.readers))
	copy(readers, r.readers)
	return readers
}

// Timestamp returns the unix time of the last save.
func (r *Reading) Timestamp() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.timestamp
}

// SetTimestamp stamps the reading, typically just before a save.
func (r *Reading) SetTimestamp(unix int64) {
	r.mu.Lock()
	r.timestamp = unix
	r.mu.Unlock()
}

// readingJSON is the wire form of a Reading.
type readingJSON struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	StoryID   string   `json:"storyId"`
	Readers   []Reader `json:"readers"`
	State     string   `json:"state"`
	Timestamp int64    `json:"timestamp"`
}

// MarshalJSON encodes the reading in its wire form.
func (r *Reading) MarshalJSON() ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return json.Marshal(readingJSON{
		ID:        r.ID,
		Name:      r.Name,
		StoryID:   r.StoryID,
		Readers:   r.readers,
		State:     r.state,
		Timestamp: r.timestamp,
	})
}

// UnmarshalJSON decodes the wire form. A missing state defaults to
// notstarted; an unknown state fails the decode.
func (r *Reading) UnmarshalJSON(data []byte) error {
	var raw readingJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.State == "" {
		raw.State = StateNotStarted
	}

	r.mu.Lock()
	r.ID = raw.ID
	r.Name = raw.Name
	r.StoryID = raw.StoryID
	r.readers = raw.Readers
	r.timestamp = raw.Timestamp
	r.mu.Unlock()

	return r.SetState(raw.State)
}
