package story

import (
	"encoding/json"
	"fmt"
	"os"
)

// Story is the story document consumed read-only by the engine.
type Story struct {
	ID   string
	Name string

	Pages      *Pages
	Roles      *Roles
	Conditions *Conditions
	Functions  *Functions
}

// storyJSON is the wire form of a story document.
type storyJSON struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Pages      []*Page           `json:"pages"`
	Roles      []Role            `json:"roles"`
	Conditions []json.RawMessage `json:"conditions"`
	Functions  []json.RawMessage `json:"functions"`
}

// Decode builds a story from its JSON document. Conditions and functions
// with an unknown type, or with invalid configuration, fail the decode:
// a malformed story is a fatal error, not something to repair at runtime.
func Decode(data []byte) (*Story, error) {
	var raw storyJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding story: %w", err)
	}
	if raw.ID == "" {
		return nil, fmt.Errorf("story id must not be empty")
	}

	conditions := make([]Condition, 0, len(raw.Conditions))
	for _, rawCond := range raw.Conditions {
		cond, err := decodeCondition(rawCond)
		if err != nil {
			return nil, fmt.Errorf("story %s: %w", raw.ID, err)
		}
		conditions = append(conditions, cond)
	}

	functions := make([]Function, 0, len(raw.Functions))
	for _, rawFn := range raw.Functions {
		fn, err := decodeFunction(rawFn)
		if err != nil {
			return nil, fmt.Errorf("story %s: %w", raw.ID, err)
		}
		functions = append(functions, fn)
	}

	return &Story{
		ID:         raw.ID,
		Name:       raw.Name,
		Pages:      NewPages(raw.Pages),
		Roles:      NewRoles(raw.Roles),
		Conditions: NewConditions(conditions),
		Functions:  NewFunctions(functions),
	}, nil
}

// LoadFile reads and decodes a story document from disk.
func LoadFile(path string) (*Story, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading story file: %w", err)
	}
	return Decode(data)
}
