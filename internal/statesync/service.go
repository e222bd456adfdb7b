// Package statesync implements the synchronised state container: the
// single source of truth for a reading session's shared and global
// variable scopes, background refresh polling, and the optimistic push
// protocol with revision-based collision detection.
package statesync

import (
	"context"

	"github.com/wandertale/engine/internal/variable"
)

// UpdateStatesResponse is the server's answer to a state save. When
// Collision is true the submitted write was rejected and Scopes holds the
// server's authoritative (newer) snapshots instead; when false the write
// was accepted and Scopes reflects the revision the server assigned.
type UpdateStatesResponse struct {
	Scopes    *variable.CombinedScopes `json:"scopes"`
	Collision bool                     `json:"collision"`
}

// StateService is the transport-facing collaborator the container talks
// to. The server behind it compares submitted revision numbers against
// its stored ones per scope.
type StateService interface {
	// FetchStates returns the server's current scope snapshots for a
	// reading.
	FetchStates(ctx context.Context, readingID string) (*variable.CombinedScopes, error)

	// SaveStates submits the full combined scopes for storage.
	SaveStates(ctx context.Context, scopes *variable.CombinedScopes) (*UpdateStatesResponse, error)
}
