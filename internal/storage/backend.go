// Package storage implements snapshot storage backends for the
// development state server: the latest scope snapshot per (reading,
// scope), plus reading documents.
package storage

import (
	"encoding/json"
)

// SnapshotData is one stored scope snapshot.
type SnapshotData struct {
	ReadingID string          `json:"readingId"`
	Scope     string          `json:"scope"`
	Revision  int64           `json:"revision"`
	Payload   json.RawMessage `json:"payload"`
}

// DocumentData is a stored reading document.
type DocumentData struct {
	ReadingID string          `json:"readingId"`
	StoryID   string          `json:"storyId"`
	UserIDs   []string        `json:"userIds"`
	Payload   json.RawMessage `json:"payload"`
}

// Backend is the interface for snapshot storage backends.
type Backend interface {
	// StoreSnapshots persists a set of snapshots atomically: either all
	// land or none do.
	StoreSnapshots(snapshots []*SnapshotData) error

	// LoadSnapshot retrieves one scope's snapshot, or nil when the
	// reading has no stored snapshot for that scope.
	LoadSnapshot(readingID, scope string) (*SnapshotData, error)

	// LoadSnapshots retrieves all of a reading's snapshots.
	LoadSnapshots(readingID string) ([]*SnapshotData, error)

	// StoreDocument persists a reading document.
	StoreDocument(doc *DocumentData) error

	// LoadDocument retrieves a reading document, or nil when absent.
	LoadDocument(readingID string) (*DocumentData, error)

	// LoadDocumentsForStoryAndUser lists reading documents for a story
	// that include the user.
	LoadDocumentsForStoryAndUser(storyID, userID string) ([]*DocumentData, error)

	// DeleteReading removes a reading's document and snapshots.
	DeleteReading(readingID string) error

	// Clear removes all data.
	Clear() error

	// Close closes the storage backend.
	Close() error
}

// containsUser reports whether a document lists the user.
func containsUser(doc *DocumentData, userID string) bool {
	for _, id := range doc.UserIDs {
		if id == userID {
			return true
		}
	}
	return false
}
