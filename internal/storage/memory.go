package storage

import (
	"sync"
)

// snapshotKey identifies one stored snapshot.
type snapshotKey struct {
	readingID string
	scope     string
}

// MemoryStorage is an in-memory storage backend.
type MemoryStorage struct {
	snapshots map[snapshotKey]*SnapshotData
	documents map[string]*DocumentData
	mu        sync.RWMutex
}

// NewMemoryStorage creates a new in-memory storage backend.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		snapshots: make(map[snapshotKey]*SnapshotData),
		documents: make(map[string]*DocumentData),
	}
}

// StoreSnapshots persists snapshots under one lock, so readers never see
// a partially-applied save.
func (m *MemoryStorage) StoreSnapshots(snapshots []*SnapshotData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range snapshots {
		copied := *s
		m.snapshots[snapshotKey{s.ReadingID, s.Scope}] = &copied
	}
	return nil
}

// LoadSnapshot retrieves one scope's snapshot from memory.
func (m *MemoryStorage) LoadSnapshot(readingID, scope string) (*SnapshotData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.snapshots[snapshotKey{readingID, scope}]
	if !ok {
		return nil, nil
	}
	copied := *s
	return &copied, nil
}

// LoadSnapshots retrieves all of a reading's snapshots from memory.
func (m *MemoryStorage) LoadSnapshots(readingID string) ([]*SnapshotData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var all []*SnapshotData
	for key, s := range m.snapshots {
		if key.readingID == readingID {
			copied := *s
			all = append(all, &copied)
		}
	}
	return all, nil
}

// StoreDocument persists a reading document to memory.
func (m *MemoryStorage) StoreDocument(doc *DocumentData) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *doc
	m.documents[doc.ReadingID] = &copied
	return nil
}

// LoadDocument retrieves a reading document from memory.
func (m *MemoryStorage) LoadDocument(readingID string) (*DocumentData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, ok := m.documents[readingID]
	if !ok {
		return nil, nil
	}
	copied := *doc
	return &copied, nil
}

// LoadDocumentsForStoryAndUser lists matching reading documents.
func (m *MemoryStorage) LoadDocumentsForStoryAndUser(storyID, userID string) ([]*DocumentData, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var docs []*DocumentData
	for _, doc := range m.documents {
		if doc.StoryID == storyID && containsUser(doc, userID) {
			copied := *doc
			docs = append(docs, &copied)
		}
	}
	return docs, nil
}

// DeleteReading removes a reading's document and snapshots from memory.
func (m *MemoryStorage) DeleteReading(readingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.documents, readingID)
	for key := range m.snapshots {
		if key.readingID == readingID {
			delete(m.snapshots, key)
		}
	}
	return nil
}

// Clear removes all data.
func (m *MemoryStorage) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.snapshots = make(map[snapshotKey]*SnapshotData)
	m.documents = make(map[string]*DocumentData)
	return nil
}

// Close is a no-op for memory storage.
func (m *MemoryStorage) Close() error {
	return nil
}
