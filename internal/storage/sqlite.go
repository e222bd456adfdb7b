package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStorage is a SQLite storage backend.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage creates a new SQLite storage backend.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	s := &SQLiteStorage{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// init creates the necessary tables.
func (s *SQLiteStorage) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			reading_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			revision INTEGER NOT NULL DEFAULT 0,
			payload TEXT,
			PRIMARY KEY (reading_id, scope)
		);
		CREATE TABLE IF NOT EXISTS readings (
			reading_id TEXT PRIMARY KEY,
			story_id TEXT NOT NULL,
			user_ids TEXT,
			payload TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_readings_story ON readings(story_id);
	`)
	return err
}

// StoreSnapshots persists snapshots in one transaction.
func (s *SQLiteStorage) StoreSnapshots(snapshots []*SnapshotData) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	for _, snap := range snapshots {
		_, err := tx.Exec(`
			INSERT INTO snapshots (reading_id, scope, revision, payload)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (reading_id, scope) DO UPDATE SET
				revision = excluded.revision,
				payload = excluded.payload
		`, snap.ReadingID, snap.Scope, snap.Revision, string(snap.Payload))
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("storing snapshot %s/%s: %w", snap.ReadingID, snap.Scope, err)
		}
	}

	return tx.Commit()
}

// LoadSnapshot retrieves one scope's snapshot from SQLite.
func (s *SQLiteStorage) LoadSnapshot(readingID, scope string) (*SnapshotData, error) {
	var revision int64
	var payload sql.NullString

	err := s.db.QueryRow(`
		SELECT revision, payload FROM snapshots
		WHERE reading_id = ? AND scope = ?
	`, readingID, scope).Scan(&revision, &payload)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	snap := &SnapshotData{ReadingID: readingID, Scope: scope, Revision: revision}
	if payload.Valid {
		snap.Payload = json.RawMessage(payload.String)
	}
	return snap, nil
}

// LoadSnapshots retrieves all of a reading's snapshots from SQLite.
func (s *SQLiteStorage) LoadSnapshots(readingID string) ([]*SnapshotData, error) {
	rows, err := s.db.Query(`
		SELECT scope, revision, payload FROM snapshots WHERE reading_id = ?
	`, readingID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []*SnapshotData
	for rows.Next() {
		var scope string
		var revision int64
		var payload sql.NullString

		if err := rows.Scan(&scope, &revision, &payload); err != nil {
			return nil, err
		}

		snap := &SnapshotData{ReadingID: readingID, Scope: scope, Revision: revision}
		if payload.Valid {
			snap.Payload = json.RawMessage(payload.String)
		}
		all = append(all, snap)
	}
	return all, rows.Err()
}

// StoreDocument persists a reading document to SQLite.
func (s *SQLiteStorage) StoreDocument(doc *DocumentData) error {
	userIDs, err := json.Marshal(doc.UserIDs)
	if err != nil {
		userIDs = []byte("[]")
	}

	_, err = s.db.Exec(`
		INSERT INTO readings (reading_id, story_id, user_ids, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (reading_id) DO UPDATE SET
			story_id = excluded.story_id,
			user_ids = excluded.user_ids,
			payload = excluded.payload
	`, doc.ReadingID, doc.StoryID, string(userIDs), string(doc.Payload))
	return err
}

// LoadDocument retrieves a reading document from SQLite.
func (s *SQLiteStorage) LoadDocument(readingID string) (*DocumentData, error) {
	var storyID string
	var userIDs, payload sql.NullString

	err := s.db.QueryRow(`
		SELECT story_id, user_ids, payload FROM readings WHERE reading_id = ?
	`, readingID).Scan(&storyID, &userIDs, &payload)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return scanDocument(readingID, storyID, userIDs, payload), nil
}

// LoadDocumentsForStoryAndUser lists matching reading documents.
func (s *SQLiteStorage) LoadDocumentsForStoryAndUser(storyID, userID string) ([]*DocumentData, error) {
	rows, err := s.db.Query(`
		SELECT reading_id, story_id, user_ids, payload FROM readings WHERE story_id = ?
	`, storyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*DocumentData
	for rows.Next() {
		var readingID, story string
		var userIDs, payload sql.NullString

		if err := rows.Scan(&readingID, &story, &userIDs, &payload); err != nil {
			return nil, err
		}

		doc := scanDocument(readingID, story, userIDs, payload)
		if containsUser(doc, userID) {
			docs = append(docs, doc)
		}
	}
	return docs, rows.Err()
}

// scanDocument rebuilds a DocumentData from scanned columns.
func scanDocument(readingID, storyID string, userIDs, payload sql.NullString) *DocumentData {
	doc := &DocumentData{ReadingID: readingID, StoryID: storyID}
	if userIDs.Valid && userIDs.String != "" {
		if err := json.Unmarshal([]byte(userIDs.String), &doc.UserIDs); err != nil {
			doc.UserIDs = nil
		}
	}
	if payload.Valid {
		doc.Payload = json.RawMessage(payload.String)
	}
	return doc
}

// DeleteReading removes a reading's document and snapshots from SQLite.
func (s *SQLiteStorage) DeleteReading(readingID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM snapshots WHERE reading_id = ?", readingID); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec("DELETE FROM readings WHERE reading_id = ?", readingID); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Clear removes all data.
func (s *SQLiteStorage) Clear() error {
	_, err := s.db.Exec("DELETE FROM snapshots; DELETE FROM readings;")
	return err
}

// Close closes the database.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
