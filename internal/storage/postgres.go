package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresStorage is a PostgreSQL storage backend.
type PostgresStorage struct {
	db *sql.DB
}

// NewPostgresStorage creates a new PostgreSQL storage backend.
func NewPostgresStorage(url string) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgresql: %w", err)
	}

	s := &PostgresStorage{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// init creates the necessary tables.
func (s *PostgresStorage) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS snapshots (
			reading_id TEXT NOT NULL,
			scope TEXT NOT NULL,
			revision BIGINT NOT NULL DEFAULT 0,
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
func (s *PostgresStorage) StoreSnapshots(snapshots []*SnapshotData) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}

	for _, snap := range snapshots {
		_, err := tx.Exec(`
			INSERT INTO snapshots (reading_id, scope, revision, payload)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (reading_id, scope) DO UPDATE SET
				revision = EXCLUDED.revision,
				payload = EXCLUDED.payload
		`, snap.ReadingID, snap.Scope, snap.Revision, string(snap.Payload))
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("storing snapshot %s/%s: %w", snap.ReadingID, snap.Scope, err)
		}
	}

	return tx.Commit()
}

// LoadSnapshot retrieves one scope's snapshot from PostgreSQL.
func (s *PostgresStorage) LoadSnapshot(readingID, scope string) (*SnapshotData, error) {
	var revision int64
	var payload sql.NullString

	err := s.db.QueryRow(`
		SELECT revision, payload FROM snapshots
		WHERE reading_id = $1 AND scope = $2
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

// LoadSnapshots retrieves all of a reading's snapshots from PostgreSQL.
func (s *PostgresStorage) LoadSnapshots(readingID string) ([]*SnapshotData, error) {
	rows, err := s.db.Query(`
		SELECT scope, revision, payload FROM snapshots WHERE reading_id = $1
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

// StoreDocument persists a reading document to PostgreSQL.
func (s *PostgresStorage) StoreDocument(doc *DocumentData) error {
	userIDs, err := json.Marshal(doc.UserIDs)
	if err != nil {
		userIDs = []byte("[]")
	}

	_, err = s.db.Exec(`
		INSERT INTO readings (reading_id, story_id, user_ids, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (reading_id) DO UPDATE SET
			story_id = EXCLUDED.story_id,
			user_ids = EXCLUDED.user_ids,
			payload = EXCLUDED.payload
	`, doc.ReadingID, doc.StoryID, string(userIDs), string(doc.Payload))
	return err
}

// LoadDocument retrieves a reading document from PostgreSQL.
func (s *PostgresStorage) LoadDocument(readingID string) (*DocumentData, error) {
	var storyID string
	var userIDs, payload sql.NullString

	err := s.db.QueryRow(`
		SELECT story_id, user_ids, payload FROM readings WHERE reading_id = $1
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
func (s *PostgresStorage) LoadDocumentsForStoryAndUser(storyID, userID string) ([]*DocumentData, error) {
	rows, err := s.db.Query(`
		SELECT reading_id, story_id, user_ids, payload FROM readings WHERE story_id = $1
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

// DeleteReading removes a reading's document and snapshots from
// PostgreSQL.
func (s *PostgresStorage) DeleteReading(readingID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM snapshots WHERE reading_id = $1", readingID); err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec("DELETE FROM readings WHERE reading_id = $1", readingID); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Clear removes all data.
func (s *PostgresStorage) Clear() error {
	_, err := s.db.Exec("TRUNCATE snapshots, readings")
	return err
}

// Close closes the database.
func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
