// Package devserver implements a development state server with the same
// save-with-revision semantics as the production backend: per-scope
// revision comparison on save, collision responses carrying the
// authoritative snapshots, and a websocket broadcast of fresh snapshots
// to watching clients. It backs the simulator and the integration tests.
package devserver

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/wandertale/engine/internal/statesync"
	"github.com/wandertale/engine/internal/storage"
	"github.com/wandertale/engine/internal/story"
	"github.com/wandertale/engine/internal/variable"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Server is the development state server.
type Server struct {
	store     storage.Backend
	stories   map[string]json.RawMessage
	watchers  map[string][]*websocket.Conn
	verbosity int
	mu        sync.Mutex
}

// Option configures a Server.
type Option func(*Server)

// WithVerbosity sets the logging verbosity for protocol traffic.
func WithVerbosity(level int) Option {
	return func(s *Server) {
		s.verbosity = level
	}
}

// New creates a dev server over the given storage backend.
func New(store storage.Backend, opts ...Option) *Server {
	s := &Server{
		store:    store,
		stories:  make(map[string]json.RawMessage),
		watchers: make(map[string][]*websocket.Conn),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddStory registers a story document, validating it first.
func (s *Server) AddStory(doc []byte) (*story.Story, error) {
	st, err := story.Decode(doc)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.stories[st.ID] = json.RawMessage(doc)
	s.mu.Unlock()
	return st, nil
}

// CreateReading stores a fresh reading document and seeds both scopes at
// revision 1 with no states.
func (s *Server) CreateReading(readingID, name, storyID string) error {
	doc := map[string]any{
		"id":      readingID,
		"name":    name,
		"storyId": storyID,
		"readers": []any{},
		"state":   "notstarted",
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	if err := s.store.StoreDocument(&storage.DocumentData{
		ReadingID: readingID,
		StoryID:   storyID,
		Payload:   payload,
	}); err != nil {
		return err
	}

	return s.store.StoreSnapshots([]*storage.SnapshotData{
		s.emptySnapshot(readingID, storyID, variable.ScopeGlobal),
		s.emptySnapshot(readingID, storyID, variable.ScopeShared),
	})
}

// emptySnapshot builds a revision-1 snapshot with no states.
func (s *Server) emptySnapshot(readingID, storyID, scope string) *storage.SnapshotData {
	sc := variable.NewStateScope(readingID, storyID)
	sc.SetRevisionNumber(1)
	payload, _ := json.Marshal(sc)
	return &storage.SnapshotData{
		ReadingID: readingID,
		Scope:     scope,
		Revision:  1,
		Payload:   payload,
	}
}

// Handler returns the server's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /story/{id}", s.handleGetStory)
	mux.HandleFunc("GET /reading/{id}", s.handleGetReading)
	mux.HandleFunc("PUT /reading/{id}", s.handlePutReading)
	mux.HandleFunc("GET /reading/story/{storyId}/user/{userId}", s.handleReadingsForStoryAndUser)
	mux.HandleFunc("GET /reading/{id}/states", s.handleGetStates)
	mux.HandleFunc("PUT /reading/{id}/states", s.handlePutStates)
	mux.HandleFunc("GET /reading/{id}/watch", s.handleWatch)
	return mux
}

// writeJSON encodes a JSON response body.
func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil && s.verbosity >= 2 {
		log.Printf("[v2] devserver: writing response: %v", err)
	}
}

func (s *Server) handleGetStory(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	doc, ok := s.stories[r.PathValue("id")]
	s.mu.Unlock()

	if !ok {
		http.Error(w, "story not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(doc)
}

func (s *Server) handleGetReading(w http.ResponseWriter, r *http.Request) {
	doc, err := s.store.LoadDocument(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if doc == nil {
		http.Error(w, "reading not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(doc.Payload)
}

func (s *Server) handlePutReading(w http.ResponseWriter, r *http.Request) {
	readingID := r.PathValue("id")

	var raw struct {
		StoryID string `json:"storyId"`
		Readers []struct {
			ID string `json:"id"`
		} `json:"readers"`
	}
	payload := json.RawMessage{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "malformed reading", http.StatusBadRequest)
		return
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		http.Error(w, "malformed reading", http.StatusBadRequest)
		return
	}

	userIDs := make([]string, 0, len(raw.Readers))
	for _, reader := range raw.Readers {
		userIDs = append(userIDs, reader.ID)
	}

	err := s.store.StoreDocument(&storage.DocumentData{
		ReadingID: readingID,
		StoryID:   raw.StoryID,
		UserIDs:   userIDs,
		Payload:   payload,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(payload)
}

func (s *Server) handleReadingsForStoryAndUser(w http.ResponseWriter, r *http.Request) {
	docs, err := s.store.LoadDocumentsForStoryAndUser(r.PathValue("storyId"), r.PathValue("userId"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	payloads := make([]json.RawMessage, 0, len(docs))
	for _, doc := range docs {
		payloads = append(payloads, doc.Payload)
	}
	s.writeJSON(w, payloads)
}

func (s *Server) handleGetStates(w http.ResponseWriter, r *http.Request) {
	readingID := r.PathValue("id")

	scopes, err := s.loadScopes(readingID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if scopes == nil {
		http.Error(w, "reading has no states", http.StatusNotFound)
		return
	}
	s.writeJSON(w, scopes)
}

// handlePutStates implements the save-with-revision protocol: a
// submitted scope whose revision is older than the stored one collides,
// nothing is applied, and the response carries the authoritative
// snapshots. An accepted save bumps both scope revisions and is
// broadcast to watchers.
func (s *Server) handlePutStates(w http.ResponseWriter, r *http.Request) {
	readingID := r.PathValue("id")

	submitted := &variable.CombinedScopes{}
	if err := json.NewDecoder(r.Body).Decode(submitted); err != nil {
		http.Error(w, "malformed scopes", http.StatusBadRequest)
		return
	}
	if submitted.Global == nil || submitted.Shared == nil {
		http.Error(w, "scopes must include global and shared", http.StatusBadRequest)
		return
	}

	// Compare-and-store under one lock so concurrent saves serialize.
	s.mu.Lock()
	current, err := s.loadScopes(readingID)
	if err != nil {
		s.mu.Unlock()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if current == nil {
		s.mu.Unlock()
		http.Error(w, "reading has no states", http.StatusNotFound)
		return
	}

	if submitted.Shared.RevisionNumber() < current.Shared.RevisionNumber() ||
		submitted.Global.RevisionNumber() < current.Global.RevisionNumber() {
		s.mu.Unlock()
		if s.verbosity >= 2 {
			log.Printf("[v2] devserver: collision on reading %s (submitted shared rev %d < %d)",
				readingID, submitted.Shared.RevisionNumber(), current.Shared.RevisionNumber())
		}
		s.writeJSON(w, &statesync.UpdateStatesResponse{Scopes: current, Collision: true})
		return
	}

	submitted.Global.SetRevisionNumber(current.Global.RevisionNumber() + 1)
	submitted.Shared.SetRevisionNumber(current.Shared.RevisionNumber() + 1)

	if err := s.storeScopes(readingID, submitted); err != nil {
		s.mu.Unlock()
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.broadcastLocked(readingID, submitted)
	s.mu.Unlock()

	s.writeJSON(w, &statesync.UpdateStatesResponse{Scopes: submitted, Collision: false})
}

// loadScopes rebuilds a CombinedScopes from stored snapshots, or nil
// when the reading has none.
func (s *Server) loadScopes(readingID string) (*variable.CombinedScopes, error) {
	snaps, err := s.store.LoadSnapshots(readingID)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, nil
	}

	scopes := &variable.CombinedScopes{}
	for _, snap := range snaps {
		sc := &variable.StateScope{}
		if err := json.Unmarshal(snap.Payload, sc); err != nil {
			return nil, fmt.Errorf("decoding stored snapshot %s/%s: %w", readingID, snap.Scope, err)
		}
		switch snap.Scope {
		case variable.ScopeGlobal:
			scopes.Global = sc
		case variable.ScopeShared:
			scopes.Shared = sc
		}
	}
	if scopes.Global == nil || scopes.Shared == nil {
		return nil, fmt.Errorf("reading %s has incomplete snapshots", readingID)
	}
	return scopes, nil
}

// storeScopes persists both scope snapshots atomically.
func (s *Server) storeScopes(readingID string, scopes *variable.CombinedScopes) error {
	globalPayload, err := json.Marshal(scopes.Global)
	if err != nil {
		return err
	}
	sharedPayload, err := json.Marshal(scopes.Shared)
	if err != nil {
		return err
	}

	return s.store.StoreSnapshots([]*storage.SnapshotData{
		{
			ReadingID: readingID,
			Scope:     variable.ScopeGlobal,
			Revision:  scopes.Global.RevisionNumber(),
			Payload:   globalPayload,
		},
		{
			ReadingID: readingID,
			Scope:     variable.ScopeShared,
			Revision:  scopes.Shared.RevisionNumber(),
			Payload:   sharedPayload,
		},
	})
}

// handleWatch upgrades the connection and registers it for snapshot
// broadcasts.
func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	readingID := r.PathValue("id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.watchers[readingID] = append(s.watchers[readingID], conn)
	s.mu.Unlock()

	if s.verbosity >= 1 {
		log.Printf("[v1] devserver: watcher connected for reading %s", readingID)
	}

	// Drain (and discard) client frames so closes are noticed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				s.removeWatcher(readingID, conn)
				conn.Close()
				return
			}
		}
	}()
}

// removeWatcher drops a closed connection from the registry.
func (s *Server) removeWatcher(readingID string, conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	watchers := s.watchers[readingID]
	for i, c := range watchers {
		if c == conn {
			s.watchers[readingID] = append(watchers[:i], watchers[i+1:]...)
			break
		}
	}
	if len(s.watchers[readingID]) == 0 {
		delete(s.watchers, readingID)
	}
}

// broadcastLocked sends fresh snapshots to every watcher of a reading.
// Writes happen under s.mu: a websocket connection allows only one
// concurrent writer, and keeping the broadcast inside the save's
// critical section also keeps frames in revision order.
func (s *Server) broadcastLocked(readingID string, scopes *variable.CombinedScopes) {
	watchers := s.watchers[readingID]
	kept := watchers[:0]
	for _, conn := range watchers {
		if err := conn.WriteJSON(scopes); err != nil {
			conn.Close()
			continue
		}
		kept = append(kept, conn)
	}

	if len(kept) == 0 {
		delete(s.watchers, readingID)
	} else {
		s.watchers[readingID] = kept
	}
}
