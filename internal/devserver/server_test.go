package devserver

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/wandertale/engine/internal/api"
	"github.com/wandertale/engine/internal/statesync"
	"github.com/wandertale/engine/internal/storage"
	"github.com/wandertale/engine/internal/variable"
)

const testStoryDoc = `{
	"id": "story-1",
	"name": "The Ward",
	"pages": [{"id": "p1", "name": "Enter", "conditions": [], "functions": []}],
	"roles": [{"id": "r1", "name": "doctor"}],
	"conditions": [],
	"functions": []
}`

// newTestServer stands up a dev server with one story and one reading
// and returns a client for it.
func newTestServer(t *testing.T) (*Server, *api.Client) {
	t.Helper()

	srv := New(storage.NewMemoryStorage())
	if _, err := srv.AddStory([]byte(testStoryDoc)); err != nil {
		t.Fatalf("AddStory failed: %v", err)
	}
	if err := srv.CreateReading("reading-1", "First run", "story-1"); err != nil {
		t.Fatalf("CreateReading failed: %v", err)
	}

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return srv, api.NewClient(ts.URL)
}

// TestFetchStory verifies the story endpoint round trip
func TestFetchStory(t *testing.T) {
	_, client := newTestServer(t)

	st, err := client.FetchStory(context.Background(), "story-1")
	if err != nil {
		t.Fatalf("FetchStory failed: %v", err)
	}
	if st.ID != "story-1" || st.Pages.Len() != 1 {
		t.Errorf("Unexpected story: %s with %d pages", st.ID, st.Pages.Len())
	}

	if _, err := client.FetchStory(context.Background(), "nope"); err == nil {
		t.Error("Expected an error for an unknown story")
	}
}

// TestReadingRoundTrip verifies fetch, save and the story/user listing
func TestReadingRoundTrip(t *testing.T) {
	_, client := newTestServer(t)
	ctx := context.Background()

	r, err := client.FetchReading(ctx, "reading-1")
	if err != nil {
		t.Fatalf("FetchReading failed: %v", err)
	}
	if r.ID != "reading-1" || r.StoryID != "story-1" {
		t.Errorf("Unexpected reading: %+v", r)
	}

	r.AddReader("alice")
	if err := client.SaveReading(ctx, r); err != nil {
		t.Fatalf("SaveReading failed: %v", err)
	}

	saved, err := client.FetchReading(ctx, "reading-1")
	if err != nil {
		t.Fatalf("FetchReading failed: %v", err)
	}
	if !saved.HasReader("alice") {
		t.Error("Expected the saved reader to persist")
	}

	found, err := client.FetchReadingsForStoryAndUser(ctx, "story-1", "alice")
	if err != nil {
		t.Fatalf("FetchReadingsForStoryAndUser failed: %v", err)
	}
	if len(found) != 1 || found[0].ID != "reading-1" {
		t.Errorf("Expected reading-1 for alice, got %+v", found)
	}

	none, err := client.FetchReadingsForStoryAndUser(ctx, "story-1", "carol")
	if err != nil || len(none) != 0 {
		t.Errorf("Expected no readings for carol, got %+v, %v", none, err)
	}
}

// TestStatesSaveAccepted verifies an up-to-date save bumps revisions
func TestStatesSaveAccepted(t *testing.T) {
	_, client := newTestServer(t)
	ctx := context.Background()

	scopes, err := client.FetchStates(ctx, "reading-1")
	if err != nil {
		t.Fatalf("FetchStates failed: %v", err)
	}
	if scopes.Shared.RevisionNumber() != 1 || scopes.Global.RevisionNumber() != 1 {
		t.Fatalf("Expected fresh reading seeded at revision 1, got %d/%d",
			scopes.Global.RevisionNumber(), scopes.Shared.RevisionNumber())
	}

	scopes.Shared.Save(variable.Reference{Namespace: "ward", Variable: "door"}, "open")
	resp, err := client.SaveStates(ctx, scopes)
	if err != nil {
		t.Fatalf("SaveStates failed: %v", err)
	}
	if resp.Collision {
		t.Fatal("Expected the save accepted")
	}
	if resp.Scopes.Shared.RevisionNumber() != 2 {
		t.Errorf("Expected shared revision bumped to 2, got %d", resp.Scopes.Shared.RevisionNumber())
	}

	// The accepted state is what a fresh fetch returns.
	fresh, err := client.FetchStates(ctx, "reading-1")
	if err != nil {
		t.Fatalf("FetchStates failed: %v", err)
	}
	v, _ := fresh.Shared.Get(variable.Reference{Namespace: "ward", Variable: "door"})
	if v == nil || v.Value != "open" {
		t.Errorf("Expected door=open persisted, got %+v", v)
	}
}

// TestStatesSaveCollision verifies a stale save is rejected wholesale
func TestStatesSaveCollision(t *testing.T) {
	_, client := newTestServer(t)
	ctx := context.Background()

	// Two clients fetch the same revision.
	first, _ := client.FetchStates(ctx, "reading-1")
	second, _ := client.FetchStates(ctx, "reading-1")

	first.Shared.Save(variable.Reference{Namespace: "ward", Variable: "door"}, "open")
	if _, err := client.SaveStates(ctx, first); err != nil {
		t.Fatalf("First save failed: %v", err)
	}

	// The second client's copy is now stale.
	second.Shared.Save(variable.Reference{Namespace: "ward", Variable: "door"}, "closed")
	resp, err := client.SaveStates(ctx, second)
	if err != nil {
		t.Fatalf("SaveStates failed: %v", err)
	}
	if !resp.Collision {
		t.Fatal("Expected a collision for the stale save")
	}

	// The response carries the authoritative snapshots, not the stale write.
	v, _ := resp.Scopes.Shared.Get(variable.Reference{Namespace: "ward", Variable: "door"})
	if v == nil || v.Value != "open" {
		t.Errorf("Expected the server's door=open in the collision response, got %+v", v)
	}

	// Nothing of the stale write was applied.
	fresh, _ := client.FetchStates(ctx, "reading-1")
	v, _ = fresh.Shared.Get(variable.Reference{Namespace: "ward", Variable: "door"})
	if v == nil || v.Value != "open" {
		t.Errorf("Expected the stale save discarded, got %+v", v)
	}
}

// TestContainerAgainstDevServer verifies the full optimistic push cycle
func TestContainerAgainstDevServer(t *testing.T) {
	_, client := newTestServer(t)
	ctx := context.Background()

	// Two containers share the reading.
	alice := statesync.NewContainer(client, statesync.WithPollInterval(0))
	bob := statesync.NewContainer(client, statesync.WithPollInterval(0))
	if err := alice.Initialize(ctx, "reading-1"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := bob.Initialize(ctx, "reading-1"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	ref := variable.Reference{Scope: variable.ScopeShared, Namespace: "ward", Variable: "door"}

	// Alice pushes first.
	alice.Save(ref, "open")
	if _, err := alice.Push(ctx); err != nil {
		t.Fatalf("Alice's push failed: %v", err)
	}

	// Bob's copy is stale, so his push collides and adopts the fresh state.
	bob.Save(ref, "closed")
	_, err := bob.Push(ctx)
	if !errors.Is(err, statesync.ErrCollision) {
		t.Fatalf("Expected ErrCollision for Bob, got %v", err)
	}
	v, _ := bob.Get(ref)
	if v == nil || v.Value != "open" {
		t.Errorf("Expected Bob to see Alice's value after the collision, got %+v", v)
	}

	// Bob re-applies on top and succeeds.
	bob.Save(ref, "closed")
	if _, err := bob.Push(ctx); err != nil {
		t.Fatalf("Bob's retry failed: %v", err)
	}
}

// TestWatchBroadcast verifies accepted saves reach websocket watchers
func TestWatchBroadcast(t *testing.T) {
	_, client := newTestServer(t)
	ctx := context.Background()

	received := make(chan *variable.CombinedScopes, 1)
	stream, err := client.WatchStates(ctx, "reading-1", func(scopes *variable.CombinedScopes) {
		select {
		case received <- scopes:
		default:
		}
	})
	if err != nil {
		t.Fatalf("WatchStates failed: %v", err)
	}
	defer stream.Close()

	scopes, _ := client.FetchStates(ctx, "reading-1")
	scopes.Shared.Save(variable.Reference{Namespace: "ward", Variable: "door"}, "open")
	if _, err := client.SaveStates(ctx, scopes); err != nil {
		t.Fatalf("SaveStates failed: %v", err)
	}

	select {
	case fresh := <-received:
		if fresh.Shared.RevisionNumber() != 2 {
			t.Errorf("Expected broadcast at revision 2, got %d", fresh.Shared.RevisionNumber())
		}
		v, _ := fresh.Shared.Get(variable.Reference{Namespace: "ward", Variable: "door"})
		if v == nil || v.Value != "open" {
			t.Errorf("Expected door=open in the broadcast, got %+v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the broadcast")
	}
}

// TestWatchBroadcastContendedSaves verifies watcher writes stay ordered
// when saves race each other
func TestWatchBroadcastContendedSaves(t *testing.T) {
	_, client := newTestServer(t)
	ctx := context.Background()

	const writers = 4
	const savesEach = 5

	revisions := make(chan int64, writers*savesEach)
	stream, err := client.WatchStates(ctx, "reading-1", func(scopes *variable.CombinedScopes) {
		revisions <- scopes.Shared.RevisionNumber()
	})
	if err != nil {
		t.Fatalf("WatchStates failed: %v", err)
	}
	defer stream.Close()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			ref := variable.Reference{Namespace: "ward", Variable: fmt.Sprintf("bed-%d", w)}
			for i := 0; i < savesEach; i++ {
				scopes, err := client.FetchStates(ctx, "reading-1")
				if err != nil {
					t.Errorf("FetchStates failed: %v", err)
					return
				}
				for {
					scopes.Shared.Save(ref, fmt.Sprintf("%d", i))
					resp, err := client.SaveStates(ctx, scopes)
					if err != nil {
						t.Errorf("SaveStates failed: %v", err)
						return
					}
					if !resp.Collision {
						break
					}
					scopes = resp.Scopes
				}
			}
		}(w)
	}
	wg.Wait()

	// Every accepted save is broadcast exactly once, strictly in
	// revision order.
	last := int64(1)
	for i := 0; i < writers*savesEach; i++ {
		select {
		case rev := <-revisions:
			if rev != last+1 {
				t.Fatalf("Expected broadcast revision %d, got %d", last+1, rev)
			}
			last = rev
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out after %d of %d broadcasts", i, writers*savesEach)
		}
	}
}
