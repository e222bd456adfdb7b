package scenario

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testScenario = `
return {
    name = "two readers",
    readers = {
        {
            id = "alice",
            role = "doctor",
            script = function(tick, viewable)
                if tick == 1 then
                    return viewable[1]
                end
                return nil
            end,
        },
        {
            id = "bob",
            script = function(tick, viewable)
                for _, id in ipairs(viewable) do
                    if id == "p2" then
                        return id
                    end
                end
                return nil
            end,
        },
    },
}
`

// writeScenario writes a scenario file into a temp dir.
func writeScenario(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.lua")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing scenario: %v", err)
	}
	return path
}

// TestLoadScenario verifies the scenario table decodes
func TestLoadScenario(t *testing.T) {
	s, err := Load(writeScenario(t, testScenario))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer s.Close()

	if s.Name() != "two readers" {
		t.Errorf("Expected name 'two readers', got %q", s.Name())
	}

	readers := s.Readers()
	if len(readers) != 2 {
		t.Fatalf("Expected 2 readers, got %d", len(readers))
	}
	if readers[0].ID != "alice" || readers[0].Role != "doctor" {
		t.Errorf("Unexpected first reader: %+v", readers[0])
	}
	if readers[1].ID != "bob" || readers[1].Role != "" {
		t.Errorf("Unexpected second reader: %+v", readers[1])
	}
}

// TestNextPage verifies script execution with the viewable list
func TestNextPage(t *testing.T) {
	s, err := Load(writeScenario(t, testScenario))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer s.Close()

	page, err := s.NextPage("alice", 1, []string{"p1", "p2"})
	if err != nil {
		t.Fatalf("NextPage failed: %v", err)
	}
	if page != "p1" {
		t.Errorf("Expected alice to pick p1, got %q", page)
	}

	// Alice idles after tick 1.
	page, err = s.NextPage("alice", 2, []string{"p1"})
	if err != nil {
		t.Fatalf("NextPage failed: %v", err)
	}
	if page != "" {
		t.Errorf("Expected alice to idle, got %q", page)
	}

	// Bob only picks p2 when it is viewable.
	page, _ = s.NextPage("bob", 1, []string{"p1"})
	if page != "" {
		t.Errorf("Expected bob to idle without p2, got %q", page)
	}
	page, _ = s.NextPage("bob", 1, []string{"p1", "p2"})
	if page != "p2" {
		t.Errorf("Expected bob to pick p2, got %q", page)
	}
}

// TestNextPageUnknownReader verifies the error path
func TestNextPageUnknownReader(t *testing.T) {
	s, err := Load(writeScenario(t, testScenario))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer s.Close()

	if _, err := s.NextPage("carol", 1, nil); err == nil {
		t.Error("Expected error for an unknown reader")
	}
}

// TestLoadValidation verifies malformed scenarios fail
func TestLoadValidation(t *testing.T) {
	cases := map[string]string{
		"not a table":     `return 42`,
		"missing readers": `return { name = "x" }`,
		"missing id":      `return { readers = { { script = function() end } } }`,
		"missing script":  `return { readers = { { id = "a" } } }`,
	}

	for name, content := range cases {
		if _, err := Load(writeScenario(t, content)); err == nil {
			t.Errorf("%s: expected load to fail", name)
		}
	}
}

// TestReload verifies a scenario can be swapped in place
func TestReload(t *testing.T) {
	path := writeScenario(t, testScenario)
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer s.Close()

	updated := `
return {
    name = "solo",
    readers = {
        { id = "alice", script = function() return "p9" end },
    },
}
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewriting scenario: %v", err)
	}
	if err := s.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if s.Name() != "solo" {
		t.Errorf("Expected reloaded name 'solo', got %q", s.Name())
	}
	page, err := s.NextPage("alice", 1, nil)
	if err != nil || page != "p9" {
		t.Errorf("Expected reloaded script to return p9, got %q, %v", page, err)
	}
}

// TestReloadKeepsOldOnError verifies a broken edit does not kill the scenario
func TestReloadKeepsOldOnError(t *testing.T) {
	path := writeScenario(t, testScenario)
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer s.Close()

	if err := os.WriteFile(path, []byte(`this is not lua`), 0o644); err != nil {
		t.Fatalf("rewriting scenario: %v", err)
	}
	if err := s.Reload(); err == nil {
		t.Fatal("Expected reload of a broken file to fail")
	}

	// The previous state keeps working.
	page, err := s.NextPage("alice", 1, []string{"p1"})
	if err != nil || page != "p1" {
		t.Errorf("Expected the old scenario still active, got %q, %v", page, err)
	}
}

// TestHotLoader verifies a file change triggers a reload
func TestHotLoader(t *testing.T) {
	path := writeScenario(t, testScenario)
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	defer s.Close()

	reloaded := make(chan struct{}, 1)
	hot, err := NewHotLoader(s, 0, func() {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("NewHotLoader failed: %v", err)
	}
	if err := hot.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer hot.Stop()

	updated := `
return {
    name = "edited",
    readers = {
        { id = "alice", script = function() return nil end },
    },
}
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil {
		t.Fatalf("rewriting scenario: %v", err)
	}

	select {
	case <-reloaded:
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for the hot reload")
	}
	if s.Name() != "edited" {
		t.Errorf("Expected reloaded name 'edited', got %q", s.Name())
	}
}
