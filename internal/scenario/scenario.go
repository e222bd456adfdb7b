// Package scenario runs Lua-scripted readers for the simulator. A
// scenario file returns a table describing the readers and, per reader,
// a script function that picks the next page to execute from the pages
// currently viewable.
package scenario

import (
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// Reader is one scripted participant in a scenario.
type Reader struct {
	ID   string
	Role string
}

// Scenario holds a loaded scenario file and its Lua state. All Lua
// access is serialized through the mutex; gopher-lua states are not
// safe for concurrent use.
type Scenario struct {
	path string

	name    string
	readers []Reader
	state   *lua.LState
	scripts map[string]*lua.LFunction
	mu      sync.Mutex
}

// Load reads and executes a scenario file. The file must return a table
// of the form:
//
//	return {
//	    name = "two readers",
//	    readers = {
//	        { id = "alice", role = "doctor", script = function(tick, viewable) ... end },
//	    },
//	}
func Load(path string) (*Scenario, error) {
	s := &Scenario{path: path}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Name returns the scenario's display name.
func (s *Scenario) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// Readers returns the scripted readers in declaration order.
func (s *Scenario) Readers() []Reader {
	s.mu.Lock()
	defer s.mu.Unlock()
	readers := make([]Reader, len(s.readers))
	copy(readers, s.readers)
	return readers
}

// NextPage runs a reader's script for one tick. The script receives the
// tick number and the list of viewable page ids, and returns the id of
// the page to execute or nil to idle. An unknown reader id is an error.
func (s *Scenario) NextPage(readerID string, tick int, viewable []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	script, ok := s.scripts[readerID]
	if !ok {
		return "", fmt.Errorf("scenario has no reader %q", readerID)
	}

	pages := s.state.NewTable()
	for _, id := range viewable {
		pages.Append(lua.LString(id))
	}

	if err := s.state.CallByParam(lua.P{
		Fn:      script,
		NRet:    1,
		Protect: true,
	}, lua.LNumber(tick), pages); err != nil {
		return "", fmt.Errorf("running script for reader %s: %w", readerID, err)
	}

	result := s.state.Get(-1)
	s.state.Pop(1)

	if result == lua.LNil {
		return "", nil
	}
	page, ok := result.(lua.LString)
	if !ok {
		return "", fmt.Errorf("script for reader %s returned %s, want string or nil", readerID, result.Type())
	}
	return string(page), nil
}

// Reload re-executes the scenario file in a fresh Lua state. On error
// the previous state stays active.
func (s *Scenario) Reload() error {
	return s.reload()
}

func (s *Scenario) reload() error {
	state := lua.NewState()
	if err := state.DoFile(s.path); err != nil {
		state.Close()
		return fmt.Errorf("loading scenario %s: %w", s.path, err)
	}

	table, ok := state.Get(-1).(*lua.LTable)
	if !ok {
		state.Close()
		return fmt.Errorf("scenario %s must return a table", s.path)
	}
	state.Pop(1)

	name := lua.LVAsString(table.RawGetString("name"))

	readersValue, ok := table.RawGetString("readers").(*lua.LTable)
	if !ok {
		state.Close()
		return fmt.Errorf("scenario %s has no readers table", s.path)
	}

	var readers []Reader
	scripts := make(map[string]*lua.LFunction)
	var decodeErr error
	readersValue.ForEach(func(_, value lua.LValue) {
		if decodeErr != nil {
			return
		}
		entry, ok := value.(*lua.LTable)
		if !ok {
			decodeErr = fmt.Errorf("scenario %s: reader entries must be tables", s.path)
			return
		}

		id := lua.LVAsString(entry.RawGetString("id"))
		if id == "" {
			decodeErr = fmt.Errorf("scenario %s: reader missing id", s.path)
			return
		}
		script, ok := entry.RawGetString("script").(*lua.LFunction)
		if !ok {
			decodeErr = fmt.Errorf("scenario %s: reader %s missing script function", s.path, id)
			return
		}

		readers = append(readers, Reader{
			ID:   id,
			Role: lua.LVAsString(entry.RawGetString("role")),
		})
		scripts[id] = script
	})
	if decodeErr != nil {
		state.Close()
		return decodeErr
	}

	s.mu.Lock()
	old := s.state
	s.name = name
	s.readers = readers
	s.state = state
	s.scripts = scripts
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// Close releases the Lua state.
func (s *Scenario) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != nil {
		s.state.Close()
		s.state = nil
		s.scripts = nil
	}
}
