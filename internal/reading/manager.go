package reading

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/wandertale/engine/internal/statesync"
	"github.com/wandertale/engine/internal/story"
	"github.com/wandertale/engine/internal/subscription"
	"github.com/wandertale/engine/internal/variable"
)

// ErrPageNotReadable reports that a page's functions were abandoned
// after a collision because the page's conditions no longer pass against
// the fresh state.
var ErrPageNotReadable = errors.New("page is no longer readable")

// StoryService fetches story documents.
type StoryService interface {
	FetchStory(ctx context.Context, storyID string) (*story.Story, error)
}

// ReadingService fetches and saves readings.
type ReadingService interface {
	FetchReading(ctx context.Context, readingID string) (*Reading, error)
	SaveReading(ctx context.Context, r *Reading) error
}

// Services bundles everything the manager talks to over the wire.
type Services interface {
	StoryService
	ReadingService
	statesync.StateService
}

// Manager owns one attached reading session: the story, the reading, the
// synchronised state container, and the recomputation of page status
// whenever state changes.
type Manager struct {
	services  Services
	userID    string
	verbosity int

	containerOpts []statesync.Option

	story     *story.Story
	reading   *Reading
	container *statesync.Container
	varSub    subscription.Subscription

	viewable []*story.Page
	mu       sync.RWMutex
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithContainerOptions forwards options to the state container the
// manager builds on Attach.
func WithContainerOptions(opts ...statesync.Option) ManagerOption {
	return func(m *Manager) {
		m.containerOpts = opts
	}
}

// WithManagerVerbosity sets the logging verbosity for session events.
func WithManagerVerbosity(level int) ManagerOption {
	return func(m *Manager) {
		m.verbosity = level
	}
}

// NewManager creates a manager acting as userID.
func NewManager(services Services, userID string, opts ...ManagerOption) *Manager {
	m := &Manager{
		services: services,
		userID:   userID,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Attach joins a reading: fetches the story and the reading, initialises
// the state container, starts status updates, registers the local reader
// and starts a not-yet-started reading.
func (m *Manager) Attach(ctx context.Context, storyID, readingID string, withUpdates bool) error {
	st, err := m.services.FetchStory(ctx, storyID)
	if err != nil {
		return fmt.Errorf("fetching story %s: %w", storyID, err)
	}

	r, err := m.services.FetchReading(ctx, readingID)
	if err != nil {
		return fmt.Errorf("fetching reading %s: %w", readingID, err)
	}

	container := statesync.NewContainer(m.services, m.containerOpts...)
	if err := container.Initialize(ctx, readingID); err != nil {
		container.Close()
		return err
	}

	m.mu.Lock()
	m.story = st
	m.reading = r
	m.container = container
	m.mu.Unlock()

	if m.verbosity >= 1 {
		log.Printf("[v1] attached reading %s (story %s) as %s", readingID, storyID, m.userID)
	}

	if withUpdates {
		m.varSub = container.Subscribe(m.UpdateStatus)
		m.UpdateStatus()
	}

	if !r.HasReader(m.userID) {
		r.AddReader(m.userID)
		if err := m.saveReading(ctx); err != nil {
			m.Detach()
			return err
		}
	}

	if r.State() == StateNotStarted {
		if err := m.StartReading(ctx); err != nil {
			m.Detach()
			return err
		}
	}

	return nil
}

// Detach leaves the reading: polling stops, subscriptions are dropped
// and the session references are released. Late-arriving network
// responses are tolerated silently.
func (m *Manager) Detach() {
	if m.varSub != nil {
		m.varSub.Dispose()
		m.varSub = nil
	}

	m.mu.Lock()
	container := m.container
	m.story = nil
	m.reading = nil
	m.container = nil
	m.viewable = nil
	m.mu.Unlock()

	if container != nil {
		container.Close()
	}
	if m.verbosity >= 1 {
		log.Printf("[v1] detached reading")
	}
}

// Story returns the attached story document.
func (m *Manager) Story() *story.Story {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.story
}

// Reading returns the attached reading.
func (m *Manager) Reading() *Reading {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.reading
}

// Container returns the state container for the attached session.
func (m *Manager) Container() *statesync.Container {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.container
}

// Accessor returns the variable capability story logic evaluates
// against: the container wrapped with per-call "this" namespace
// resolution for the local user.
func (m *Manager) Accessor() variable.Accessor {
	return NewNamespaceResolver(m.Container(), m, m.userID)
}

// LocalUserRoleID implements RoleSource: the role id the local user
// currently occupies, looked up through the reserved role-assignment
// variable.
func (m *Manager) LocalUserRoleID() (string, bool) {
	role, err := m.UserRole(m.userID)
	if err != nil || role == nil {
		return "", false
	}
	return role.ID, true
}

// UserRole resolves any user's current role, or nil.
func (m *Manager) UserRole(userID string) (*story.Role, error) {
	m.mu.RLock()
	st := m.story
	container := m.container
	m.mu.RUnlock()
	if st == nil || container == nil {
		return nil, nil
	}
	return story.UserRole(userID, container, st.Roles)
}

// UpdateStatus re-evaluates every page's conditions against the current
// state and refreshes the viewable-pages list. It runs on every state
// notification.
func (m *Manager) UpdateStatus() {
	m.mu.RLock()
	st := m.story
	m.mu.RUnlock()
	if st == nil {
		return
	}

	vars := m.Accessor()
	viewable := make([]*story.Page, 0, st.Pages.Len())
	for _, page := range st.Pages.All() {
		if err := page.UpdateStatus(vars, st.Conditions); err != nil {
			log.Printf("page %s status: %v", page.ID, err)
			continue
		}
		if page.IsViewable() {
			viewable = append(viewable, page)
		}
	}

	m.mu.Lock()
	m.viewable = viewable
	m.mu.Unlock()
}

// ViewablePages returns the pages whose conditions currently pass.
func (m *Manager) ViewablePages() []*story.Page {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pages := make([]*story.Page, len(m.viewable))
	copy(pages, m.viewable)
	return pages
}

// ExecutePageFunctions runs a page's functions against the local state
// and pushes the result, resolving collisions with exactly one bounded
// retry:
//
//	Idle -> Executing -> Pushing -> Success
//	                        `-> CollisionRetry -> Pushing -> Success | Failure
//
// On a collision the push itself already installed the server's fresh
// scopes; the page is re-checked for readability against them, its
// functions re-run from scratch, and one more push is attempted. A
// second failure is surfaced; there are no further automatic retries.
// Notifications are paused for the whole cycle so the mutations produce
// a single coalesced refresh.
func (m *Manager) ExecutePageFunctions(ctx context.Context, page *story.Page) (*statesync.UpdateStatesResponse, error) {
	container := m.Container()
	if container == nil {
		return nil, fmt.Errorf("no reading attached")
	}

	container.PauseNotifications()
	defer func() {
		container.ResumeNotifications()
		m.UpdateStatus()
	}()

	if err := m.runPageFunctions(page); err != nil {
		return nil, err
	}

	resp, err := container.Push(ctx)
	if err == nil || !errors.Is(err, statesync.ErrCollision) {
		return resp, err
	}

	// The push replaced the local scopes with the server's newer copy.
	// Re-check the page against the fresh state before re-applying.
	m.UpdateStatus()
	if !page.IsReadable() {
		if m.verbosity >= 2 {
			log.Printf("[v2] collision on page %s: no longer readable, abandoning", page.ID)
		}
		return resp, fmt.Errorf("resolving collision on page %s: %w", page.ID, ErrPageNotReadable)
	}

	if m.verbosity >= 2 {
		log.Printf("[v2] collision on page %s: re-applying against fresh state", page.ID)
	}
	if err := m.runPageFunctions(page); err != nil {
		return nil, err
	}
	return container.Push(ctx)
}

// runPageFunctions executes the page's full function set against the
// currently-true state, logging each performed change.
func (m *Manager) runPageFunctions(page *story.Page) error {
	m.mu.RLock()
	st := m.story
	m.mu.RUnlock()
	if st == nil {
		return fmt.Errorf("no reading attached")
	}

	env := &story.FunctionEnv{
		Vars:       m.Accessor(),
		Conditions: st.Conditions,
		Roles:      st.Roles,
		UserID:     m.userID,
	}

	for _, id := range page.Functions {
		fn := st.Functions.Get(id)
		if fn == nil {
			return fmt.Errorf("page %s references unknown function %q", page.ID, id)
		}
		change, err := fn.Execute(env)
		if err != nil {
			return fmt.Errorf("executing function %s: %w", id, err)
		}
		if change != nil && m.verbosity >= 3 {
			before := "<unset>"
			if change.Before != nil {
				before = change.Before.Value
			}
			log.Printf("[v3] function %s set %s: %s -> %s", id, change.Ref, before, change.Value)
		}
	}
	return nil
}

// StartReading moves the reading into progress and saves it.
func (m *Manager) StartReading(ctx context.Context) error {
	r := m.Reading()
	if r == nil {
		return fmt.Errorf("no reading attached")
	}
	if err := r.SetState(StateInProgress); err != nil {
		return err
	}
	return m.saveReading(ctx)
}

// CloseReading closes the reading and saves it.
func (m *Manager) CloseReading(ctx context.Context) error {
	r := m.Reading()
	if r == nil {
		return fmt.Errorf("no reading attached")
	}
	if err := r.SetState(StateClosed); err != nil {
		return err
	}
	return m.saveReading(ctx)
}

// saveReading stamps and persists the reading.
func (m *Manager) saveReading(ctx context.Context) error {
	r := m.Reading()
	if r == nil {
		return fmt.Errorf("no reading attached")
	}
	r.SetTimestamp(time.Now().Unix())
	if err := m.services.SaveReading(ctx, r); err != nil {
		return fmt.Errorf("saving reading %s: %w", r.ID, err)
	}
	return nil
}
