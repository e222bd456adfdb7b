package statesync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/wandertale/engine/internal/subscription"
	"github.com/wandertale/engine/internal/variable"
)

// Errors reported by the container. ErrInvalidScope indicates a
// programming error in the calling story logic; the others travel through
// the async result channel of Push/Initialize.
var (
	ErrInvalidScope      = errors.New("invalid variable scope")
	ErrCollision         = errors.New("state save collided with a newer revision")
	ErrMalformedResponse = errors.New("malformed state save response")
)

// DefaultPollInterval is how often the container pulls fresh scopes from
// the server when no push is in flight.
const DefaultPollInterval = time.Second

// Container owns the authoritative local CombinedScopes for one reading
// session. It mediates all reads and writes, runs background refresh
// polling, and implements the optimistic push protocol.
//
// All local operations are synchronous and answer from the in-memory
// copy; only Initialize, Push and the background pull touch the network.
type Container struct {
	service      StateService
	pollInterval time.Duration
	verbosity    int

	readingID string
	scopes    *variable.CombinedScopes
	scopeSubs *subscription.Composite
	observers *subscription.Service

	inflight *pushOp
	stopPoll chan struct{}
	closed   bool
	mu       sync.Mutex
}

// Option configures a Container.
type Option func(*Container)

// WithPollInterval sets the background refresh interval. Zero disables
// polling (useful when state updates arrive over a stream instead).
func WithPollInterval(interval time.Duration) Option {
	return func(c *Container) {
		c.pollInterval = interval
	}
}

// WithVerbosity sets the logging verbosity for sync operations.
func WithVerbosity(level int) Option {
	return func(c *Container) {
		c.verbosity = level
	}
}

// NewContainer creates a container that synchronises through service.
func NewContainer(service StateService, opts ...Option) *Container {
	c := &Container{
		service:      service,
		pollInterval: DefaultPollInterval,
		observers:    subscription.NewService(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// pushOp is the single in-flight-push slot. Concurrent Push callers
// await the same outcome instead of issuing a duplicate request.
type pushOp struct {
	done chan struct{}
	resp *UpdateStatesResponse
	err  error
}

// Initialize fetches the initial scopes for readingID, installs them and
// starts background polling. The first install always wins; there is no
// staleness check. A fetch failure aborts initialisation and is returned
// to the caller.
func (c *Container) Initialize(ctx context.Context, readingID string) error {
	c.mu.Lock()
	c.readingID = readingID
	c.mu.Unlock()

	scopes, err := c.service.FetchStates(ctx, readingID)
	if err != nil {
		return fmt.Errorf("fetching initial states for reading %s: %w", readingID, err)
	}

	c.install(scopes, true)
	c.beginPolling()
	return nil
}

// Get resolves the reference's scope and answers from the in-memory copy.
// It never blocks on the network. An unknown scope name is a fatal
// configuration error in the story.
func (c *Container) Get(ref variable.Reference) (*variable.Variable, error) {
	scope, err := c.scope(ref.Scope)
	if err != nil {
		return nil, err
	}
	return scope.Get(ref)
}

// Save mutates the local copy synchronously; the owning State notifies
// observers. Pushing to the server is a separate explicit step.
func (c *Container) Save(ref variable.Reference, value string) error {
	scope, err := c.scope(ref.Scope)
	if err != nil {
		return err
	}
	if c.verbosity >= 4 {
		log.Printf("[v4] save %s = %q", ref, value)
	}
	return scope.Save(ref, value)
}

// scope routes a scope name to the matching StateScope.
func (c *Container) scope(name string) (*variable.StateScope, error) {
	c.mu.Lock()
	scopes := c.scopes
	c.mu.Unlock()

	if scopes == nil {
		return nil, fmt.Errorf("container is not initialised")
	}
	scope := scopes.Scope(name)
	if scope == nil {
		return nil, fmt.Errorf("story accesses scope %q: %w", name, ErrInvalidScope)
	}
	return scope, nil
}

// Push sends the full combined scopes to the server. At most one push is
// outstanding at a time: a call that finds one in flight awaits that
// push's outcome rather than racing a duplicate request.
//
// On a non-collision response the returned scopes become the new local
// copy and Push succeeds. On a collision the local scopes are likewise
// replaced with the server's newer snapshots, and Push fails with
// ErrCollision; the response carrying the fresh scopes is still returned
// so the caller can re-apply its mutation and retry.
func (c *Container) Push(ctx context.Context) (*UpdateStatesResponse, error) {
	c.mu.Lock()
	if op := c.inflight; op != nil {
		c.mu.Unlock()
		select {
		case <-op.done:
			return op.resp, op.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	op := &pushOp{done: make(chan struct{})}
	c.inflight = op
	scopes := c.scopes
	c.mu.Unlock()

	if scopes == nil {
		c.finishPush(op, nil, fmt.Errorf("container is not initialised"))
		return op.resp, op.err
	}

	if c.verbosity >= 2 {
		log.Printf("[v2] push: shared rev %d, global rev %d",
			scopes.Shared.RevisionNumber(), scopes.Global.RevisionNumber())
	}

	resp, err := c.service.SaveStates(ctx, scopes)
	switch {
	case err != nil:
		err = fmt.Errorf("saving states: %w", err)
	case resp == nil || resp.Scopes == nil || resp.Scopes.Global == nil || resp.Scopes.Shared == nil:
		resp, err = nil, ErrMalformedResponse
	default:
		c.install(resp.Scopes, false)
		if resp.Collision {
			if c.verbosity >= 2 {
				log.Printf("[v2] push collided: server shared rev %d, global rev %d",
					resp.Scopes.Shared.RevisionNumber(), resp.Scopes.Global.RevisionNumber())
			}
			err = ErrCollision
		}
	}

	c.finishPush(op, resp, err)
	return resp, err
}

// finishPush records the outcome, frees the in-flight slot and releases
// any waiting callers.
func (c *Container) finishPush(op *pushOp, resp *UpdateStatesResponse, err error) {
	op.resp, op.err = resp, err

	c.mu.Lock()
	if c.inflight == op {
		c.inflight = nil
	}
	c.mu.Unlock()

	close(op.done)
}

// ReplaceScopes adopts a fresh snapshot pulled from the server. Adoption
// is strictly monotonic: a snapshot whose revisions are not newer than
// the current copy's is discarded silently.
func (c *Container) ReplaceScopes(scopes *variable.CombinedScopes) {
	c.install(scopes, false)
}

// install swaps in a new CombinedScopes, rewires the change
// subscriptions and notifies observers. When force is false the swap is
// subject to the monotonic staleness check.
func (c *Container) install(scopes *variable.CombinedScopes, force bool) {
	if scopes == nil || scopes.Global == nil || scopes.Shared == nil {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !force && c.scopes != nil && !scopes.NewerThan(c.scopes) {
		c.mu.Unlock()
		return
	}

	if c.scopeSubs != nil {
		c.scopeSubs.Dispose()
	}
	c.scopes = scopes
	c.scopeSubs = subscription.NewComposite(c.observers.Notify,
		[]subscription.Subscribable{scopes.Global, scopes.Shared})
	c.mu.Unlock()

	if c.verbosity >= 3 {
		log.Printf("[v3] scopes replaced: shared rev %d, global rev %d",
			scopes.Shared.RevisionNumber(), scopes.Global.RevisionNumber())
	}
	c.observers.Notify()
}

// Scopes returns the current combined scopes. Callers must not hold the
// returned reference past a replacement; it is exposed for transports and
// tests.
func (c *Container) Scopes() *variable.CombinedScopes {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scopes
}

// Subscribe registers for "something in the combined scopes changed".
// Mutations through the container and direct mutations of a sub-scope
// produce the same single notification per logical change.
func (c *Container) Subscribe(callback subscription.NotifyCallback) subscription.Subscription {
	return c.observers.Subscribe(callback)
}

// PauseNotifications suppresses change notifications. Notifications
// raised while paused are coalesced into at most one delivery at resume;
// they are never dropped and never duplicated per mutation.
func (c *Container) PauseNotifications() {
	c.observers.Pause()
}

// ResumeNotifications lifts the suppression, delivering the one coalesced
// notification if any mutation happened while paused.
func (c *Container) ResumeNotifications() {
	c.observers.Resume()
}

// beginPolling starts the background refresh loop.
func (c *Container) beginPolling() {
	if c.pollInterval <= 0 {
		return
	}

	c.mu.Lock()
	if c.closed || c.stopPoll != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.stopPoll = stop
	c.mu.Unlock()

	go c.pollLoop(stop)
}

// pollLoop pulls the latest scopes on every tick. A tick that fires while
// a push is outstanding is skipped, and a pull that completes after a
// push started is discarded, so a pull never clobbers a push's
// not-yet-applied result. Stale pulls are discarded by install.
func (c *Container) pollLoop(stop chan struct{}) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		c.mu.Lock()
		busy := c.inflight != nil
		readingID := c.readingID
		c.mu.Unlock()
		if busy {
			continue
		}

		scopes, err := c.service.FetchStates(context.Background(), readingID)
		if err != nil {
			if c.verbosity >= 2 {
				log.Printf("[v2] poll failed: %v", err)
			}
			continue
		}

		c.mu.Lock()
		busy = c.inflight != nil
		c.mu.Unlock()
		if busy {
			continue
		}

		c.install(scopes, false)
	}
}

// StopPolling stops scheduling further pulls. An in-flight pull is not
// aborted; its eventual result is ignored once the container is closed.
func (c *Container) StopPolling() {
	c.mu.Lock()
	stop := c.stopPoll
	c.stopPoll = nil
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}
}

// Close detaches the container: polling stops and late-arriving network
// responses are ignored without error.
func (c *Container) Close() {
	c.StopPolling()

	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
