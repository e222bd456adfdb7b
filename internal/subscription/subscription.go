// Package subscription implements the observer fabric used by the state
// engine: fan-out notification services, composite subscriptions over
// several publishers, and pause/resume batching that coalesces bursts of
// notifications into a single delivery.
package subscription

import (
	"sync"
)

// NotifyCallback is invoked when an observed publisher changes.
type NotifyCallback func()

// Subscription is a handle to an active registration. Disposing it
// unregisters the callback; further notifications are not delivered.
type Subscription interface {
	Dispose()
}

// Subscribable is anything observers can register with.
type Subscribable interface {
	Subscribe(callback NotifyCallback) Subscription
}

// Service is an explicit registry of listener handles for one publisher.
// Pause/Resume reference-count a paused flag; notifications raised while
// paused collapse into a single pending delivery at resume time.
type Service struct {
	observers map[*handle]struct{}
	paused    int
	pending   bool
	mu        sync.Mutex
}

// NewService creates an empty notification service.
func NewService() *Service {
	return &Service{
		observers: make(map[*handle]struct{}),
	}
}

// handle is a single registered callback.
type handle struct {
	callback NotifyCallback
	service  *Service
}

func (h *handle) Dispose() {
	h.service.mu.Lock()
	delete(h.service.observers, h)
	h.service.mu.Unlock()
}

// Subscribe registers a callback and returns its handle.
func (s *Service) Subscribe(callback NotifyCallback) Subscription {
	h := &handle{callback: callback, service: s}

	s.mu.Lock()
	s.observers[h] = struct{}{}
	s.mu.Unlock()

	return h
}

// Notify delivers a notification to every observer. While the service is
// paused the delivery is deferred; any number of Notify calls collapse
// into at most one delivery at resume.
func (s *Service) Notify() {
	s.mu.Lock()
	if s.paused > 0 {
		s.pending = true
		s.mu.Unlock()
		return
	}
	callbacks := s.snapshot()
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

// Pause suppresses deliveries until a matching Resume. Calls nest.
func (s *Service) Pause() {
	s.mu.Lock()
	s.paused++
	s.mu.Unlock()
}

// Resume undoes one Pause. When the last Resume lands and a notification
// was raised in the meantime, exactly one delivery happens now.
func (s *Service) Resume() {
	s.mu.Lock()
	if s.paused > 0 {
		s.paused--
	}
	deliver := s.paused == 0 && s.pending
	var callbacks []NotifyCallback
	if deliver {
		s.pending = false
		callbacks = s.snapshot()
	}
	s.mu.Unlock()

	for _, cb := range callbacks {
		cb()
	}
}

// Count returns the number of registered observers.
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.observers)
}

// snapshot copies the observer callbacks. Caller must hold s.mu.
func (s *Service) snapshot() []NotifyCallback {
	callbacks := make([]NotifyCallback, 0, len(s.observers))
	for h := range s.observers {
		callbacks = append(callbacks, h.callback)
	}
	return callbacks
}

// Composite subscribes one callback to several publishers at once and
// disposes all of the underlying registrations together.
type Composite struct {
	subscriptions []Subscription
}

// NewComposite registers callback with every source.
func NewComposite(callback NotifyCallback, sources []Subscribable) *Composite {
	c := &Composite{
		subscriptions: make([]Subscription, 0, len(sources)),
	}
	for _, source := range sources {
		c.subscriptions = append(c.subscriptions, source.Subscribe(callback))
	}
	return c
}

// Dispose unregisters from every source.
func (c *Composite) Dispose() {
	for _, sub := range c.subscriptions {
		sub.Dispose()
	}
	c.subscriptions = nil
}
