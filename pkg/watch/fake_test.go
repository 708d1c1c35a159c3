package watch

import (
	"context"
	"sync"

	"github.com/poretools/nanosync/pkg/fsevent"
)

// fakeSource hands out scripted subscriptions keyed by directory, letting
// tests inject event sequences (close, close-without-write, moves) that a
// real backend might never produce.
type fakeSource struct {
	mu   sync.Mutex
	subs map[string]*fakeSubscription
}

func newFakeSource() *fakeSource {
	return &fakeSource{subs: make(map[string]*fakeSubscription)}
}

func (s *fakeSource) Subscribe(ctx context.Context, dir string, recursive bool) (fsevent.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := newFakeSubscription()
	s.subs[dir] = sub
	return sub, nil
}

// sub returns the live subscription for dir, if one was taken out.
func (s *fakeSource) sub(dir string) (*fakeSubscription, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[dir]
	return sub, ok
}

type fakeSubscription struct {
	events chan fsevent.Event
	errs   chan error

	mu     sync.Mutex
	closed bool
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{
		// Generous buffers: tests send a handful of events and must never
		// block while holding the close lock.
		events: make(chan fsevent.Event, 64),
		errs:   make(chan error, 4),
	}
}

func (s *fakeSubscription) Events() <-chan fsevent.Event { return s.events }
func (s *fakeSubscription) Errors() <-chan error         { return s.errs }

func (s *fakeSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	close(s.errs)
	return nil
}

// send delivers an event; it is a no-op once the subscription is closed, so
// tests can race sends against detector teardown safely.
func (s *fakeSubscription) send(ev fsevent.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.events <- ev
}
