// Package connectivity reports whether the survey service is reachable and
// notifies subscribers when that changes.
package connectivity

import (
	"context"
	"slices"
	"sync"
)

// Observer reports reachability of the survey service.
type Observer interface {
	// Online reports the current state.
	Online() bool
	// Subscribe registers fn to be called with the new state on every
	// transition. The returned func removes the subscription.
	Subscribe(fn func(online bool)) (cancel func())
	// WaitOnline blocks until the state is online or ctx is done.
	WaitOnline(ctx context.Context) error
}

// state is the transition bookkeeping shared by Manual and Probe.
type state struct {
	mu      sync.Mutex
	online  bool
	nextID  int
	subs    map[int]func(bool)
	waiters []chan struct{}
}

func newState(online bool) *state {
	return &state{online: online, subs: make(map[int]func(bool))}
}

func (s *state) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *state) Subscribe(fn func(bool)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *state) WaitOnline(ctx context.Context) error {
	s.mu.Lock()
	if s.online {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.waiters = append(s.waiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// set records the new state and, on a transition, releases waiters and
// calls subscribers synchronously in registration order.
func (s *state) set(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online

	var waiters []chan struct{}
	if online {
		waiters = s.waiters
		s.waiters = nil
	}
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	subs := make([]func(bool), 0, len(ids))
	for _, id := range ids {
		subs = append(subs, s.subs[id])
	}
	s.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
	for _, fn := range subs {
		fn(online)
	}
}

// Manual is an Observer whose state is set explicitly.
type Manual struct {
	*state
}

// NewManual returns a Manual observer in the given state.
func NewManual(online bool) *Manual {
	return &Manual{state: newState(online)}
}

// SetOnline changes the state. Subscribers run before SetOnline returns.
func (m *Manual) SetOnline(online bool) {
	m.set(online)
}
