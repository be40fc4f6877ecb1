package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/pitabwire/surveysync/model"
)

// MemoryStore is an in-process Store. State is lost on exit.
type MemoryStore struct {
	mu     sync.RWMutex
	drafts map[string]model.Draft
	queue  map[string]model.QueuedWrite
	seq    int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		drafts: make(map[string]model.Draft),
		queue:  make(map[string]model.QueuedWrite),
	}
}

// SaveDraft stores a copy of d.
func (s *MemoryStore) SaveDraft(_ context.Context, surveyType, clientID string, d model.Draft) error {
	d.Responses = d.Responses.Clone()
	s.mu.Lock()
	s.drafts[draftKey(surveyType, clientID)] = d
	s.mu.Unlock()
	return nil
}

// LoadDraft returns a copy of the stored draft.
func (s *MemoryStore) LoadDraft(_ context.Context, surveyType, clientID string) (model.Draft, bool, error) {
	s.mu.RLock()
	d, ok := s.drafts[draftKey(surveyType, clientID)]
	s.mu.RUnlock()
	if !ok {
		return model.Draft{}, false, nil
	}
	d.Responses = d.Responses.Clone()
	return d, true, nil
}

// DeleteDraft removes the draft.
func (s *MemoryStore) DeleteDraft(_ context.Context, surveyType, clientID string) error {
	s.mu.Lock()
	delete(s.drafts, draftKey(surveyType, clientID))
	s.mu.Unlock()
	return nil
}

// Put stores w at the tail of the queue.
func (s *MemoryStore) Put(_ context.Context, w model.QueuedWrite) (model.QueuedWrite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	w.Seq = s.seq
	w.Payload.Responses = w.Payload.Responses.Clone()
	s.queue[w.QueueKey()] = w
	return w, nil
}

// List returns the queue in Seq order.
func (s *MemoryStore) List(_ context.Context) ([]model.QueuedWrite, error) {
	s.mu.RLock()
	out := make([]model.QueuedWrite, 0, len(s.queue))
	for _, w := range s.queue {
		w.Payload.Responses = w.Payload.Responses.Clone()
		out = append(out, w)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Remove deletes key if its Seq matches.
func (s *MemoryStore) Remove(_ context.Context, key string, seq int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.queue[key]
	if !ok || w.Seq != seq {
		return false, nil
	}
	delete(s.queue, key)
	return true, nil
}

// Len returns the queue length.
func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queue), nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }
