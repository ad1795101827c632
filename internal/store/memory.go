package store

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps both ledgers in process memory. Replay history does not
// survive a restart, so it is meant for tests and local development.
type MemoryStore struct {
	mu        sync.Mutex
	proofs    map[string]time.Time
	cooldowns map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		proofs:    make(map[string]time.Time),
		cooldowns: make(map[string]time.Time),
	}
}

func (m *MemoryStore) Seen(_ context.Context, proofKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.proofs[proofKey]
	return ok, nil
}

func (m *MemoryStore) Consume(_ context.Context, proofKey string, at time.Time) error {
	if proofKey == "" {
		return ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proofs[proofKey]; ok {
		return ErrProofConsumed
	}
	m.proofs[proofKey] = stamp(at)
	return nil
}

func (m *MemoryStore) CheckAndReserve(_ context.Context, actorKey string, window time.Duration, now time.Time) (Reservation, error) {
	actorKey = NormalizeActor(actorKey)
	if actorKey == "" {
		return Reservation{}, ErrEmptyKey
	}
	now = stamp(now)

	m.mu.Lock()
	defer m.mu.Unlock()

	prev, found := m.cooldowns[actorKey]
	r := decide(actorKey, prev, found, window, now)
	if r.Allowed {
		m.cooldowns[actorKey] = now
	}
	return r, nil
}

func (m *MemoryStore) Release(_ context.Context, r Reservation) error {
	if !r.Allowed {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.cooldowns[r.ActorKey]; !ok || !cur.Equal(r.At) {
		return nil
	}
	if r.Previous.IsZero() {
		delete(m.cooldowns, r.ActorKey)
	} else {
		m.cooldowns[r.ActorKey] = r.Previous
	}
	return nil
}

func (m *MemoryStore) Close() error { return nil }
