package entitlement

import (
	"context"
	"slices"
	"sync"
	"time"
)

// Store persists explicit grants (add-ons and manual grants).
// Plan grants are derived from subscriptions and are not stored.
type Store interface {
	Insert(ctx context.Context, g Grant) (Grant, error)
	Get(ctx context.Context, id string) (Grant, error)
	List(ctx context.Context, customerID string) ([]Grant, error)
	Revoke(ctx context.Context, id string, at time.Time) error
}

// MemoryStore keeps grants in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[string]Grant
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]Grant)}
}

func (s *MemoryStore) Insert(_ context.Context, g Grant) (Grant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[g.ID] = g
	return g, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[id]
	if !ok {
		return Grant{}, ErrGrantNotFound
	}
	return g, nil
}

func (s *MemoryStore) List(_ context.Context, customerID string) ([]Grant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Grant
	for _, g := range s.grants {
		if g.CustomerID == customerID {
			out = append(out, g)
		}
	}
	slices.SortFunc(out, func(a, b Grant) int { return a.GrantedAt.Compare(b.GrantedAt) })
	return out, nil
}

func (s *MemoryStore) Revoke(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.grants[id]
	if !ok {
		return ErrGrantNotFound
	}
	if g.RevokedAt == nil {
		g.RevokedAt = &at
		s.grants[id] = g
	}
	return nil
}
