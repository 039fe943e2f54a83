package webhook

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
)

// Store persists webhook events.
type Store interface {
	// Create stores a new event. It returns a billingerr duplicate conflict
	// when the provider event id is already stored.
	Create(ctx context.Context, ev *Event) error
	Get(ctx context.Context, id string) (*Event, error)
	GetByProviderEventID(ctx context.Context, provider, providerEventID string) (*Event, error)
	// Update writes ev if the stored version equals expectedVersion and
	// sets ev.Version to expectedVersion+1.
	Update(ctx context.Context, ev *Event, expectedVersion int64) error
	// FindDue returns pending or failed events due at now and not locked,
	// oldest first.
	FindDue(ctx context.Context, now time.Time, limit int) ([]*Event, error)
	FindByStatus(ctx context.Context, status Status, limit int) ([]*Event, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*Event
	index  map[string]string
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]*Event),
		index:  make(map[string]string),
	}
}

func indexKey(provider, providerEventID string) string {
	return provider + "\x00" + providerEventID
}

func (s *MemoryStore) Create(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := indexKey(ev.Provider, ev.ProviderEventID)
	if _, ok := s.index[key]; ok {
		return billingerr.Conflict(billingerr.CodeDuplicate, "webhook event already received")
	}
	if _, ok := s.events[ev.ID]; ok {
		return billingerr.Conflict(billingerr.CodeDuplicate, "webhook event id already used")
	}
	s.events[ev.ID] = ev.Clone()
	s.index[key] = ev.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return ev.Clone(), nil
}

func (s *MemoryStore) GetByProviderEventID(_ context.Context, provider, providerEventID string) (*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.index[indexKey(provider, providerEventID)]
	if !ok {
		return nil, ErrEventNotFound
	}
	return s.events[id].Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, ev *Event, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.events[ev.ID]
	if !ok {
		return ErrEventNotFound
	}
	if cur.Version != expectedVersion {
		return billingerr.OptimisticLock("webhook event", ev.ID)
	}
	ev.Version = expectedVersion + 1
	s.events[ev.ID] = ev.Clone()
	return nil
}

func (s *MemoryStore) FindDue(_ context.Context, now time.Time, limit int) ([]*Event, error) {
	return s.find(limit, func(ev *Event) bool { return ev.Due(now) }), nil
}

func (s *MemoryStore) FindByStatus(_ context.Context, status Status, limit int) ([]*Event, error) {
	return s.find(limit, func(ev *Event) bool { return ev.Status == status }), nil
}

func (s *MemoryStore) find(limit int, match func(*Event) bool) []*Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Event, 0)
	for _, ev := range s.events {
		if match(ev) {
			out = append(out, ev.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *Event) int {
		if c := a.ReceivedAt.Compare(b.ReceivedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		return 1
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
