package limits

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps limits in process memory. A single mutex makes every
// Increment atomic. Suitable for tests and single-instance deployments.
type MemoryStore struct {
	mu     sync.Mutex
	limits map[string]*Limit
	usage  []UsageEvent
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{limits: make(map[string]*Limit)}
}

func memKey(customerID, key string) string { return customerID + "\x00" + key }

func (s *MemoryStore) Get(_ context.Context, customerID, key string) (Limit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limits[memKey(customerID, key)]
	if !ok {
		return Limit{}, ErrLimitNotFound
	}
	return cloneLimit(l), nil
}

func (s *MemoryStore) List(_ context.Context, customerID string) ([]Limit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Limit
	for _, l := range s.limits {
		if l.CustomerID == customerID {
			out = append(out, cloneLimit(l))
		}
	}
	slices.SortFunc(out, func(a, b Limit) int {
		switch {
		case a.Key < b.Key:
			return -1
		case a.Key > b.Key:
			return 1
		}
		return 0
	})
	return out, nil
}

func (s *MemoryStore) Increment(_ context.Context, p IncrementParams) (Limit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memKey(p.CustomerID, p.Key)
	l, ok := s.limits[k]
	if !ok {
		created := p.Default
		created.CurrentValue = 0
		if p.Enforce && !created.IsUnlimited() && p.Amount > created.MaxValue {
			return Limit{}, ErrLimitExceeded
		}
		created.CurrentValue = p.Amount
		created.CreatedAt, created.UpdatedAt = p.Now, p.Now
		s.limits[k] = &created
		return cloneLimit(&created), nil
	}
	if l.IsRevoked() {
		return Limit{}, ErrLimitRevoked
	}

	base := l.CurrentValue
	due := l.ResetDue(p.Now)
	if due {
		if !sameTime(l.ResetAt, p.ExpectedResetAt) {
			return Limit{}, ErrStaleReset
		}
		base = 0
	}
	next := base + p.Amount
	if p.Enforce && !l.IsUnlimited() && next > l.MaxValue {
		return Limit{}, ErrLimitExceeded
	}

	l.CurrentValue = next
	if due {
		l.ResetAt = copyTime(p.NextResetAt)
	}
	l.UpdatedAt = p.Now
	return cloneLimit(l), nil
}

func (s *MemoryStore) Upsert(_ context.Context, in Limit) (Limit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memKey(in.CustomerID, in.Key)
	l, ok := s.limits[k]
	if !ok {
		created := in
		created.CurrentValue = 0
		created.RevokedAt = nil
		created.ResetAt = copyTime(in.ResetAt)
		created.CreatedAt = in.UpdatedAt
		s.limits[k] = &created
		return cloneLimit(&created), nil
	}
	if l.ResetAt != nil && !l.ResetAt.After(in.UpdatedAt) {
		l.CurrentValue = 0
	}
	l.MaxValue = in.MaxValue
	l.ResetAt = copyTime(in.ResetAt)
	l.ResetInterval = in.ResetInterval
	l.ResetCount = in.ResetCount
	l.Source = in.Source
	l.SourceID = in.SourceID
	l.RevokedAt = nil
	l.UpdatedAt = in.UpdatedAt
	return cloneLimit(l), nil
}

func (s *MemoryStore) Revoke(_ context.Context, customerID, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limits[memKey(customerID, key)]
	if !ok {
		return ErrLimitNotFound
	}
	if l.RevokedAt == nil {
		l.RevokedAt = &at
		l.UpdatedAt = at
	}
	return nil
}

func (s *MemoryStore) AppendUsage(_ context.Context, ev UsageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, ev)
	return nil
}

// Usage returns a copy of the recorded usage events.
func (s *MemoryStore) Usage() []UsageEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.usage)
}

func cloneLimit(l *Limit) Limit {
	out := *l
	out.ResetAt = copyTime(l.ResetAt)
	out.RevokedAt = copyTime(l.RevokedAt)
	return out
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
