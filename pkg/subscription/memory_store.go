package subscription

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/billingerr"
)

// MemoryStore is an in-process Store and Transactor. A transaction holds
// the store lock for its whole duration and restores a snapshot when fn
// fails.
type MemoryStore struct {
	mu            sync.Mutex
	subs          map[string]*Subscription
	invoices      map[string]*Invoice
	items         map[string][]InvoiceItem
	notifications map[string]time.Time
}

type memTxKey struct{}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs:          make(map[string]*Subscription),
		invoices:      make(map[string]*Invoice),
		items:         make(map[string][]InvoiceItem),
		notifications: make(map[string]time.Time),
	}
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.inTx(ctx) {
		return fn(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.snapshot()
	if err := fn(context.WithValue(ctx, memTxKey{}, s)); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *MemoryStore) inTx(ctx context.Context) bool {
	owner, _ := ctx.Value(memTxKey{}).(*MemoryStore)
	return owner == s
}

// lock takes the store lock unless ctx already runs inside its transaction.
func (s *MemoryStore) lock(ctx context.Context) func() {
	if s.inTx(ctx) {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

type memSnapshot struct {
	subs          map[string]*Subscription
	invoices      map[string]*Invoice
	items         map[string][]InvoiceItem
	notifications map[string]time.Time
}

func (s *MemoryStore) snapshot() memSnapshot {
	snap := memSnapshot{
		subs:          make(map[string]*Subscription, len(s.subs)),
		invoices:      make(map[string]*Invoice, len(s.invoices)),
		items:         make(map[string][]InvoiceItem, len(s.items)),
		notifications: make(map[string]time.Time, len(s.notifications)),
	}
	for k, v := range s.subs {
		snap.subs[k] = v.Clone()
	}
	for k, v := range s.invoices {
		snap.invoices[k] = v.Clone()
	}
	for k, v := range s.items {
		snap.items[k] = slices.Clone(v)
	}
	for k, v := range s.notifications {
		snap.notifications[k] = v
	}
	return snap
}

func (s *MemoryStore) restore(snap memSnapshot) {
	s.subs = snap.subs
	s.invoices = snap.invoices
	s.items = snap.items
	s.notifications = snap.notifications
}

func (s *MemoryStore) Create(ctx context.Context, sub *Subscription) error {
	defer s.lock(ctx)()
	if _, ok := s.subs[sub.ID]; ok {
		return billingerr.Conflict(billingerr.CodeDuplicate, "subscription already exists")
	}
	for provider, ext := range sub.ProviderSubscriptionIDs {
		if s.findByProvider(provider, ext) != nil {
			return billingerr.Conflict(billingerr.CodeDuplicate, "provider subscription already bound")
		}
	}
	s.subs[sub.ID] = sub.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Subscription, error) {
	defer s.lock(ctx)()
	sub, ok := s.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub.Clone(), nil
}

func (s *MemoryStore) GetByProviderID(ctx context.Context, provider, externalID string) (*Subscription, error) {
	defer s.lock(ctx)()
	if sub := s.findByProvider(provider, externalID); sub != nil {
		return sub.Clone(), nil
	}
	return nil, ErrSubscriptionNotFound
}

func (s *MemoryStore) findByProvider(provider, externalID string) *Subscription {
	if externalID == "" {
		return nil
	}
	for _, sub := range s.subs {
		if sub.ProviderSubscriptionIDs[provider] == externalID {
			return sub
		}
	}
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, sub *Subscription, expectedVersion int64) error {
	defer s.lock(ctx)()
	cur, ok := s.subs[sub.ID]
	if !ok {
		return ErrSubscriptionNotFound
	}
	if cur.Version != expectedVersion {
		return billingerr.OptimisticLock("subscription", sub.ID)
	}
	sub.Version = expectedVersion + 1
	s.subs[sub.ID] = sub.Clone()
	return nil
}

func (s *MemoryStore) ListByCustomer(ctx context.Context, customerID string) ([]*Subscription, error) {
	return s.Find(ctx, Filter{CustomerID: customerID})
}

func (s *MemoryStore) Find(ctx context.Context, f Filter) ([]*Subscription, error) {
	defer s.lock(ctx)()
	out := make([]*Subscription, 0)
	for _, sub := range s.subs {
		if f.Match(sub) {
			out = append(out, sub.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *Subscription) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		if a.ID < b.ID {
			return -1
		}
		return 1
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) CreateInvoice(ctx context.Context, inv *Invoice) error {
	defer s.lock(ctx)()
	if _, ok := s.invoices[inv.ID]; ok {
		return billingerr.Conflict(billingerr.CodeDuplicate, "invoice already exists")
	}
	s.invoices[inv.ID] = inv.Clone()
	return nil
}

func (s *MemoryStore) UpdateInvoice(ctx context.Context, inv *Invoice, expectedVersion int64) error {
	defer s.lock(ctx)()
	cur, ok := s.invoices[inv.ID]
	if !ok {
		return ErrInvoiceNotFound
	}
	if cur.Version != expectedVersion {
		return billingerr.OptimisticLock("invoice", inv.ID)
	}
	inv.Version = expectedVersion + 1
	s.invoices[inv.ID] = inv.Clone()
	return nil
}

func (s *MemoryStore) GetInvoice(ctx context.Context, id string) (*Invoice, error) {
	defer s.lock(ctx)()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return inv.Clone(), nil
}

func (s *MemoryStore) ListInvoices(ctx context.Context, subscriptionID string, statuses ...InvoiceStatus) ([]*Invoice, error) {
	defer s.lock(ctx)()
	out := make([]*Invoice, 0)
	for _, inv := range s.invoices {
		if inv.SubscriptionID != subscriptionID {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, inv.Status) {
			continue
		}
		out = append(out, inv.Clone())
	}
	slices.SortFunc(out, func(a, b *Invoice) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out, nil
}

func (s *MemoryStore) AddInvoiceItem(ctx context.Context, item InvoiceItem) error {
	defer s.lock(ctx)()
	s.items[item.SubscriptionID] = append(s.items[item.SubscriptionID], item)
	return nil
}

func (s *MemoryStore) PendingInvoiceItems(ctx context.Context, subscriptionID string) ([]InvoiceItem, error) {
	defer s.lock(ctx)()
	out := make([]InvoiceItem, 0)
	for _, item := range s.items[subscriptionID] {
		if item.InvoiceID == "" {
			out = append(out, item)
		}
	}
	return out, nil
}

func (s *MemoryStore) AttachInvoiceItems(ctx context.Context, subscriptionID, invoiceID string) error {
	defer s.lock(ctx)()
	items := s.items[subscriptionID]
	for i := range items {
		if items[i].InvoiceID == "" {
			items[i].InvoiceID = invoiceID
		}
	}
	return nil
}

func (s *MemoryStore) ClaimNotification(ctx context.Context, subscriptionID, kind, key string, at time.Time) (bool, error) {
	defer s.lock(ctx)()
	k := subscriptionID + "\x00" + kind + "\x00" + key
	if _, ok := s.notifications[k]; ok {
		return false, nil
	}
	s.notifications[k] = at
	return true, nil
}
