// Package memory implements store.Repository in process memory.
//
// Transactions are serialized by a single mutex. Each transaction works on a
// private copy of the state that replaces the shared state on commit, so a
// failed callback leaves nothing behind.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/platinummonkey/hostplane/pkg/store"
)

// Store is an in-memory store.Repository
type Store struct {
	mu    sync.Mutex
	state *state
}

var _ store.Repository = (*Store)(nil)

// New creates an empty store
func New() *Store {
	return &Store{state: newState()}
}

// WithTx implements store.Repository
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{state: s.state.clone()}
	if err := fn(t); err != nil {
		return err
	}
	s.state = t.state
	return nil
}

func (s *Store) read(fn func(st *state)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}

func (s *Store) GetAccount(_ context.Context, id string) (a *store.Account, err error) {
	s.read(func(st *state) { a, err = st.getAccount(id) })
	return
}

func (s *Store) GetAccountByCustomerID(_ context.Context, customerID string) (a *store.Account, err error) {
	s.read(func(st *state) { a, err = st.getAccountByCustomerID(customerID) })
	return
}

func (s *Store) GetSubscription(_ context.Context, id string) (sub *store.Subscription, err error) {
	s.read(func(st *state) { sub, err = st.getSubscription(id) })
	return
}

func (s *Store) GetActiveSubscription(_ context.Context, accountID string) (sub *store.Subscription, err error) {
	s.read(func(st *state) { sub, err = st.getActiveSubscription(accountID) })
	return
}

func (s *Store) GetSubscriptionByExternalID(_ context.Context, externalID string) (sub *store.Subscription, err error) {
	s.read(func(st *state) { sub, err = st.getSubscriptionByExternalID(externalID) })
	return
}

func (s *Store) ListSubscriptionsByAccount(_ context.Context, accountID string) (subs []*store.Subscription, err error) {
	s.read(func(st *state) { subs = st.listSubscriptionsByAccount(accountID) })
	return
}

func (s *Store) GetInstance(_ context.Context, id string) (inst *store.Instance, err error) {
	s.read(func(st *state) { inst, err = st.getInstance(id) })
	return
}

func (s *Store) ListInstances(_ context.Context, filter store.InstanceFilter) (out []*store.Instance, err error) {
	s.read(func(st *state) { out = st.listInstances(filter) })
	return
}

func (s *Store) GetUsageMetric(_ context.Context, subscriptionID string, day time.Time) (m *store.UsageMetric, err error) {
	s.read(func(st *state) { m, err = st.getUsageMetric(subscriptionID, day) })
	return
}

func (s *Store) ListUsageMetrics(_ context.Context, subscriptionIDs []string, start, end time.Time) (out []*store.UsageMetric, err error) {
	s.read(func(st *state) { out = st.listUsageMetrics(subscriptionIDs, start, end) })
	return
}

func (s *Store) GetWebhookEvent(_ context.Context, id string) (e *store.WebhookEvent, err error) {
	s.read(func(st *state) { e, err = st.getWebhookEvent(id) })
	return
}

func (s *Store) ListRetryableWebhookEvents(_ context.Context, now time.Time, limit int) (out []*store.WebhookEvent, err error) {
	s.read(func(st *state) { out = st.listRetryableWebhookEvents(now, limit) })
	return
}

type usageKey struct {
	subscriptionID string
	day            string
}

func keyFor(subscriptionID string, day time.Time) usageKey {
	return usageKey{subscriptionID: subscriptionID, day: store.Day(day).Format(time.DateOnly)}
}

type state struct {
	accounts      map[string]*store.Account
	subscriptions map[string]*store.Subscription
	instances     map[string]*store.Instance
	usage         map[usageKey]*store.UsageMetric
	events        map[string]*store.WebhookEvent
}

func newState() *state {
	return &state{
		accounts:      map[string]*store.Account{},
		subscriptions: map[string]*store.Subscription{},
		instances:     map[string]*store.Instance{},
		usage:         map[usageKey]*store.UsageMetric{},
		events:        map[string]*store.WebhookEvent{},
	}
}

func (st *state) clone() *state {
	c := newState()
	for k, v := range st.accounts {
		c.accounts[k] = v.Clone()
	}
	for k, v := range st.subscriptions {
		c.subscriptions[k] = v.Clone()
	}
	for k, v := range st.instances {
		c.instances[k] = v.Clone()
	}
	for k, v := range st.usage {
		c.usage[k] = v.Clone()
	}
	for k, v := range st.events {
		c.events[k] = v.Clone()
	}
	return c
}

func (st *state) getAccount(id string) (*store.Account, error) {
	a, ok := st.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	return a.Clone(), nil
}

func (st *state) getAccountByCustomerID(customerID string) (*store.Account, error) {
	for _, a := range st.accounts {
		if a.StripeCustomerID != nil && *a.StripeCustomerID == customerID {
			return a.Clone(), nil
		}
	}
	return nil, fmt.Errorf("account with customer %s: %w", customerID, store.ErrNotFound)
}

func (st *state) getSubscription(id string) (*store.Subscription, error) {
	sub, ok := st.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", id, store.ErrNotFound)
	}
	return sub.Clone(), nil
}

func (st *state) getActiveSubscription(accountID string) (*store.Subscription, error) {
	for _, sub := range st.subscriptions {
		if sub.AccountID == accountID && sub.Status.IsActive() {
			return sub.Clone(), nil
		}
	}
	return nil, fmt.Errorf("active subscription for account %s: %w", accountID, store.ErrNotFound)
}

func (st *state) getSubscriptionByExternalID(externalID string) (*store.Subscription, error) {
	for _, sub := range st.subscriptions {
		if sub.StripeSubscriptionID != nil && *sub.StripeSubscriptionID == externalID {
			return sub.Clone(), nil
		}
	}
	return nil, fmt.Errorf("subscription %s: %w", externalID, store.ErrNotFound)
}

func (st *state) listSubscriptionsByAccount(accountID string) []*store.Subscription {
	var out []*store.Subscription
	for _, sub := range st.subscriptions {
		if sub.AccountID == accountID {
			out = append(out, sub.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (st *state) getInstance(id string) (*store.Instance, error) {
	inst, ok := st.instances[id]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", id, store.ErrNotFound)
	}
	return inst.Clone(), nil
}

func (st *state) listInstances(filter store.InstanceFilter) []*store.Instance {
	var out []*store.Instance
	for _, inst := range st.instances {
		var tier store.Tier
		if sub, ok := st.subscriptions[inst.SubscriptionID]; ok {
			tier = sub.Tier
		}
		if filter.Matches(inst, tier) {
			out = append(out, inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (st *state) getUsageMetric(subscriptionID string, day time.Time) (*store.UsageMetric, error) {
	m, ok := st.usage[keyFor(subscriptionID, day)]
	if !ok {
		return nil, fmt.Errorf("usage for %s on %s: %w", subscriptionID, day.Format(time.DateOnly), store.ErrNotFound)
	}
	return m.Clone(), nil
}

func (st *state) listUsageMetrics(subscriptionIDs []string, start, end time.Time) []*store.UsageMetric {
	ids := make(map[string]bool, len(subscriptionIDs))
	for _, id := range subscriptionIDs {
		ids[id] = true
	}
	start, end = store.Day(start), store.Day(end)

	var out []*store.UsageMetric
	for _, m := range st.usage {
		if !ids[m.SubscriptionID] || m.Date.Before(start) || m.Date.After(end) {
			continue
		}
		out = append(out, m.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date.Equal(out[j].Date) {
			return out[i].SubscriptionID < out[j].SubscriptionID
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out
}

func (st *state) getWebhookEvent(id string) (*store.WebhookEvent, error) {
	e, ok := st.events[id]
	if !ok {
		return nil, fmt.Errorf("webhook event %s: %w", id, store.ErrNotFound)
	}
	return e.Clone(), nil
}

func (st *state) listRetryableWebhookEvents(now time.Time, limit int) []*store.WebhookEvent {
	var out []*store.WebhookEvent
	for _, e := range st.events {
		if e.Settled() {
			continue
		}
		if e.NextRetryAt != nil && e.NextRetryAt.After(now) {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// tx operates on a private copy of the state
type tx struct {
	state *state
}

var _ store.Tx = (*tx)(nil)

func (t *tx) GetAccount(_ context.Context, id string) (*store.Account, error) {
	return t.state.getAccount(id)
}

func (t *tx) GetAccountByCustomerID(_ context.Context, customerID string) (*store.Account, error) {
	return t.state.getAccountByCustomerID(customerID)
}

func (t *tx) GetSubscription(_ context.Context, id string) (*store.Subscription, error) {
	return t.state.getSubscription(id)
}

func (t *tx) GetActiveSubscription(_ context.Context, accountID string) (*store.Subscription, error) {
	return t.state.getActiveSubscription(accountID)
}

func (t *tx) GetSubscriptionByExternalID(_ context.Context, externalID string) (*store.Subscription, error) {
	return t.state.getSubscriptionByExternalID(externalID)
}

func (t *tx) ListSubscriptionsByAccount(_ context.Context, accountID string) ([]*store.Subscription, error) {
	return t.state.listSubscriptionsByAccount(accountID), nil
}

func (t *tx) GetInstance(_ context.Context, id string) (*store.Instance, error) {
	return t.state.getInstance(id)
}

func (t *tx) ListInstances(_ context.Context, filter store.InstanceFilter) ([]*store.Instance, error) {
	return t.state.listInstances(filter), nil
}

func (t *tx) GetUsageMetric(_ context.Context, subscriptionID string, day time.Time) (*store.UsageMetric, error) {
	return t.state.getUsageMetric(subscriptionID, day)
}

func (t *tx) ListUsageMetrics(_ context.Context, subscriptionIDs []string, start, end time.Time) ([]*store.UsageMetric, error) {
	return t.state.listUsageMetrics(subscriptionIDs, start, end), nil
}

func (t *tx) GetWebhookEvent(_ context.Context, id string) (*store.WebhookEvent, error) {
	return t.state.getWebhookEvent(id)
}

func (t *tx) ListRetryableWebhookEvents(_ context.Context, now time.Time, limit int) ([]*store.WebhookEvent, error) {
	return t.state.listRetryableWebhookEvents(now, limit), nil
}

func (t *tx) InsertAccount(_ context.Context, account *store.Account) error {
	if _, ok := t.state.accounts[account.ID]; ok {
		return fmt.Errorf("account %s already exists: %w", account.ID, store.ErrConflict)
	}
	if err := t.checkCustomerID(account); err != nil {
		return err
	}
	t.state.accounts[account.ID] = account.Clone()
	return nil
}

func (t *tx) UpdateAccount(_ context.Context, account *store.Account) error {
	if _, ok := t.state.accounts[account.ID]; !ok {
		return fmt.Errorf("account %s: %w", account.ID, store.ErrNotFound)
	}
	if err := t.checkCustomerID(account); err != nil {
		return err
	}
	t.state.accounts[account.ID] = account.Clone()
	return nil
}

func (t *tx) checkCustomerID(account *store.Account) error {
	if account.StripeCustomerID == nil {
		return nil
	}
	for id, a := range t.state.accounts {
		if id != account.ID && a.StripeCustomerID != nil && *a.StripeCustomerID == *account.StripeCustomerID {
			return fmt.Errorf("customer %s already linked: %w", *account.StripeCustomerID, store.ErrConflict)
		}
	}
	return nil
}

func (t *tx) LockSubscription(_ context.Context, id string) (*store.Subscription, error) {
	return t.state.getSubscription(id)
}

func (t *tx) InsertSubscription(_ context.Context, sub *store.Subscription) error {
	if _, ok := t.state.subscriptions[sub.ID]; ok {
		return fmt.Errorf("subscription %s already exists: %w", sub.ID, store.ErrConflict)
	}
	if err := t.checkSubscriptionUnique(sub); err != nil {
		return err
	}
	t.state.subscriptions[sub.ID] = sub.Clone()
	return nil
}

func (t *tx) UpdateSubscription(_ context.Context, sub *store.Subscription) error {
	existing, ok := t.state.subscriptions[sub.ID]
	if !ok {
		return fmt.Errorf("subscription %s: %w", sub.ID, store.ErrNotFound)
	}
	if err := t.checkSubscriptionUnique(sub); err != nil {
		return err
	}
	next := sub.Clone()
	next.CurrentMessagesToday = existing.CurrentMessagesToday
	next.LastResetAt = existing.LastResetAt
	next.CurrentStorageGB = existing.CurrentStorageGB
	t.state.subscriptions[sub.ID] = next
	return nil
}

func (t *tx) checkSubscriptionUnique(sub *store.Subscription) error {
	for id, other := range t.state.subscriptions {
		if id == sub.ID {
			continue
		}
		if sub.Status.IsActive() && other.AccountID == sub.AccountID && other.Status.IsActive() {
			return fmt.Errorf("account %s already has an active subscription: %w", sub.AccountID, store.ErrConflict)
		}
		if sub.StripeSubscriptionID != nil && other.StripeSubscriptionID != nil &&
			*sub.StripeSubscriptionID == *other.StripeSubscriptionID {
			return fmt.Errorf("external subscription %s already linked: %w", *sub.StripeSubscriptionID, store.ErrConflict)
		}
	}
	return nil
}

func (t *tx) IncrementDailyMessages(_ context.Context, subscriptionID string, today time.Time, n int64) (int64, error) {
	sub, ok := t.state.subscriptions[subscriptionID]
	if !ok {
		return 0, fmt.Errorf("subscription %s: %w", subscriptionID, store.ErrNotFound)
	}
	today = store.Day(today)
	if sub.LastResetAt.Before(today) {
		sub.CurrentMessagesToday = n
		sub.LastResetAt = today
	} else {
		sub.CurrentMessagesToday += n
	}
	return sub.CurrentMessagesToday, nil
}

func (t *tx) LockInstance(_ context.Context, id string) (*store.Instance, error) {
	return t.state.getInstance(id)
}

func (t *tx) InsertInstance(_ context.Context, inst *store.Instance) error {
	if _, ok := t.state.instances[inst.ID]; ok {
		return fmt.Errorf("instance %s already exists: %w", inst.ID, store.ErrConflict)
	}
	if err := t.checkSubdomain(inst); err != nil {
		return err
	}
	t.state.instances[inst.ID] = inst.Clone()
	return nil
}

func (t *tx) UpdateInstance(_ context.Context, inst *store.Instance) error {
	if _, ok := t.state.instances[inst.ID]; !ok {
		return fmt.Errorf("instance %s: %w", inst.ID, store.ErrNotFound)
	}
	if err := t.checkSubdomain(inst); err != nil {
		return err
	}
	t.state.instances[inst.ID] = inst.Clone()
	return nil
}

func (t *tx) checkSubdomain(inst *store.Instance) error {
	for id, other := range t.state.instances {
		if id != inst.ID && other.Subdomain == inst.Subdomain {
			return fmt.Errorf("subdomain %s already taken: %w", inst.Subdomain, store.ErrConflict)
		}
	}
	return nil
}

func (t *tx) CountLiveInstances(_ context.Context, subscriptionID string) (int, error) {
	n := 0
	for _, inst := range t.state.instances {
		if inst.SubscriptionID == subscriptionID && inst.IsLive() {
			n++
		}
	}
	return n, nil
}

func (t *tx) usageRow(subscriptionID string, day time.Time) *store.UsageMetric {
	key := keyFor(subscriptionID, day)
	m, ok := t.state.usage[key]
	if !ok {
		m = &store.UsageMetric{
			SubscriptionID: subscriptionID,
			Date:           store.Day(day),
			CreatedAt:      day,
		}
		t.state.usage[key] = m
	}
	m.UpdatedAt = day
	return m
}

func (t *tx) IncrementUsage(_ context.Context, subscriptionID string, day time.Time, delta store.UsageDelta) (*store.UsageMetric, error) {
	if _, ok := t.state.subscriptions[subscriptionID]; !ok {
		return nil, fmt.Errorf("subscription %s: %w", subscriptionID, store.ErrNotFound)
	}
	m := t.usageRow(subscriptionID, day)
	m.Apply(delta)
	return m.Clone(), nil
}

func (t *tx) SetStorageUsed(_ context.Context, subscriptionID string, day time.Time, gb decimal.Decimal) error {
	sub, ok := t.state.subscriptions[subscriptionID]
	if !ok {
		return fmt.Errorf("subscription %s: %w", subscriptionID, store.ErrNotFound)
	}
	t.usageRow(subscriptionID, day).StorageUsedGB = gb
	sub.CurrentStorageGB = gb
	return nil
}

func (t *tx) PurgeUsageMetrics(_ context.Context, before time.Time) (int64, error) {
	before = store.Day(before)
	var n int64
	for k, m := range t.state.usage {
		if m.Date.Before(before) {
			delete(t.state.usage, k)
			n++
		}
	}
	return n, nil
}

func (t *tx) InsertWebhookEvent(_ context.Context, event *store.WebhookEvent) (bool, error) {
	if _, ok := t.state.events[event.ProviderEventID]; ok {
		return false, nil
	}
	t.state.events[event.ProviderEventID] = event.Clone()
	return true, nil
}

func (t *tx) LockWebhookEvent(_ context.Context, id string) (*store.WebhookEvent, error) {
	return t.state.getWebhookEvent(id)
}

func (t *tx) UpdateWebhookEvent(_ context.Context, event *store.WebhookEvent) error {
	if _, ok := t.state.events[event.ProviderEventID]; !ok {
		return fmt.Errorf("webhook event %s: %w", event.ProviderEventID, store.ErrNotFound)
	}
	t.state.events[event.ProviderEventID] = event.Clone()
	return nil
}
