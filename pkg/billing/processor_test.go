package billing

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/hostplane/pkg/audit"
	"github.com/platinummonkey/hostplane/pkg/instances"
	"github.com/platinummonkey/hostplane/pkg/store"
	"github.com/platinummonkey/hostplane/pkg/store/memory"
	"github.com/platinummonkey/hostplane/pkg/tenants"
	"github.com/platinummonkey/hostplane/pkg/tiers"
)

type fixture struct {
	repo      *memory.Store
	tenants   *tenants.Service
	instances *instances.Manager
	processor *Processor
	audit     *audit.MemoryStore
	clock     *quartz.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := quartz.NewMock(t)
	clock.Set(time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC))
	repo := memory.New()
	auditStore := audit.NewMemoryStore()
	recorder := audit.NewRecorder(auditStore, clock, nil)

	engine := tiers.NewEngine(tiers.Config{
		Repository: repo,
		Prices:     tiers.PriceMap{"price_starter": store.TierStarter, "price_pro": store.TierProfessional},
		Clock:      clock,
		Recorder:   recorder,
	})
	manager := instances.NewManager(instances.Config{Repository: repo, Tiers: engine, Clock: clock, Recorder: recorder})
	svc := tenants.NewService(tenants.Config{Repository: repo, Tiers: engine, Instances: manager, Clock: clock, Recorder: recorder})
	processor := NewProcessor(Config{
		Repository: repo,
		Tenants:    svc,
		Tiers:      engine,
		Instances:  manager,
		Clock:      clock,
		Recorder:   recorder,
	})
	return &fixture{repo: repo, tenants: svc, instances: manager, processor: processor, audit: auditStore, clock: clock}
}

func (f *fixture) advance(d time.Duration) {
	f.clock.Set(f.clock.Now().Add(d))
}

func event(t *testing.T, id, eventType string, object map[string]interface{}) json.RawMessage {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"id":      id,
		"type":    eventType,
		"created": 1777885200,
		"data":    map[string]interface{}{"object": object},
	})
	require.NoError(t, err)
	return body
}

func subscriptionObj(id, customer, status, price string) map[string]interface{} {
	return map[string]interface{}{
		"id":                   id,
		"customer":             customer,
		"status":               status,
		"current_period_start": 1777885200,
		"current_period_end":   1780563600,
		"items": map[string]interface{}{
			"data": []interface{}{
				map[string]interface{}{"price": map[string]interface{}{"id": price}},
			},
		},
	}
}

func (f *fixture) ingest(t *testing.T, id, eventType string, object map[string]interface{}) error {
	t.Helper()
	return f.processor.Ingest(context.Background(), id, eventType, event(t, id, eventType, object))
}

func (f *fixture) countAction(action string) int {
	n := 0
	for _, e := range f.audit.All() {
		if e.Action == action {
			n++
		}
	}
	return n
}

// customer creates an account linked to cus_1 through a customer.created event
func (f *fixture) customer(t *testing.T) *store.Account {
	t.Helper()
	require.NoError(t, f.ingest(t, "evt_cus", EventCustomerCreated, map[string]interface{}{
		"id":    "cus_1",
		"email": "buyer@example.com",
	}))
	account, err := f.repo.GetAccountByCustomerID(context.Background(), "cus_1")
	require.NoError(t, err)
	return account
}

func (f *fixture) runningInstances(t *testing.T, subscriptionID string, n int) []string {
	t.Helper()
	ctx := context.Background()
	var ids []string
	for i := 0; i < n; i++ {
		inst, err := f.instances.Provision(ctx, subscriptionID, instances.ProvisionRequest{})
		require.NoError(t, err)
		_, err = f.instances.Transition(ctx, inst.ID, store.InstanceRunning)
		require.NoError(t, err)
		ids = append(ids, inst.ID)
	}
	return ids
}

func TestIngest_CustomerCreated(t *testing.T) {
	f := newFixture(t)
	account := f.customer(t)

	assert.Equal(t, "buyer@example.com", account.Email)
	require.NotNil(t, account.StripeCustomerID)
	assert.Equal(t, "cus_1", *account.StripeCustomerID)
	assert.Equal(t, 1, f.countAction(audit.ActionAccountCreated))
	assert.Equal(t, 1, f.countAction(audit.ActionWebhookProcessed))

	event, err := f.repo.GetWebhookEvent(context.Background(), "evt_cus")
	require.NoError(t, err)
	assert.NotNil(t, event.ProcessedAt)
	assert.Equal(t, 1, event.Attempts)
}

func TestIngest_CustomerCreatedLinksHintAccount(t *testing.T) {
	f := newFixture(t)
	existing, err := f.tenants.CreateAccount(context.Background(), tenants.CreateAccountRequest{Email: "old@example.com"})
	require.NoError(t, err)

	require.NoError(t, f.ingest(t, "evt_cus", EventCustomerCreated, map[string]interface{}{
		"id":       "cus_1",
		"email":    "new@example.com",
		"metadata": map[string]string{"account_id": existing.ID},
	}))

	account, err := f.repo.GetAccountByCustomerID(context.Background(), "cus_1")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, account.ID)
	assert.Equal(t, "new@example.com", account.Email)
	assert.Equal(t, 1, f.countAction(audit.ActionAccountCreated))
}

func TestIngest_DuplicateDeliveryAppliesOnce(t *testing.T) {
	f := newFixture(t)
	f.customer(t)

	// a second delivery with the same id and a different body is ignored
	require.NoError(t, f.ingest(t, "evt_cus", EventCustomerCreated, map[string]interface{}{
		"id":    "cus_2",
		"email": "other@example.com",
	}))

	_, err := f.repo.GetAccountByCustomerID(context.Background(), "cus_2")
	assert.True(t, store.IsNotFound(err))
	assert.Equal(t, 1, f.countAction(audit.ActionAccountCreated))
	assert.Equal(t, 1, f.countAction(audit.ActionWebhookProcessed))
}

func TestIngest_ConcurrentDuplicateDeliveryAppliesOnce(t *testing.T) {
	f := newFixture(t)
	body := event(t, "evt_race", EventCustomerCreated, map[string]interface{}{
		"id":    "cus_race",
		"email": "race@example.com",
	})

	const deliveries = 32
	var wg sync.WaitGroup
	errs := make(chan error, deliveries)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- f.processor.Ingest(context.Background(), "evt_race", EventCustomerCreated, body)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	_, err := f.repo.GetAccountByCustomerID(context.Background(), "cus_race")
	require.NoError(t, err)
	assert.Equal(t, 1, f.countAction(audit.ActionAccountCreated))
	assert.Equal(t, 1, f.countAction(audit.ActionWebhookProcessed))

	stored, err := f.repo.GetWebhookEvent(context.Background(), "evt_race")
	require.NoError(t, err)
	assert.NotNil(t, stored.ProcessedAt)
}

func TestAccept_DuplicateFromStoreWithColdCache(t *testing.T) {
	f := newFixture(t)
	f.customer(t)
	f.processor.processed.Purge()

	pending, err := f.processor.Accept(context.Background(), "evt_cus", EventCustomerCreated, event(t, "evt_cus", EventCustomerCreated, map[string]interface{}{"id": "cus_1"}))
	require.NoError(t, err)
	assert.False(t, pending)
	assert.True(t, f.processor.processed.Contains("evt_cus"))
}

func TestAccept_RequiresIDAndType(t *testing.T) {
	f := newFixture(t)
	_, err := f.processor.Accept(context.Background(), "", EventCustomerCreated, nil)
	assert.Error(t, err)
}

func TestIngest_SubscriptionCreated(t *testing.T) {
	f := newFixture(t)
	account := f.customer(t)

	require.NoError(t, f.ingest(t, "evt_sub", EventSubscriptionCreated, subscriptionObj("sub_ext_1", "cus_1", "trialing", "price_pro")))

	sub, err := f.tenants.GetActiveSubscription(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TierProfessional, sub.Tier)
	assert.Equal(t, store.SubscriptionTrialing, sub.Status)
	assert.Equal(t, 10, sub.MaxAgents)
	assert.Equal(t, "price_pro", sub.StripePriceID)
	require.NotNil(t, sub.StripeSubscriptionID)
	assert.Equal(t, "sub_ext_1", *sub.StripeSubscriptionID)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.Equal(t, time.Unix(1780563600, 0).UTC(), *sub.CurrentPeriodEnd)
}

func TestIngest_SubscriptionCreatedTierFromMetadata(t *testing.T) {
	f := newFixture(t)
	account := f.customer(t)

	obj := subscriptionObj("sub_ext_1", "cus_1", "active", "price_unknown")
	obj["metadata"] = map[string]string{"tier": "enterprise"}
	require.NoError(t, f.ingest(t, "evt_sub", EventSubscriptionCreated, obj))

	sub, err := f.tenants.GetActiveSubscription(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TierEnterprise, sub.Tier)
}

func TestIngest_SubscriptionCreatedAdoptsActiveSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.customer(t)
	existing, err := f.tenants.CreateSubscription(ctx, account.ID, store.TierFree)
	require.NoError(t, err)
	ids := f.runningInstances(t, existing.ID, 1)

	require.NoError(t, f.ingest(t, "evt_sub", EventSubscriptionCreated, subscriptionObj("sub_ext_1", "cus_1", "active", "price_starter")))

	sub, err := f.tenants.GetActiveSubscription(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, existing.ID, sub.ID)
	assert.Equal(t, store.TierStarter, sub.Tier)
	require.NotNil(t, sub.StripeSubscriptionID)
	assert.Equal(t, "sub_ext_1", *sub.StripeSubscriptionID)

	inst, err := f.repo.GetInstance(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, 1024, inst.MemoryLimitMB)
	assert.Equal(t, 1, f.countAction(audit.ActionTierChanged))
}

func TestIngest_SubscriptionCreatedBeforeCustomerIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.ingest(t, "evt_sub", EventSubscriptionCreated, subscriptionObj("sub_ext_1", "cus_1", "active", "price_starter"))
	require.Error(t, err)

	event, err := f.repo.GetWebhookEvent(ctx, "evt_sub")
	require.NoError(t, err)
	assert.Nil(t, event.ProcessedAt)
	assert.Equal(t, 1, event.Attempts)
	require.NotNil(t, event.NextRetryAt)
	assert.Equal(t, f.clock.Now().Add(30*time.Second), *event.NextRetryAt)
	require.NotNil(t, event.Error)

	account := f.customer(t)

	// not due yet
	n, err := f.processor.Reconcile(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.advance(30 * time.Second)
	n, err = f.processor.Reconcile(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sub, err := f.tenants.GetActiveSubscription(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TierStarter, sub.Tier)

	event, err = f.repo.GetWebhookEvent(ctx, "evt_sub")
	require.NoError(t, err)
	assert.NotNil(t, event.ProcessedAt)
	assert.Nil(t, event.Error)
	assert.Nil(t, event.NextRetryAt)
	assert.Equal(t, 2, event.Attempts)
}

func TestIngest_QuarantineAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.Error(t, f.ingest(t, "evt_upd", EventSubscriptionUpdated, subscriptionObj("sub_missing", "cus_1", "active", "price_starter")))

	delays := []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute, 4 * time.Minute}
	for i, delay := range delays {
		event, err := f.repo.GetWebhookEvent(ctx, "evt_upd")
		require.NoError(t, err)
		assert.Equal(t, i+1, event.Attempts)
		require.NotNil(t, event.NextRetryAt)
		assert.Equal(t, f.clock.Now().Add(delay), *event.NextRetryAt)

		f.advance(delay)
		n, err := f.processor.Reconcile(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	}

	event, err := f.repo.GetWebhookEvent(ctx, "evt_upd")
	require.NoError(t, err)
	assert.Equal(t, 5, event.Attempts)
	assert.NotNil(t, event.QuarantinedAt)
	assert.Nil(t, event.NextRetryAt)
	assert.Nil(t, event.ProcessedAt)

	// quarantined events are neither retried nor reprocessed on redelivery
	f.advance(time.Hour)
	n, err := f.processor.Reconcile(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	require.NoError(t, f.ingest(t, "evt_upd", EventSubscriptionUpdated, subscriptionObj("sub_missing", "cus_1", "active", "price_starter")))

	event, err = f.repo.GetWebhookEvent(ctx, "evt_upd")
	require.NoError(t, err)
	assert.Equal(t, 5, event.Attempts)

	failures := 0
	for _, e := range f.audit.All() {
		if e.Action == audit.ActionWebhookProcessed && !e.Success {
			failures++
		}
	}
	assert.Equal(t, 5, failures)
}

func TestIngest_SubscriptionUpdatedChangesTier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.customer(t)
	require.NoError(t, f.ingest(t, "evt_sub", EventSubscriptionCreated, subscriptionObj("sub_ext_1", "cus_1", "active", "price_starter")))
	sub, err := f.tenants.GetActiveSubscription(ctx, account.ID)
	require.NoError(t, err)
	ids := f.runningInstances(t, sub.ID, 2)

	require.NoError(t, f.ingest(t, "evt_upd", EventSubscriptionUpdated, subscriptionObj("sub_ext_1", "cus_1", "past_due", "price_pro")))

	sub, err = f.tenants.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, store.TierProfessional, sub.Tier)
	assert.Equal(t, store.SubscriptionPastDue, sub.Status)
	assert.Equal(t, "price_pro", sub.StripePriceID)
	for _, id := range ids {
		inst, err := f.repo.GetInstance(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 4096, inst.MemoryLimitMB)
	}
}

func TestIngest_SubscriptionDeletedCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.customer(t)
	require.NoError(t, f.ingest(t, "evt_sub", EventSubscriptionCreated, subscriptionObj("sub_ext_1", "cus_1", "active", "price_starter")))
	sub, err := f.tenants.GetActiveSubscription(ctx, account.ID)
	require.NoError(t, err)
	ids := f.runningInstances(t, sub.ID, 2)

	require.NoError(t, f.ingest(t, "evt_del", EventSubscriptionDeleted, subscriptionObj("sub_ext_1", "cus_1", "canceled", "price_starter")))

	sub, err = f.tenants.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SubscriptionCancelled, sub.Status)
	assert.NotNil(t, sub.CancelledAt)
	for _, id := range ids {
		inst, err := f.repo.GetInstance(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.InstanceDeprovisioning, inst.Status)
	}

	_, err = f.tenants.GetActiveSubscription(ctx, account.ID)
	assert.True(t, store.IsNotFound(err))

	// later updates for a cancelled subscription are absorbed
	require.NoError(t, f.ingest(t, "evt_upd", EventSubscriptionUpdated, subscriptionObj("sub_ext_1", "cus_1", "active", "price_pro")))
	sub, err = f.tenants.GetSubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SubscriptionCancelled, sub.Status)
	assert.Equal(t, store.TierStarter, sub.Tier)
}

func TestIngest_InvoiceEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account := f.customer(t)
	require.NoError(t, f.ingest(t, "evt_sub", EventSubscriptionCreated, subscriptionObj("sub_ext_1", "cus_1", "active", "price_starter")))

	invoice := map[string]interface{}{"id": "in_1", "customer": "cus_1", "subscription": "sub_ext_1"}
	require.NoError(t, f.ingest(t, "evt_fail", EventInvoicePaymentFailed, invoice))
	sub, err := f.tenants.GetActiveSubscription(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SubscriptionPastDue, sub.Status)

	require.NoError(t, f.ingest(t, "evt_paid", EventInvoicePaid, invoice))
	sub, err = f.tenants.GetActiveSubscription(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SubscriptionActive, sub.Status)

	// paid on an active subscription changes nothing
	require.NoError(t, f.ingest(t, "evt_paid_2", EventInvoicePaid, invoice))
	assert.Equal(t, 2, f.countAction(audit.ActionSubscriptionStatus))
}

func TestIngest_InvoiceWithoutSubscriptionIgnored(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.ingest(t, "evt_paid", EventInvoicePaid, map[string]interface{}{"id": "in_1", "customer": "cus_1"}))

	entries := f.audit.All()
	require.Len(t, entries, 1)
	assert.Equal(t, true, entries[0].Details["ignored"])
}

func TestIngest_UnknownTypeIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.ingest(t, "evt_x", "charge.refunded", map[string]interface{}{"id": "ch_1"}))

	event, err := f.repo.GetWebhookEvent(ctx, "evt_x")
	require.NoError(t, err)
	assert.NotNil(t, event.ProcessedAt)

	entries := f.audit.All()
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Success)
	assert.Equal(t, true, entries[0].Details["ignored"])
}

func TestIngest_MalformedObjectFails(t *testing.T) {
	f := newFixture(t)
	err := f.processor.Ingest(context.Background(), "evt_bad", EventCustomerCreated, json.RawMessage(`{"id":"evt_bad","type":"customer.created","data":{"object":{"email":"x@example.com"}}}`))
	require.Error(t, err)

	event, err := f.repo.GetWebhookEvent(context.Background(), "evt_bad")
	require.NoError(t, err)
	assert.Equal(t, 1, event.Attempts)
	assert.Nil(t, event.ProcessedAt)
}
