package billing

import (
	"context"
	"fmt"

	"github.com/platinummonkey/hostplane/pkg/audit"
	"github.com/platinummonkey/hostplane/pkg/store"
	"github.com/platinummonkey/hostplane/pkg/tenants"
)

type handlerFunc func(p *Processor, ctx context.Context, tx store.Tx, payload []byte, res *result, pending *audit.Pending) error

var handlers = map[string]handlerFunc{
	EventCustomerCreated:      (*Processor).handleCustomerCreated,
	EventSubscriptionCreated:  (*Processor).handleSubscriptionCreated,
	EventSubscriptionUpdated:  (*Processor).handleSubscriptionUpdated,
	EventSubscriptionDeleted:  (*Processor).handleSubscriptionDeleted,
	EventInvoicePaymentFailed: (*Processor).handleInvoicePaymentFailed,
	EventInvoicePaid:          (*Processor).handleInvoicePaid,
}

func (p *Processor) dispatch(ctx context.Context, tx store.Tx, event *store.WebhookEvent, res *result, pending *audit.Pending) error {
	handle, ok := handlers[event.EventType]
	if !ok {
		res.ignored = true
		return nil
	}
	return handle(p, ctx, tx, event.Payload, res, pending)
}

func (p *Processor) handleCustomerCreated(ctx context.Context, tx store.Tx, payload []byte, res *result, pending *audit.Pending) error {
	var obj customerObject
	if err := decodeObject(payload, &obj); err != nil {
		return err
	}
	account, err := p.tenants.UpsertAccountByCustomerIDTx(ctx, tx, obj.ID, obj.Email, obj.Metadata["account_id"], pending)
	if err != nil {
		return err
	}
	res.accountID = account.ID
	return nil
}

// tierFor resolves the tier sold by a subscription object, by price id
// first and by a "tier" metadata key second
func (p *Processor) tierFor(obj *subscriptionObject) (store.Tier, bool) {
	if tier, ok := p.tiers.TierForPrice(obj.priceID()); ok {
		return tier, true
	}
	if tier := store.Tier(obj.Metadata["tier"]); tier.Valid() {
		return tier, true
	}
	return "", false
}

func (p *Processor) handleSubscriptionCreated(ctx context.Context, tx store.Tx, payload []byte, res *result, pending *audit.Pending) error {
	var obj subscriptionObject
	if err := decodeObject(payload, &obj); err != nil {
		return err
	}

	// A replayed create for a subscription we already track is an update.
	if _, err := tx.GetSubscriptionByExternalID(ctx, obj.ID); err == nil {
		return p.applySubscriptionUpdate(ctx, tx, &obj, res, pending)
	} else if !store.IsNotFound(err) {
		return err
	}

	account, err := tx.GetAccountByCustomerID(ctx, obj.Customer)
	if err != nil {
		return fmt.Errorf("no account for customer %s: %w", obj.Customer, err)
	}
	res.accountID = account.ID

	tier, ok := p.tierFor(&obj)
	if !ok {
		return fmt.Errorf("no tier for price %q", obj.priceID())
	}
	status := store.SubscriptionActive
	if obj.status() == store.SubscriptionTrialing {
		status = store.SubscriptionTrialing
	}
	periodStart, periodEnd := obj.period()
	externalID := obj.ID

	active, err := tx.GetActiveSubscription(ctx, account.ID)
	if store.IsNotFound(err) {
		_, err := p.tenants.CreateSubscriptionTx(ctx, tx, tenants.NewSubscription{
			AccountID:            account.ID,
			Tier:                 tier,
			Status:               status,
			StripeSubscriptionID: &externalID,
			StripePriceID:        obj.priceID(),
			CurrentPeriodStart:   periodStart,
			CurrentPeriodEnd:     periodEnd,
		}, pending)
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to get active subscription: %w", err)
	}

	// Adopt the existing subscription in place.
	sub, err := tx.LockSubscription(ctx, active.ID)
	if err != nil {
		return fmt.Errorf("failed to lock subscription: %w", err)
	}
	sub.StripeSubscriptionID = &externalID
	sub.StripePriceID = obj.priceID()
	sub.CurrentPeriodStart = periodStart
	sub.CurrentPeriodEnd = periodEnd
	sub.UpdatedAt = p.clock.Now().UTC()
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to attach subscription: %w", err)
	}
	pending.Add(audit.Success(audit.ActionSubscriptionUpdated, audit.CategorySubscription, audit.Account(sub.AccountID), map[string]interface{}{
		"subscription_id":        sub.ID,
		"stripe_subscription_id": externalID,
		"adopted":                true,
	}))

	if err := p.changeTier(ctx, tx, sub, tier, res, pending); err != nil {
		return err
	}
	return p.changeStatus(ctx, tx, sub, status, res, pending)
}

func (p *Processor) handleSubscriptionUpdated(ctx context.Context, tx store.Tx, payload []byte, res *result, pending *audit.Pending) error {
	var obj subscriptionObject
	if err := decodeObject(payload, &obj); err != nil {
		return err
	}
	return p.applySubscriptionUpdate(ctx, tx, &obj, res, pending)
}

func (p *Processor) applySubscriptionUpdate(ctx context.Context, tx store.Tx, obj *subscriptionObject, res *result, pending *audit.Pending) error {
	sub, err := p.lockByExternalID(ctx, tx, obj.ID)
	if err != nil {
		return err
	}
	res.accountID = sub.AccountID

	if sub.Status == store.SubscriptionCancelled {
		p.logger.WithField("subscription_id", sub.ID).Info("Ignoring update for cancelled subscription")
		return nil
	}

	periodStart, periodEnd := obj.period()
	if periodStart != nil {
		sub.CurrentPeriodStart = periodStart
	}
	if periodEnd != nil {
		sub.CurrentPeriodEnd = periodEnd
	}
	if price := obj.priceID(); price != "" {
		sub.StripePriceID = price
	}
	sub.UpdatedAt = p.clock.Now().UTC()
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to update subscription: %w", err)
	}

	if tier, ok := p.tierFor(obj); ok {
		if err := p.changeTier(ctx, tx, sub, tier, res, pending); err != nil {
			return err
		}
	}
	return p.changeStatus(ctx, tx, sub, obj.status(), res, pending)
}

func (p *Processor) handleSubscriptionDeleted(ctx context.Context, tx store.Tx, payload []byte, res *result, pending *audit.Pending) error {
	var obj subscriptionObject
	if err := decodeObject(payload, &obj); err != nil {
		return err
	}
	sub, err := p.lockByExternalID(ctx, tx, obj.ID)
	if err != nil {
		return err
	}
	res.accountID = sub.AccountID
	return p.changeStatus(ctx, tx, sub, store.SubscriptionCancelled, res, pending)
}

func (p *Processor) handleInvoicePaymentFailed(ctx context.Context, tx store.Tx, payload []byte, res *result, pending *audit.Pending) error {
	return p.handleInvoice(ctx, tx, payload, res, pending, func(s store.SubscriptionStatus) (store.SubscriptionStatus, bool) {
		if s == store.SubscriptionActive || s == store.SubscriptionTrialing {
			return store.SubscriptionPastDue, true
		}
		return s, false
	})
}

func (p *Processor) handleInvoicePaid(ctx context.Context, tx store.Tx, payload []byte, res *result, pending *audit.Pending) error {
	return p.handleInvoice(ctx, tx, payload, res, pending, func(s store.SubscriptionStatus) (store.SubscriptionStatus, bool) {
		if s == store.SubscriptionPastDue {
			return store.SubscriptionActive, true
		}
		return s, false
	})
}

func (p *Processor) handleInvoice(ctx context.Context, tx store.Tx, payload []byte, res *result, pending *audit.Pending, next func(store.SubscriptionStatus) (store.SubscriptionStatus, bool)) error {
	var obj invoiceObject
	if err := decodeObject(payload, &obj); err != nil {
		return err
	}
	if obj.Subscription == "" {
		res.ignored = true
		return nil
	}
	sub, err := p.lockByExternalID(ctx, tx, obj.Subscription)
	if err != nil {
		return err
	}
	res.accountID = sub.AccountID

	status, ok := next(sub.Status)
	if !ok {
		return nil
	}
	return p.changeStatus(ctx, tx, sub, status, res, pending)
}

func (p *Processor) lockByExternalID(ctx context.Context, tx store.Tx, externalID string) (*store.Subscription, error) {
	found, err := tx.GetSubscriptionByExternalID(ctx, externalID)
	if err != nil {
		return nil, fmt.Errorf("unknown subscription %s: %w", externalID, err)
	}
	sub, err := tx.LockSubscription(ctx, found.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock subscription: %w", err)
	}
	return sub, nil
}

func (p *Processor) changeTier(ctx context.Context, tx store.Tx, sub *store.Subscription, tier store.Tier, res *result, pending *audit.Pending) error {
	old := sub.Tier
	if old == tier {
		return nil
	}
	if err := p.tiers.ApplyTierChangeTx(ctx, tx, sub, tier, pending); err != nil {
		return err
	}
	res.tierChanges = append(res.tierChanges, [2]store.Tier{old, tier})
	return nil
}

func (p *Processor) changeStatus(ctx context.Context, tx store.Tx, sub *store.Subscription, status store.SubscriptionStatus, res *result, pending *audit.Pending) error {
	changes, err := p.tenants.UpdateStatusTx(ctx, tx, sub, status, pending)
	if err != nil {
		return err
	}
	res.changes = append(res.changes, changes...)
	return nil
}
