package tenants

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/hostplane/pkg/audit"
	"github.com/platinummonkey/hostplane/pkg/instances"
	"github.com/platinummonkey/hostplane/pkg/store"
	"github.com/platinummonkey/hostplane/pkg/tiers"
)

// Config wires a Service
type Config struct {
	Repository store.Repository
	Tiers      *tiers.Engine
	Instances  *instances.Manager
	Clock      quartz.Clock
	Recorder   *audit.Recorder
	Logger     *logrus.Logger
	Validate   *validator.Validate
}

// Service implements account and subscription management
type Service struct {
	repo      store.Repository
	tiers     *tiers.Engine
	instances *instances.Manager
	clock     quartz.Clock
	recorder  *audit.Recorder
	logger    *logrus.Logger
	validate  *validator.Validate
}

// NewService creates a tenant service
func NewService(cfg Config) *Service {
	if cfg.Clock == nil {
		cfg.Clock = quartz.NewReal()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Validate == nil {
		cfg.Validate = validator.New(validator.WithRequiredStructEnabled())
	}
	if cfg.Tiers == nil {
		cfg.Tiers = tiers.NewEngine(tiers.Config{Repository: cfg.Repository, Clock: cfg.Clock, Recorder: cfg.Recorder, Logger: cfg.Logger})
	}
	if cfg.Instances == nil {
		cfg.Instances = instances.NewManager(instances.Config{
			Repository: cfg.Repository,
			Tiers:      cfg.Tiers,
			Clock:      cfg.Clock,
			Recorder:   cfg.Recorder,
			Logger:     cfg.Logger,
			Validate:   cfg.Validate,
		})
	}
	return &Service{
		repo:      cfg.Repository,
		tiers:     cfg.Tiers,
		instances: cfg.Instances,
		clock:     cfg.Clock,
		recorder:  cfg.Recorder,
		logger:    cfg.Logger,
		validate:  cfg.Validate,
	}
}

// CreateAccountRequest describes a new account
type CreateAccountRequest struct {
	Email            string  `json:"email" validate:"required,email"`
	IsAdmin          bool    `json:"is_admin"`
	StripeCustomerID *string `json:"stripe_customer_id,omitempty" validate:"omitempty,min=1"`
}

// CreateAccount registers a new active account
func (s *Service) CreateAccount(ctx context.Context, req CreateAccountRequest) (*store.Account, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("invalid account request: %w", err)
	}

	var (
		pending audit.Pending
		account *store.Account
	)
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		pending.Reset()
		var err error
		account, err = s.insertAccountTx(ctx, tx, "", req, &pending)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.recorder.Flush(ctx, &pending)
	return account, nil
}

func (s *Service) insertAccountTx(ctx context.Context, tx store.Tx, id string, req CreateAccountRequest, pending *audit.Pending) (*store.Account, error) {
	if id == "" {
		id = "acct-" + uuid.NewString()
	}
	now := s.clock.Now().UTC()
	account := &store.Account{
		ID:               id,
		Email:            req.Email,
		StripeCustomerID: req.StripeCustomerID,
		IsAdmin:          req.IsAdmin,
		Status:           store.AccountActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := tx.InsertAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to insert account: %w", err)
	}
	pending.Add(audit.Success(audit.ActionAccountCreated, audit.CategoryAccount, audit.Account(account.ID), map[string]interface{}{
		"email":    account.Email,
		"is_admin": account.IsAdmin,
	}))
	return account, nil
}

// GetAccount returns an account by id
func (s *Service) GetAccount(ctx context.Context, id string) (*store.Account, error) {
	return s.repo.GetAccount(ctx, id)
}

// UpsertAccountByCustomerIDTx finds the account linked to a billing
// customer, links hintAccountID to it when that account exists, or
// creates a new account. An account already linked to a different
// customer is not relinked.
func (s *Service) UpsertAccountByCustomerIDTx(ctx context.Context, tx store.Tx, customerID, email, hintAccountID string, pending *audit.Pending) (*store.Account, error) {
	if customerID == "" {
		return nil, fmt.Errorf("customer id is required")
	}
	now := s.clock.Now().UTC()

	account, err := tx.GetAccountByCustomerID(ctx, customerID)
	switch {
	case err == nil:
		if email == "" || account.Email == email {
			return account, nil
		}
		account.Email = email
		account.UpdatedAt = now
		if err := tx.UpdateAccount(ctx, account); err != nil {
			return nil, fmt.Errorf("failed to update account: %w", err)
		}
		pending.Add(audit.Success(audit.ActionAccountUpdated, audit.CategoryAccount, audit.Account(account.ID), map[string]interface{}{
			"email": email,
		}))
		return account, nil
	case !store.IsNotFound(err):
		return nil, fmt.Errorf("failed to look up customer: %w", err)
	}

	if hintAccountID != "" {
		account, err := tx.GetAccount(ctx, hintAccountID)
		switch {
		case err == nil:
			if account.StripeCustomerID != nil && *account.StripeCustomerID != customerID {
				return nil, fmt.Errorf("account %s is linked to another customer: %w", account.ID, store.ErrConflict)
			}
			account.StripeCustomerID = &customerID
			if email != "" {
				account.Email = email
			}
			account.UpdatedAt = now
			if err := tx.UpdateAccount(ctx, account); err != nil {
				return nil, fmt.Errorf("failed to link customer: %w", err)
			}
			pending.Add(audit.Success(audit.ActionAccountUpdated, audit.CategoryAccount, audit.Account(account.ID), map[string]interface{}{
				"stripe_customer_id": customerID,
			}))
			return account, nil
		case !store.IsNotFound(err):
			return nil, fmt.Errorf("failed to look up account: %w", err)
		}
	}

	return s.insertAccountTx(ctx, tx, hintAccountID, CreateAccountRequest{Email: email, StripeCustomerID: &customerID}, pending)
}

// UpsertAccountByCustomerID is UpsertAccountByCustomerIDTx in its own
// transaction
func (s *Service) UpsertAccountByCustomerID(ctx context.Context, customerID, email, hintAccountID string) (*store.Account, error) {
	var (
		pending audit.Pending
		account *store.Account
	)
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		pending.Reset()
		var err error
		account, err = s.UpsertAccountByCustomerIDTx(ctx, tx, customerID, email, hintAccountID, &pending)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.recorder.Flush(ctx, &pending)
	return account, nil
}

// SuspendAccount marks an account suspended
func (s *Service) SuspendAccount(ctx context.Context, id string) (*store.Account, error) {
	return s.setAccountStatus(ctx, id, store.AccountSuspended)
}

// ReactivateAccount returns a suspended account to active
func (s *Service) ReactivateAccount(ctx context.Context, id string) (*store.Account, error) {
	return s.setAccountStatus(ctx, id, store.AccountActive)
}

// DeleteAccount soft-deletes an account and cancels its active
// subscription, which deprovisions its instances.
func (s *Service) DeleteAccount(ctx context.Context, id string) (*store.Account, error) {
	return s.setAccountStatus(ctx, id, store.AccountDeleted)
}

func (s *Service) setAccountStatus(ctx context.Context, id string, status store.AccountStatus) (*store.Account, error) {
	var (
		pending audit.Pending
		account *store.Account
		changes []instances.Change
	)
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		pending.Reset()
		changes = nil
		var err error
		account, err = tx.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		if account.Status == status {
			return nil
		}
		if account.Status == store.AccountDeleted {
			return fmt.Errorf("account %s is deleted: %w", id, store.ErrConflict)
		}

		old := account.Status
		now := s.clock.Now().UTC()
		account.Status = status
		account.UpdatedAt = now
		if status == store.AccountDeleted {
			account.DeletedAt = &now
		}
		if err := tx.UpdateAccount(ctx, account); err != nil {
			return fmt.Errorf("failed to update account: %w", err)
		}
		pending.Add(audit.Success(audit.ActionAccountStatus, audit.CategoryAccount, audit.Account(id), map[string]interface{}{
			"from": string(old),
			"to":   string(status),
		}))

		if status != store.AccountDeleted {
			return nil
		}
		active, err := tx.GetActiveSubscription(ctx, id)
		if store.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to get active subscription: %w", err)
		}
		sub, err := tx.LockSubscription(ctx, active.ID)
		if err != nil {
			return fmt.Errorf("failed to lock subscription: %w", err)
		}
		changes, err = s.UpdateStatusTx(ctx, tx, sub, store.SubscriptionCancelled, &pending)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.instances.Observe(changes...)
	s.recorder.Flush(ctx, &pending)
	return account, nil
}

// GetActiveSubscription returns the account's non-cancelled subscription
func (s *Service) GetActiveSubscription(ctx context.Context, accountID string) (*store.Subscription, error) {
	return s.repo.GetActiveSubscription(ctx, accountID)
}

// GetSubscription returns a subscription by id
func (s *Service) GetSubscription(ctx context.Context, id string) (*store.Subscription, error) {
	return s.repo.GetSubscription(ctx, id)
}

// NewSubscription describes a subscription to create
type NewSubscription struct {
	AccountID            string
	Tier                 store.Tier
	Status               store.SubscriptionStatus
	StripeSubscriptionID *string
	StripePriceID        string
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
}

// CreateSubscription gives an account a new active subscription on tier
func (s *Service) CreateSubscription(ctx context.Context, accountID string, tier store.Tier) (*store.Subscription, error) {
	var (
		pending audit.Pending
		sub     *store.Subscription
	)
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		pending.Reset()
		var err error
		sub, err = s.CreateSubscriptionTx(ctx, tx, NewSubscription{AccountID: accountID, Tier: tier}, &pending)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.recorder.Flush(ctx, &pending)
	return sub, nil
}

// CreateSubscriptionTx inserts a subscription inside tx. Limits come from
// the tier table. It fails with ErrConflict when the account already has
// an active subscription.
func (s *Service) CreateSubscriptionTx(ctx context.Context, tx store.Tx, req NewSubscription, pending *audit.Pending) (*store.Subscription, error) {
	if req.Status == "" {
		req.Status = store.SubscriptionActive
	}
	if !req.Status.Valid() || !req.Status.IsActive() {
		return nil, fmt.Errorf("invalid initial subscription status %q", req.Status)
	}

	account, err := tx.GetAccount(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	if account.Status == store.AccountDeleted {
		return nil, fmt.Errorf("account %s is deleted: %w", account.ID, store.ErrConflict)
	}

	existing, err := tx.GetActiveSubscription(ctx, req.AccountID)
	switch {
	case err == nil:
		return nil, fmt.Errorf("account %s already has subscription %s: %w", req.AccountID, existing.ID, store.ErrConflict)
	case !store.IsNotFound(err):
		return nil, fmt.Errorf("failed to check active subscription: %w", err)
	}

	now := s.clock.Now().UTC()
	sub := &store.Subscription{
		ID:                   "sub-" + uuid.NewString(),
		AccountID:            req.AccountID,
		Status:               req.Status,
		LastResetAt:          store.Day(now),
		CurrentPeriodStart:   req.CurrentPeriodStart,
		CurrentPeriodEnd:     req.CurrentPeriodEnd,
		StripeSubscriptionID: req.StripeSubscriptionID,
		StripePriceID:        req.StripePriceID,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.tiers.ApplyLimits(sub, req.Tier); err != nil {
		return nil, err
	}
	if err := tx.InsertSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to insert subscription: %w", err)
	}

	pending.Add(audit.Success(audit.ActionSubscriptionCreated, audit.CategorySubscription, audit.Account(sub.AccountID), map[string]interface{}{
		"subscription_id": sub.ID,
		"tier":            string(sub.Tier),
		"status":          string(sub.Status),
	}))
	return sub, nil
}

// UpdateStatus changes a subscription's status. Cancelling moves every
// instance not already leaving to deprovisioning in the same transaction.
func (s *Service) UpdateStatus(ctx context.Context, subscriptionID string, status store.SubscriptionStatus) (*store.Subscription, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("invalid subscription status %q", status)
	}

	var (
		pending audit.Pending
		sub     *store.Subscription
		changes []instances.Change
	)
	err := s.repo.WithTx(ctx, func(tx store.Tx) error {
		pending.Reset()
		var err error
		sub, err = tx.LockSubscription(ctx, subscriptionID)
		if err != nil {
			return fmt.Errorf("failed to lock subscription: %w", err)
		}
		changes, err = s.UpdateStatusTx(ctx, tx, sub, status, &pending)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.instances.Observe(changes...)
	s.recorder.Flush(ctx, &pending)
	return sub, nil
}

// UpdateStatusTx applies a status change to a subscription locked by tx.
// The same status is a no-op. A cancelled subscription cannot be revived.
func (s *Service) UpdateStatusTx(ctx context.Context, tx store.Tx, sub *store.Subscription, status store.SubscriptionStatus, pending *audit.Pending) ([]instances.Change, error) {
	if sub.Status == status {
		return nil, nil
	}
	if sub.Status == store.SubscriptionCancelled {
		return nil, fmt.Errorf("subscription %s is cancelled: %w", sub.ID, store.ErrConflict)
	}

	old := sub.Status
	now := s.clock.Now().UTC()
	sub.Status = status
	sub.UpdatedAt = now
	if status == store.SubscriptionCancelled {
		sub.CancelledAt = &now
	}
	if err := tx.UpdateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to update subscription status: %w", err)
	}

	var changes []instances.Change
	if status == store.SubscriptionCancelled {
		var err error
		changes, err = s.instances.DeprovisionSubscriptionTx(ctx, tx, sub.ID, "subscription_cancelled", pending)
		if err != nil {
			return nil, err
		}
	}

	pending.Add(audit.Success(audit.ActionSubscriptionStatus, audit.CategorySubscription, audit.Account(sub.AccountID), map[string]interface{}{
		"subscription_id":         sub.ID,
		"from":                    string(old),
		"to":                      string(status),
		"instances_deprovisioned": len(changes),
	}))

	s.logger.WithFields(logrus.Fields{
		"subscription_id": sub.ID,
		"from":            old,
		"to":              status,
	}).Info("Subscription status changed")
	return changes, nil
}

// ListInstances returns the instances owned by a subscription
func (s *Service) ListInstances(ctx context.Context, subscriptionID string) ([]*store.Instance, error) {
	if _, err := s.repo.GetSubscription(ctx, subscriptionID); err != nil {
		return nil, err
	}
	return s.repo.ListInstances(ctx, store.InstanceFilter{SubscriptionID: subscriptionID})
}
