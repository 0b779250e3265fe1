package api

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/hostplane/pkg/auth"
	"github.com/platinummonkey/hostplane/pkg/billing"
	"github.com/platinummonkey/hostplane/pkg/httputil"
	"github.com/platinummonkey/hostplane/pkg/observability"
)

const outcomeRejected = "rejected"

// handleStripeWebhook verifies, records and acknowledges a delivery. The
// provider redelivers anything that does not get a 2xx, so a 503 is
// returned only when the event could not be stored.
func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	log := observability.LoggerFromContext(r.Context(), s.logger)

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteRequestError(w, r, http.StatusBadRequest, fmt.Errorf("failed to read request body: %w", err))
		return
	}

	if !s.allowUnsigned {
		header := r.Header.Get(billing.SignatureHeader)
		if err := billing.VerifySignature(payload, header, s.webhookSecret, s.signatureTolerance, s.clock.Now()); err != nil {
			log.WithError(err).Warn("Rejected webhook with bad signature")
			s.metrics.WebhookEvent("unknown", outcomeRejected, 0)
			httputil.WriteRequestError(w, r, http.StatusBadRequest, err)
			return
		}
	}

	env, err := billing.ParseEnvelope(payload)
	if err != nil {
		log.WithError(err).Warn("Rejected malformed webhook")
		s.metrics.WebhookEvent("unknown", outcomeRejected, 0)
		httputil.WriteRequestError(w, r, http.StatusBadRequest, err)
		return
	}

	log = log.WithFields(logrus.Fields{
		"provider_event_id": env.ID,
		"event_type":        env.Type,
	})

	pending, err := s.webhooks.Accept(r.Context(), env.ID, env.Type, payload)
	if err != nil {
		log.WithError(err).Error("Failed to record webhook event")
		httputil.WriteRequestError(w, r, http.StatusServiceUnavailable, fmt.Errorf("event not recorded, retry later"))
		return
	}
	if pending {
		s.dispatchWebhook(r.Context(), log, env.ID)
	}

	_ = httputil.WriteAccepted(w, WebhookResponse{Received: true, Duplicate: !pending, EventID: env.ID})
}

// dispatchWebhook hands an accepted event to the worker pool. An event the
// pool cannot take stays recorded and is applied by the reconcile sweep.
func (s *Server) dispatchWebhook(ctx context.Context, log *logrus.Entry, providerEventID string) {
	task := func(ctx context.Context) error {
		return s.webhooks.Process(auth.WithCaller(ctx, auth.System), providerEventID)
	}

	if s.pool == nil {
		if err := task(ctx); err != nil {
			log.WithError(err).Warn("Webhook processing failed, scheduled for retry")
		}
		return
	}
	if err := s.pool.TrySubmit(task); err != nil {
		log.WithError(err).Warn("Webhook queue unavailable, leaving event for reconcile")
	}
}
