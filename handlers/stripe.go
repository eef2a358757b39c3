package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"crapless.app/cloud/internal/email"
	"crapless.app/cloud/internal/logger"
	"crapless.app/cloud/internal/metrics"
	"crapless.app/cloud/models"
	"crapless.app/cloud/storage"
)

const (
	MaxBodyBytes = int64(65536)

	// maxKeyAttempts bounds regeneration after a key collision.
	maxKeyAttempts = 3
)

// Stripe receives webhook deliveries. Stripe delivers at least once, so every
// branch is safe to repeat. Once the signature checks out the handler always
// acknowledges; persistence problems are alerted on instead of retried.
func (s *Server) Stripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("Failed to read webhook payload", map[string]interface{}{
			"error": err.Error(),
		})
		writeErrorResponse(w, r, http.StatusServiceUnavailable, "Failed to read body")
		return
	}

	signatureHeader := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, s.opts.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		metrics.WebhookSignatureFailures.Inc()
		logger.Warn("Webhook signature verification failed", map[string]interface{}{
			"error":       err.Error(),
			"remote_addr": r.RemoteAddr,
		})
		writeErrorResponse(w, r, http.StatusBadRequest, "Bad signature")
		return
	}

	metrics.WebhookEvents.WithLabelValues(string(event.Type)).Inc()
	logger.Info("Stripe event received", map[string]interface{}{
		"event_type": event.Type,
		"event_id":   event.ID,
	})

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			logger.Error("Failed to unmarshal checkout session", map[string]interface{}{
				"error":    err.Error(),
				"event_id": event.ID,
			})
			break
		}
		s.handleCheckoutCompleted(ctx, &session)

	case stripe.EventTypeCustomerSubscriptionDeleted:
		var subscription stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &subscription); err != nil {
			logger.Error("Failed to unmarshal subscription", map[string]interface{}{
				"error":    err.Error(),
				"event_id": event.ID,
			})
			break
		}
		s.handleSubscriptionDeleted(ctx, subscription.ID)

	default:
		logger.Debug("Unhandled webhook event type", map[string]interface{}{
			"event_type": event.Type,
			"event_id":   event.ID,
		})
	}

	respondJSON(w, r, http.StatusOK, models.WebhookResponse{Received: true})
}

func (s *Server) handleCheckoutCompleted(ctx context.Context, session *stripe.CheckoutSession) {
	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
		logger.Info("Checkout completed without payment, waiting", map[string]interface{}{
			"session_id":     session.ID,
			"payment_status": session.PaymentStatus,
		})
		return
	}
	if session.ID == "" {
		logger.Warn("Checkout session without id")
		return
	}

	existing, err := s.Storage.FindLicenseBySessionID(ctx, session.ID)
	if err != nil {
		// The insert below is still idempotent, so carry on.
		logger.Warn("Failed to look up license for session", map[string]interface{}{
			"error":      err.Error(),
			"session_id": session.ID,
		})
	}
	if existing != nil {
		logger.Info("License already issued for session", map[string]interface{}{
			"session_id": session.ID,
		})
		return
	}

	license := licenseFromSession(session, s.now().UTC())

	created, err := s.issue(ctx, license)
	if err != nil {
		logger.Error("Failed to persist license", map[string]interface{}{
			"error":       err.Error(),
			"session_id":  session.ID,
			"plan":        license.Plan,
			"license_key": license.Key,
		})
		metrics.RecordIssuanceFailure(ctx, err, map[string]interface{}{
			"session_id":  session.ID,
			"plan":        string(license.Plan),
			"email":       license.Email,
			"license_key": license.Key,
		})
		// The buyer paid; mail whatever key we have so support can back-fill
		// the row from the alert.
		if license.Key != "" {
			s.sendLicenseEmail(ctx, license)
		}
		return
	}
	if !created {
		logger.Info("License already issued for session", map[string]interface{}{
			"session_id": session.ID,
		})
		return
	}

	metrics.LicensesIssued.WithLabelValues(string(license.Plan)).Inc()
	logger.Info("License created", map[string]interface{}{
		"license_key": license.Key,
		"plan":        license.Plan,
		"session_id":  session.ID,
	})

	s.sendLicenseEmail(ctx, license)
}

// issue assigns a fresh key and inserts the license, regenerating the key if
// it collides with an existing one. A key that belongs to someone else is
// never left on the license.
func (s *Server) issue(ctx context.Context, license *models.License) (bool, error) {
	var lastErr error
	for attempt := 1; attempt <= maxKeyAttempts; attempt++ {
		license.Key = ""
		key, err := s.Keys.Generate()
		if err != nil {
			return false, fmt.Errorf("failed to generate license key: %w", err)
		}
		license.Key = key

		created, err := s.Storage.CreateLicense(ctx, license)
		if errors.Is(err, storage.ErrDuplicateKey) {
			logger.Warn("License key collision, regenerating", map[string]interface{}{
				"attempt":    attempt,
				"session_id": license.StripeSessionID,
			})
			lastErr = err
			continue
		}
		return created, err
	}
	license.Key = ""
	return false, fmt.Errorf("gave up after %d attempts: %w", maxKeyAttempts, lastErr)
}

func (s *Server) handleSubscriptionDeleted(ctx context.Context, subscriptionID string) {
	changed, err := s.Storage.ExpireSubscription(ctx, subscriptionID)
	if err != nil {
		logger.Error("Failed to expire subscription licenses", map[string]interface{}{
			"error":           err.Error(),
			"subscription_id": subscriptionID,
		})
		return
	}

	if changed == 0 {
		logger.Debug("No active license for cancelled subscription", map[string]interface{}{
			"subscription_id": subscriptionID,
		})
		return
	}

	metrics.LicensesExpired.Add(float64(changed))
	logger.Info("Subscription cancelled, license expired", map[string]interface{}{
		"subscription_id": subscriptionID,
		"licenses":        changed,
	})
}

func (s *Server) sendLicenseEmail(ctx context.Context, license *models.License) {
	if license.Email == "" {
		logger.Warn("No email on checkout session, key not mailed", map[string]interface{}{
			"session_id": license.StripeSessionID,
		})
		return
	}

	msg, err := email.LicenseKeyMessage(s.opts.AppName, license.Email, license.Key, license.Plan)
	if err == nil {
		err = s.Mailer.SendEmail(ctx, msg)
	}
	if err != nil {
		logger.Warn("Failed to send license email", map[string]interface{}{
			"error":      err.Error(),
			"email":      license.Email,
			"session_id": license.StripeSessionID,
		})
		return
	}

	logger.Info("License email sent", map[string]interface{}{
		"email":      license.Email,
		"session_id": license.StripeSessionID,
	})
}

// licenseFromSession copies everything but the key out of a paid session.
func licenseFromSession(session *stripe.CheckoutSession, now time.Time) *models.License {
	license := &models.License{
		ID:              uuid.Must(uuid.NewRandom()).String(),
		Plan:            planFromSession(session),
		StripeSessionID: session.ID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		license.Email = session.CustomerDetails.Email
	} else {
		license.Email = session.CustomerEmail
	}
	if session.Customer != nil {
		license.StripeCustomerID = session.Customer.ID
	}
	if session.PaymentIntent != nil {
		license.StripePaymentIntentID = session.PaymentIntent.ID
	}
	if session.Subscription != nil {
		license.StripeSubscriptionID = session.Subscription.ID
	}

	return license
}

// planFromSession trusts the plan we stamped into metadata at checkout and
// falls back to the session mode.
func planFromSession(session *stripe.CheckoutSession) models.Plan {
	if plan, ok := models.ParsePlan(session.Metadata["plan"]); ok {
		return plan
	}
	if session.Mode == stripe.CheckoutSessionModeSubscription {
		return models.PlanPro
	}
	return models.PlanLifetime
}
