package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82/webhook"

	"crapless.app/cloud/internal/email"
	"crapless.app/cloud/internal/payments"
	"crapless.app/cloud/models"
	"crapless.app/cloud/storage"
)

const WebhookSecret = "whsec_test_secret"

// TestStorage creates an empty in-memory license store.
func TestStorage() *storage.MemoryStorage {
	return storage.NewMemoryStorage()
}

// CreateTestLicense creates a license row for the given key and session.
func CreateTestLicense(key, sessionID string, plan models.Plan) models.License {
	now := time.Now().UTC()
	license := models.License{
		ID:               uuid.NewString(),
		Key:              key,
		Plan:             plan,
		Email:            "buyer@example.com",
		StripeCustomerID: "cus_test",
		StripeSessionID:  sessionID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if plan == models.PlanPro {
		license.StripeSubscriptionID = "sub_" + sessionID
	}
	return license
}

// SeedLicense stores a license and fails the test on error.
func SeedLicense(t testing.TB, s storage.Storage, license models.License) {
	t.Helper()
	if _, err := s.CreateLicense(context.Background(), &license); err != nil {
		t.Fatalf("Failed to seed license %s: %v", license.Key, err)
	}
}

// FakePayments is an in-memory payments.Provider.
type FakePayments struct {
	mu        sync.Mutex
	sessions  map[string]*payments.Session
	requests  []payments.CheckoutRequest
	CreateErr error
	GetErr    error
}

func NewFakePayments() *FakePayments {
	return &FakePayments{sessions: make(map[string]*payments.Session)}
}

func (f *FakePayments) CreateCheckoutSession(ctx context.Context, req payments.CheckoutRequest) (*payments.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.CreateErr != nil {
		return nil, f.CreateErr
	}

	f.requests = append(f.requests, req)
	id := fmt.Sprintf("cs_test_%d", len(f.requests))
	session := &payments.Session{ID: id, URL: "https://checkout.stripe.com/c/pay/" + id}
	f.sessions[id] = session

	copied := *session
	return &copied, nil
}

func (f *FakePayments) GetSession(ctx context.Context, id string) (*payments.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.GetErr != nil {
		return nil, f.GetErr
	}
	session, ok := f.sessions[id]
	if !ok {
		return nil, fmt.Errorf("no such checkout session: %s", id)
	}

	copied := *session
	return &copied, nil
}

// AddSession registers a session as if the buyer had opened it.
func (f *FakePayments) AddSession(id string, paid bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[id] = &payments.Session{ID: id, URL: "https://checkout.stripe.com/c/pay/" + id, Paid: paid}
}

func (f *FakePayments) MarkPaid(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if session, ok := f.sessions[id]; ok {
		session.Paid = true
	}
}

func (f *FakePayments) Requests() []payments.CheckoutRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]payments.CheckoutRequest(nil), f.requests...)
}

// RecordingMailer keeps every message it is asked to send.
type RecordingMailer struct {
	mu   sync.Mutex
	sent []email.SendEmailParams
	Err  error
}

func (m *RecordingMailer) SendEmail(ctx context.Context, params email.SendEmailParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.sent = append(m.sent, params)
	return nil
}

func (m *RecordingMailer) Sent() []email.SendEmailParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]email.SendEmailParams(nil), m.sent...)
}

// FailingStorage wraps a store and fails the operations whose error is set.
type FailingStorage struct {
	storage.Storage
	CreateErr error
	FindErr   error
	ExpireErr error
}

func (f *FailingStorage) CreateLicense(ctx context.Context, license *models.License) (bool, error) {
	if f.CreateErr != nil {
		return false, f.CreateErr
	}
	return f.Storage.CreateLicense(ctx, license)
}

func (f *FailingStorage) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	if f.FindErr != nil {
		return nil, f.FindErr
	}
	return f.Storage.FindLicenseByKey(ctx, key)
}

func (f *FailingStorage) FindLicenseBySessionID(ctx context.Context, sessionID string) (*models.License, error) {
	if f.FindErr != nil {
		return nil, f.FindErr
	}
	return f.Storage.FindLicenseBySessionID(ctx, sessionID)
}

func (f *FailingStorage) ExpireSubscription(ctx context.Context, subscriptionID string) (int64, error) {
	if f.ExpireErr != nil {
		return 0, f.ExpireErr
	}
	return f.Storage.ExpireSubscription(ctx, subscriptionID)
}

var ErrStoreDown = errors.New("database is unavailable")

// CheckoutSession describes the checkout.session.completed fields the
// webhook reads.
type CheckoutSession struct {
	ID             string
	Mode           string // "payment" or "subscription"
	PaymentStatus  string
	Plan           string // metadata plan; empty leaves metadata out
	Email          string
	Customer       string
	PaymentIntent  string
	Subscription   string
	UseLegacyEmail bool // put Email in customer_email instead of customer_details
}

// PaidLifetimeSession is a completed one-time checkout.
func PaidLifetimeSession(id string) CheckoutSession {
	return CheckoutSession{
		ID:            id,
		Mode:          "payment",
		PaymentStatus: "paid",
		Plan:          "lifetime",
		Email:         "buyer@example.com",
		Customer:      "cus_" + id,
		PaymentIntent: "pi_" + id,
	}
}

// PaidProSession is a completed subscription checkout.
func PaidProSession(id, subscriptionID string) CheckoutSession {
	return CheckoutSession{
		ID:            id,
		Mode:          "subscription",
		PaymentStatus: "paid",
		Plan:          "pro",
		Email:         "buyer@example.com",
		Customer:      "cus_" + id,
		Subscription:  subscriptionID,
	}
}

func event(eventType string, object map[string]interface{}) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"id":          "evt_" + uuid.NewString(),
		"object":      "event",
		"type":        eventType,
		"api_version": "2025-03-31.basil",
		"created":     time.Now().Unix(),
		"data": map[string]interface{}{
			"object": object,
		},
	})
	return payload
}

// CheckoutSessionCompletedPayload builds a checkout.session.completed event.
func CheckoutSessionCompletedPayload(s CheckoutSession) []byte {
	object := map[string]interface{}{
		"id":             s.ID,
		"object":         "checkout.session",
		"mode":           s.Mode,
		"payment_status": s.PaymentStatus,
		"status":         "complete",
	}
	if s.Plan != "" {
		object["metadata"] = map[string]string{"plan": s.Plan}
	}
	if s.UseLegacyEmail {
		object["customer_email"] = s.Email
	} else if s.Email != "" {
		object["customer_details"] = map[string]interface{}{"email": s.Email}
	}
	if s.Customer != "" {
		object["customer"] = s.Customer
	}
	if s.PaymentIntent != "" {
		object["payment_intent"] = s.PaymentIntent
	}
	if s.Subscription != "" {
		object["subscription"] = s.Subscription
	}
	return event("checkout.session.completed", object)
}

// SubscriptionDeletedPayload builds a customer.subscription.deleted event.
func SubscriptionDeletedPayload(subscriptionID string) []byte {
	return event("customer.subscription.deleted", map[string]interface{}{
		"id":     subscriptionID,
		"object": "subscription",
		"status": "canceled",
	})
}

// UnhandledEventPayload builds an event type the webhook ignores.
func UnhandledEventPayload() []byte {
	return event("invoice.paid", map[string]interface{}{
		"id":     "in_test",
		"object": "invoice",
	})
}

// SignedWebhookRequest signs payload the way Stripe does.
func SignedWebhookRequest(t *testing.T, payload []byte, secret string) *http.Request {
	t.Helper()

	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: time.Now(),
	})

	req := httptest.NewRequest(http.MethodPost, "/api/stripe-webhook", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Stripe-Signature", signed.Header)
	return req
}

// JSONRequest builds a request with a JSON body.
func JSONRequest(t *testing.T, method, target string, body interface{}) *http.Request {
	t.Helper()

	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request: %v", err)
	}

	req := httptest.NewRequest(method, target, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

// DecodeJSON decodes a recorded response body into v.
func DecodeJSON(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
}
