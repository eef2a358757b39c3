package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"crapless.app/cloud/internal/keygen"
	"crapless.app/cloud/internal/metrics"
	"crapless.app/cloud/internal/testutil"
	"crapless.app/cloud/models"
)

func (e *testEnv) deliver(t *testing.T, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	return e.do(testutil.SignedWebhookRequest(t, payload, testutil.WebhookSecret))
}

func assertReceived(t *testing.T, w *httptest.ResponseRecorder) {
	t.Helper()
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received":true}`, w.Body.String())
}

func TestStripeWebhook_RejectsBadSignature(t *testing.T) {
	payload := testutil.CheckoutSessionCompletedPayload(testutil.PaidLifetimeSession("cs_forged"))

	tests := []struct {
		name string
		req  func(t *testing.T) *http.Request
	}{
		{
			name: "missing signature",
			req: func(t *testing.T) *http.Request {
				return httptest.NewRequest(http.MethodPost, "/api/stripe-webhook", bytes.NewReader(payload))
			},
		},
		{
			name: "garbage signature",
			req: func(t *testing.T) *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/api/stripe-webhook", bytes.NewReader(payload))
				req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
				return req
			},
		},
		{
			name: "signed with another secret",
			req: func(t *testing.T) *http.Request {
				return testutil.SignedWebhookRequest(t, payload, "whsec_someone_else")
			},
		},
		{
			name: "payload altered after signing",
			req: func(t *testing.T) *http.Request {
				req := testutil.SignedWebhookRequest(t, payload, testutil.WebhookSecret)
				tampered := bytes.Replace(payload, []byte(`"lifetime"`), []byte(`"pro"`), 1)
				req.Body = io.NopCloser(bytes.NewReader(tampered))
				req.ContentLength = int64(len(tampered))
				return req
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			before := promtest.ToFloat64(metrics.WebhookSignatureFailures)

			w := env.do(tt.req(t))

			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.JSONEq(t, `{"error":"Bad signature"}`, w.Body.String())
			assert.Empty(t, env.store.Licenses())
			assert.Empty(t, env.mailer.Sent())
			assert.Equal(t, before+1, promtest.ToFloat64(metrics.WebhookSignatureFailures))
		})
	}
}

func TestStripeWebhook_LifetimeCheckoutIssuesLicense(t *testing.T) {
	env := newTestEnv(t)

	w := env.deliver(t, testutil.CheckoutSessionCompletedPayload(testutil.PaidLifetimeSession("cs_life")))
	assertReceived(t, w)

	license, err := env.store.FindLicenseBySessionID(context.Background(), "cs_life")
	require.NoError(t, err)
	require.NotNil(t, license)

	assert.True(t, env.server.Keys.Valid(license.Key), "issued key %q is well-formed", license.Key)
	assert.Equal(t, models.PlanLifetime, license.Plan)
	assert.Equal(t, "buyer@example.com", license.Email)
	assert.Equal(t, "cus_cs_life", license.StripeCustomerID)
	assert.Equal(t, "pi_cs_life", license.StripePaymentIntentID)
	assert.Empty(t, license.StripeSubscriptionID)
	assert.False(t, license.Expired)
	assert.NotEmpty(t, license.ID)

	sent := env.mailer.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "buyer@example.com", sent[0].SendTo)
	assert.Contains(t, sent[0].BodyHTML, license.Key)
	assert.Equal(t, "Your Crapless Craps Analyzer License Key", sent[0].Subject)
}

func TestStripeWebhook_ProCheckoutRecordsSubscription(t *testing.T) {
	env := newTestEnv(t)

	assertReceived(t, env.deliver(t, testutil.CheckoutSessionCompletedPayload(testutil.PaidProSession("cs_pro", "sub_123"))))

	license, err := env.store.FindLicenseBySubscriptionID(context.Background(), "sub_123")
	require.NoError(t, err)
	require.NotNil(t, license)
	assert.Equal(t, models.PlanPro, license.Plan)
	assert.Equal(t, "cs_pro", license.StripeSessionID)
}

func TestStripeWebhook_PlanInference(t *testing.T) {
	tests := []struct {
		name     string
		mode     string
		metadata string
		expected models.Plan
	}{
		{name: "metadata wins", mode: "payment", metadata: "pro", expected: models.PlanPro},
		{name: "subscription without metadata", mode: "subscription", expected: models.PlanPro},
		{name: "payment without metadata", mode: "payment", expected: models.PlanLifetime},
		{name: "unknown metadata falls back to mode", mode: "subscription", metadata: "gold", expected: models.PlanPro},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			session := testutil.PaidLifetimeSession("cs_infer")
			session.Mode = tt.mode
			session.Plan = tt.metadata

			assertReceived(t, env.deliver(t, testutil.CheckoutSessionCompletedPayload(session)))

			license, err := env.store.FindLicenseBySessionID(context.Background(), "cs_infer")
			require.NoError(t, err)
			require.NotNil(t, license)
			assert.Equal(t, tt.expected, license.Plan)
		})
	}
}

func TestStripeWebhook_FallsBackToCustomerEmail(t *testing.T) {
	env := newTestEnv(t)

	session := testutil.PaidLifetimeSession("cs_legacy")
	session.Email = "legacy@example.com"
	session.UseLegacyEmail = true

	assertReceived(t, env.deliver(t, testutil.CheckoutSessionCompletedPayload(session)))

	license, err := env.store.FindLicenseBySessionID(context.Background(), "cs_legacy")
	require.NoError(t, err)
	require.NotNil(t, license)
	assert.Equal(t, "legacy@example.com", license.Email)

	sent := env.mailer.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "legacy@example.com", sent[0].SendTo)
}

func TestStripeWebhook_NoEmailStillIssues(t *testing.T) {
	env := newTestEnv(t)

	session := testutil.PaidLifetimeSession("cs_anon")
	session.Email = ""

	assertReceived(t, env.deliver(t, testutil.CheckoutSessionCompletedPayload(session)))

	license, err := env.store.FindLicenseBySessionID(context.Background(), "cs_anon")
	require.NoError(t, err)
	require.NotNil(t, license)
	assert.Empty(t, env.mailer.Sent())
}

func TestStripeWebhook_UnpaidSessionIgnored(t *testing.T) {
	env := newTestEnv(t)

	session := testutil.PaidLifetimeSession("cs_unpaid")
	session.PaymentStatus = "unpaid"

	assertReceived(t, env.deliver(t, testutil.CheckoutSessionCompletedPayload(session)))

	assert.Empty(t, env.store.Licenses())
	assert.Empty(t, env.mailer.Sent())
}

func TestStripeWebhook_RedeliveryIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	payload := testutil.CheckoutSessionCompletedPayload(testutil.PaidLifetimeSession("cs_twice"))

	assertReceived(t, env.deliver(t, payload))
	first, err := env.store.FindLicenseBySessionID(context.Background(), "cs_twice")
	require.NoError(t, err)
	require.NotNil(t, first)

	assertReceived(t, env.deliver(t, payload))
	second, err := env.store.FindLicenseBySessionID(context.Background(), "cs_twice")
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.Equal(t, first.Key, second.Key)
	assert.Len(t, env.store.Licenses(), 1)
	assert.Len(t, env.mailer.Sent(), 1, "redelivery must not re-send the key")
}

func TestStripeWebhook_ConcurrentRedelivery(t *testing.T) {
	env := newTestEnv(t)
	payload := testutil.CheckoutSessionCompletedPayload(testutil.PaidLifetimeSession("cs_race"))

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			w := env.deliver(t, payload)
			if w.Code != http.StatusOK {
				return errors.New(w.Body.String())
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, env.store.Licenses(), 1)
	assert.Len(t, env.mailer.Sent(), 1)
}

func TestStripeWebhook_PersistenceFailure(t *testing.T) {
	failing := &testutil.FailingStorage{Storage: testutil.TestStorage(), CreateErr: testutil.ErrStoreDown}
	env := newTestEnv(t, withStorage(failing))
	before := promtest.ToFloat64(metrics.IssuanceFailures)

	w := env.deliver(t, testutil.CheckoutSessionCompletedPayload(testutil.PaidLifetimeSession("cs_down")))

	// Stripe is still told the event was received.
	assertReceived(t, w)
	assert.Equal(t, before+1, promtest.ToFloat64(metrics.IssuanceFailures))

	// The buyer still gets a key to quote to support.
	sent := env.mailer.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].BodyHTML, "CRPS-")
}

func TestStripeWebhook_RegeneratesCollidingKey(t *testing.T) {
	// Twelve zero bytes yield CRPS-AAAA-AAAA-AAAA, twelve ones CRPS-BBBB-BBBB-BBBB.
	source := append(bytes.Repeat([]byte{0}, 12), bytes.Repeat([]byte{1}, 12)...)
	keys, err := keygen.NewWithReader("", bytes.NewReader(source))
	require.NoError(t, err)

	env := newTestEnv(t, withKeys(keys))
	testutil.SeedLicense(t, env.store, testutil.CreateTestLicense("CRPS-AAAA-AAAA-AAAA", "cs_existing", models.PlanLifetime))

	assertReceived(t, env.deliver(t, testutil.CheckoutSessionCompletedPayload(testutil.PaidLifetimeSession("cs_new"))))

	license, err := env.store.FindLicenseBySessionID(context.Background(), "cs_new")
	require.NoError(t, err)
	require.NotNil(t, license)
	assert.Equal(t, "CRPS-BBBB-BBBB-BBBB", license.Key)

	sent := env.mailer.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].BodyHTML, "CRPS-BBBB-BBBB-BBBB")
}

func TestStripeWebhook_GivesUpOnRepeatedCollisions(t *testing.T) {
	keys, err := keygen.NewWithReader("", bytes.NewReader(bytes.Repeat([]byte{0}, 12*maxKeyAttempts)))
	require.NoError(t, err)

	env := newTestEnv(t, withKeys(keys))
	testutil.SeedLicense(t, env.store, testutil.CreateTestLicense("CRPS-AAAA-AAAA-AAAA", "cs_existing", models.PlanLifetime))
	before := promtest.ToFloat64(metrics.IssuanceFailures)

	assertReceived(t, env.deliver(t, testutil.CheckoutSessionCompletedPayload(testutil.PaidLifetimeSession("cs_unlucky"))))

	missing, err := env.store.FindLicenseBySessionID(context.Background(), "cs_unlucky")
	require.NoError(t, err)
	assert.Nil(t, missing)
	assert.Equal(t, before+1, promtest.ToFloat64(metrics.IssuanceFailures))

	// Another buyer's key must never be mailed out.
	assert.Empty(t, env.mailer.Sent())
}

func TestStripeWebhook_EmailFailureDoesNotFailDelivery(t *testing.T) {
	env := newTestEnv(t)
	env.mailer.Err = errors.New("smtp: connection refused")

	assertReceived(t, env.deliver(t, testutil.CheckoutSessionCompletedPayload(testutil.PaidLifetimeSession("cs_nomail"))))

	license, err := env.store.FindLicenseBySessionID(context.Background(), "cs_nomail")
	require.NoError(t, err)
	assert.NotNil(t, license)
}

func TestStripeWebhook_SubscriptionDeletedExpiresLicense(t *testing.T) {
	env := newTestEnv(t)

	assertReceived(t, env.deliver(t, testutil.CheckoutSessionCompletedPayload(testutil.PaidProSession("cs_sub", "sub_cancel"))))
	assertReceived(t, env.deliver(t, testutil.SubscriptionDeletedPayload("sub_cancel")))

	license, err := env.store.FindLicenseBySessionID(context.Background(), "cs_sub")
	require.NoError(t, err)
	require.NotNil(t, license)
	assert.True(t, license.Expired)

	w := env.do(testutil.JSONRequest(t, http.MethodPost, "/api/validate-license", models.ValidateLicenseRequest{Key: license.Key}))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"valid":false,"error":"This Pro subscription has been cancelled."}`, w.Body.String())
}

func TestStripeWebhook_SubscriptionDeletedWithoutLicense(t *testing.T) {
	env := newTestEnv(t)
	testutil.SeedLicense(t, env.store, testutil.CreateTestLicense("CRPS-KEEP-KEEP-KEEP", "cs_other", models.PlanPro))

	assertReceived(t, env.deliver(t, testutil.SubscriptionDeletedPayload("sub_never_seen")))

	license, err := env.store.FindLicenseByKey(context.Background(), "CRPS-KEEP-KEEP-KEEP")
	require.NoError(t, err)
	require.NotNil(t, license)
	assert.False(t, license.Expired)
}

func TestStripeWebhook_SubscriptionDeletedStoreFailure(t *testing.T) {
	failing := &testutil.FailingStorage{Storage: testutil.TestStorage(), ExpireErr: testutil.ErrStoreDown}
	env := newTestEnv(t, withStorage(failing))

	assertReceived(t, env.deliver(t, testutil.SubscriptionDeletedPayload("sub_x")))
}

func TestStripeWebhook_UnhandledEvent(t *testing.T) {
	env := newTestEnv(t)

	assertReceived(t, env.deliver(t, testutil.UnhandledEventPayload()))
	assert.Empty(t, env.store.Licenses())
}

func TestStripeWebhook_OversizedBody(t *testing.T) {
	env := newTestEnv(t)

	body := strings.Repeat("x", int(MaxBodyBytes)+1)
	req := httptest.NewRequest(http.MethodPost, "/api/stripe-webhook", strings.NewReader(body))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")

	w := env.do(req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Empty(t, env.store.Licenses())
}
