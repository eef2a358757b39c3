package handlers

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"crapless.app/cloud/internal/testutil"
	"crapless.app/cloud/models"
)

func TestGetLicense(t *testing.T) {
	env := newTestEnv(t)
	env.payments.AddSession("cs_issued", true)
	env.payments.AddSession("cs_webhook_pending", true)
	env.payments.AddSession("cs_unpaid", false)
	testutil.SeedLicense(t, env.store, testutil.CreateTestLicense("CRPS-XSSU-2345-6789", "cs_issued", models.PlanPro))
	// A row for an unpaid session is never revealed.
	testutil.SeedLicense(t, env.store, testutil.CreateTestLicense("CRPS-UNPD-2345-6789", "cs_unpaid", models.PlanPro))

	tests := []struct {
		name           string
		target         string
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "license issued",
			target:         "/api/get-license?session_id=cs_issued",
			expectedStatus: http.StatusOK,
			expectedBody:   `{"status":"success","key":"CRPS-XSSU-2345-6789","plan":"pro"}`,
		},
		{
			name:           "paid but webhook not processed yet",
			target:         "/api/get-license?session_id=cs_webhook_pending",
			expectedStatus: http.StatusOK,
			expectedBody:   `{"status":"pending"}`,
		},
		{
			name:           "not paid yet",
			target:         "/api/get-license?session_id=cs_unpaid",
			expectedStatus: http.StatusOK,
			expectedBody:   `{"status":"pending"}`,
		},
		{
			name:           "missing session id",
			target:         "/api/get-license",
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `{"status":"error","error":"No session_id"}`,
		},
		{
			name:           "blank session id",
			target:         "/api/get-license?session_id=%20",
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `{"status":"error","error":"No session_id"}`,
		},
		{
			name:           "session unknown to stripe",
			target:         "/api/get-license?session_id=cs_made_up",
			expectedStatus: http.StatusInternalServerError,
			expectedBody:   `{"status":"error"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(httptest.NewRequest(http.MethodGet, tt.target, nil))

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.JSONEq(t, tt.expectedBody, w.Body.String())
		})
	}
}

func TestGetLicense_ProviderError(t *testing.T) {
	env := newTestEnv(t)
	env.payments.GetErr = errors.New("stripe: rate limited")

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/get-license?session_id=cs_any", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"status":"error"}`, w.Body.String())
}

func TestGetLicense_StoreError(t *testing.T) {
	failing := &testutil.FailingStorage{Storage: testutil.TestStorage(), FindErr: testutil.ErrStoreDown}
	env := newTestEnv(t, withStorage(failing))
	env.payments.AddSession("cs_paid", true)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/get-license?session_id=cs_paid", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"status":"error"}`, w.Body.String())
}

func TestGetLicense_AfterWebhook(t *testing.T) {
	env := newTestEnv(t)
	env.payments.AddSession("cs_flow", false)

	target := "/api/get-license?session_id=cs_flow"
	assert.JSONEq(t, `{"status":"pending"}`, env.do(httptest.NewRequest(http.MethodGet, target, nil)).Body.String())

	env.payments.MarkPaid("cs_flow")
	assert.JSONEq(t, `{"status":"pending"}`, env.do(httptest.NewRequest(http.MethodGet, target, nil)).Body.String())

	assertReceived(t, env.deliver(t, testutil.CheckoutSessionCompletedPayload(testutil.PaidLifetimeSession("cs_flow"))))

	w := env.do(httptest.NewRequest(http.MethodGet, target, nil))
	var resp models.SessionStatusResponse
	testutil.DecodeJSON(t, w, &resp)
	assert.Equal(t, models.SessionStatusSuccess, resp.Status)
	assert.Equal(t, models.PlanLifetime, resp.Plan)
	assert.True(t, env.server.Keys.Valid(resp.Key))
}
