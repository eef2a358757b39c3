package handlers

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"crapless.app/cloud/internal/testutil"
	"crapless.app/cloud/models"
)

func TestValidateLicense(t *testing.T) {
	env := newTestEnv(t)

	active := testutil.CreateTestLicense("CRPS-ACTV-2345-6789", "cs_active", models.PlanLifetime)
	pro := testutil.CreateTestLicense("CRPS-PRRR-2345-6789", "cs_pro", models.PlanPro)
	expired := testutil.CreateTestLicense("CRPS-EXPD-2345-6789", "cs_expired", models.PlanPro)
	expired.Expired = true
	for _, license := range []models.License{active, pro, expired} {
		testutil.SeedLicense(t, env.store, license)
	}

	tests := []struct {
		name           string
		body           string
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "valid lifetime key",
			body:           `{"key":"CRPS-ACTV-2345-6789"}`,
			expectedStatus: http.StatusOK,
			expectedBody:   `{"valid":true,"plan":"lifetime"}`,
		},
		{
			name:           "valid pro key",
			body:           `{"key":"CRPS-PRRR-2345-6789"}`,
			expectedStatus: http.StatusOK,
			expectedBody:   `{"valid":true,"plan":"pro"}`,
		},
		{
			name:           "key is normalized",
			body:           `{"key":"  crps-actv-2345-6789\n"}`,
			expectedStatus: http.StatusOK,
			expectedBody:   `{"valid":true,"plan":"lifetime"}`,
		},
		{
			name:           "cancelled subscription",
			body:           `{"key":"CRPS-EXPD-2345-6789"}`,
			expectedStatus: http.StatusOK,
			expectedBody:   `{"valid":false,"error":"This Pro subscription has been cancelled."}`,
		},
		{
			name:           "unknown key",
			body:           `{"key":"CRPS-ZZZZ-ZZZZ-ZZZZ"}`,
			expectedStatus: http.StatusOK,
			expectedBody:   `{"valid":false,"error":"Key not found. Double-check and try again."}`,
		},
		{
			name:           "malformed key",
			body:           `{"key":"AFP-12345678"}`,
			expectedStatus: http.StatusOK,
			expectedBody:   `{"valid":false,"error":"Key not found. Double-check and try again."}`,
		},
		{
			name:           "ambiguous characters are never issued",
			body:           `{"key":"CRPS-0000-1111-IIII"}`,
			expectedStatus: http.StatusOK,
			expectedBody:   `{"valid":false,"error":"Key not found. Double-check and try again."}`,
		},
		{
			name:           "missing key",
			body:           `{}`,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `{"valid":false,"error":"No key provided."}`,
		},
		{
			name:           "blank key",
			body:           `{"key":"   "}`,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `{"valid":false,"error":"No key provided."}`,
		},
		{
			name:           "empty body",
			body:           ``,
			expectedStatus: http.StatusBadRequest,
			expectedBody:   `{"valid":false,"error":"No key provided."}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/validate-license", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")

			w := env.do(req)

			assert.Equal(t, tt.expectedStatus, w.Code)
			assert.JSONEq(t, tt.expectedBody, w.Body.String())
		})
	}
}

func TestValidateLicense_StoreError(t *testing.T) {
	failing := &testutil.FailingStorage{Storage: testutil.TestStorage(), FindErr: testutil.ErrStoreDown}
	env := newTestEnv(t, withStorage(failing))

	w := env.do(testutil.JSONRequest(t, http.MethodPost, "/api/validate-license", models.ValidateLicenseRequest{Key: "CRPS-ACTV-2345-6789"}))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"valid":false,"error":"Server error — please try again."}`, w.Body.String())
}

func TestValidateLicense_MalformedKeySkipsStore(t *testing.T) {
	// A failing store proves the lookup never happens.
	failing := &testutil.FailingStorage{Storage: testutil.TestStorage(), FindErr: testutil.ErrStoreDown}
	env := newTestEnv(t, withStorage(failing))

	w := env.do(testutil.JSONRequest(t, http.MethodPost, "/api/validate-license", models.ValidateLicenseRequest{Key: "not-a-key"}))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"valid":false,"error":"Key not found. Double-check and try again."}`, w.Body.String())
}

func BenchmarkValidateLicense(b *testing.B) {
	env := newTestEnv(b)
	testutil.SeedLicense(b, env.store, testutil.CreateTestLicense("CRPS-BNCH-2345-6789", "cs_bench", models.PlanPro))

	body := `{"key":"CRPS-BNCH-2345-6789"}`

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/validate-license", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		env.do(req)
	}
}
