package models

// Request and response bodies shared by the HTTP handlers and the paywall client.

type CheckoutRequest struct {
	Plan string `json:"plan" validate:"required"`
}

type CheckoutResponse struct {
	URL   string `json:"url,omitempty"`
	Error string `json:"error,omitempty"`
}

type ValidateLicenseRequest struct {
	Key string `json:"key" validate:"required"`
}

type ValidateLicenseResponse struct {
	Valid bool   `json:"valid"`
	Plan  Plan   `json:"plan,omitempty"`
	Error string `json:"error,omitempty"`
}

const (
	SessionStatusSuccess = "success"
	SessionStatusPending = "pending"
	SessionStatusError   = "error"
)

type SessionStatusResponse struct {
	Status string `json:"status"`
	Key    string `json:"key,omitempty"`
	Plan   Plan   `json:"plan,omitempty"`
	Error  string `json:"error,omitempty"`
}

type WebhookResponse struct {
	Received bool `json:"received"`
}
