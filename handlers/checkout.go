package handlers

import (
	"net/http"

	"github.com/go-chi/render"

	"crapless.app/cloud/internal/logger"
	"crapless.app/cloud/internal/payments"
	"crapless.app/cloud/models"
)

const (
	msgInvalidPlan    = "Invalid plan."
	msgCheckoutFailed = "Failed to create checkout session."
)

// CreateCheckoutSession starts a hosted Stripe checkout for a plan. Nothing
// is stored locally; the license only appears once the webhook confirms
// payment.
func (s *Server) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	var req models.CheckoutRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, msgInvalidPlan)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, msgInvalidPlan)
		return
	}

	plan, ok := models.ParsePlan(req.Plan)
	priceID := s.opts.Prices[plan]
	if !ok || priceID == "" {
		logger.Warn("Checkout requested for unknown plan", map[string]interface{}{
			"plan": req.Plan,
		})
		writeErrorResponse(w, r, http.StatusBadRequest, msgInvalidPlan)
		return
	}

	session, err := s.Payments.CreateCheckoutSession(r.Context(), payments.CheckoutRequest{
		Plan:       plan,
		PriceID:    priceID,
		SuccessURL: payments.SuccessURL(s.opts.AppURL),
		CancelURL:  payments.CancelURL(s.opts.AppURL),
	})
	if err != nil {
		logger.Error("Failed to create checkout session", map[string]interface{}{
			"error": err.Error(),
			"plan":  plan,
		})
		writeErrorResponse(w, r, http.StatusInternalServerError, msgCheckoutFailed)
		return
	}

	logger.Info("Checkout session created", map[string]interface{}{
		"session_id": session.ID,
		"plan":       plan,
	})

	respondJSON(w, r, http.StatusOK, models.CheckoutResponse{URL: session.URL})
}
