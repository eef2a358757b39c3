package models

import (
	"strings"
	"time"
)

type Plan string

const (
	PlanPro      Plan = "pro"
	PlanLifetime Plan = "lifetime"
)

// ParsePlan accepts only the closed set of purchasable plans.
func ParsePlan(s string) (Plan, bool) {
	switch Plan(strings.ToLower(strings.TrimSpace(s))) {
	case PlanPro:
		return PlanPro, true
	case PlanLifetime:
		return PlanLifetime, true
	default:
		return "", false
	}
}

// Recurring reports whether the plan is sold as a subscription.
func (p Plan) Recurring() bool {
	return p == PlanPro
}

func (p Plan) Label() string {
	switch p {
	case PlanLifetime:
		return "Lifetime"
	case PlanPro:
		return "Pro"
	default:
		return string(p)
	}
}

type License struct {
	ID                    string    `json:"id"`
	Key                   string    `json:"key"`
	Plan                  Plan      `json:"plan"`
	Email                 string    `json:"email,omitempty"`
	StripeCustomerID      string    `json:"stripe_customer_id,omitempty"`
	StripePaymentIntentID string    `json:"stripe_payment_intent_id,omitempty"`
	StripeSubscriptionID  string    `json:"stripe_subscription_id,omitempty"`
	StripeSessionID       string    `json:"stripe_session_id"`
	Expired               bool      `json:"expired"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// Entitled reports whether the license currently grants its plan.
func (l *License) Entitled() bool {
	return l != nil && !l.Expired
}
