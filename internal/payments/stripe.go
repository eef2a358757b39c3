package payments

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"

	"crapless.app/cloud/models"
)

type StripeProvider struct {
	sessions *session.Client
}

func NewStripeProvider(secretKey string) *StripeProvider {
	return &StripeProvider{
		sessions: &session.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey},
	}
}

// SessionParams maps a plan to Stripe checkout parameters. Pro is a
// subscription; lifetime is a one-time payment that still creates a
// customer so an email is collected for key delivery.
func SessionParams(req CheckoutRequest) (*stripe.CheckoutSessionParams, error) {
	if req.PriceID == "" {
		return nil, fmt.Errorf("%w: %q has no price", ErrUnknownPlan, req.Plan)
	}

	params := &stripe.CheckoutSessionParams{
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(req.PriceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	params.Metadata = map[string]string{"plan": string(req.Plan)}

	if plan, ok := models.ParsePlan(string(req.Plan)); !ok || plan != req.Plan {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, req.Plan)
	}

	if req.Plan.Recurring() {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
	} else {
		params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
		params.CustomerCreation = stripe.String(string(stripe.CheckoutSessionCustomerCreationAlways))
	}

	return params, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error) {
	params, err := SessionParams(req)
	if err != nil {
		return nil, err
	}
	params.Context = ctx

	s, err := p.sessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	return fromStripe(s), nil
}

func (p *StripeProvider) GetSession(ctx context.Context, id string) (*Session, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	s, err := p.sessions.Get(id, params)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve checkout session: %w", err)
	}

	return fromStripe(s), nil
}

func fromStripe(s *stripe.CheckoutSession) *Session {
	return &Session{
		ID:   s.ID,
		URL:  s.URL,
		Paid: s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
	}
}
