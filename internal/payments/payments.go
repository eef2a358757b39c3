// Package payments is the boundary to the payment processor. Handlers only
// see the Provider interface; the Stripe implementation lives in stripe.go.
package payments

import (
	"context"
	"errors"

	"crapless.app/cloud/models"
)

var ErrUnknownPlan = errors.New("unknown plan")

// CheckoutSessionPlaceholder is substituted by Stripe with the session id
// when it redirects the buyer back.
const CheckoutSessionPlaceholder = "{CHECKOUT_SESSION_ID}"

type Provider interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
}

type CheckoutRequest struct {
	Plan       models.Plan
	PriceID    string
	SuccessURL string
	CancelURL  string
}

type Session struct {
	ID   string
	URL  string
	Paid bool
}

// SuccessURL is where Stripe returns the buyer; the client picks the session
// id out of the query string and starts confirming.
func SuccessURL(appURL string) string {
	return appURL + "/?session_id=" + CheckoutSessionPlaceholder
}

func CancelURL(appURL string) string {
	return appURL + "/"
}
