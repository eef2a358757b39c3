package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"crapless.app/cloud/internal/email"
	"crapless.app/cloud/internal/keygen"
	"crapless.app/cloud/internal/logger"
	"crapless.app/cloud/internal/metrics"
	"crapless.app/cloud/internal/payments"
	"crapless.app/cloud/internal/ratelimit"
	"crapless.app/cloud/models"
	"crapless.app/cloud/storage"
)

// Deps are the long-lived collaborators built once in main.
type Deps struct {
	Storage  storage.Storage
	Payments payments.Provider
	Mailer   email.Sender
	Keys     *keygen.Generator
	// Limiter guards the public lookup endpoints. Nil disables limiting.
	Limiter ratelimit.Limiter
}

type Options struct {
	AppURL        string
	AppName       string
	WebhookSecret string
	Prices        map[models.Plan]string
	Version       string
}

type Server struct {
	Router   chi.Router
	Storage  storage.Storage
	Payments payments.Provider
	Mailer   email.Sender
	Keys     *keygen.Generator

	opts     Options
	validate *validator.Validate
	now      func() time.Time
}

func NewHttpServer(deps Deps, opts Options) *Server {
	mailer := deps.Mailer
	if mailer == nil {
		mailer = email.NopSender{}
	}

	s := &Server{
		Router:   chi.NewRouter(),
		Storage:  deps.Storage,
		Payments: deps.Payments,
		Mailer:   mailer,
		Keys:     deps.Keys,
		opts:     opts,
		validate: validator.New(),
		now:      time.Now,
	}

	r := s.Router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logger.Middleware)
	r.Use(metrics.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{opts.AppURL},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/health", s.Health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/create-checkout-session", s.CreateCheckoutSession)
		r.Post("/stripe-webhook", s.Stripe)

		r.Group(func(r chi.Router) {
			if deps.Limiter != nil {
				r.Use(ratelimit.Middleware(deps.Limiter))
			}
			r.Post("/validate-license", s.ValidateLicense)
			r.Get("/get-license", s.GetLicense)
		})
	})

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, r, http.StatusOK, HealthResponse{
		Status:    "ok",
		Version:   s.opts.Version,
		Timestamp: s.now().UTC(),
	})
}
