package paywall

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"crapless.app/cloud/internal/logger"
	"crapless.app/cloud/models"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxAttempts  = 12
)

var (
	ErrNoSession           = errors.New("no session_id to confirm")
	ErrConfirmationTimeout = errors.New("license not ready; contact support with your receipt")
	ErrPollerBusy          = errors.New("confirmation already in progress")
	ErrPollerFinished      = errors.New("confirmation already finished")
)

type State int

const (
	StateIdle State = iota
	StateConfirming
	StateConfirmed
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfirming:
		return "confirming"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed || s == StateCancelled
}

// SessionChecker is the one server call the poller makes.
type SessionChecker interface {
	SessionStatus(ctx context.Context, sessionID string) (*models.SessionStatusResponse, error)
}

// Activator receives the tier and key once a purchase is confirmed.
type Activator interface {
	Activate(tier Tier, key string) error
}

type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

type Clock interface {
	NewTimer(d time.Duration) Timer
}

type realClock struct{}

type realTimer struct{ t *time.Timer }

func (realClock) NewTimer(d time.Duration) Timer { return realTimer{time.NewTimer(d)} }
func (t realTimer) C() <-chan time.Time          { return t.t.C }
func (t realTimer) Stop() bool                   { return t.t.Stop() }

type Confirmation struct {
	SessionID string
	Key       string
	Plan      models.Plan
}

// Poller turns a checkout session id into a license key by asking the
// server until the webhook has issued it. A Poller runs once.
type Poller struct {
	checker     SessionChecker
	activator   Activator
	clock       Clock
	interval    time.Duration
	maxAttempts int
	replaceURL  func(string)

	mu       sync.Mutex
	state    State
	attempts int
	result   *Confirmation
}

type PollerOption func(*Poller)

func WithInterval(d time.Duration) PollerOption {
	return func(p *Poller) { p.interval = d }
}

func WithMaxAttempts(n int) PollerOption {
	return func(p *Poller) { p.maxAttempts = n }
}

func WithClock(c Clock) PollerOption {
	return func(p *Poller) { p.clock = c }
}

// WithActivator activates the confirmed plan, usually on a *Cache.
func WithActivator(a Activator) PollerOption {
	return func(p *Poller) { p.activator = a }
}

// WithReplaceURL is called with the scrubbed return URL before the first
// request, so reloading the page does not confirm twice.
func WithReplaceURL(fn func(string)) PollerOption {
	return func(p *Poller) { p.replaceURL = fn }
}

func NewPoller(checker SessionChecker, opts ...PollerOption) *Poller {
	p := &Poller{
		checker:     checker,
		clock:       realClock{},
		interval:    DefaultPollInterval,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Poller) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Poller) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func (p *Poller) Result() *Confirmation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// ParseReturnURL pulls session_id out of a checkout return URL and returns
// the URL without it.
func ParseReturnURL(raw string) (sessionID, scrubbed string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("invalid return URL: %w", err)
	}

	sessionID = strings.TrimSpace(u.Query().Get("session_id"))

	// Rebuild the query by hand so the remaining parameters keep their
	// order and escaping.
	var kept []string
	for _, part := range strings.Split(u.RawQuery, "&") {
		if part == "" {
			continue
		}
		name, _, _ := strings.Cut(part, "=")
		if key, err := url.QueryUnescape(name); err == nil && key == "session_id" {
			continue
		}
		kept = append(kept, part)
	}
	u.RawQuery = strings.Join(kept, "&")

	return sessionID, u.String(), nil
}

// ConfirmReturn confirms the session named in a checkout return URL.
func (p *Poller) ConfirmReturn(ctx context.Context, returnURL string) (*Confirmation, error) {
	sessionID, scrubbed, err := ParseReturnURL(returnURL)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		return nil, ErrNoSession
	}
	return p.confirm(ctx, sessionID, scrubbed)
}

func (p *Poller) Confirm(ctx context.Context, sessionID string) (*Confirmation, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, ErrNoSession
	}
	return p.confirm(ctx, sessionID, "")
}

func (p *Poller) confirm(ctx context.Context, sessionID, scrubbed string) (*Confirmation, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}

	if scrubbed != "" && p.replaceURL != nil {
		p.replaceURL(scrubbed)
	}

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		if err := p.wait(ctx); err != nil {
			p.finish(StateCancelled, nil)
			return nil, err
		}

		p.mu.Lock()
		p.attempts = attempt
		p.mu.Unlock()

		resp, err := p.checker.SessionStatus(ctx, sessionID)
		if err != nil {
			if ctx.Err() != nil {
				p.finish(StateCancelled, nil)
				return nil, ctx.Err()
			}
			logger.Debug("Session status check failed", map[string]interface{}{
				"attempt": attempt,
				"error":   err.Error(),
			})
			continue
		}
		if resp.Status != models.SessionStatusSuccess || resp.Key == "" {
			continue
		}

		conf := &Confirmation{SessionID: sessionID, Key: resp.Key, Plan: resp.Plan}
		p.finish(StateConfirmed, conf)
		return conf, p.activate(conf)
	}

	p.finish(StateFailed, nil)
	return nil, ErrConfirmationTimeout
}

func (p *Poller) begin() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.state == StateConfirming:
		return ErrPollerBusy
	case p.state.Terminal():
		return ErrPollerFinished
	}
	p.state = StateConfirming
	return nil
}

func (p *Poller) finish(state State, conf *Confirmation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = state
	p.result = conf
}

func (p *Poller) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	timer := p.clock.NewTimer(p.interval)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}

func (p *Poller) activate(conf *Confirmation) error {
	if p.activator == nil {
		return nil
	}

	tier, err := TierForPlan(conf.Plan)
	if err != nil {
		return err
	}
	if err := p.activator.Activate(tier, conf.Key); err != nil && !errors.Is(err, ErrDowngradeIgnored) {
		return fmt.Errorf("failed to activate %s: %w", tier, err)
	}
	return nil
}
