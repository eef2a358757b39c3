package paywall

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"crapless.app/cloud/models"
)

const DefaultFreeLimit = 3

// Unlimited is the Remaining value reported for paid tiers.
const Unlimited = -1

var (
	ErrDowngradeIgnored = errors.New("already activated on a higher tier")
	ErrQuotaExceeded    = errors.New("free runs used up")
	ErrInvalidTier      = errors.New("invalid tier")
)

type Tier string

const (
	TierFree     Tier = "free"
	TierPro      Tier = "pro"
	TierLifetime Tier = "lifetime"
)

func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierFree, TierPro, TierLifetime:
		return t, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
}

func TierForPlan(p models.Plan) (Tier, error) {
	return ParseTier(string(p))
}

func (t Tier) Paid() bool {
	return t == TierPro || t == TierLifetime
}

func (t Tier) rank() int {
	switch t {
	case TierLifetime:
		return 2
	case TierPro:
		return 1
	default:
		return 0
	}
}

// Entitlement is the client's own advisory record. The server never sees it.
type Entitlement struct {
	Tier         Tier   `json:"tier"`
	FreeRunsUsed int    `json:"free_runs_used"`
	ActivatedKey string `json:"activated_key,omitempty"`
}

type Decision struct {
	Allowed     bool
	ShowUpgrade bool
	Remaining   int
}

// Checker decides whether a gated action may run.
type Checker interface {
	Attempt(ctx context.Context) (Decision, error)
	Remaining(ctx context.Context) (int, error)
}

// Guard runs fn only when checker allows it.
func Guard(ctx context.Context, checker Checker, fn func() error) error {
	decision, err := checker.Attempt(ctx)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return ErrQuotaExceeded
	}
	return fn()
}

type ActivationPolicy int

const (
	// NoDowngrade keeps a higher cached tier when a lower one is activated.
	NoDowngrade ActivationPolicy = iota
	// Overwrite replaces the cached tier unconditionally.
	Overwrite
)

// Cache is the local Checker backed by an EntitlementStore.
type Cache struct {
	mu     sync.Mutex
	store  EntitlementStore
	limit  int
	policy ActivationPolicy
}

type CacheOption func(*Cache)

func WithFreeLimit(n int) CacheOption {
	return func(c *Cache) { c.limit = n }
}

func WithPolicy(p ActivationPolicy) CacheOption {
	return func(c *Cache) { c.policy = p }
}

func NewCache(store EntitlementStore, opts ...CacheOption) *Cache {
	c := &Cache{store: store, limit: DefaultFreeLimit, policy: NoDowngrade}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) load() (Entitlement, error) {
	e, err := c.store.Load()
	if err != nil {
		return Entitlement{}, fmt.Errorf("failed to load entitlement: %w", err)
	}
	if _, err := ParseTier(string(e.Tier)); err != nil {
		e.Tier = TierFree
	}
	return e, nil
}

// Attempt consumes one free run, or lets a paid tier through.
func (c *Cache) Attempt(ctx context.Context) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.load()
	if err != nil {
		return Decision{}, err
	}
	if e.Tier.Paid() {
		return Decision{Allowed: true, Remaining: Unlimited}, nil
	}
	if e.FreeRunsUsed >= c.limit {
		return Decision{ShowUpgrade: true}, nil
	}

	e.FreeRunsUsed++
	if err := c.store.Save(e); err != nil {
		return Decision{}, fmt.Errorf("failed to save entitlement: %w", err)
	}
	return Decision{Allowed: true, Remaining: c.limit - e.FreeRunsUsed}, nil
}

func (c *Cache) Remaining(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.load()
	if err != nil {
		return 0, err
	}
	if e.Tier.Paid() {
		return Unlimited, nil
	}
	return max(0, c.limit-e.FreeRunsUsed), nil
}

// Activate records a paid tier after a key validation or a confirmed
// checkout.
func (c *Cache) Activate(tier Tier, key string) error {
	if !tier.Paid() {
		return fmt.Errorf("%w: cannot activate %q", ErrInvalidTier, tier)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, err := c.load()
	if err != nil {
		return err
	}
	if c.policy == NoDowngrade && e.Tier.rank() > tier.rank() {
		return ErrDowngradeIgnored
	}

	e.Tier = tier
	if key != "" {
		e.ActivatedKey = key
	}
	if err := c.store.Save(e); err != nil {
		return fmt.Errorf("failed to save entitlement: %w", err)
	}
	return nil
}

func (c *Cache) Current() (Entitlement, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load()
}
