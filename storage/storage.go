package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"crapless.app/cloud/models"
)

// ErrDuplicateKey is returned by CreateLicense when another license already
// holds the same key. Callers regenerate the key and retry.
var ErrDuplicateKey = errors.New("license key already exists")

// Storage is the authoritative license table. Lookups return nil, nil when
// no row matches.
type Storage interface {
	// CreateLicense inserts the license unless a row for the same Stripe
	// session already exists. It reports whether a row was created; an
	// existing row is left untouched and is not an error.
	CreateLicense(ctx context.Context, license *models.License) (bool, error)

	FindLicenseByKey(ctx context.Context, key string) (*models.License, error)
	FindLicenseBySessionID(ctx context.Context, sessionID string) (*models.License, error)
	FindLicenseBySubscriptionID(ctx context.Context, subscriptionID string) (*models.License, error)

	// ExpireSubscription marks every non-lifetime license tied to the
	// subscription as expired and returns the number of rows changed.
	ExpireSubscription(ctx context.Context, subscriptionID string) (int64, error)

	Close() error
}

// MemoryStorage keeps licenses in process memory. It backs tests and local
// development; a single mutex makes insert-if-absent atomic.
type MemoryStorage struct {
	mu        sync.RWMutex
	bySession map[string]models.License
	keys      map[string]string // key -> session id
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		bySession: make(map[string]models.License),
		keys:      make(map[string]string),
	}
}

func (m *MemoryStorage) CreateLicense(ctx context.Context, license *models.License) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.bySession[license.StripeSessionID]; exists {
		return false, nil
	}
	if _, exists := m.keys[license.Key]; exists {
		return false, ErrDuplicateKey
	}

	m.bySession[license.StripeSessionID] = *license
	m.keys[license.Key] = license.StripeSessionID
	return true, nil
}

func (m *MemoryStorage) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sessionID, exists := m.keys[key]
	if !exists {
		return nil, nil
	}
	license := m.bySession[sessionID]
	return &license, nil
}

func (m *MemoryStorage) FindLicenseBySessionID(ctx context.Context, sessionID string) (*models.License, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	license, exists := m.bySession[sessionID]
	if !exists {
		return nil, nil
	}
	return &license, nil
}

func (m *MemoryStorage) FindLicenseBySubscriptionID(ctx context.Context, subscriptionID string) (*models.License, error) {
	if subscriptionID == "" {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, license := range m.bySession {
		if license.StripeSubscriptionID == subscriptionID {
			licenseCopy := license
			return &licenseCopy, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) ExpireSubscription(ctx context.Context, subscriptionID string) (int64, error) {
	if subscriptionID == "" {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var changed int64
	for sessionID, license := range m.bySession {
		if license.StripeSubscriptionID != subscriptionID || license.Plan == models.PlanLifetime || license.Expired {
			continue
		}
		license.Expired = true
		license.UpdatedAt = time.Now().UTC()
		m.bySession[sessionID] = license
		changed++
	}
	return changed, nil
}

// Licenses returns a snapshot of every stored license.
func (m *MemoryStorage) Licenses() []models.License {
	m.mu.RLock()
	defer m.mu.RUnlock()

	licenses := make([]models.License, 0, len(m.bySession))
	for _, license := range m.bySession {
		licenses = append(licenses, license)
	}
	return licenses
}

func (m *MemoryStorage) Close() error {
	return nil
}

// nullable turns empty optional identifiers into SQL NULL.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
