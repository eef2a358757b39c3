package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"crapless.app/cloud/models"
)

const uniqueViolation = "23505"

type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage connects to PostgreSQL, retrying a few times so the
// service can start alongside its database, and applies migrations.
func NewPostgresStorage(ctx context.Context, connString string) (*PostgresStorage, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}

	var pool *pgxpool.Pool
	for attempt := 1; attempt <= 3; attempt++ {
		pool, err = pgxpool.NewWithConfig(ctx, poolConfig)
		if err == nil {
			if err = pool.Ping(ctx); err == nil {
				break
			}
			pool.Close()
			pool = nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt) * time.Second):
		}
	}
	if pool == nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	storage := &PostgresStorage{pool: pool}
	if err := storage.migrate(); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return storage, nil
}

func (s *PostgresStorage) migrate() error {
	db := stdlib.OpenDBFromPool(s.pool)
	defer db.Close()

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return err
	}
	return migrateUp("migrations/postgres", "pgx5", driver)
}

func (s *PostgresStorage) CreateLicense(ctx context.Context, license *models.License) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO licenses (`+licenseColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (stripe_session_id) DO NOTHING`,
		license.ID,
		license.Key,
		string(license.Plan),
		nullable(license.Email),
		nullable(license.StripeCustomerID),
		nullable(license.StripePaymentIntentID),
		nullable(license.StripeSubscriptionID),
		license.StripeSessionID,
		license.Expired,
		license.CreatedAt,
		license.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return false, ErrDuplicateKey
		}
		return false, fmt.Errorf("failed to insert license: %w", err)
	}

	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStorage) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	return s.findOne(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE key = $1`, key)
}

func (s *PostgresStorage) FindLicenseBySessionID(ctx context.Context, sessionID string) (*models.License, error) {
	return s.findOne(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE stripe_session_id = $1`, sessionID)
}

func (s *PostgresStorage) FindLicenseBySubscriptionID(ctx context.Context, subscriptionID string) (*models.License, error) {
	if subscriptionID == "" {
		return nil, nil
	}
	return s.findOne(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE stripe_subscription_id = $1 ORDER BY created_at LIMIT 1`, subscriptionID)
}

func (s *PostgresStorage) ExpireSubscription(ctx context.Context, subscriptionID string) (int64, error) {
	if subscriptionID == "" {
		return 0, nil
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE licenses
		SET expired = TRUE, updated_at = NOW()
		WHERE stripe_subscription_id = $1 AND plan <> 'lifetime' AND expired = FALSE`,
		subscriptionID)
	if err != nil {
		return 0, fmt.Errorf("failed to expire licenses: %w", err)
	}

	return tag.RowsAffected(), nil
}

func (s *PostgresStorage) findOne(ctx context.Context, query string, arg any) (*models.License, error) {
	var license models.License
	var plan string
	var email, customerID, paymentIntentID, subscription *string

	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&license.ID,
		&license.Key,
		&plan,
		&email,
		&customerID,
		&paymentIntentID,
		&subscription,
		&license.StripeSessionID,
		&license.Expired,
		&license.CreatedAt,
		&license.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query license: %w", err)
	}

	license.Plan = models.Plan(plan)
	license.Email = deref(email)
	license.StripeCustomerID = deref(customerID)
	license.StripePaymentIntentID = deref(paymentIntentID)
	license.StripeSubscriptionID = deref(subscription)

	return &license, nil
}

func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
