package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/mattn/go-sqlite3"

	"crapless.app/cloud/models"
)

const licenseColumns = `id, key, plan, email, stripe_customer_id, stripe_payment_intent_id,
	stripe_subscription_id, stripe_session_id, expired, created_at, updated_at`

type SQLiteStorage struct {
	db   *sql.DB
	path string
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; the unique constraints decide races, not locks.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	storage := &SQLiteStorage{
		db:   db,
		path: path,
	}

	if err := storage.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return storage, nil
}

func (s *SQLiteStorage) migrate() error {
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return err
	}
	return migrateUp("migrations/sqlite", "sqlite3", driver)
}

func (s *SQLiteStorage) CreateLicense(ctx context.Context, license *models.License) (bool, error) {
	query := `INSERT INTO licenses (` + licenseColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(stripe_session_id) DO NOTHING`

	result, err := s.db.ExecContext(ctx, query,
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
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return false, ErrDuplicateKey
		}
		return false, fmt.Errorf("failed to insert license: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read insert result: %w", err)
	}

	return rows == 1, nil
}

func (s *SQLiteStorage) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	return s.findOne(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE key = ?`, key)
}

func (s *SQLiteStorage) FindLicenseBySessionID(ctx context.Context, sessionID string) (*models.License, error) {
	return s.findOne(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE stripe_session_id = ?`, sessionID)
}

func (s *SQLiteStorage) FindLicenseBySubscriptionID(ctx context.Context, subscriptionID string) (*models.License, error) {
	if subscriptionID == "" {
		return nil, nil
	}
	return s.findOne(ctx, `SELECT `+licenseColumns+` FROM licenses WHERE stripe_subscription_id = ? ORDER BY created_at LIMIT 1`, subscriptionID)
}

func (s *SQLiteStorage) ExpireSubscription(ctx context.Context, subscriptionID string) (int64, error) {
	if subscriptionID == "" {
		return 0, nil
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE licenses
		SET expired = TRUE, updated_at = ?
		WHERE stripe_subscription_id = ? AND plan <> 'lifetime' AND expired = FALSE`,
		time.Now().UTC(), subscriptionID)
	if err != nil {
		return 0, fmt.Errorf("failed to expire licenses: %w", err)
	}

	return result.RowsAffected()
}

func (s *SQLiteStorage) findOne(ctx context.Context, query string, arg any) (*models.License, error) {
	var license models.License
	var plan string
	var email, customerID, paymentIntentID, subscription sql.NullString

	err := s.db.QueryRowContext(ctx, query, arg).Scan(
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
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query license: %w", err)
	}

	license.Plan = models.Plan(plan)
	license.Email = email.String
	license.StripeCustomerID = customerID.String
	license.StripePaymentIntentID = paymentIntentID.String
	license.StripeSubscriptionID = subscription.String

	return &license, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
