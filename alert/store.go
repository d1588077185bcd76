package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const defaultStoreTimeout = 5 * time.Second

// Store is the durable side of the alert engine. Consume reports false when
// the alert was already gone, which concurrent sweeps use to drop duplicate
// triggers.
type Store interface {
	Create(ctx context.Context, a *Alert) error
	ListActive(ctx context.Context) ([]Alert, error)
	Consume(ctx context.Context, alertID int64) (bool, error)
}

// postgresStore implements Store over PostgreSQL.
type postgresStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewPostgresStore creates a PostgreSQL alert store. A non-positive timeout
// falls back to the default per-query timeout.
func NewPostgresStore(db *sqlx.DB, timeout time.Duration) Store {
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return &postgresStore{db: db, timeout: timeout}
}

// Create persists a validated alert and backfills its id and creation time.
func (s *postgresStore) Create(ctx context.Context, a *Alert) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		INSERT INTO alerts (user_id, name, description, exchange, market, symbols,
			target_value, initial_price, condition, active, triggered)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, true, false)
		RETURNING id, created_at`

	err := s.db.QueryRowxContext(ctx, query,
		a.UserID, a.Name, a.Description, a.Exchange, a.Market, a.Symbols,
		a.TargetValue, a.InitialPrice, a.Condition).
		Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	a.Active = true
	return nil
}

// ListActive loads every active, untriggered price alert for one sweep.
func (s *postgresStore) ListActive(ctx context.Context) ([]Alert, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		SELECT id, user_id, name, description, exchange, market, symbols,
			target_value, initial_price, condition, active, triggered, created_at
		FROM alerts
		WHERE active AND NOT triggered`

	var alerts []Alert
	if err := s.db.SelectContext(ctx, &alerts, query); err != nil {
		return nil, fmt.Errorf("failed to list active alerts: %w", err)
	}
	return alerts, nil
}

// Consume marks the alert triggered exactly once. The guarded UPDATE makes
// the consume atomic: a second caller sees zero rows affected.
func (s *postgresStore) Consume(ctx context.Context, alertID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := `
		UPDATE alerts
		SET triggered = true, active = false, triggered_at = now()
		WHERE id = $1 AND NOT triggered`

	result, err := s.db.ExecContext(ctx, query, alertID)
	if err != nil {
		return false, fmt.Errorf("failed to consume alert %d: %w", alertID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read consume result for alert %d: %w", alertID, err)
	}
	return affected == 1, nil
}
