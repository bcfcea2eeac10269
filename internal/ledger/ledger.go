// Package ledger tracks driver earnings. Completing a ride credits the
// assigned driver with the full fare.
package ledger

import (
	"context"
	"database/sql"
	"sync"

	_ "github.com/lib/pq"
)

type Ledger interface {
	Credit(ctx context.Context, driverID string, amount float64) error
	Balance(ctx context.Context, driverID string) (float64, error)
}

type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]float64
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{balances: make(map[string]float64)}
}

func (l *MemoryLedger) Credit(ctx context.Context, driverID string, amount float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[driverID] += amount
	return nil
}

func (l *MemoryLedger) Balance(ctx context.Context, driverID string) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[driverID], nil
}

// PostgresLedger upserts into driver_earnings so a credit is a single
// atomic statement.
type PostgresLedger struct {
	db *sql.DB
}

func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

func (l *PostgresLedger) Credit(ctx context.Context, driverID string, amount float64) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO driver_earnings (driver_id, balance, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (driver_id)
		DO UPDATE SET balance = driver_earnings.balance + EXCLUDED.balance, updated_at = now()`,
		driverID, amount)
	return err
}

func (l *PostgresLedger) Balance(ctx context.Context, driverID string) (float64, error) {
	var b float64
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT balance FROM driver_earnings WHERE driver_id = $1), 0)`,
		driverID).Scan(&b)
	return b, err
}
