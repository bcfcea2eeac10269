package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/campus-rides/internal/models"
)

// PostgresStore persists rides in Postgres. The accept race is settled by
// the database: Claim is a single UPDATE whose WHERE clause requires the
// ride to still be unclaimed, so row-level locking guarantees exactly one
// winner.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

const rideCols = `id, requester_id, COALESCE(driver_id, ''), riders, status, fare,
	est_distance, est_duration, match_score,
	COALESCE(scheduled_for, 'epoch'::timestamptz), is_scheduled, created_at, updated_at`

func (p *PostgresStore) Create(ctx context.Context, r *models.Ride) error {
	riders, err := json.Marshal(r.Riders)
	if err != nil {
		return err
	}
	fareJSON, err := json.Marshal(r.Fare)
	if err != nil {
		return err
	}
	var scheduled interface{}
	if r.IsScheduled {
		scheduled = r.ScheduledFor
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO rides (id, requester_id, driver_id, riders, status, fare,
			est_distance, est_duration, match_score, scheduled_for, is_scheduled,
			created_at, updated_at)
		VALUES ($1, $2, NULL, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		r.ID, r.RequesterID, riders, r.Status, fareJSON,
		r.EstDistance, r.EstDuration, r.MatchScore, scheduled, r.IsScheduled,
		r.CreatedAt, r.UpdatedAt)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideCols+` FROM rides WHERE id = $1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return r, err
}

func (p *PostgresStore) Claim(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `
		UPDATE rides SET driver_id = $1, status = $2, updated_at = now()
		WHERE id = $3 AND status = $4 AND driver_id IS NULL
		RETURNING `+rideCols,
		driverID, models.StatusAccepted, rideID, models.StatusRequested)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.missingOrConflict(ctx, rideID)
	}
	return r, err
}

func (p *PostgresStore) Transition(ctx context.Context, rideID string, from, to models.RideStatus, driverGuard string) (*models.Ride, error) {
	q := `UPDATE rides SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3`
	args := []interface{}{to, rideID, from}
	if driverGuard != "" {
		q += ` AND driver_id = $4`
		args = append(args, driverGuard)
	}
	row := p.db.QueryRowContext(ctx, q+` RETURNING `+rideCols, args...)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.missingOrConflict(ctx, rideID)
	}
	return r, err
}

func (p *PostgresStore) SetMatchScore(ctx context.Context, rideID string, score float64) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE rides SET match_score = $1, updated_at = now() WHERE id = $2`, score, rideID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) ListOverdueRequested(ctx context.Context, cutoff time.Time) ([]*models.Ride, error) {
	return p.query(ctx, `SELECT `+rideCols+` FROM rides
		WHERE status = $1 AND COALESCE(scheduled_for, created_at) <= $2`,
		models.StatusRequested, cutoff)
}

func (p *PostgresStore) ActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideCols+` FROM rides
		WHERE driver_id = $1 AND status IN ($2, $3) LIMIT 1`,
		driverID, models.StatusAccepted, models.StatusOnRide)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (p *PostgresStore) ListRecentRequested(ctx context.Context, since time.Time, limit int) ([]*models.Ride, error) {
	return p.query(ctx, `SELECT `+rideCols+` FROM rides
		WHERE status = $1 AND NOT is_scheduled AND created_at > $2
		ORDER BY created_at DESC LIMIT $3`, models.StatusRequested, since, limit)
}

func (p *PostgresStore) ListByRequester(ctx context.Context, userID string, limit int) ([]*models.Ride, error) {
	return p.query(ctx, `SELECT `+rideCols+` FROM rides
		WHERE requester_id = $1 ORDER BY created_at DESC LIMIT $2`, userID, limit)
}

func (p *PostgresStore) ListByDriver(ctx context.Context, driverID string, limit int) ([]*models.Ride, error) {
	return p.query(ctx, `SELECT `+rideCols+` FROM rides
		WHERE driver_id = $1 ORDER BY created_at DESC LIMIT $2`, driverID, limit)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...interface{}) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// missingOrConflict disambiguates an empty conditional update: the ride is
// either gone entirely or present in a state the filter rejected.
func (p *PostgresStore) missingOrConflict(ctx context.Context, rideID string) error {
	var n int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM rides WHERE id = $1`, rideID).Scan(&n); err != nil {
		return fmt.Errorf("ride lookup: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return ErrConflict
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var r models.Ride
	var riders, fareJSON []byte
	var scheduled time.Time
	err := row.Scan(&r.ID, &r.RequesterID, &r.DriverID, &riders, &r.Status, &fareJSON,
		&r.EstDistance, &r.EstDuration, &r.MatchScore, &scheduled, &r.IsScheduled,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(riders, &r.Riders); err != nil {
		return nil, fmt.Errorf("decode riders: %w", err)
	}
	if err := json.Unmarshal(fareJSON, &r.Fare); err != nil {
		return nil, fmt.Errorf("decode fare: %w", err)
	}
	if r.IsScheduled {
		r.ScheduledFor = scheduled
	}
	return &r, nil
}
