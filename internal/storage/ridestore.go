package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/campus-rides/internal/models"
)

var (
	// ErrNotFound means the referenced ride does not exist.
	ErrNotFound = errors.New("ride not found")
	// ErrConflict means a guarded update's precondition failed: the ride was
	// already claimed, or is not in the required state, or the caller is not
	// the assigned driver.
	ErrConflict = errors.New("ride state conflict")
)

// RideStore defines persistence for rides. Claim and Transition are the only
// write paths after creation, and both are conditional: the filter is
// evaluated and applied as one indivisible operation so concurrent callers
// serialize on the ride record itself.
type RideStore interface {
	Create(ctx context.Context, r *models.Ride) error
	Get(ctx context.Context, id string) (*models.Ride, error)

	// Claim atomically moves a ride from Requested with no driver to
	// Accepted with driverID assigned. Exactly one concurrent caller can
	// succeed; the rest get ErrConflict.
	Claim(ctx context.Context, rideID, driverID string) (*models.Ride, error)

	// Transition moves a ride from one status to another. When driverGuard
	// is non-empty the ride's assigned driver must match it.
	Transition(ctx context.Context, rideID string, from, to models.RideStatus, driverGuard string) (*models.Ride, error)

	// SetMatchScore records the advisory match score. Never part of any
	// guard; match selection is not a reservation.
	SetMatchScore(ctx context.Context, rideID string, score float64) error

	// ListOverdueRequested returns rides still Requested whose reference
	// time is at or before cutoff. The reference time is CreatedAt for
	// on-demand rides and ScheduledFor for pre-booked ones, so a ride
	// scheduled for tomorrow is not overdue today. Drives the durable
	// expiry sweep.
	ListOverdueRequested(ctx context.Context, cutoff time.Time) ([]*models.Ride, error)

	// ActiveRideForDriver returns the driver's ride in Accepted or OnRide,
	// or nil when the driver is free. A driver holds at most one.
	ActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error)

	// ListRecentRequested returns on-demand rides still Requested created
	// after since, newest first. Pre-booked rides are excluded; they are not
	// live requests. Feeds the open-request replay when a driver comes
	// online.
	ListRecentRequested(ctx context.Context, since time.Time, limit int) ([]*models.Ride, error)

	ListByRequester(ctx context.Context, userID string, limit int) ([]*models.Ride, error)
	ListByDriver(ctx context.Context, driverID string, limit int) ([]*models.Ride, error)
}

// MemoryStore keeps rides in process behind a mutex, which makes every
// conditional update trivially atomic. Used in tests and single-node runs.
type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]*models.Ride
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]*models.Ride)}
}

func (m *MemoryStore) Create(ctx context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.rides[r.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Claim(ctx context.Context, rideID, driverID string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != models.StatusRequested || r.DriverID != "" {
		return nil, ErrConflict
	}
	r.DriverID = driverID
	r.Status = models.StatusAccepted
	r.UpdatedAt = time.Now()
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) Transition(ctx context.Context, rideID string, from, to models.RideStatus, driverGuard string) (*models.Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != from {
		return nil, ErrConflict
	}
	if driverGuard != "" && r.DriverID != driverGuard {
		return nil, ErrConflict
	}
	r.Status = to
	r.UpdatedAt = time.Now()
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) SetMatchScore(ctx context.Context, rideID string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[rideID]
	if !ok {
		return ErrNotFound
	}
	r.MatchScore = score
	r.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) ListOverdueRequested(ctx context.Context, cutoff time.Time) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if r.Status != models.StatusRequested {
			continue
		}
		ref := r.CreatedAt
		if r.IsScheduled {
			ref = r.ScheduledFor
		}
		if !ref.After(cutoff) {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) ActiveRideForDriver(ctx context.Context, driverID string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, r := range m.rides {
		if r.DriverID == driverID && (r.Status == models.StatusAccepted || r.Status == models.StatusOnRide) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) ListRecentRequested(ctx context.Context, since time.Time, limit int) ([]*models.Ride, error) {
	out, err := m.list(func(r *models.Ride) bool {
		return r.Status == models.StatusRequested && !r.IsScheduled && r.CreatedAt.After(since)
	}, limit)
	return out, err
}

func (m *MemoryStore) ListByRequester(ctx context.Context, userID string, limit int) ([]*models.Ride, error) {
	return m.list(func(r *models.Ride) bool { return r.RequesterID == userID }, limit)
}

func (m *MemoryStore) ListByDriver(ctx context.Context, driverID string, limit int) ([]*models.Ride, error) {
	return m.list(func(r *models.Ride) bool { return r.DriverID == driverID }, limit)
}

func (m *MemoryStore) list(keep func(*models.Ride) bool, limit int) ([]*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Ride
	for _, r := range m.rides {
		if keep(r) {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
