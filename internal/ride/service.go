// Package ride owns the ride state machine: Requested -> Accepted -> OnRide
// -> Completed, with Cancelled and Expired as pre-match terminal branches.
// The only serialization point in the whole system is the store's
// conditional claim; everything else (matching, scoring, notification
// fan-out) is advisory or fire-and-forget.
package ride

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/example/campus-rides/internal/eta"
	"github.com/example/campus-rides/internal/fare"
	"github.com/example/campus-rides/internal/geo"
	"github.com/example/campus-rides/internal/ledger"
	"github.com/example/campus-rides/internal/match"
	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/observability"
	"github.com/example/campus-rides/internal/payments"
	"github.com/example/campus-rides/internal/storage"
)

// Notifier is the slice of the notification router the lifecycle uses.
type Notifier interface {
	NotifyUser(userID, event string, payload interface{})
	NotifyDriver(driverID, event string, payload interface{})
	BroadcastToOnlineDrivers(event string, payload interface{}, excluding ...string)
}

const (
	// DefaultExpiry is how long an unmatched request stays open.
	DefaultExpiry = 10 * time.Minute
	// SearchRadiusKm bounds the candidate query around the pickup point.
	SearchRadiusKm = 10.0
	// MaxCandidates caps the candidate set handed to the scorer.
	MaxCandidates = 20
	// MaxScheduleAhead bounds how far in advance a ride can be pre-booked.
	MaxScheduleAhead = 24 * time.Hour
)

type Service struct {
	Store    storage.RideStore
	Geo      geo.Index
	Notifier Notifier
	Ledger   ledger.Ledger
	Payments payments.Provider // optional
	ETA      eta.Client        // optional routing refinement
	ETACache *eta.Cache        // optional
	Logger   *slog.Logger

	Expiry time.Duration

	holdMu sync.Mutex
	holds  map[string]string // rideID -> PaymentIntent id
}

func NewService(store storage.RideStore, g geo.Index, n Notifier, l ledger.Ledger, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		Store: store, Geo: g, Notifier: n, Ledger: l, Logger: logger,
		Expiry: DefaultExpiry,
		holds:  make(map[string]string),
	}
}

// RequestResult is what the requesting client gets back immediately.
type RequestResult struct {
	Ride       *models.Ride `json:"ride"`
	MatchFound bool         `json:"match_found"`
	DriverETA  float64      `json:"driver_eta,omitempty"` // minutes
}

// RequestRide validates the request, persists the ride in Requested state,
// schedules expiry, and kicks off matching. The created ride is returned
// before notification fan-out completes.
func (s *Service) RequestRide(ctx context.Context, requesterID string, pickup, dropoff models.Stop) (*RequestResult, error) {
	if err := validateStops(requesterID, pickup, dropoff); err != nil {
		return nil, err
	}

	distance := geo.Haversine(pickup.Coord, dropoff.Coord)
	est := fare.Estimate(distance, 1)
	now := time.Now()
	r := &models.Ride{
		ID:          newID(),
		RequesterID: requesterID,
		Riders: []models.RiderLeg{{
			UserID: requesterID, Pickup: pickup, Dropoff: dropoff, Fare: est.Total,
		}},
		Status:      models.StatusRequested,
		Fare:        est,
		EstDistance: distance,
		EstDuration: s.tripDuration(pickup.Coord, dropoff.Coord),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.Store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("%w: create ride: %v", ErrUnavailable, err)
	}
	observability.RidesRequested.Inc()

	// In-process timer for the common case; the periodic sweep covers rides
	// whose timer is lost to a restart.
	time.AfterFunc(s.Expiry, func() {
		if err := s.ExpireIfUnmatched(context.Background(), r.ID); err != nil {
			s.Logger.Warn("expiry check failed", "ride_id", r.ID, "error", err)
		}
	})

	best, found := s.findMatch(ctx, r)
	if found {
		if err := s.Store.SetMatchScore(ctx, r.ID, best.Score); err != nil {
			s.Logger.Warn("match score save failed", "ride_id", r.ID, "error", err)
		}
		r.MatchScore = best.Score
	}

	res := &RequestResult{Ride: r, MatchFound: found}
	if found {
		res.DriverETA = best.ETA
	}

	// Never block the caller on delivery.
	go s.announceRequest(r, best, found)
	return res, nil
}

// findMatch queries the geo index around the pickup and ranks candidates,
// skipping drivers who already hold an active ride.
func (s *Service) findMatch(ctx context.Context, r *models.Ride) (models.Candidate, bool) {
	start := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(start).Seconds()) }()

	nearby := s.Geo.FindNearby(r.Pickup().Coord, SearchRadiusKm, MaxCandidates)
	free := nearby[:0]
	for _, p := range nearby {
		active, err := s.Store.ActiveRideForDriver(ctx, p.DriverID)
		if err != nil {
			s.Logger.Warn("active ride check failed", "driver_id", p.DriverID, "error", err)
			continue
		}
		if active == nil {
			free = append(free, p)
		}
	}
	return match.Best(r.Pickup().Coord, free)
}

func (s *Service) announceRequest(r *models.Ride, best models.Candidate, found bool) {
	payload := map[string]interface{}{
		"ride_id":  r.ID,
		"pickup":   r.Pickup().Address,
		"dropoff":  r.Dropoff().Address,
		"fare":     r.Fare.Total,
		"distance": r.EstDistance,
	}
	if found {
		payload["eta"] = best.ETA
		observability.MatchesFound.Inc()
		s.Notifier.NotifyDriver(best.Driver.DriverID, models.EventNewRideRequest, payload)
		return
	}
	observability.MatchBroadcasts.Inc()
	s.Notifier.BroadcastToOnlineDrivers(models.EventNewRideRequest, payload)
}

// AcceptRide is the accept race. The store claim is a single conditional
// update, so with N concurrent callers exactly one wins and N-1 get
// ErrConflict, regardless of timing.
func (s *Service) AcceptRide(ctx context.Context, driverID, rideID string) (*models.Ride, error) {
	if driverID == "" || rideID == "" {
		return nil, fmt.Errorf("%w: driver and ride ids required", ErrInvalidInput)
	}
	active, err := s.Store.ActiveRideForDriver(ctx, driverID)
	if err != nil {
		return nil, fmt.Errorf("%w: active ride check: %v", ErrUnavailable, err)
	}
	if active != nil {
		return nil, fmt.Errorf("%w: driver already has an active ride", ErrConflict)
	}

	r, err := s.Store.Claim(ctx, rideID, driverID)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			observability.AcceptConflicts.Inc()
		}
		return nil, err
	}
	observability.RidesAccepted.Inc()
	s.Logger.Info("ride accepted", "ride_id", rideID, "driver_id", driverID)

	go func() {
		s.holdPayment(r)
		s.Notifier.NotifyUser(r.RequesterID, models.EventRideAccepted, map[string]interface{}{
			"ride_id":   r.ID,
			"status":    r.Status,
			"driver_id": driverID,
			"fare":      r.Fare,
		})
		// Everyone else who saw this request should discard it.
		s.Notifier.BroadcastToOnlineDrivers(models.EventRideUnavailable,
			map[string]interface{}{"ride_id": r.ID}, driverID)
	}()
	return r, nil
}

// StartRide moves Accepted -> OnRide; only the assigned driver may start.
func (s *Service) StartRide(ctx context.Context, driverID, rideID string) (*models.Ride, error) {
	r, err := s.Store.Transition(ctx, rideID, models.StatusAccepted, models.StatusOnRide, driverID)
	if err != nil {
		return nil, err
	}
	go s.Notifier.NotifyUser(r.RequesterID, models.EventRideStarted, map[string]interface{}{
		"ride_id": r.ID,
		"status":  r.Status,
	})
	return r, nil
}

// CompleteRide moves OnRide -> Completed, credits the driver's earnings with
// the full fare, and settles any payment hold.
func (s *Service) CompleteRide(ctx context.Context, driverID, rideID string) (*models.Ride, error) {
	r, err := s.Store.Transition(ctx, rideID, models.StatusOnRide, models.StatusCompleted, driverID)
	if err != nil {
		return nil, err
	}
	observability.RidesCompleted.Inc()
	if err := s.Ledger.Credit(ctx, driverID, r.Fare.Total); err != nil {
		// The ride is already Completed; earnings reconciliation is an
		// offline concern, so log and move on.
		s.Logger.Error("earnings credit failed", "ride_id", rideID, "driver_id", driverID, "error", err)
	}
	go func() {
		s.capturePayment(r)
		s.Notifier.NotifyUser(r.RequesterID, models.EventRideCompleted, map[string]interface{}{
			"ride_id": r.ID,
			"fare":    r.Fare.Total,
		})
	}()
	return r, nil
}

// CancelRide is pre-match only: Requested -> Cancelled, and the caller must
// be the requester.
func (s *Service) CancelRide(ctx context.Context, callerID, rideID string) (*models.Ride, error) {
	existing, err := s.Store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if existing.RequesterID != callerID {
		return nil, fmt.Errorf("%w: only the requester may cancel", ErrConflict)
	}
	r, err := s.Store.Transition(ctx, rideID, models.StatusRequested, models.StatusCancelled, "")
	if err != nil {
		return nil, err
	}
	observability.RidesCancelled.Inc()
	go func() {
		s.releasePayment(r.ID)
		s.Notifier.NotifyUser(r.RequesterID, models.EventRideCancelled, map[string]interface{}{
			"ride_id": r.ID,
		})
	}()
	return r, nil
}

// ExpireIfUnmatched moves Requested -> Expired. Idempotent: a ride that has
// progressed (or already expired) makes this a no-op, which is how the
// accept/expiry race resolves to exactly one terminal outcome.
func (s *Service) ExpireIfUnmatched(ctx context.Context, rideID string) error {
	r, err := s.Store.Transition(ctx, rideID, models.StatusRequested, models.StatusExpired, "")
	if err != nil {
		if errors.Is(err, storage.ErrConflict) || errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	observability.RidesExpired.Inc()
	s.Logger.Info("ride expired unmatched", "ride_id", rideID)
	go func() {
		s.releasePayment(r.ID)
		s.Notifier.NotifyUser(r.RequesterID, models.EventRideExpired, map[string]interface{}{
			"ride_id": r.ID,
			"message": "No drivers available. Please try again.",
		})
	}()
	return nil
}

// Sweep expires every Requested ride older than the expiry window. Run at
// startup and periodically so in-process timers lost to a restart cannot
// strand a ride in Requested.
func (s *Service) Sweep(ctx context.Context) error {
	overdue, err := s.Store.ListOverdueRequested(ctx, time.Now().Add(-s.Expiry))
	if err != nil {
		return fmt.Errorf("%w: overdue scan: %v", ErrUnavailable, err)
	}
	for _, r := range overdue {
		if err := s.ExpireIfUnmatched(ctx, r.ID); err != nil {
			s.Logger.Warn("sweep expire failed", "ride_id", r.ID, "error", err)
		}
	}
	return nil
}

// RunSweeper runs Sweep on the given interval until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := s.Sweep(ctx); err != nil {
				s.Logger.Warn("expiry sweep failed", "error", err)
			}
		}
	}
}

// ScheduleRide creates a pre-booked ride. No matching or expiry timer runs
// until the scheduled time; validation only here.
func (s *Service) ScheduleRide(ctx context.Context, requesterID string, pickup, dropoff models.Stop, at time.Time) (*models.Ride, error) {
	if err := validateStops(requesterID, pickup, dropoff); err != nil {
		return nil, err
	}
	now := time.Now()
	if !at.After(now) {
		return nil, fmt.Errorf("%w: scheduled time must be in the future", ErrInvalidInput)
	}
	if at.After(now.Add(MaxScheduleAhead)) {
		return nil, fmt.Errorf("%w: can only schedule up to 24 hours ahead", ErrInvalidInput)
	}
	distance := geo.Haversine(pickup.Coord, dropoff.Coord)
	est := fare.Estimate(distance, 1)
	r := &models.Ride{
		ID:          newID(),
		RequesterID: requesterID,
		Riders: []models.RiderLeg{{
			UserID: requesterID, Pickup: pickup, Dropoff: dropoff, Fare: est.Total,
		}},
		Status:       models.StatusRequested,
		Fare:         est,
		EstDistance:  distance,
		EstDuration:  s.tripDuration(pickup.Coord, dropoff.Coord),
		ScheduledFor: at,
		IsScheduled:  true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Store.Create(ctx, r); err != nil {
		return nil, fmt.Errorf("%w: create scheduled ride: %v", ErrUnavailable, err)
	}
	return r, nil
}

// GetRide returns a single ride by id.
func (s *Service) GetRide(ctx context.Context, rideID string) (*models.Ride, error) {
	return s.Store.Get(ctx, rideID)
}

// ListUserRides returns ride history for a user: rides driven when role is
// driver, rides requested otherwise.
func (s *Service) ListUserRides(ctx context.Context, userID, role string, limit int) ([]*models.Ride, error) {
	if limit <= 0 {
		limit = 50
	}
	if role == "driver" {
		return s.Store.ListByDriver(ctx, userID, limit)
	}
	return s.Store.ListByRequester(ctx, userID, limit)
}

// ReplayOpenRequests re-sends every still-open request to a driver who just
// came online, so going online mid-request is not a dead zone.
func (s *Service) ReplayOpenRequests(ctx context.Context, driverID string) {
	open, err := s.Store.ListRecentRequested(ctx, time.Now().Add(-s.Expiry), 50)
	if err != nil {
		s.Logger.Warn("open request replay failed", "driver_id", driverID, "error", err)
		return
	}
	for _, r := range open {
		s.Notifier.NotifyDriver(driverID, models.EventNewRideRequest, map[string]interface{}{
			"ride_id":  r.ID,
			"pickup":   r.Pickup().Address,
			"dropoff":  r.Dropoff().Address,
			"fare":     r.Fare.Total,
			"distance": r.EstDistance,
		})
	}
}

// ReportDriverLocation updates the geo index and, while the driver is on an
// active ride, forwards the position to the requester for live tracking.
func (s *Service) ReportDriverLocation(ctx context.Context, driverID string, loc models.Coord) {
	s.Geo.UpdatePosition(driverID, loc)
	active, err := s.Store.ActiveRideForDriver(ctx, driverID)
	if err != nil || active == nil {
		return
	}
	s.Notifier.NotifyUser(active.RequesterID, models.EventDriverLocationUpdate, map[string]interface{}{
		"ride_id":  active.ID,
		"location": loc,
	})
}

// tripDuration prefers the routing engine when wired, falling back to the
// straight-line estimate. Used for the reported duration only; ranking
// always uses the naive formula.
func (s *Service) tripDuration(from, to models.Coord) float64 {
	if s.ETACache != nil {
		if v, ok := s.ETACache.Get(from, to); ok {
			return v
		}
	}
	if s.ETA != nil {
		if v, err := s.ETA.EstimateMinutes(from, to); err == nil {
			if s.ETACache != nil {
				s.ETACache.Set(from, to, v)
			}
			return v
		}
	}
	return eta.EstimateMinutes(from, to, eta.DefaultSpeedKmh)
}

// holdPayment places a manual-capture hold for the fare when a driver
// accepts. Best-effort: a failed hold degrades to pay-on-completion.
func (s *Service) holdPayment(r *models.Ride) {
	if s.Payments == nil {
		return
	}
	amount := int64(math.Round(r.Fare.Total * 100))
	id, err := s.Payments.Hold(context.Background(), amount, r.Fare.Currency, r.RequesterID)
	if err != nil {
		s.Logger.Warn("payment hold failed", "ride_id", r.ID, "error", err)
		return
	}
	s.holdMu.Lock()
	s.holds[r.ID] = id
	s.holdMu.Unlock()
}

func (s *Service) capturePayment(r *models.Ride) {
	id, ok := s.takeHold(r.ID)
	if !ok {
		return
	}
	if err := s.Payments.Capture(context.Background(), id); err != nil {
		s.Logger.Warn("payment capture failed", "ride_id", r.ID, "error", err)
	}
}

func (s *Service) releasePayment(rideID string) {
	id, ok := s.takeHold(rideID)
	if !ok {
		return
	}
	if err := s.Payments.Cancel(context.Background(), id); err != nil {
		s.Logger.Warn("payment release failed", "ride_id", rideID, "error", err)
	}
}

func (s *Service) takeHold(rideID string) (string, bool) {
	if s.Payments == nil {
		return "", false
	}
	s.holdMu.Lock()
	defer s.holdMu.Unlock()
	id, ok := s.holds[rideID]
	if ok {
		delete(s.holds, rideID)
	}
	return id, ok
}

func validateStops(requesterID string, pickup, dropoff models.Stop) error {
	if requesterID == "" {
		return fmt.Errorf("%w: requester id required", ErrInvalidInput)
	}
	if pickup.Address == "" || dropoff.Address == "" {
		return fmt.Errorf("%w: pickup and dropoff addresses required", ErrInvalidInput)
	}
	if !pickup.Coord.Valid() || !dropoff.Coord.Valid() {
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidInput)
	}
	return nil
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
