package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate is a plausible WGS84 point.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Stop is one end of a ride leg: a human-readable address plus coordinates.
type Stop struct {
	Address string `json:"address"`
	Coord   Coord  `json:"coord"`
}

// Presence is a driver's live availability record. One record per driver,
// overwritten in place on every ping.
type Presence struct {
	DriverID string    `json:"driver_id"`
	Online   bool      `json:"online"`
	Loc      Coord     `json:"loc"`
	Updated  time.Time `json:"updated"`
}

// RideStatus follows the lifecycle graph: Requested -> Accepted -> OnRide ->
// Completed, with Cancelled and Expired as pre-match terminal branches.
// OnRoute exists in the enum for app compatibility but no transition in
// this service targets it.
type RideStatus string

const (
	StatusRequested RideStatus = "Requested"
	StatusAccepted  RideStatus = "Accepted"
	StatusOnRoute   RideStatus = "OnRoute"
	StatusOnRide    RideStatus = "OnRide"
	StatusCompleted RideStatus = "Completed"
	StatusCancelled RideStatus = "Cancelled"
	StatusExpired   RideStatus = "Expired"
)

// Terminal reports whether the status ends the ride's lifecycle.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

// RiderLeg is one rider's pickup/dropoff pair within a ride. Single-rider
// rides carry exactly one leg; shared rides append more.
type RiderLeg struct {
	UserID  string  `json:"user_id"`
	Pickup  Stop    `json:"pickup"`
	Dropoff Stop    `json:"dropoff"`
	Fare    float64 `json:"fare"`
}

// Fare is the billed breakdown returned by the estimator.
type Fare struct {
	Total     float64       `json:"total"`
	PerRider  float64       `json:"per_rider"`
	Currency  string        `json:"currency"`
	Breakdown FareBreakdown `json:"breakdown"`
}

type FareBreakdown struct {
	BaseFare     float64 `json:"base_fare"`
	DistanceFare float64 `json:"distance_fare"`
	Distance     float64 `json:"distance"`
	RiderCount   int     `json:"rider_count"`
}

// Ride is the persisted ride record. DriverID is the single contended field:
// it is written at most once, by exactly one winner of the accept race, and
// is immutable afterwards.
type Ride struct {
	ID           string     `json:"id"`
	RequesterID  string     `json:"requester_id"`
	DriverID     string     `json:"driver_id,omitempty"`
	Riders       []RiderLeg `json:"riders"`
	Status       RideStatus `json:"status"`
	Fare         Fare       `json:"fare"`
	EstDistance  float64    `json:"estimated_distance"` // km
	EstDuration  float64    `json:"estimated_duration"` // minutes
	MatchScore   float64    `json:"match_score"` // advisory only
	ScheduledFor time.Time  `json:"scheduled_for,omitempty"`
	IsScheduled  bool       `json:"is_scheduled,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Pickup returns the first leg's pickup point. Matching always targets the
// first rider's pickup.
func (r *Ride) Pickup() Stop { return r.Riders[0].Pickup }

// Dropoff returns the first leg's dropoff point.
func (r *Ride) Dropoff() Stop { return r.Riders[0].Dropoff }

// Candidate is a scored driver for one ride request. Ephemeral: produced by
// ranking, discarded once the notify/broadcast decision is made.
type Candidate struct {
	Driver           Presence `json:"driver"`
	DistanceToPickup float64  `json:"distance_to_pickup"` // km
	ETA              float64  `json:"eta"` // minutes
	Score            float64  `json:"score"`
}

// Socket event names, kept in one place so the driver and rider apps see a
// stable protocol.
const (
	EventNewRideRequest       = "newRideRequest"
	EventRideAccepted         = "rideAccepted"
	EventRideStarted          = "rideStarted"
	EventRideCompleted        = "rideCompleted"
	EventRideCancelled        = "rideCancelled"
	EventRideExpired          = "rideExpired"
	EventRideUnavailable      = "rideUnavailable"
	EventDriverLocationUpdate = "driverLocationUpdate"
	EventAuthenticated        = "authenticated"
	EventStatusUpdated        = "statusUpdated"
)
