package ride

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/campus-rides/internal/geo"
	"github.com/example/campus-rides/internal/ledger"
	"github.com/example/campus-rides/internal/models"
	"github.com/example/campus-rides/internal/storage"
)

// recordedEvent captures one delivery through the fake notifier.
type recordedEvent struct {
	target string // user or driver id; "*" for broadcasts
	kind   string // "user", "driver", "broadcast"
	event  string
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (f *fakeNotifier) NotifyUser(userID, event string, payload interface{}) {
	f.record(recordedEvent{target: userID, kind: "user", event: event})
}

func (f *fakeNotifier) NotifyDriver(driverID, event string, payload interface{}) {
	f.record(recordedEvent{target: driverID, kind: "driver", event: event})
}

func (f *fakeNotifier) BroadcastToOnlineDrivers(event string, payload interface{}, excluding ...string) {
	f.record(recordedEvent{target: "*", kind: "broadcast", event: event})
}

func (f *fakeNotifier) record(e recordedEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

// has reports whether a matching event has been recorded yet.
func (f *fakeNotifier) has(kind, target, event string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e.kind == kind && e.target == target && e.event == event {
			return true
		}
	}
	return false
}

// waitFor polls until cond holds or the deadline passes. Notification
// fan-out is asynchronous by design, so assertions on it must wait.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition never held")
}

func newTestService() (*Service, *storage.MemoryStore, *geo.MemoryIndex, *fakeNotifier, *ledger.MemoryLedger) {
	store := storage.NewMemoryStore()
	gidx := geo.NewMemoryIndex()
	n := &fakeNotifier{}
	l := ledger.NewMemoryLedger()
	svc := NewService(store, gidx, n, l, nil)
	svc.Expiry = time.Hour // keep timers out of the way unless a test wants them
	return svc, store, gidx, n, l
}

var (
	pickup  = models.Stop{Address: "MG Road", Coord: models.Coord{Lat: 12.9716, Lon: 77.5946}}
	dropoff = models.Stop{Address: "Airport", Coord: models.Coord{Lat: 12.9716 + 10/111.195, Lon: 77.5946}}
)

// coordAtKm returns a point roughly km kilometers north of c.
func coordAtKm(c models.Coord, km float64) models.Coord {
	return models.Coord{Lat: c.Lat + km/111.195, Lon: c.Lon}
}

func TestRequestRideFareAndMatch(t *testing.T) {
	svc, _, gidx, n, _ := newTestService()
	near := coordAtKm(pickup.Coord, 1)
	far := coordAtKm(pickup.Coord, 5)
	gidx.SetPresence("driver-near", true, &near)
	gidx.SetPresence("driver-far", true, &far)

	res, err := svc.RequestRide(context.Background(), "student-1", pickup, dropoff)
	if err != nil {
		t.Fatal(err)
	}
	r := res.Ride
	if r.Status != models.StatusRequested {
		t.Fatalf("expected Requested, got %s", r.Status)
	}
	if r.EstDistance < 9.9 || r.EstDistance > 10.1 {
		t.Fatalf("expected ~10 km, got %v", r.EstDistance)
	}
	if r.Fare.Total < 149 || r.Fare.Total > 151 {
		t.Fatalf("expected fare ~150, got %v", r.Fare.Total)
	}
	if !res.MatchFound {
		t.Fatalf("expected a match with two online drivers")
	}
	if res.DriverETA <= 0 {
		t.Fatalf("match must carry an ETA, got %v", res.DriverETA)
	}
	if r.MatchScore <= 0 {
		t.Fatalf("advisory match score not recorded, got %v", r.MatchScore)
	}
	// the nearer driver gets the targeted notification
	waitFor(t, func() bool { return n.has("driver", "driver-near", models.EventNewRideRequest) })
	if n.has("driver", "driver-far", models.EventNewRideRequest) {
		t.Fatalf("only the best match should be targeted")
	}
}

func TestRequestRideBroadcastsWhenNoMatch(t *testing.T) {
	svc, _, _, n, _ := newTestService()
	res, err := svc.RequestRide(context.Background(), "student-1", pickup, dropoff)
	if err != nil {
		t.Fatal(err)
	}
	if res.MatchFound {
		t.Fatalf("no drivers online, match impossible")
	}
	waitFor(t, func() bool { return n.has("broadcast", "*", models.EventNewRideRequest) })
}

func TestRequestRideValidation(t *testing.T) {
	svc, _, _, _, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.RequestRide(ctx, "", pickup, dropoff); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for missing requester, got %v", err)
	}
	noAddr := models.Stop{Coord: pickup.Coord}
	if _, err := svc.RequestRide(ctx, "u1", noAddr, dropoff); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for missing address, got %v", err)
	}
	badCoord := models.Stop{Address: "x", Coord: models.Coord{Lat: 91, Lon: 0}}
	if _, err := svc.RequestRide(ctx, "u1", badCoord, dropoff); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for bad coords, got %v", err)
	}
}

func TestConcurrentAcceptExactlyOneWinner(t *testing.T) {
	svc, store, _, n, _ := newTestService()
	res, err := svc.RequestRide(context.Background(), "student-1", pickup, dropoff)
	if err != nil {
		t.Fatal(err)
	}
	rideID := res.Ride.ID

	const k = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	var winner string
	conflicts := 0

	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(nr int) {
			defer wg.Done()
			id := fmt.Sprintf("driver-%d", nr)
			_, err := svc.AcceptRide(context.Background(), id, rideID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winner = id
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if winner == "" || conflicts != k-1 {
		t.Fatalf("expected 1 winner and %d conflicts, got winner=%q conflicts=%d", k-1, winner, conflicts)
	}
	final, _ := store.Get(context.Background(), rideID)
	if final.Status != models.StatusAccepted || final.DriverID != winner {
		t.Fatalf("final ride %+v does not match winner %s", final, winner)
	}
	waitFor(t, func() bool { return n.has("user", "student-1", models.EventRideAccepted) })
	waitFor(t, func() bool { return n.has("broadcast", "*", models.EventRideUnavailable) })
}

func TestAcceptRejectsBusyDriver(t *testing.T) {
	svc, _, _, _, _ := newTestService()
	ctx := context.Background()
	first, _ := svc.RequestRide(ctx, "student-1", pickup, dropoff)
	second, _ := svc.RequestRide(ctx, "student-2", pickup, dropoff)

	if _, err := svc.AcceptRide(ctx, "d1", first.Ride.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AcceptRide(ctx, "d1", second.Ride.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("driver with an active ride must not accept another, got %v", err)
	}
}

func TestNoBackwardTransitions(t *testing.T) {
	svc, _, _, _, _ := newTestService()
	ctx := context.Background()
	res, _ := svc.RequestRide(ctx, "student-1", pickup, dropoff)
	rideID := res.Ride.ID

	// start before accept
	if _, err := svc.StartRide(ctx, "d1", rideID); !errors.Is(err, ErrConflict) {
		t.Fatalf("start on Requested must conflict, got %v", err)
	}
	// complete before start
	if _, err := svc.AcceptRide(ctx, "d1", rideID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.CompleteRide(ctx, "d1", rideID); !errors.Is(err, ErrConflict) {
		t.Fatalf("complete on Accepted must conflict, got %v", err)
	}
	// wrong driver start
	if _, err := svc.StartRide(ctx, "d2", rideID); !errors.Is(err, ErrConflict) {
		t.Fatalf("start by unassigned driver must conflict, got %v", err)
	}
}

func TestFullLifecycleCreditsLedger(t *testing.T) {
	svc, _, _, n, l := newTestService()
	ctx := context.Background()
	res, _ := svc.RequestRide(ctx, "student-1", pickup, dropoff)
	rideID := res.Ride.ID

	if _, err := svc.AcceptRide(ctx, "d1", rideID); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.StartRide(ctx, "d1", rideID); err != nil {
		t.Fatal(err)
	}
	final, err := svc.CompleteRide(ctx, "d1", rideID)
	if err != nil {
		t.Fatal(err)
	}
	if final.Status != models.StatusCompleted {
		t.Fatalf("expected Completed, got %s", final.Status)
	}
	bal, _ := l.Balance(ctx, "d1")
	if bal != final.Fare.Total {
		t.Fatalf("ledger balance %v != fare %v", bal, final.Fare.Total)
	}
	waitFor(t, func() bool { return n.has("user", "student-1", models.EventRideCompleted) })
}

func TestCancelPreMatchOnly(t *testing.T) {
	svc, _, _, _, _ := newTestService()
	ctx := context.Background()
	res, _ := svc.RequestRide(ctx, "student-1", pickup, dropoff)
	rideID := res.Ride.ID

	if _, err := svc.CancelRide(ctx, "someone-else", rideID); !errors.Is(err, ErrConflict) {
		t.Fatalf("non-requester cancel must conflict, got %v", err)
	}
	r, err := svc.CancelRide(ctx, "student-1", rideID)
	if err != nil {
		t.Fatal(err)
	}
	if r.Status != models.StatusCancelled {
		t.Fatalf("expected Cancelled, got %s", r.Status)
	}

	// cancel after accept is rejected
	res2, _ := svc.RequestRide(ctx, "student-1", pickup, dropoff)
	_, _ = svc.AcceptRide(ctx, "d1", res2.Ride.ID)
	if _, err := svc.CancelRide(ctx, "student-1", res2.Ride.ID); !errors.Is(err, ErrConflict) {
		t.Fatalf("cancel after accept must conflict, got %v", err)
	}
}

func TestExpireIsIdempotent(t *testing.T) {
	svc, store, _, n, _ := newTestService()
	ctx := context.Background()
	res, _ := svc.RequestRide(ctx, "student-1", pickup, dropoff)
	rideID := res.Ride.ID

	if err := svc.ExpireIfUnmatched(ctx, rideID); err != nil {
		t.Fatal(err)
	}
	if err := svc.ExpireIfUnmatched(ctx, rideID); err != nil {
		t.Fatalf("second expiry must be a no-op, got %v", err)
	}
	r, _ := store.Get(ctx, rideID)
	if r.Status != models.StatusExpired {
		t.Fatalf("expected Expired, got %s", r.Status)
	}
	if _, err := svc.AcceptRide(ctx, "d1", rideID); !errors.Is(err, ErrConflict) {
		t.Fatalf("accept after expiry must conflict, got %v", err)
	}
	waitFor(t, func() bool { return n.has("user", "student-1", models.EventRideExpired) })
}

func TestAcceptExpiryRaceOneTerminalOutcome(t *testing.T) {
	for i := 0; i < 20; i++ {
		svc, store, _, _, _ := newTestService()
		ctx := context.Background()
		res, _ := svc.RequestRide(ctx, "student-1", pickup, dropoff)
		rideID := res.Ride.ID

		var wg sync.WaitGroup
		var acceptErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, acceptErr = svc.AcceptRide(ctx, "d1", rideID)
		}()
		go func() {
			defer wg.Done()
			_ = svc.ExpireIfUnmatched(ctx, rideID)
		}()
		wg.Wait()

		r, _ := store.Get(ctx, rideID)
		if acceptErr == nil {
			if r.Status != models.StatusAccepted || r.DriverID != "d1" {
				t.Fatalf("accept won but ride is %+v", r)
			}
		} else {
			if r.Status != models.StatusExpired {
				t.Fatalf("accept lost but ride is %s, err=%v", r.Status, acceptErr)
			}
		}
	}
}

func TestExpiryTimerFires(t *testing.T) {
	svc, store, _, _, _ := newTestService()
	svc.Expiry = 30 * time.Millisecond
	res, _ := svc.RequestRide(context.Background(), "student-1", pickup, dropoff)

	waitFor(t, func() bool {
		r, err := store.Get(context.Background(), res.Ride.ID)
		return err == nil && r.Status == models.StatusExpired
	})
}

func TestSweepExpiresOverdue(t *testing.T) {
	svc, store, _, _, _ := newTestService()
	ctx := context.Background()

	// simulate a ride whose timer died with a previous process
	stale := &models.Ride{
		ID:          "stale",
		RequesterID: "student-1",
		Riders:      []models.RiderLeg{{UserID: "student-1", Pickup: pickup, Dropoff: dropoff}},
		Status:      models.StatusRequested,
		CreatedAt:   time.Now().Add(-2 * time.Hour),
		UpdatedAt:   time.Now().Add(-2 * time.Hour),
	}
	if err := store.Create(ctx, stale); err != nil {
		t.Fatal(err)
	}
	if err := svc.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	r, _ := store.Get(ctx, "stale")
	if r.Status != models.StatusExpired {
		t.Fatalf("sweep should expire the stale ride, got %s", r.Status)
	}
}

func TestSweepLeavesScheduledRideAlone(t *testing.T) {
	svc, store, _, _, _ := newTestService()
	svc.Expiry = 10 * time.Millisecond
	ctx := context.Background()

	r, err := svc.ScheduleRide(ctx, "student-1", pickup, dropoff, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if err := svc.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	got, _ := store.Get(ctx, r.ID)
	if got.Status != models.StatusRequested {
		t.Fatalf("ride booked for %s must survive the sweep, got %s", r.ScheduledFor, got.Status)
	}
}

func TestSweepExpiresMissedBooking(t *testing.T) {
	svc, store, _, _, _ := newTestService()
	ctx := context.Background()

	missed := &models.Ride{
		ID:           "missed",
		RequesterID:  "student-1",
		Riders:       []models.RiderLeg{{UserID: "student-1", Pickup: pickup, Dropoff: dropoff}},
		Status:       models.StatusRequested,
		IsScheduled:  true,
		ScheduledFor: time.Now().Add(-2 * time.Hour),
		CreatedAt:    time.Now().Add(-3 * time.Hour),
		UpdatedAt:    time.Now().Add(-3 * time.Hour),
	}
	if err := store.Create(ctx, missed); err != nil {
		t.Fatal(err)
	}
	if err := svc.Sweep(ctx); err != nil {
		t.Fatal(err)
	}
	r, _ := store.Get(ctx, "missed")
	if r.Status != models.StatusExpired {
		t.Fatalf("a booking long past its time should expire, got %s", r.Status)
	}
}

func TestReplaySkipsScheduledRides(t *testing.T) {
	svc, _, _, n, _ := newTestService()
	ctx := context.Background()

	live, err := svc.RequestRide(ctx, "student-1", pickup, dropoff)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.ScheduleRide(ctx, "student-2", pickup, dropoff, time.Now().Add(3*time.Hour)); err != nil {
		t.Fatal(err)
	}

	svc.ReplayOpenRequests(ctx, "d1")
	waitFor(t, func() bool { return n.has("driver", "d1", models.EventNewRideRequest) })

	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, e := range n.events {
		if e.kind == "driver" && e.target == "d1" && e.event == models.EventNewRideRequest {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("replay must offer only the live request %s, got %d offers", live.Ride.ID, count)
	}
}

func TestScheduleRideValidation(t *testing.T) {
	svc, _, _, _, _ := newTestService()
	ctx := context.Background()

	if _, err := svc.ScheduleRide(ctx, "u1", pickup, dropoff, time.Now().Add(-time.Hour)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("past time must be rejected, got %v", err)
	}
	if _, err := svc.ScheduleRide(ctx, "u1", pickup, dropoff, time.Now().Add(48*time.Hour)); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("more than 24h ahead must be rejected, got %v", err)
	}
	r, err := svc.ScheduleRide(ctx, "u1", pickup, dropoff, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if !r.IsScheduled || r.Status != models.StatusRequested {
		t.Fatalf("scheduled ride malformed: %+v", r)
	}
}

func TestBusyDriverSkippedInMatching(t *testing.T) {
	svc, _, gidx, n, _ := newTestService()
	ctx := context.Background()
	near := coordAtKm(pickup.Coord, 1)
	farther := coordAtKm(pickup.Coord, 3)
	gidx.SetPresence("busy", true, &near)
	gidx.SetPresence("free", true, &farther)

	first, _ := svc.RequestRide(ctx, "student-1", pickup, dropoff)
	if _, err := svc.AcceptRide(ctx, "busy", first.Ride.ID); err != nil {
		t.Fatal(err)
	}

	res, err := svc.RequestRide(ctx, "student-2", pickup, dropoff)
	if err != nil {
		t.Fatal(err)
	}
	if !res.MatchFound {
		t.Fatalf("free driver should still match")
	}
	waitFor(t, func() bool { return n.has("driver", "free", models.EventNewRideRequest) })
}

func TestReportDriverLocationForwardsToRequester(t *testing.T) {
	svc, _, gidx, n, _ := newTestService()
	ctx := context.Background()
	loc := coordAtKm(pickup.Coord, 1)
	gidx.SetPresence("d1", true, &loc)

	res, _ := svc.RequestRide(ctx, "student-1", pickup, dropoff)
	if _, err := svc.AcceptRide(ctx, "d1", res.Ride.ID); err != nil {
		t.Fatal(err)
	}
	svc.ReportDriverLocation(ctx, "d1", coordAtKm(pickup.Coord, 0.5))
	waitFor(t, func() bool { return n.has("user", "student-1", models.EventDriverLocationUpdate) })
}
