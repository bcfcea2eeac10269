package notify

import (
	"sync"
	"testing"

	"github.com/example/campus-rides/internal/geo"
	"github.com/example/campus-rides/internal/models"
)

type fakeConn struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := v.(Event); ok {
		c.events = append(c.events, e)
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) received(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.events {
		if e.Type == event {
			return true
		}
	}
	return false
}

type fakePusher struct {
	mu    sync.Mutex
	calls []string
}

func (p *fakePusher) Push(userID, event string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, userID+":"+event)
	return nil
}

func TestAssociateAndNotifyUser(t *testing.T) {
	r := NewRouter(geo.NewMemoryIndex(), nil, nil)
	c := &fakeConn{}
	r.Register(c)
	r.Associate(c, "u1", RoleRider)

	if !c.received(models.EventAuthenticated) {
		t.Fatalf("associate must ack with authenticated")
	}
	r.NotifyUser("u1", models.EventRideAccepted, map[string]string{"ride_id": "r1"})
	if !c.received(models.EventRideAccepted) {
		t.Fatalf("event not delivered to associated connection")
	}
	// no driver-scoped delivery for a rider
	r.NotifyDriver("u1", models.EventNewRideRequest, nil)
	if c.received(models.EventNewRideRequest) {
		t.Fatalf("rider connection must not receive driver-scoped events")
	}
}

func TestDriverGetsBothScopes(t *testing.T) {
	r := NewRouter(geo.NewMemoryIndex(), nil, nil)
	c := &fakeConn{}
	r.Register(c)
	r.Associate(c, "d1", RoleDriver)

	r.NotifyDriver("d1", models.EventNewRideRequest, nil)
	r.NotifyUser("d1", models.EventRideCompleted, nil)
	if !c.received(models.EventNewRideRequest) || !c.received(models.EventRideCompleted) {
		t.Fatalf("driver connection must receive both scopes")
	}
}

func TestBroadcastExcludesWinner(t *testing.T) {
	gidx := geo.NewMemoryIndex()
	r := NewRouter(gidx, nil, nil)

	conns := map[string]*fakeConn{}
	for _, id := range []string{"d1", "d2", "d3"} {
		c := &fakeConn{}
		r.Register(c)
		r.Associate(c, id, RoleDriver)
		gidx.SetPresence(id, true, &models.Coord{Lat: 1, Lon: 1})
		conns[id] = c
	}

	r.BroadcastToOnlineDrivers(models.EventRideUnavailable, nil, "d2")
	if !conns["d1"].received(models.EventRideUnavailable) || !conns["d3"].received(models.EventRideUnavailable) {
		t.Fatalf("broadcast must reach the other online drivers")
	}
	if conns["d2"].received(models.EventRideUnavailable) {
		t.Fatalf("excluded driver must not receive the broadcast")
	}
}

func TestBroadcastSkipsOfflineDrivers(t *testing.T) {
	gidx := geo.NewMemoryIndex()
	r := NewRouter(gidx, nil, nil)
	c := &fakeConn{}
	r.Register(c)
	r.Associate(c, "d1", RoleDriver)
	gidx.SetPresence("d1", false, nil)

	r.BroadcastToOnlineDrivers(models.EventNewRideRequest, nil)
	if c.received(models.EventNewRideRequest) {
		t.Fatalf("offline driver must not receive broadcasts")
	}
}

func TestRemoveLastDriverConnFlipsOffline(t *testing.T) {
	gidx := geo.NewMemoryIndex()
	r := NewRouter(gidx, nil, nil)
	a, b := &fakeConn{}, &fakeConn{}
	r.Register(a)
	r.Register(b)
	r.Associate(a, "d1", RoleDriver)
	r.Associate(b, "d1", RoleDriver)
	gidx.SetPresence("d1", true, &models.Coord{Lat: 1, Lon: 1})

	r.Remove(a)
	if !a.closed {
		t.Fatalf("removed connection must be closed")
	}
	if len(gidx.OnlineDrivers()) != 1 {
		t.Fatalf("driver must stay online while another connection remains")
	}
	r.Remove(b)
	if len(gidx.OnlineDrivers()) != 0 {
		t.Fatalf("last disconnect must flip the driver offline")
	}
}

func TestRemoveUnknownConnIsNoop(t *testing.T) {
	r := NewRouter(geo.NewMemoryIndex(), nil, nil)
	r.Remove(&fakeConn{}) // must not panic
}

func TestPusherFallbackWhenNoConns(t *testing.T) {
	p := &fakePusher{}
	r := NewRouter(geo.NewMemoryIndex(), p, nil)

	r.NotifyUser("ghost", models.EventRideExpired, nil)
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) != 1 || p.calls[0] != "ghost:"+models.EventRideExpired {
		t.Fatalf("push fallback not invoked, calls=%v", p.calls)
	}
}

func TestSilentDropWithoutPusher(t *testing.T) {
	r := NewRouter(geo.NewMemoryIndex(), nil, nil)
	// no connections, no pusher: must not panic or block
	r.NotifyUser("ghost", models.EventRideCancelled, nil)
}
