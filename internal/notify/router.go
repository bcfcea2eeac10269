// Package notify delivers lifecycle events to live client connections.
// Delivery is best-effort and at-most-once: events for users with no live
// connection are dropped (or handed to an optional push fallback), never
// queued. A driver is both a "user" for requester-style events and a
// "driver" for dispatch events, so the router keeps two capability-scoped
// maps keyed by the same identifier.
package notify

import (
	"log/slog"
	"sync"

	"github.com/example/campus-rides/internal/geo"
	"github.com/example/campus-rides/internal/models"
)

// Conn is one live client connection. Production connections are websocket
// sessions; tests substitute fakes.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Pusher is an optional offline fallback (e.g. FCM). Nil disables it.
type Pusher interface {
	Push(userID, event string, payload interface{}) error
}

// Event is the wire envelope for every notification.
type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

const (
	RoleRider  = "rider"
	RoleDriver = "driver"
)

type connInfo struct {
	userID string
	role   string
}

// Router owns the identifier-to-connection maps. Membership changes only on
// connect, authenticate, and disconnect; dispatch is read-only.
type Router struct {
	mu      sync.RWMutex
	conns   map[Conn]connInfo
	users   map[string]map[Conn]struct{}
	drivers map[string]map[Conn]struct{}

	geo    geo.Index
	pusher Pusher
	logger *slog.Logger
}

func NewRouter(g geo.Index, pusher Pusher, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		conns:   make(map[Conn]connInfo),
		users:   make(map[string]map[Conn]struct{}),
		drivers: make(map[string]map[Conn]struct{}),
		geo:     g,
		pusher:  pusher,
		logger:  logger,
	}
}

// Register records a new, not-yet-authenticated connection.
func (r *Router) Register(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = connInfo{}
}

// Associate binds a registered connection to a user identity. Drivers join
// both the user map and the driver map.
func (r *Router) Associate(c Conn, userID, role string) {
	r.mu.Lock()
	r.conns[c] = connInfo{userID: userID, role: role}
	addConn(r.users, userID, c)
	if role == RoleDriver {
		addConn(r.drivers, userID, c)
	}
	r.mu.Unlock()

	_ = c.WriteJSON(Event{Type: models.EventAuthenticated, Payload: map[string]string{"user_id": userID, "role": role}})
}

// Remove drops a connection. When a driver's last connection goes away the
// driver is flipped offline in the geo index, matching the mobile app's
// expectation that a dead socket means an unavailable driver.
func (r *Router) Remove(c Conn) {
	r.mu.Lock()
	info, ok := r.conns[c]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c)
	dropConn(r.users, info.userID, c)
	var lastDriverConn bool
	if info.role == RoleDriver {
		dropConn(r.drivers, info.userID, c)
		lastDriverConn = len(r.drivers[info.userID]) == 0
	}
	r.mu.Unlock()

	_ = c.Close()
	if lastDriverConn && r.geo != nil {
		r.geo.SetPresence(info.userID, false, nil)
		r.logger.Info("driver offline on disconnect", "driver_id", info.userID)
	}
}

// NotifyUser delivers to every live connection for userID. Silently dropped
// when none are registered and no push fallback is configured.
func (r *Router) NotifyUser(userID, event string, payload interface{}) {
	r.deliver(r.snapshot(r.users, userID), userID, event, payload)
}

// NotifyDriver is NotifyUser scoped to driver connections.
func (r *Router) NotifyDriver(driverID, event string, payload interface{}) {
	r.deliver(r.snapshot(r.drivers, driverID), driverID, event, payload)
}

// BroadcastToOnlineDrivers delivers to every driver currently online in the
// geo index, except the excluded ids.
func (r *Router) BroadcastToOnlineDrivers(event string, payload interface{}, excluding ...string) {
	if r.geo == nil {
		return
	}
	skip := make(map[string]struct{}, len(excluding))
	for _, id := range excluding {
		skip[id] = struct{}{}
	}
	for _, id := range r.geo.OnlineDrivers() {
		if _, ok := skip[id]; ok {
			continue
		}
		r.NotifyDriver(id, event, payload)
	}
}

func (r *Router) snapshot(m map[string]map[Conn]struct{}, id string) []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := m[id]
	out := make([]Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func (r *Router) deliver(conns []Conn, userID, event string, payload interface{}) {
	if len(conns) == 0 {
		if r.pusher != nil {
			if err := r.pusher.Push(userID, event, payload); err != nil {
				r.logger.Warn("push fallback failed", "user_id", userID, "event", event, "error", err)
			}
		}
		return
	}
	evt := Event{Type: event, Payload: payload}
	for _, c := range conns {
		if err := c.WriteJSON(evt); err != nil {
			r.logger.Warn("notify send failed", "user_id", userID, "event", event, "error", err)
		}
	}
}

func addConn(m map[string]map[Conn]struct{}, id string, c Conn) {
	if id == "" {
		return
	}
	set, ok := m[id]
	if !ok {
		set = make(map[Conn]struct{})
		m[id] = set
	}
	set[c] = struct{}{}
}

func dropConn(m map[string]map[Conn]struct{}, id string, c Conn) {
	if set, ok := m[id]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(m, id)
		}
	}
}
