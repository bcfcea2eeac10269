package eta

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/campus-rides/internal/geo"
	"github.com/example/campus-rides/internal/models"
)

// DefaultSpeedKmh is the assumed city average when no routing engine is
// configured.
const DefaultSpeedKmh = 40.0

// Client is the interface used to look up travel times from a routing engine.
type Client interface {
	EstimateMinutes(from, to models.Coord) (float64, error)
}

// EstimateMinutes is the naive straight-line estimate: Haversine distance at
// a fixed average speed. Used for ranking and as the fallback when no
// routing client is wired.
func EstimateMinutes(from, to models.Coord, speedKmh float64) float64 {
	if speedKmh <= 0 {
		speedKmh = DefaultSpeedKmh
	}
	return geo.Haversine(from, to) / speedKmh * 60
}

// Cache is a tiny in-memory TTL cache for routing lookups keyed by the
// coordinate pair.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}
