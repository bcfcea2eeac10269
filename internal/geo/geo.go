package geo

import (
	"math"
	"sync"
	"time"

	"github.com/example/campus-rides/internal/models"
)

// Index is the minimal presence interface required by the matcher, the
// lifecycle service, and the notification router.
type Index interface {
	SetPresence(driverID string, online bool, loc *models.Coord)
	UpdatePosition(driverID string, loc models.Coord)
	FindNearby(point models.Coord, radiusKm float64, limit int) []models.Presence
	OnlineDrivers() []string
}

// MemoryIndex keeps presence records in process. Fine for a single node;
// multi-node deployments use RedisIndex instead.
type MemoryIndex struct {
	mu      sync.RWMutex
	drivers map[string]models.Presence
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{drivers: make(map[string]models.Presence)}
}

func (g *MemoryIndex) SetPresence(driverID string, online bool, loc *models.Coord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.drivers[driverID]
	p.DriverID = driverID
	p.Online = online
	if loc != nil {
		p.Loc = *loc
	}
	p.Updated = time.Now()
	g.drivers[driverID] = p
}

// UpdatePosition is best-effort live tracking: pings from drivers that are
// not online are dropped without error.
func (g *MemoryIndex) UpdatePosition(driverID string, loc models.Coord) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.drivers[driverID]
	if !ok || !p.Online {
		return
	}
	p.Loc = loc
	p.Updated = time.Now()
	g.drivers[driverID] = p
}

// FindNearby returns up to limit online drivers within radiusKm of point,
// unordered. Ranking is the matcher's job. An empty result is not an error.
// Naive scan; swap in the Redis index for geo-hashed lookups at scale.
func (g *MemoryIndex) FindNearby(point models.Coord, radiusKm float64, limit int) []models.Presence {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.Presence, 0, limit)
	for _, p := range g.drivers {
		if !p.Online {
			continue
		}
		if Haversine(point, p.Loc) > radiusKm {
			continue
		}
		out = append(out, p)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func (g *MemoryIndex) OnlineDrivers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.drivers))
	for id, p := range g.drivers {
		if p.Online {
			out = append(out, id)
		}
	}
	return out
}

// Haversine returns the great-circle distance between two points in km,
// on a sphere of radius 6371 km. Approximate (ignores road networks) but
// symmetric, which is all ranking and fare estimation need.
func Haversine(a, b models.Coord) float64 {
	const earthRadiusKm = 6371.0
	dLat := toRadians(b.Lat - a.Lat)
	dLon := toRadians(b.Lon - a.Lon)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(a.Lat))*math.Cos(toRadians(b.Lat))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusKm * c
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }
