// Package match ranks online drivers against a pickup point. Selection here
// is advisory only: it decides whom to notify first, never who gets the
// ride. Reservation happens in the store's conditional accept.
package match

import (
	"sort"

	"github.com/example/campus-rides/internal/eta"
	"github.com/example/campus-rides/internal/geo"
	"github.com/example/campus-rides/internal/models"
)

// Linear proximity heuristic: a driver further from pickup always scores
// strictly lower.
const (
	distanceWeight = 5.0
	etaWeight      = 0.5
	baseScore      = 100.0
)

// Rank scores each candidate by distance to pickup and returns them sorted
// descending by score. An empty candidate set ranks to an empty slice.
func Rank(pickup models.Coord, drivers []models.Presence) []models.Candidate {
	out := make([]models.Candidate, 0, len(drivers))
	for _, d := range drivers {
		dist := geo.Haversine(d.Loc, pickup)
		etaMin := eta.EstimateMinutes(d.Loc, pickup, eta.DefaultSpeedKmh)
		out = append(out, models.Candidate{
			Driver:           d,
			DistanceToPickup: dist,
			ETA:              etaMin,
			Score:            baseScore - dist*distanceWeight - etaMin*etaWeight,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// Best returns the highest-scoring candidate, or false when there are none.
func Best(pickup models.Coord, drivers []models.Presence) (models.Candidate, bool) {
	ranked := Rank(pickup, drivers)
	if len(ranked) == 0 {
		return models.Candidate{}, false
	}
	return ranked[0], true
}
