// Package fare computes trip fares from estimated distance. Pure arithmetic,
// no side effects; riderCount >= 1 is the caller's contract.
package fare

import (
	"math"

	"github.com/example/campus-rides/internal/models"
)

const (
	BaseFare  = 30.0 // INR
	PerKmRate = 12.0 // INR per km
	MinFare   = 50.0 // INR
	Currency  = "INR"
)

// Estimate returns the fare for a trip of distanceKm split across riderCount
// riders. The minimum fare applies to the total, not per rider.
func Estimate(distanceKm float64, riderCount int) models.Fare {
	total := BaseFare + distanceKm*PerKmRate
	if total < MinFare {
		total = MinFare
	}
	total = round2(total)
	return models.Fare{
		Total:    total,
		PerRider: round2(total / float64(riderCount)),
		Currency: Currency,
		Breakdown: models.FareBreakdown{
			BaseFare:     BaseFare,
			DistanceFare: round2(distanceKm * PerKmRate),
			Distance:     round2(distanceKm),
			RiderCount:   riderCount,
		},
	}
}

// RiderShare is one rider's allocation in a shared ride.
type RiderShare struct {
	UserID string  `json:"user_id"`
	Fare   float64 `json:"fare"`
}

// SplitAcrossRiders allocates a shared ride's fare equally. Per-segment
// pricing would need individual leg distances; equal split is the current
// product behaviour.
func SplitAcrossRiders(riderIDs []string, totalKm float64) (models.Fare, []RiderShare) {
	f := Estimate(totalKm, len(riderIDs))
	shares := make([]RiderShare, len(riderIDs))
	for i, id := range riderIDs {
		shares[i] = RiderShare{UserID: id, Fare: f.PerRider}
	}
	return f, shares
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
