package fare

import (
	"math"
	"testing"
)

func TestEstimateTenKm(t *testing.T) {
	f := Estimate(10, 1)
	if f.Total != 150 {
		t.Fatalf("expected total 150, got %v", f.Total)
	}
	if f.PerRider != f.Total {
		t.Fatalf("single rider should pay the full fare, got %v", f.PerRider)
	}
	if f.Currency != "INR" {
		t.Fatalf("expected INR, got %s", f.Currency)
	}
	if f.Breakdown.DistanceFare != 120 {
		t.Fatalf("expected distance fare 120, got %v", f.Breakdown.DistanceFare)
	}
}

func TestMinimumFare(t *testing.T) {
	if f := Estimate(0, 1); f.Total != MinFare {
		t.Fatalf("zero distance should hit min fare, got %v", f.Total)
	}
	// 30 + 1*12 = 42 < 50
	if f := Estimate(1, 1); f.Total != MinFare {
		t.Fatalf("short trip should hit min fare, got %v", f.Total)
	}
}

func TestMonotonicity(t *testing.T) {
	prev := 0.0
	for d := 0.0; d <= 50; d += 0.5 {
		total := Estimate(d, 1).Total
		if total < prev {
			t.Fatalf("fare decreased: %v km -> %v (prev %v)", d, total, prev)
		}
		prev = total
	}
}

func TestPerRiderSplit(t *testing.T) {
	f := Estimate(10, 2)
	if f.Total != 150 {
		t.Fatalf("rider count must not change the total, got %v", f.Total)
	}
	if f.PerRider != 75 {
		t.Fatalf("expected per-rider 75, got %v", f.PerRider)
	}
}

func TestSplitAcrossRiders(t *testing.T) {
	f, shares := SplitAcrossRiders([]string{"u1", "u2"}, 15)
	if len(shares) != 2 {
		t.Fatalf("expected 2 shares, got %d", len(shares))
	}
	for _, s := range shares {
		if s.Fare != f.PerRider {
			t.Fatalf("share %v != per rider %v", s.Fare, f.PerRider)
		}
	}
	if math.Abs(f.PerRider*2-f.Total) > 0.01 {
		t.Fatalf("shares %v do not sum to total %v", f.PerRider*2, f.Total)
	}
}
