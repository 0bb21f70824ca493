package geofence_test

import (
	"testing"
	"time"

	"github.com/network-dmenu/zoned/internal/geofence"
	"github.com/network-dmenu/zoned/internal/match"
)

func testPolicy() geofence.IntervalPolicy {
	return geofence.IntervalPolicy{
		Base:             30 * time.Second,
		Min:              5 * time.Second,
		Max:              120 * time.Second,
		CloseScoreMargin: 0.1,
	}
}

// resultWith builds a match result with the given candidate scores; the
// first candidate wins when it clears its threshold.
func resultWith(threshold float64, scores ...float64) match.Result {
	r := match.Result{Unknown: true}
	for i, s := range scores {
		r.Candidates = append(r.Candidates, match.Candidate{
			ZoneID:    string(rune('a' + i)),
			Score:     s,
			Threshold: threshold,
		})
	}
	if len(scores) > 0 && scores[0] >= threshold {
		r.Unknown = false
		r.ZoneID = r.Candidates[0].ZoneID
		r.Score = scores[0]
	}
	return r
}

func TestNextShrinksAfterRecentTransition(t *testing.T) {
	t.Parallel()

	p := testPolicy()
	now := time.Now()

	got := p.Next(60*time.Second, resultWith(0.8, 0.95), now.Add(-30*time.Second), now)
	if got != p.Min {
		t.Errorf("Next() after recent transition = %v, want floor %v", got, p.Min)
	}
}

func TestNextShrinksOnCloseScores(t *testing.T) {
	t.Parallel()

	p := testPolicy()
	now := time.Now()

	// Top two candidates within 0.1: ambiguous, halve the interval.
	got := p.Next(60*time.Second, resultWith(0.8, 0.92, 0.88), time.Time{}, now)
	if got != 30*time.Second {
		t.Errorf("Next() with close scores = %v, want 30s", got)
	}

	// Shrinking respects the floor.
	got = p.Next(6*time.Second, resultWith(0.8, 0.92, 0.88), time.Time{}, now)
	if got != p.Min {
		t.Errorf("Next() shrink at floor = %v, want %v", got, p.Min)
	}
}

func TestNextGrowsWhenStable(t *testing.T) {
	t.Parallel()

	p := testPolicy()
	now := time.Now()

	// Clear winner well above threshold: interval grows 1.5x.
	got := p.Next(30*time.Second, resultWith(0.8, 0.95, 0.2), time.Time{}, now)
	if got != 45*time.Second {
		t.Errorf("Next() stable = %v, want 45s", got)
	}

	// Growth respects the ceiling.
	got = p.Next(110*time.Second, resultWith(0.8, 0.95, 0.2), time.Time{}, now)
	if got != p.Max {
		t.Errorf("Next() grow at ceiling = %v, want %v", got, p.Max)
	}
}

func TestNextStableUnknown(t *testing.T) {
	t.Parallel()

	p := testPolicy()
	now := time.Now()

	// Unknown with no candidates at all: nothing to chase, grow.
	got := p.Next(30*time.Second, match.Result{Unknown: true}, time.Time{}, now)
	if got != 45*time.Second {
		t.Errorf("Next() empty unknown = %v, want 45s", got)
	}

	// Unknown with a candidate just below threshold: keep the pace.
	got = p.Next(30*time.Second, resultWith(0.8, 0.75), time.Time{}, now)
	if got != 30*time.Second {
		t.Errorf("Next() near-threshold unknown = %v, want unchanged 30s", got)
	}
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	p := testPolicy()

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 150 * time.Second}, // capped at 5x base
		{10, 150 * time.Second},
	}

	for _, tt := range tests {
		if got := p.Backoff(tt.failures); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}
