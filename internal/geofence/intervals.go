package geofence

// Adaptive scan interval policy.
//
// The scheduler scans faster when the location is in flux (a transition
// just fired, or the top two candidate scores are too close to call) and
// slower when the match is stable and comfortably above threshold. Scan
// errors back off exponentially up to five times the base interval.

import (
	"time"

	"github.com/network-dmenu/zoned/internal/match"
)

// Interval bounds and tuning.
const (
	// settleWindow is how long after a transition the interval stays at
	// its floor, catching rapid follow-up movement.
	settleWindow = 2 * time.Minute

	// clearMargin is how far above its threshold the winning score must
	// sit before the interval is allowed to grow.
	clearMargin = 0.05

	// growFactor and shrinkFactor step the interval between bounds.
	growFactor   = 1.5
	shrinkFactor = 0.5

	// errorBackoffCap caps the scan error backoff at this multiple of
	// the base interval.
	errorBackoffCap = 5
)

// IntervalPolicy computes the next scan interval.
type IntervalPolicy struct {
	// Base, Min, Max bound the adaptive interval.
	Base time.Duration
	Min  time.Duration
	Max  time.Duration

	// CloseScoreMargin is the candidate score gap considered ambiguous.
	CloseScoreMargin float64
}

// Next returns the interval to wait before the next scan, given the
// current interval, the latest match result, and the last transition time.
func (p IntervalPolicy) Next(
	current time.Duration,
	result match.Result,
	lastTransition time.Time,
	now time.Time,
) time.Duration {
	if !lastTransition.IsZero() && now.Sub(lastTransition) < settleWindow {
		return p.Min
	}

	if p.ambiguous(result) {
		return p.shrink(current)
	}

	if p.stable(result) {
		return p.grow(current)
	}

	return p.clamp(current)
}

// Backoff returns the interval after consecutive scan failures, doubling
// from the base up to errorBackoffCap times the base.
func (p IntervalPolicy) Backoff(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	backoff := p.Base
	for i := 1; i < failures; i++ {
		backoff *= 2
		if backoff >= p.Base*errorBackoffCap {
			return p.Base * errorBackoffCap
		}
	}
	return backoff
}

// ambiguous reports whether the top two candidate scores are within the
// close-score margin of each other.
func (p IntervalPolicy) ambiguous(result match.Result) bool {
	if len(result.Candidates) < 2 {
		return false
	}
	return result.Candidates[0].Score-result.Candidates[1].Score < p.CloseScoreMargin
}

// stable reports whether the winning zone's score clears its threshold
// with margin. Unknown is also stable: an empty radio environment that
// stays empty needs no fast polling.
func (p IntervalPolicy) stable(result match.Result) bool {
	if result.Unknown {
		if len(result.Candidates) == 0 {
			return true
		}
		// Unknown but with a near-threshold candidate: keep looking.
		top := result.Candidates[0]
		return top.Threshold-top.Score > p.CloseScoreMargin
	}

	for _, c := range result.Candidates {
		if c.ZoneID == result.ZoneID {
			return c.Score-c.Threshold > clearMargin
		}
	}
	return false
}

func (p IntervalPolicy) grow(current time.Duration) time.Duration {
	return p.clamp(time.Duration(float64(current) * growFactor))
}

func (p IntervalPolicy) shrink(current time.Duration) time.Duration {
	return p.clamp(time.Duration(float64(current) * shrinkFactor))
}

func (p IntervalPolicy) clamp(d time.Duration) time.Duration {
	if d < p.Min {
		return p.Min
	}
	if d > p.Max {
		return p.Max
	}
	return d
}
