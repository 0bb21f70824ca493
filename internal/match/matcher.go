// Package match scores fingerprints against stored zones and picks the
// best zone above its confidence threshold, or Unknown.
package match

import (
	"sort"

	"github.com/network-dmenu/zoned/internal/fingerprint"
	"github.com/network-dmenu/zoned/internal/store"
)

// Weights are the similarity term weights. They must sum to 1.
type Weights struct {
	// WiFi scales the Jaccard similarity of WiFi identifier sets.
	WiFi float64

	// Connected scales the connected-AP equality term.
	Connected float64

	// Signal scales the signal bucket agreement over shared WiFi ids.
	Signal float64

	// Bluetooth scales the Jaccard similarity of Bluetooth identifier
	// sets. Folded into WiFi when Bluetooth is absent from either side,
	// so a WiFi-only environment can still reach a perfect score.
	Bluetooth float64
}

// DefaultWeights returns the standard weighting.
func DefaultWeights() Weights {
	return Weights{
		WiFi:      0.55,
		Connected: 0.20,
		Signal:    0.15,
		Bluetooth: 0.10,
	}
}

// Candidate is one zone's score against the current fingerprint.
type Candidate struct {
	// ZoneID and ZoneName identify the zone.
	ZoneID   string `json:"zone_id"`
	ZoneName string `json:"zone_name"`

	// Score is the best similarity across the zone's samples, in [0, 1].
	Score float64 `json:"score"`

	// Threshold is the zone's confidence threshold.
	Threshold float64 `json:"threshold"`
}

// Result is the matcher's verdict for one fingerprint.
type Result struct {
	// Unknown is true when no zone reached its threshold.
	Unknown bool

	// ZoneID, ZoneName, and Score describe the winning zone when
	// Unknown is false.
	ZoneID   string
	ZoneName string
	Score    float64

	// Candidates holds every zone's score, sorted descending, for
	// diagnostics (WhereAmI) and interval adaptation.
	Candidates []Candidate
}

// Matcher scores fingerprints against zones.
type Matcher struct {
	weights Weights
}

// New creates a Matcher with the given weights.
func New(weights Weights) *Matcher {
	return &Matcher{weights: weights}
}

// Match scores fp against all zones. The winner is the zone with the
// highest score at or above its own threshold; ties break by lowest zone
// id lexicographically so repeated scans are deterministic.
func (m *Matcher) Match(fp fingerprint.Fingerprint, zones []*store.Zone) Result {
	candidates := make([]Candidate, 0, len(zones))

	for _, z := range zones {
		best := 0.0
		for _, sample := range z.FingerprintSamples {
			if s := Similarity(fp, sample, m.weights); s > best {
				best = s
			}
		}
		candidates = append(candidates, Candidate{
			ZoneID:    z.ID,
			ZoneName:  z.Name,
			Score:     best,
			Threshold: z.ConfidenceThreshold,
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ZoneID < candidates[j].ZoneID
	})

	result := Result{Unknown: true, Candidates: candidates}
	for _, c := range candidates {
		if c.Score >= c.Threshold {
			result.Unknown = false
			result.ZoneID = c.ZoneID
			result.ZoneName = c.ZoneName
			result.Score = c.Score
			break
		}
	}
	return result
}

// Similarity computes the weighted similarity of two fingerprints:
//
//	S = w_wifi * J(wifi ids) + w_conn * [connected ids equal]
//	  + w_sig * signal_agreement + w_bt * J(bt ids)
//
// When Bluetooth contributes nothing on either side (privacy mode High, or
// no observations at all), its weight folds into the WiFi term.
func Similarity(a, b fingerprint.Fingerprint, w Weights) float64 {
	aWiFi := fingerprint.IDSet(a.WiFi)
	bWiFi := fingerprint.IDSet(b.WiFi)

	btDisabled := a.Mode == fingerprint.ModeHigh || b.Mode == fingerprint.ModeHigh ||
		(len(a.Bluetooth) == 0 && len(b.Bluetooth) == 0)

	wifiWeight := w.WiFi
	btWeight := w.Bluetooth
	if btDisabled {
		wifiWeight += btWeight
		btWeight = 0
	}

	score := wifiWeight * jaccard(aWiFi, bWiFi)

	if a.ConnectedWiFiID == b.ConnectedWiFiID {
		score += w.Connected
	}

	score += w.Signal * signalAgreement(a, b)

	if btWeight > 0 {
		score += btWeight * jaccard(fingerprint.IDSet(a.Bluetooth), fingerprint.IDSet(b.Bluetooth))
	}

	return score
}

// jaccard is |X∩Y| / |X∪Y|, with J(∅,∅) = 0.
func jaccard(x, y map[string]struct{}) float64 {
	if len(x) == 0 && len(y) == 0 {
		return 0
	}

	inter := 0
	for id := range x {
		if _, ok := y[id]; ok {
			inter++
		}
	}
	union := len(x) + len(y) - inter
	return float64(inter) / float64(union)
}

// signalAgreement is the fraction of shared WiFi ids whose signal buckets
// differ by at most one. No shared ids yields perfect agreement: the term
// then measures nothing, and disagreement is already priced into the
// Jaccard term.
func signalAgreement(a, b fingerprint.Fingerprint) float64 {
	aBuckets := fingerprint.BucketByID(a.WiFi)
	bBuckets := fingerprint.BucketByID(b.WiFi)

	shared, agree := 0, 0
	for id, ab := range aBuckets {
		bb, ok := bBuckets[id]
		if !ok {
			continue
		}
		shared++
		if diff := ab - bb; diff >= -1 && diff <= 1 {
			agree++
		}
	}

	if shared == 0 {
		return 1
	}
	return float64(agree) / float64(shared)
}
