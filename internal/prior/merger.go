// Package prior blends verified peer signals into a cross-peer global
// prior and folds it back into the local learning weights.
package prior

import (
	"fmt"
	"log"
	"sort"
	"time"

	"AllocMesh/internal/model"
	"AllocMesh/internal/store"
)

const (
	// Beta is the fixed blend factor: blended = (1-β)·local + β·global.
	Beta = 0.25
	// Window is the trailing span of inbound signals each merge consumes.
	Window = 7 * 24 * time.Hour
)

// Merger runs the periodic global-prior merge.
type Merger struct {
	Store     *store.Store
	PolicyKey string
	// MaxDailyDrift caps how far one merge may pull a weight away from its
	// unblended local value, as a fraction of that value.
	MaxDailyDrift float64
}

// NewMerger creates a Merger bound to one policy.
func NewMerger(st *store.Store, policyKey string, maxDailyDrift float64) *Merger {
	return &Merger{Store: st, PolicyKey: policyKey, MaxDailyDrift: maxDailyDrift}
}

// GlobalPrior computes the trust-weighted per-division average of reported
// impact_per_sc across all contributing peers, then floors negatives at 0
// and normalizes to sum to 1. Returns nil when no signal carries weight.
func GlobalPrior(signals []model.InboundSignal) map[string]float64 {
	weighted := map[string]float64{}
	weightSum := map[string]float64{}
	for _, sig := range signals {
		if sig.SummaryStrength <= 0 {
			continue
		}
		for _, s := range sig.Signals {
			weighted[s.Division] += s.ImpactPerSCAvg * sig.SummaryStrength
			weightSum[s.Division] += sig.SummaryStrength
		}
	}

	prior := map[string]float64{}
	var total float64
	for division, sum := range weighted {
		avg := sum / weightSum[division]
		if avg < 0 {
			avg = 0
		}
		prior[division] = avg
		total += avg
	}
	if total <= 0 {
		return nil
	}
	for division := range prior {
		prior[division] /= total
	}
	return prior
}

// Blend applies the fixed β and then the drift cap. The cap runs after
// blending, not before: blending itself can push the result outside it.
func Blend(local, global, maxDrift float64) float64 {
	blended := (1-Beta)*local + Beta*global
	lo := local - local*maxDrift
	hi := local + local*maxDrift
	if blended < lo {
		return lo
	}
	if blended > hi {
		return hi
	}
	return blended
}

// Cycle merges the window's verified signals into the local weights and
// mirrors the prior into the policy for auditability.
func (m *Merger) Cycle() error {
	signals, err := m.Store.ValidSignalsSince(time.Now().Add(-Window))
	if err != nil {
		return fmt.Errorf("load signals: %w", err)
	}
	prior := GlobalPrior(signals)
	if prior == nil {
		log.Println("[INFO] prior merge: no usable peer signals in window")
		return nil
	}

	local, err := m.Store.LatestWeights()
	if err != nil {
		return fmt.Errorf("load weights: %w", err)
	}

	divisions := make([]string, 0, len(local))
	for d := range local {
		divisions = append(divisions, d)
	}
	sort.Strings(divisions)

	now := time.Now()
	updated := 0
	for _, division := range divisions {
		global, ok := prior[division]
		if !ok {
			// No peer reported on this division; its local weight stands.
			continue
		}
		w := local[division]
		blended := Blend(w.ImpactWeight, global, m.MaxDailyDrift)
		row := model.LearningWeight{
			Division:     division,
			ImpactWeight: blended,
			Trend:        blended - w.ImpactWeight,
			CreatedAt:    now,
		}
		if err := m.Store.InsertLearningWeight(row); err != nil {
			return fmt.Errorf("write blended weight for %s: %w", division, err)
		}
		updated++
	}

	if err := m.Store.SetPolicyGlobalPrior(m.PolicyKey, prior); err != nil {
		return fmt.Errorf("mirror global prior: %w", err)
	}

	m.Store.AuditEvent("prior_merge", "", "ok", "info",
		fmt.Sprintf("signals=%d divisions=%d", len(signals), updated))
	return nil
}
