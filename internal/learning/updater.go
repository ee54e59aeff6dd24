// Package learning adapts per-division impact weights from measured
// rebalance outcomes, closing the feedback loop into the allocation policy.
package learning

import (
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"AllocMesh/internal/model"
	"AllocMesh/internal/notifier"
	"AllocMesh/internal/store"
)

const (
	// Alpha is the fixed EMA smoothing factor: new = (1-α)·old + α·target.
	Alpha = 0.3
	// TrendAlertThreshold fires a notification when a single update moves a
	// weight by more than this.
	TrendAlertThreshold = 0.04
	// Window is the trailing span of impact metrics each cycle consumes.
	Window = 7 * 24 * time.Hour
)

// Updater recomputes learning weights from the trailing impact window.
type Updater struct {
	Store     *store.Store
	Notifier  notifier.Notifier
	PolicyKey string
}

// NewUpdater creates an Updater bound to one policy.
func NewUpdater(st *store.Store, n notifier.Notifier, policyKey string) *Updater {
	return &Updater{Store: st, Notifier: n, PolicyKey: policyKey}
}

// TargetVector averages impact_per_sc per division, floors negative
// averages at 0, and normalizes the rest to sum to 1. Divisions whose
// average is zero keep weight 0. Returns nil when no division has a
// positive average.
func TargetVector(metrics []model.ImpactMetric) map[string]float64 {
	sums := map[string]float64{}
	counts := map[string]int{}
	for _, m := range metrics {
		sums[m.Division] += m.ImpactPerSC
		counts[m.Division]++
	}

	targets := map[string]float64{}
	var total float64
	for division, sum := range sums {
		avg := sum / float64(counts[division])
		if avg < 0 {
			avg = 0
		}
		targets[division] = avg
		total += avg
	}
	if total <= 0 {
		return nil
	}
	for division := range targets {
		targets[division] /= total
	}
	return targets
}

// Cycle runs one learning update: window metrics → target vector → EMA →
// versioned weight rows → trend alerts → mirror into the policy.
func (u *Updater) Cycle() error {
	metrics, err := u.Store.ImpactMetricsSince(time.Now().Add(-Window))
	if err != nil {
		return fmt.Errorf("load impact metrics: %w", err)
	}
	targets := TargetVector(metrics)
	if targets == nil {
		log.Println("[INFO] learning cycle: no positive impact in window, weights unchanged")
		return nil
	}

	current, err := u.Store.LatestWeights()
	if err != nil {
		return fmt.Errorf("load weights: %w", err)
	}

	// Update the union of windowed and previously weighted divisions. A
	// division that fell out of the window gets target 0 so the EMA decays
	// it; freezing its old weight would leave the vector summing above 1
	// once the rest renormalize without it.
	divisions := make([]string, 0, len(targets)+len(current))
	for d := range targets {
		divisions = append(divisions, d)
	}
	for d := range current {
		if _, ok := targets[d]; !ok {
			divisions = append(divisions, d)
		}
	}
	sort.Strings(divisions)

	now := time.Now()
	for _, division := range divisions {
		target := targets[division]

		// A division seen for the first time starts at its target instead
		// of being dragged up from zero over many cycles.
		old := target
		if w, ok := current[division]; ok {
			old = w.ImpactWeight
		}

		updated := (1-Alpha)*old + Alpha*target
		trend := updated - old
		row := model.LearningWeight{
			Division:     division,
			ImpactWeight: updated,
			Trend:        trend,
			CreatedAt:    now,
		}
		if err := u.Store.InsertLearningWeight(row); err != nil {
			return fmt.Errorf("write weight for %s: %w", division, err)
		}

		if math.Abs(trend) > TrendAlertThreshold {
			// Fire-and-forget: the notifier swallows delivery failures.
			u.Notifier.Notify(notifier.Event{
				Title:    "impact weight shift",
				Message:  fmt.Sprintf("%s weight moved %+.3f to %.3f", division, trend, updated),
				Division: division,
			})
		}
	}

	// Mirror the normalized target vector so the allocation engine reads it
	// on the next cycle.
	if err := u.Store.SetPolicyLearnedImpact(u.PolicyKey, targets); err != nil {
		return fmt.Errorf("mirror learned impact: %w", err)
	}

	u.Store.AuditEvent("learning_cycle", "", "ok", "info",
		fmt.Sprintf("divisions=%d metrics=%d", len(divisions), len(metrics)))
	return nil
}
