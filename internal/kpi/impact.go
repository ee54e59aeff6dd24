package kpi

import (
	"log"
	"sort"
	"time"

	"AllocMesh/internal/model"
	"AllocMesh/internal/store"
)

// Impact score blends stability gain and risk reduction.
const (
	stabilityWeight = 0.6
	riskWeight      = 0.4
)

// Evaluator turns before/after KPI snapshots of a rebalance run into
// per-division impact metrics.
type Evaluator struct {
	Store     *store.Store
	Divisions []string
}

// NewEvaluator creates an Evaluator for the configured divisions.
func NewEvaluator(st *store.Store, divisions []string) *Evaluator {
	sorted := append([]string(nil), divisions...)
	sort.Strings(sorted)
	return &Evaluator{Store: st, Divisions: sorted}
}

// ComputeImpact derives one metric from a before/after snapshot pair.
// Negative values survive unmodified; flooring happens only when
// allocation weights are built, never at storage time.
func ComputeImpact(before, after model.DivisionKPI, scSpent float64) model.ImpactMetric {
	if scSpent < 1 {
		scSpent = 1
	}
	deltaStability := after.CompositeScore - before.CompositeScore
	deltaRisk := before.RiskScore - after.RiskScore // risk is lower-is-better
	impactScore := stabilityWeight*deltaStability + riskWeight*deltaRisk
	return model.ImpactMetric{
		Division:       before.Division,
		DeltaStability: deltaStability,
		DeltaRisk:      deltaRisk,
		ImpactScore:    impactScore,
		SCSpent:        scSpent,
		ImpactPerSC:    impactScore / scSpent,
		CreatedAt:      time.Now(),
	}
}

// EvaluateRun measures a finished run's effect on every division. Divisions
// lacking either a before or an after snapshot are skipped, not zero-filled.
// Returns the number of metrics written; the run is marked evaluated only
// when at least one division had usable snapshot pairs.
func (e *Evaluator) EvaluateRun(run model.RebalanceRun) (int, error) {
	if run.Status != model.RunFinished || run.FinishedAt.IsZero() {
		return 0, model.E(model.KindPrecondition, "run %s has not finished", run.ID)
	}

	written := 0
	for _, division := range e.Divisions {
		before, err := e.Store.LatestKPIBefore(division, run.CreatedAt)
		if err != nil {
			return written, err
		}
		after, err := e.Store.LatestKPIAfter(division, run.FinishedAt)
		if err != nil {
			return written, err
		}
		if before == nil || after == nil {
			log.Printf("[INFO] impact eval %s: missing before/after snapshot for %s, skipping",
				run.ID, division)
			continue
		}

		scSpent, err := e.Store.SCRoutedTo(run.ID, division)
		if err != nil {
			return written, err
		}
		metric := ComputeImpact(*before, *after, scSpent)
		metric.RunID = run.ID
		if err := e.Store.InsertImpactMetric(metric); err != nil {
			return written, err
		}
		written++
	}

	if written > 0 {
		if err := e.Store.MarkRunEvaluated(run.ID); err != nil {
			return written, err
		}
	}
	return written, nil
}

// EvaluatePending evaluates every finished, unevaluated run in the window.
// One failing run does not abort the rest.
func (e *Evaluator) EvaluatePending(window time.Duration) {
	runs, err := e.Store.UnevaluatedRuns(time.Now().Add(-window))
	if err != nil {
		log.Printf("[ERROR] impact eval: list runs: %v", err)
		return
	}
	for _, run := range runs {
		n, err := e.EvaluateRun(run)
		if err != nil {
			log.Printf("[ERROR] impact eval run %s: %v", run.ID, err)
			e.Store.AuditEvent("impact_eval", "", "error", "warn", err.Error())
			continue
		}
		log.Printf("[INFO] impact eval run %s: %d metrics", run.ID, n)
	}
}
