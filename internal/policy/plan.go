package policy

import (
	"fmt"
	"sort"

	"AllocMesh/internal/model"
)

// DeadBandSC is the noise guard: deltas within ±100 SC trigger no move.
const DeadBandSC = 100.0

// DivisionState is everything the planner needs to know about one division.
type DivisionState struct {
	ID          string
	Composite   float64 // latest composite score, 0-100
	Risk        float64 // latest risk score, 0-100
	ImpactInput float64 // learned impact weight (or configured constant)
	AvailableSC float64 // wallet balance minus locked
}

// PlannedMove is one transfer the plan proposes.
type PlannedMove struct {
	From             string
	To               string
	AmountSC         float64
	Reason           string
	RequiresApproval bool
}

// Plan is the deterministic output of BuildPlan for a fixed input.
type Plan struct {
	TargetPct        map[string]float64
	CurrentPct       map[string]float64
	Moves            []PlannedMove
	TotalAvailableSC float64
	TotalMovedSC     float64
}

// BuildPlan scores divisions, derives clamped target percentages, and pairs
// overweight divisions against underweight ones with a greedy matcher.
// Divisions are processed in sorted id order throughout, so two runs over
// identical inputs produce identical plans regardless of storage order.
func BuildPlan(weights model.PolicyWeights, constraints model.PolicyConstraints, divisions []DivisionState) Plan {
	divs := append([]DivisionState(nil), divisions...)
	sort.Slice(divs, func(i, j int) bool { return divs[i].ID < divs[j].ID })

	plan := Plan{
		TargetPct:  make(map[string]float64, len(divs)),
		CurrentPct: make(map[string]float64, len(divs)),
	}
	if len(divs) == 0 {
		return plan
	}

	// Raw need/risk/impact scores.
	scores := make([]float64, len(divs))
	var scoreSum float64
	for i, d := range divs {
		impact := d.ImpactInput
		if impact < 0 {
			impact = 0
		}
		scores[i] = weights.Need*(100-d.Composite) + weights.Risk*d.Risk + weights.Impact*impact
		scoreSum += scores[i]
	}

	// Targets: normalize, clamp, renormalize. Clamping can break the first
	// normalization, hence the second pass.
	clamped := make([]float64, len(divs))
	var clampedSum float64
	for i := range divs {
		var pct float64
		if scoreSum > 0 {
			pct = scores[i] / scoreSum * 100
		} else {
			pct = 100 / float64(len(divs))
		}
		if pct < constraints.MinPctPerDivision {
			pct = constraints.MinPctPerDivision
		}
		if pct > constraints.MaxPctPerDivision {
			pct = constraints.MaxPctPerDivision
		}
		clamped[i] = pct
		clampedSum += pct
	}
	for i, d := range divs {
		target := clamped[i]
		if clampedSum > 0 {
			target = clamped[i] / clampedSum * 100
		}
		plan.TargetPct[d.ID] = target
	}

	// Current allocation from spendable wallet balances.
	for _, d := range divs {
		plan.TotalAvailableSC += d.AvailableSC
	}
	if plan.TotalAvailableSC <= 0 {
		return plan
	}
	for _, d := range divs {
		plan.CurrentPct[d.ID] = d.AvailableSC / plan.TotalAvailableSC * 100
	}

	// Classify against the dead-band.
	type imbalance struct {
		id     string
		amount float64 // excess for sources, needed for sinks
	}
	var sources, sinks []imbalance
	for _, d := range divs {
		deltaSC := (plan.TargetPct[d.ID] - plan.CurrentPct[d.ID]) / 100 * plan.TotalAvailableSC
		switch {
		case deltaSC < -DeadBandSC:
			sources = append(sources, imbalance{id: d.ID, amount: -deltaSC})
		case deltaSC > DeadBandSC:
			sinks = append(sinks, imbalance{id: d.ID, amount: deltaSC})
		}
	}

	// Greedy matcher, bounded by the per-epoch budget. Both lists inherit
	// the sorted division order.
	budget := constraints.MaxMovePerEpochSC
	si := 0
	for _, sink := range sinks {
		needed := sink.amount
		for needed > 0 && si < len(sources) && budget > 0 {
			src := &sources[si]
			amount := min3(needed, src.amount, budget)
			if amount <= 0 {
				break
			}
			plan.Moves = append(plan.Moves, PlannedMove{
				From:     src.id,
				To:       sink.id,
				AmountSC: amount,
				Reason: fmt.Sprintf("rebalance %s: %.1f%% -> %.1f%%",
					sink.id, plan.CurrentPct[sink.id], plan.TargetPct[sink.id]),
				RequiresApproval: amount > constraints.RequireApprovalOverSC,
			})
			plan.TotalMovedSC += amount
			needed -= amount
			src.amount -= amount
			budget -= amount
			if src.amount <= 0 {
				si++
			}
		}
		if budget <= 0 {
			break
		}
	}

	return plan
}

func min3(a, b, c float64) float64 {
	m := a
	if b < m {
		m = b
	}
	if c < m {
		m = c
	}
	return m
}
