package policy

import (
	"math"
	"reflect"
	"testing"

	"AllocMesh/internal/model"
)

func testConstraints() model.PolicyConstraints {
	return model.PolicyConstraints{
		MinPctPerDivision:     5,
		MaxPctPerDivision:     40,
		MaxMovePerEpochSC:     5000,
		RequireApprovalOverSC: 1000,
	}
}

func testWeights() model.PolicyWeights {
	return model.PolicyWeights{Need: 0.4, Risk: 0.35, Impact: 0.25}
}

func TestBuildPlan_Deterministic(t *testing.T) {
	divisions := []DivisionState{
		{ID: "food", Composite: 40, Risk: 70, ImpactInput: 0.1, AvailableSC: 1000},
		{ID: "energy", Composite: 80, Risk: 20, ImpactInput: 0.3, AvailableSC: 6000},
		{ID: "health", Composite: 55, Risk: 50, ImpactInput: 0.2, AvailableSC: 3000},
	}
	// Same inputs in a different order must give the identical plan.
	shuffled := []DivisionState{divisions[2], divisions[0], divisions[1]}

	a := BuildPlan(testWeights(), testConstraints(), divisions)
	b := BuildPlan(testWeights(), testConstraints(), shuffled)

	if !reflect.DeepEqual(a.TargetPct, b.TargetPct) {
		t.Errorf("target pcts differ: %v vs %v", a.TargetPct, b.TargetPct)
	}
	if !reflect.DeepEqual(a.Moves, b.Moves) {
		t.Errorf("move lists differ: %v vs %v", a.Moves, b.Moves)
	}
}

func TestBuildPlan_TargetsSumToHundred(t *testing.T) {
	divisions := []DivisionState{
		{ID: "a", Composite: 10, Risk: 90, AvailableSC: 500},
		{ID: "b", Composite: 95, Risk: 5, AvailableSC: 9000},
		{ID: "c", Composite: 50, Risk: 50, AvailableSC: 500},
	}
	plan := BuildPlan(testWeights(), testConstraints(), divisions)

	var sum float64
	for _, pct := range plan.TargetPct {
		sum += pct
		if pct < 0 {
			t.Errorf("negative target pct: %v", pct)
		}
	}
	// Clamping breaks the first normalization; the second pass restores it.
	if math.Abs(sum-100) > 1e-9 {
		t.Errorf("target pcts sum to %.6f, want 100", sum)
	}
}

func TestBuildPlan_DeadBand(t *testing.T) {
	// Two equally scored divisions, balances only 50 SC apart: within the
	// ±100 SC dead-band, so no move should be planned.
	divisions := []DivisionState{
		{ID: "a", Composite: 50, Risk: 50, AvailableSC: 1025},
		{ID: "b", Composite: 50, Risk: 50, AvailableSC: 975},
	}
	plan := BuildPlan(testWeights(), testConstraints(), divisions)
	if len(plan.Moves) != 0 {
		t.Errorf("expected no moves inside dead-band, got %v", plan.Moves)
	}
}

func TestBuildPlan_GreedyMatchAndBudget(t *testing.T) {
	constraints := testConstraints()
	constraints.MaxMovePerEpochSC = 800

	divisions := []DivisionState{
		{ID: "rich", Composite: 95, Risk: 5, AvailableSC: 9000},
		{ID: "poor", Composite: 10, Risk: 90, AvailableSC: 1000},
	}
	plan := BuildPlan(testWeights(), constraints, divisions)

	if len(plan.Moves) == 0 {
		t.Fatal("expected at least one move")
	}
	if plan.TotalMovedSC > constraints.MaxMovePerEpochSC+1e-9 {
		t.Errorf("moved %.1f SC, budget is %.1f", plan.TotalMovedSC, constraints.MaxMovePerEpochSC)
	}
	for _, mv := range plan.Moves {
		if mv.From != "rich" || mv.To != "poor" {
			t.Errorf("unexpected pairing %s -> %s", mv.From, mv.To)
		}
		if mv.AmountSC <= 0 {
			t.Errorf("non-positive move amount %.2f", mv.AmountSC)
		}
	}
}

func TestBuildPlan_ApprovalFlag(t *testing.T) {
	constraints := testConstraints()
	constraints.RequireApprovalOverSC = 200

	divisions := []DivisionState{
		{ID: "rich", Composite: 95, Risk: 5, AvailableSC: 9000},
		{ID: "poor", Composite: 10, Risk: 90, AvailableSC: 1000},
	}
	plan := BuildPlan(testWeights(), constraints, divisions)

	if len(plan.Moves) == 0 {
		t.Fatal("expected at least one move")
	}
	for _, mv := range plan.Moves {
		if mv.AmountSC > 200 && !mv.RequiresApproval {
			t.Errorf("move of %.0f SC over threshold not flagged for approval", mv.AmountSC)
		}
	}
}

func TestBuildPlan_NegativeImpactFlooredAtZero(t *testing.T) {
	plain := []DivisionState{
		{ID: "a", Composite: 50, Risk: 50, ImpactInput: 0, AvailableSC: 1000},
		{ID: "b", Composite: 50, Risk: 50, ImpactInput: 0, AvailableSC: 1000},
	}
	regressed := []DivisionState{
		{ID: "a", Composite: 50, Risk: 50, ImpactInput: -0.5, AvailableSC: 1000},
		{ID: "b", Composite: 50, Risk: 50, ImpactInput: 0, AvailableSC: 1000},
	}
	a := BuildPlan(testWeights(), testConstraints(), plain)
	b := BuildPlan(testWeights(), testConstraints(), regressed)
	if !reflect.DeepEqual(a.TargetPct, b.TargetPct) {
		t.Errorf("negative impact input should floor to zero: %v vs %v", a.TargetPct, b.TargetPct)
	}
}

func TestBuildPlan_NoBalances(t *testing.T) {
	divisions := []DivisionState{
		{ID: "a", Composite: 10, Risk: 90, AvailableSC: 0},
		{ID: "b", Composite: 90, Risk: 10, AvailableSC: 0},
	}
	plan := BuildPlan(testWeights(), testConstraints(), divisions)
	if len(plan.Moves) != 0 {
		t.Errorf("expected no moves with zero balances, got %v", plan.Moves)
	}
}
