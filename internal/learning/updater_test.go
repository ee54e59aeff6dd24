package learning

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"AllocMesh/internal/model"
	"AllocMesh/internal/notifier"
	"AllocMesh/internal/store"
)

func TestTargetVector_NormalizesAndFloors(t *testing.T) {
	metrics := []model.ImpactMetric{
		{Division: "food", ImpactPerSC: 0.02},
		{Division: "food", ImpactPerSC: 0.04},
		{Division: "energy", ImpactPerSC: 0.01},
		{Division: "health", ImpactPerSC: -0.05}, // regressed, floors to 0
	}

	targets := TargetVector(metrics)
	if targets == nil {
		t.Fatal("expected a target vector")
	}

	// Averages: food 0.03, energy 0.01, health 0 → normalized 0.75/0.25/0.
	if math.Abs(targets["food"]-0.75) > 1e-9 {
		t.Errorf("food target = %v, want 0.75", targets["food"])
	}
	if math.Abs(targets["energy"]-0.25) > 1e-9 {
		t.Errorf("energy target = %v, want 0.25", targets["energy"])
	}
	if targets["health"] != 0 {
		t.Errorf("health target = %v, want 0", targets["health"])
	}

	var sum float64
	for _, w := range targets {
		sum += w
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Errorf("targets sum to %v, want 1", sum)
	}
}

func TestTargetVector_AllNegative(t *testing.T) {
	metrics := []model.ImpactMetric{
		{Division: "food", ImpactPerSC: -0.02},
		{Division: "energy", ImpactPerSC: -0.01},
	}
	if targets := TargetVector(metrics); targets != nil {
		t.Errorf("expected nil vector when nothing is positive, got %v", targets)
	}
}

type captureNotifier struct {
	events []notifier.Event
}

func (c *captureNotifier) Notify(evt notifier.Event) {
	c.events = append(c.events, evt)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCycle_EMAAndVersionedRows(t *testing.T) {
	st := openTestStore(t)
	capture := &captureNotifier{}
	u := NewUpdater(st, capture, "default")

	if err := st.UpsertPolicy(model.AllocationPolicy{PolicyKey: "default", Enabled: true}); err != nil {
		t.Fatalf("seed policy: %v", err)
	}
	// Existing weights: food 0.5, energy 0.5.
	for _, w := range []model.LearningWeight{
		{Division: "food", ImpactWeight: 0.5, CreatedAt: time.Now().Add(-time.Hour)},
		{Division: "energy", ImpactWeight: 0.5, CreatedAt: time.Now().Add(-time.Hour)},
	} {
		if err := st.InsertLearningWeight(w); err != nil {
			t.Fatalf("seed weight: %v", err)
		}
	}
	// Recent metrics push everything toward food.
	for _, m := range []model.ImpactMetric{
		{RunID: "r1", Division: "food", ImpactPerSC: 0.03, SCSpent: 100, CreatedAt: time.Now()},
		{RunID: "r1", Division: "energy", ImpactPerSC: 0.01, SCSpent: 100, CreatedAt: time.Now()},
	} {
		if err := st.InsertImpactMetric(m); err != nil {
			t.Fatalf("seed metric: %v", err)
		}
	}

	if err := u.Cycle(); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	weights, err := st.LatestWeights()
	if err != nil {
		t.Fatalf("load weights: %v", err)
	}
	// Targets normalize to food 0.75, energy 0.25.
	wantFood := (1-Alpha)*0.5 + Alpha*0.75
	wantEnergy := (1-Alpha)*0.5 + Alpha*0.25
	if math.Abs(weights["food"].ImpactWeight-wantFood) > 1e-9 {
		t.Errorf("food weight = %v, want %v", weights["food"].ImpactWeight, wantFood)
	}
	if math.Abs(weights["energy"].ImpactWeight-wantEnergy) > 1e-9 {
		t.Errorf("energy weight = %v, want %v", weights["energy"].ImpactWeight, wantEnergy)
	}

	// Weight history is append-only: the seed row survives next to the update.
	var rowCount int
	if err := st.DB().QueryRow(
		`SELECT COUNT(*) FROM learning_weights WHERE division = ?`, "food").Scan(&rowCount); err != nil {
		t.Fatalf("count weight rows: %v", err)
	}
	if rowCount != 2 {
		t.Errorf("food weight rows = %d, want 2", rowCount)
	}

	// Weight sum stays near 1 across updates.
	sum := weights["food"].ImpactWeight + weights["energy"].ImpactWeight
	if sum < 0.95 || sum > 1.05 {
		t.Errorf("weight sum drifted to %v", sum)
	}

	// Both weights moved by 0.075, above the 0.04 alert threshold.
	if len(capture.events) != 2 {
		t.Errorf("expected 2 trend alerts, got %d: %v", len(capture.events), capture.events)
	}

	// Learned impact mirrored into the policy.
	pol, err := st.GetPolicy("default")
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if math.Abs(pol.LearnedImpact["food"]-0.75) > 1e-9 {
		t.Errorf("policy learned impact food = %v, want 0.75", pol.LearnedImpact["food"])
	}
}

func TestCycle_DivisionOutOfWindowDecays(t *testing.T) {
	st := openTestStore(t)
	u := NewUpdater(st, notifier.NoopNotifier{}, "default")

	if err := st.UpsertPolicy(model.AllocationPolicy{PolicyKey: "default", Enabled: true}); err != nil {
		t.Fatalf("seed policy: %v", err)
	}
	for _, w := range []model.LearningWeight{
		{Division: "food", ImpactWeight: 0.5, CreatedAt: time.Now().Add(-time.Hour)},
		{Division: "energy", ImpactWeight: 0.5, CreatedAt: time.Now().Add(-time.Hour)},
	} {
		if err := st.InsertLearningWeight(w); err != nil {
			t.Fatalf("seed weight: %v", err)
		}
	}
	// Only food reported this window; energy's metrics have aged out.
	if err := st.InsertImpactMetric(model.ImpactMetric{
		RunID: "r1", Division: "food", ImpactPerSC: 0.03, SCSpent: 100, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("seed metric: %v", err)
	}

	if err := u.Cycle(); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	weights, err := st.LatestWeights()
	if err != nil {
		t.Fatalf("load weights: %v", err)
	}
	// Food's target is 1.0; energy decays toward 0 instead of keeping 0.5.
	wantFood := (1-Alpha)*0.5 + Alpha*1.0
	wantEnergy := (1 - Alpha) * 0.5
	if math.Abs(weights["food"].ImpactWeight-wantFood) > 1e-9 {
		t.Errorf("food weight = %v, want %v", weights["food"].ImpactWeight, wantFood)
	}
	if math.Abs(weights["energy"].ImpactWeight-wantEnergy) > 1e-9 {
		t.Errorf("energy weight = %v, want %v", weights["energy"].ImpactWeight, wantEnergy)
	}

	sum := weights["food"].ImpactWeight + weights["energy"].ImpactWeight
	if sum < 0.95 || sum > 1.05 {
		t.Errorf("weight sum drifted to %v", sum)
	}
}

func TestCycle_NoPositiveImpactIsNoOp(t *testing.T) {
	st := openTestStore(t)
	u := NewUpdater(st, notifier.NoopNotifier{}, "default")

	if err := st.InsertImpactMetric(model.ImpactMetric{
		RunID: "r1", Division: "food", ImpactPerSC: -0.02, SCSpent: 50, CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("seed metric: %v", err)
	}

	if err := u.Cycle(); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	weights, err := st.LatestWeights()
	if err != nil {
		t.Fatalf("load weights: %v", err)
	}
	if len(weights) != 0 {
		t.Errorf("expected no weight rows, got %v", weights)
	}
}
