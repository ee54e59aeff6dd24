package prior

import (
	"math"
	"path/filepath"
	"testing"
	"time"

	"AllocMesh/internal/model"
	"AllocMesh/internal/store"
)

func TestGlobalPrior_TrustWeighting(t *testing.T) {
	signals := []model.InboundSignal{
		{
			SummaryStrength: 0.9,
			Signals: []model.DivisionSignal{
				{Division: "food", ImpactPerSCAvg: 0.04},
				{Division: "energy", ImpactPerSCAvg: 0.01},
			},
		},
		{
			SummaryStrength: 0.1,
			Signals: []model.DivisionSignal{
				{Division: "food", ImpactPerSCAvg: 0.0},
				{Division: "energy", ImpactPerSCAvg: 0.05},
			},
		},
	}

	prior := GlobalPrior(signals)
	if prior == nil {
		t.Fatal("expected a prior")
	}

	// food: (0.04*0.9 + 0*0.1) / 1.0 = 0.036
	// energy: (0.01*0.9 + 0.05*0.1) / 1.0 = 0.014
	// normalized: 0.72 / 0.28
	if math.Abs(prior["food"]-0.72) > 1e-9 {
		t.Errorf("food prior = %v, want 0.72", prior["food"])
	}
	if math.Abs(prior["energy"]-0.28) > 1e-9 {
		t.Errorf("energy prior = %v, want 0.28", prior["energy"])
	}
}

func TestGlobalPrior_IgnoresZeroStrength(t *testing.T) {
	signals := []model.InboundSignal{
		{SummaryStrength: 0, Signals: []model.DivisionSignal{{Division: "food", ImpactPerSCAvg: 1.0}}},
	}
	if prior := GlobalPrior(signals); prior != nil {
		t.Errorf("expected nil prior, got %v", prior)
	}
}

func TestBlend_DriftCapAppliesAfterBlending(t *testing.T) {
	// Local 0.2, global 0.9: unclamped blend is 0.375, far beyond the 20%
	// drift cap of 0.24.
	blended := Blend(0.2, 0.9, 0.2)
	if math.Abs(blended-0.24) > 1e-9 {
		t.Errorf("blended = %v, want 0.24", blended)
	}

	// Downward pulls are capped symmetrically.
	blended = Blend(0.8, 0.0, 0.2)
	if math.Abs(blended-0.64) > 1e-9 {
		t.Errorf("blended = %v, want 0.64", blended)
	}

	// Inside the cap the plain EMA blend passes through.
	blended = Blend(0.5, 0.55, 0.2)
	want := 0.75*0.5 + 0.25*0.55
	if math.Abs(blended-want) > 1e-9 {
		t.Errorf("blended = %v, want %v", blended, want)
	}
}

func TestBlend_DriftBoundHolds(t *testing.T) {
	locals := []float64{0.1, 0.3, 0.5, 0.9}
	globals := []float64{0.0, 0.2, 0.8, 1.0}
	for _, local := range locals {
		for _, global := range globals {
			blended := Blend(local, global, 0.2)
			if math.Abs(blended-local) > local*0.2+1e-12 {
				t.Errorf("Blend(%v, %v) = %v exceeds drift cap", local, global, blended)
			}
		}
	}
}

func TestCycle_MergesAndPreservesUnreportedDivisions(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()

	if err := st.UpsertPolicy(model.AllocationPolicy{PolicyKey: "default", Enabled: true}); err != nil {
		t.Fatalf("seed policy: %v", err)
	}
	if err := st.UpsertPeer(model.FederationPeer{
		PeerName: "node-b", PublicKey: "ab", TrustScore: 80, RecvEnabled: true,
	}, ""); err != nil {
		t.Fatalf("seed peer: %v", err)
	}
	peer, err := st.PeerByName("node-b")
	if err != nil || peer == nil {
		t.Fatalf("load peer: %v", err)
	}

	for _, w := range []model.LearningWeight{
		{Division: "food", ImpactWeight: 0.6, CreatedAt: time.Now().Add(-time.Hour)},
		{Division: "energy", ImpactWeight: 0.4, CreatedAt: time.Now().Add(-time.Hour)},
	} {
		if err := st.InsertLearningWeight(w); err != nil {
			t.Fatalf("seed weight: %v", err)
		}
	}

	// Peers report only on food.
	if err := st.InsertInboundSignal(model.InboundSignal{
		PeerID:          peer.ID,
		WindowStart:     time.Now().Add(-24 * time.Hour),
		WindowEnd:       time.Now(),
		Signals:         []model.DivisionSignal{{Division: "food", ImpactPerSCAvg: 0.03, SampleSize: 50}},
		SignatureValid:  true,
		PeerTrust:       80,
		SummaryStrength: 0.7,
		ReceivedAt:      time.Now(),
	}); err != nil {
		t.Fatalf("seed signal: %v", err)
	}

	m := NewMerger(st, "default", 0.2)
	if err := m.Cycle(); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	weights, err := st.LatestWeights()
	if err != nil {
		t.Fatalf("load weights: %v", err)
	}
	// Prior normalizes food to 1.0. Blend(0.6, 1.0, 0.2) clamps to 0.72.
	if math.Abs(weights["food"].ImpactWeight-0.72) > 1e-9 {
		t.Errorf("food weight = %v, want 0.72", weights["food"].ImpactWeight)
	}
	// energy was not reported on, so its local weight stands.
	if weights["energy"].ImpactWeight != 0.4 {
		t.Errorf("energy weight = %v, want 0.4 unchanged", weights["energy"].ImpactWeight)
	}

	pol, err := st.GetPolicy("default")
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	if math.Abs(pol.GlobalPrior["food"]-1.0) > 1e-9 {
		t.Errorf("policy global prior food = %v, want 1.0", pol.GlobalPrior["food"])
	}
}
