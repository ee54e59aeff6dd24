package policy

import (
	"path/filepath"
	"testing"
	"time"

	"AllocMesh/internal/approval"
	"AllocMesh/internal/ledger"
	"AllocMesh/internal/model"
	"AllocMesh/internal/store"
)

func setupEngine(t *testing.T) (*Engine, *store.Store, *ledger.Ledger) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	lg := ledger.New(st.DB())
	divisions := []string{"food", "energy"}
	e := NewEngine(st, lg, approval.NewStoreSink(st), divisions, ImpactInputLearned)

	if err := st.UpsertPolicy(model.AllocationPolicy{
		PolicyKey: "default",
		Enabled:   true,
		Weights: model.PolicyWeights{Need: 0.4, Risk: 0.35, Impact: 0.25},
		Constraints: model.PolicyConstraints{
			MinPctPerDivision:     5,
			MaxPctPerDivision:     40,
			MaxMovePerEpochSC:     5000,
			RequireApprovalOverSC: 10000,
		},
	}); err != nil {
		t.Fatalf("seed policy: %v", err)
	}

	now := time.Now()
	for _, k := range []model.DivisionKPI{
		{Division: "food", CompositeScore: 20, RiskScore: 80, CapturedAt: now},
		{Division: "energy", CompositeScore: 90, RiskScore: 10, CapturedAt: now},
	} {
		if err := st.InsertKPI(k); err != nil {
			t.Fatalf("seed kpi: %v", err)
		}
	}

	fund := func(division string, amount float64) {
		w, err := lg.GetOrCreateWallet(model.OwnerDivision, division)
		if err != nil {
			t.Fatalf("wallet %s: %v", division, err)
		}
		if err := lg.Mint(w.ID, amount, "seed", ""); err != nil {
			t.Fatalf("fund %s: %v", division, err)
		}
	}
	fund("food", 1000)
	fund("energy", 9000)

	return e, st, lg
}

func TestRun_SimulateWritesPlanButNotWallets(t *testing.T) {
	e, st, lg := setupEngine(t)

	run, moves, err := e.Run("default", model.ModeSimulate)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != model.RunFinished {
		t.Errorf("run status = %v, want finished", run.Status)
	}
	if len(moves) == 0 {
		t.Fatal("expected planned moves for a skewed balance")
	}
	for _, mv := range moves {
		if mv.Executed {
			t.Errorf("move %d executed in simulate mode", mv.ID)
		}
	}

	// Wallets untouched.
	food, _ := lg.GetOrCreateWallet(model.OwnerDivision, "food")
	if food.Balance != 1000 {
		t.Errorf("food balance = %v, want 1000 untouched", food.Balance)
	}

	// Run and moves persisted.
	stored, err := st.MovesForRun(run.ID)
	if err != nil {
		t.Fatalf("load moves: %v", err)
	}
	if len(stored) != len(moves) {
		t.Errorf("stored moves = %d, want %d", len(stored), len(moves))
	}
}

func TestRun_ExecuteMovesFunds(t *testing.T) {
	e, _, lg := setupEngine(t)

	run, moves, err := e.Run("default", model.ModeExecute)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.TotalMovedSC <= 0 {
		t.Fatal("expected SC to move in execute mode")
	}

	var movedToFood float64
	for _, mv := range moves {
		if !mv.Executed {
			t.Errorf("move %d not executed", mv.ID)
		}
		if mv.ToDivision == "food" {
			movedToFood += mv.AmountSC
		}
	}
	food, _ := lg.GetOrCreateWallet(model.OwnerDivision, "food")
	if food.Balance != 1000+movedToFood {
		t.Errorf("food balance = %v, want %v", food.Balance, 1000+movedToFood)
	}
}

func TestRun_FlaggedMovesAreQueuedNotExecuted(t *testing.T) {
	e, st, lg := setupEngine(t)

	// Lower the threshold so the planned transfer needs approval.
	pol, err := st.GetPolicy("default")
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	pol.Constraints.RequireApprovalOverSC = 100
	if err := st.UpsertPolicy(*pol); err != nil {
		t.Fatalf("update policy: %v", err)
	}

	_, moves, err := e.Run("default", model.ModeExecute)
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	queuedAny := false
	for _, mv := range moves {
		if mv.RequiresApproval {
			queuedAny = true
			if mv.Executed {
				t.Errorf("flagged move %d was auto-executed", mv.ID)
			}
		}
	}
	if !queuedAny {
		t.Fatal("expected at least one flagged move")
	}

	var queued int
	if err := st.DB().QueryRow(
		`SELECT COUNT(*) FROM approval_queue WHERE action = ?`, "rebalance_move").Scan(&queued); err != nil {
		t.Fatalf("count approvals: %v", err)
	}
	if queued == 0 {
		t.Error("flagged moves never reached the approval queue")
	}

	// Balances untouched while the moves wait.
	food, _ := lg.GetOrCreateWallet(model.OwnerDivision, "food")
	if food.Balance != 1000 {
		t.Errorf("food balance = %v, want 1000 untouched", food.Balance)
	}
}

func TestRun_DisabledPolicyRefused(t *testing.T) {
	e, st, _ := setupEngine(t)

	pol, _ := st.GetPolicy("default")
	pol.Enabled = false
	if err := st.UpsertPolicy(*pol); err != nil {
		t.Fatalf("disable policy: %v", err)
	}

	if _, _, err := e.Run("default", model.ModeSimulate); model.KindOf(err) != model.KindPrecondition {
		t.Errorf("error kind = %v, want precondition", model.KindOf(err))
	}
}

func TestRun_FixedImpactInput(t *testing.T) {
	e, _, _ := setupEngine(t)
	e.ImpactInput = "0.5"

	if _, _, err := e.Run("default", model.ModeSimulate); err != nil {
		t.Fatalf("run with fixed impact input: %v", err)
	}

	e.ImpactInput = "not-a-number"
	if _, _, err := e.Run("default", model.ModeSimulate); model.KindOf(err) != model.KindValidation {
		t.Errorf("error kind = %v, want validation", model.KindOf(err))
	}
}
