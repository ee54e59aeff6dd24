package policy

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"AllocMesh/internal/approval"
	"AllocMesh/internal/ledger"
	"AllocMesh/internal/model"
	"AllocMesh/internal/store"
)

// ImpactInputLearned selects the learning updater's weights as the scorer's
// impact term. Any other value must parse as a fixed bootstrap constant.
const ImpactInputLearned = "learned"

// Engine turns a policy plus current KPIs, weights, and wallet balances
// into a rebalance run. It holds no state between invocations.
type Engine struct {
	Store       *store.Store
	Ledger      *ledger.Ledger
	Approvals   approval.Sink
	Divisions   []string
	ImpactInput string // "learned" or a fixed number
}

// NewEngine creates an Engine for the configured divisions.
func NewEngine(st *store.Store, lg *ledger.Ledger, sink approval.Sink, divisions []string, impactInput string) *Engine {
	sorted := append([]string(nil), divisions...)
	sort.Strings(sorted)
	if impactInput == "" {
		impactInput = ImpactInputLearned
	}
	return &Engine{
		Store:       st,
		Ledger:      lg,
		Approvals:   sink,
		Divisions:   sorted,
		ImpactInput: impactInput,
	}
}

// Run executes one rebalance cycle. In simulate mode only run and move rows
// are written; in execute mode unflagged moves are applied through the
// ledger. Moves above the approval threshold are enqueued for review and
// are never auto-executed regardless of mode.
func (e *Engine) Run(policyKey string, mode model.RunMode) (*model.RebalanceRun, []model.RebalanceMove, error) {
	pol, err := e.Store.GetPolicy(policyKey)
	if err != nil {
		return nil, nil, err
	}
	if !pol.Enabled {
		return nil, nil, model.E(model.KindPrecondition, "policy %q is disabled", policyKey)
	}

	states, err := e.divisionStates()
	if err != nil {
		return nil, nil, err
	}
	plan := BuildPlan(pol.Weights, pol.Constraints, states)

	run := model.RebalanceRun{
		ID:               uuid.NewString(),
		PolicyKey:        policyKey,
		Mode:             mode,
		Status:           model.RunPending,
		TotalAvailableSC: plan.TotalAvailableSC,
		CreatedAt:        time.Now(),
	}
	if err := e.Store.CreateRun(run); err != nil {
		return nil, nil, fmt.Errorf("create run: %w", err)
	}

	moves := make([]model.RebalanceMove, 0, len(plan.Moves))
	for _, pm := range plan.Moves {
		mv := model.RebalanceMove{
			RunID:            run.ID,
			FromDivision:     pm.From,
			ToDivision:       pm.To,
			AmountSC:         pm.AmountSC,
			Reason:           pm.Reason,
			RequiresApproval: pm.RequiresApproval,
		}
		id, err := e.Store.InsertMove(mv)
		if err != nil {
			e.failRun(run.ID)
			return nil, nil, fmt.Errorf("insert move: %w", err)
		}
		mv.ID = id
		moves = append(moves, mv)
	}

	// Gated moves go to the approval queue in both modes.
	for i := range moves {
		if !moves[i].RequiresApproval {
			continue
		}
		payload, _ := json.Marshal(moves[i])
		approvalID, err := e.Approvals.Enqueue("rebalance_move", string(payload))
		if err != nil {
			log.Printf("[ERROR] enqueue approval for move %d: %v", moves[i].ID, err)
			continue
		}
		log.Printf("[INFO] move %d (%s -> %s, %.0f SC) awaiting approval %s",
			moves[i].ID, moves[i].FromDivision, moves[i].ToDivision, moves[i].AmountSC, approvalID)
	}

	if mode == model.ModeExecute {
		if err := e.executeMoves(run.ID, moves); err != nil {
			e.failRun(run.ID)
			return nil, nil, err
		}
	}

	if err := e.Store.FinishRun(run.ID, model.RunFinished, plan.TotalMovedSC); err != nil {
		return nil, nil, fmt.Errorf("finish run: %w", err)
	}
	run.Status = model.RunFinished
	run.TotalMovedSC = plan.TotalMovedSC
	run.FinishedAt = time.Now()

	e.Store.AuditEvent("rebalance_run", "", "ok", "info",
		fmt.Sprintf("run=%s mode=%s moves=%d moved=%.0f", run.ID, mode, len(moves), plan.TotalMovedSC))
	return &run, moves, nil
}

// divisionStates assembles the planner input in sorted division order.
func (e *Engine) divisionStates() ([]DivisionState, error) {
	kpis, err := e.Store.LatestKPIs()
	if err != nil {
		return nil, fmt.Errorf("load kpis: %w", err)
	}
	weights, err := e.Store.LatestWeights()
	if err != nil {
		return nil, fmt.Errorf("load weights: %w", err)
	}

	var fixed float64
	useLearned := e.ImpactInput == ImpactInputLearned
	if !useLearned {
		fixed, err = strconv.ParseFloat(e.ImpactInput, 64)
		if err != nil {
			return nil, model.E(model.KindValidation, "impact input %q is not a number", e.ImpactInput)
		}
	}

	states := make([]DivisionState, 0, len(e.Divisions))
	for _, division := range e.Divisions {
		k, ok := kpis[division]
		if !ok {
			log.Printf("[WARN] no KPI snapshot for %s, skipping in plan", division)
			continue
		}
		wallet, err := e.Ledger.GetOrCreateWallet(model.OwnerDivision, division)
		if err != nil {
			return nil, fmt.Errorf("wallet for %s: %w", division, err)
		}
		impact := fixed
		if useLearned {
			if w, ok := weights[division]; ok {
				impact = w.ImpactWeight
			}
		}
		states = append(states, DivisionState{
			ID:          division,
			Composite:   k.CompositeScore,
			Risk:        k.RiskScore,
			ImpactInput: impact,
			AvailableSC: wallet.Balance - wallet.Locked,
		})
	}
	return states, nil
}

// executeMoves applies unflagged moves through the ledger. A failing move
// is recorded and skipped so one bad pair cannot abort the run.
func (e *Engine) executeMoves(runID string, moves []model.RebalanceMove) error {
	for i := range moves {
		mv := &moves[i]
		if mv.RequiresApproval {
			continue
		}
		from, err := e.Ledger.GetOrCreateWallet(model.OwnerDivision, mv.FromDivision)
		if err != nil {
			return err
		}
		to, err := e.Ledger.GetOrCreateWallet(model.OwnerDivision, mv.ToDivision)
		if err != nil {
			return err
		}
		if err := e.Ledger.Transfer(from.ID, to.ID, mv.AmountSC, runID, mv.Reason); err != nil {
			log.Printf("[ERROR] execute move %d: %v", mv.ID, err)
			e.Store.AuditEvent("rebalance_execute", mv.ToDivision, "error", "warn", err.Error())
			continue
		}
		if err := e.Store.MarkMoveExecuted(mv.ID); err != nil {
			return err
		}
		mv.Executed = true
	}
	return nil
}

func (e *Engine) failRun(runID string) {
	if err := e.Store.FinishRun(runID, model.RunFailed, 0); err != nil {
		log.Printf("[ERROR] mark run %s failed: %v", runID, err)
	}
}
