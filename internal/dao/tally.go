// Package dao counts quorum-gated governance votes. Approved proposals
// only ever reach the approval queue; executing their action payload is a
// separate, human- or policy-gated step.
package dao

import (
	"fmt"
	"log"
	"time"

	"AllocMesh/internal/approval"
	"AllocMesh/internal/model"
	"AllocMesh/internal/store"
)

// StakeCap bounds any single voter's weight at stake-snapshot time so a
// whale cannot dominate turnout.
const StakeCap = 10000.0

// Tallier closes proposals whose voting window has ended.
type Tallier struct {
	Store     *store.Store
	Approvals approval.Sink
	Now       func() time.Time
}

// NewTallier creates a Tallier.
func NewTallier(st *store.Store, sink approval.Sink) *Tallier {
	return &Tallier{Store: st, Approvals: sink, Now: time.Now}
}

// Tally counts a proposal's votes. Invoking it before the voting window
// ends is a precondition failure: no partial computation, no side effects.
func (t *Tallier) Tally(proposalID string) (*model.TallyResult, error) {
	proposal, err := t.Store.GetProposal(proposalID)
	if err != nil {
		return nil, err
	}
	if t.Now().Before(proposal.VotingEnd) {
		return nil, model.E(model.KindPrecondition,
			"proposal %s voting ends at %s", proposalID, proposal.VotingEnd.Format(time.RFC3339))
	}
	if proposal.Status != model.ProposalOpen {
		return nil, model.E(model.KindPrecondition,
			"proposal %s already tallied (status %s)", proposalID, proposal.Status)
	}

	stakes, err := t.Store.StakeSnapshots(proposalID)
	if err != nil {
		return nil, fmt.Errorf("load stake snapshots: %w", err)
	}
	votes, err := t.Store.VotesFor(proposalID)
	if err != nil {
		return nil, fmt.Errorf("load votes: %w", err)
	}

	result := Count(*proposal, stakes, votes)

	if err := t.Store.SetProposalStatus(proposalID, result.Status); err != nil {
		return nil, fmt.Errorf("set proposal status: %w", err)
	}
	if result.Status == model.ProposalApproved {
		approvalID, err := t.Approvals.Enqueue("dao_proposal", proposal.Actions)
		if err != nil {
			return nil, fmt.Errorf("enqueue approved proposal: %w", err)
		}
		log.Printf("[INFO] proposal %s approved, awaiting execution approval %s", proposalID, approvalID)
	}

	t.Store.AuditEvent("dao_tally", "", string(result.Status), "info",
		fmt.Sprintf("proposal=%s turnout=%.1f%% yes=%.1f%%", proposalID, result.TurnoutPct, result.YesPct))
	return result, nil
}

// Count is the pure tally: eligible weight from capped stake snapshots,
// turnout from all cast weight, pass ratio from yes/(yes+no). Abstain
// weight counts toward turnout but never toward the pass denominator.
func Count(proposal model.DAOProposal, stakes map[string]float64, votes []model.DAOVote) *model.TallyResult {
	var eligible float64
	for _, stake := range stakes {
		if stake > StakeCap {
			stake = StakeCap
		}
		eligible += stake
	}

	result := &model.TallyResult{Status: model.ProposalRejected}
	for _, v := range votes {
		weight := v.Weight
		if weight > StakeCap {
			weight = StakeCap
		}
		switch v.Choice {
		case model.VoteYes:
			result.YesWeight += weight
		case model.VoteNo:
			result.NoWeight += weight
		case model.VoteAbstain:
			result.AbstainWeight += weight
		}
	}

	cast := result.YesWeight + result.NoWeight + result.AbstainWeight
	if eligible > 0 {
		result.TurnoutPct = cast / eligible * 100
	}
	if result.YesWeight+result.NoWeight > 0 {
		result.YesPct = result.YesWeight / (result.YesWeight + result.NoWeight) * 100
	}

	if result.TurnoutPct >= proposal.QuorumPct && result.YesPct >= proposal.PassPct {
		result.Status = model.ProposalApproved
	}
	return result
}

// TallyDue closes every open proposal whose window has ended. One failing
// proposal does not abort the rest.
func (t *Tallier) TallyDue() {
	proposals, err := t.Store.OpenProposalsEndedBy(t.Now())
	if err != nil {
		log.Printf("[ERROR] dao: list due proposals: %v", err)
		return
	}
	for _, p := range proposals {
		result, err := t.Tally(p.ID)
		if err != nil {
			log.Printf("[ERROR] dao: tally %s: %v", p.ID, err)
			continue
		}
		log.Printf("[INFO] dao: proposal %s -> %s (turnout %.1f%%, yes %.1f%%)",
			p.ID, result.Status, result.TurnoutPct, result.YesPct)
	}
}
