package store

import (
	"database/sql"
	"time"

	"AllocMesh/internal/model"
)

// CreateProposal inserts an open proposal together with the per-voter stake
// snapshots that fix eligible weight for the whole voting window.
func (s *Store) CreateProposal(p model.DAOProposal, stakes map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`INSERT INTO dao_proposals
		(id, space_id, actions, quorum_pct, pass_pct, voting_start, voting_end, status)
		VALUES (?,?,?,?,?,?,?,?)`,
		p.ID, p.SpaceID, p.Actions, p.QuorumPct, p.PassPct,
		p.VotingStart.Unix(), p.VotingEnd.Unix(), string(p.Status))
	if err != nil {
		return err
	}
	for voter, stake := range stakes {
		if _, err := tx.Exec(`INSERT INTO dao_stake_snapshots (proposal_id, voter, stake)
			VALUES (?,?,?)`, p.ID, voter, stake); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetProposal loads one proposal by id.
func (s *Store) GetProposal(id string) (*model.DAOProposal, error) {
	row := s.db.QueryRow(`SELECT id, space_id, actions, quorum_pct, pass_pct,
		voting_start, voting_end, status FROM dao_proposals WHERE id = ?`, id)

	var p model.DAOProposal
	var vs, ve int64
	err := row.Scan(&p.ID, &p.SpaceID, &p.Actions, &p.QuorumPct, &p.PassPct,
		&vs, &ve, (*string)(&p.Status))
	if err == sql.ErrNoRows {
		return nil, model.E(model.KindNotFound, "proposal %q not found", id)
	}
	if err != nil {
		return nil, err
	}
	p.VotingStart = time.Unix(vs, 0)
	p.VotingEnd = time.Unix(ve, 0)
	return &p, nil
}

// SetProposalStatus transitions a proposal's lifecycle state.
func (s *Store) SetProposalStatus(id string, status model.ProposalStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE dao_proposals SET status = ? WHERE id = ?`, string(status), id)
	return err
}

// OpenProposalsEndedBy returns open proposals whose voting window closed at
// or before t, ready for tallying.
func (s *Store) OpenProposalsEndedBy(t time.Time) ([]model.DAOProposal, error) {
	rows, err := s.db.Query(`SELECT id, space_id, actions, quorum_pct, pass_pct,
		voting_start, voting_end, status FROM dao_proposals
		WHERE status = ? AND voting_end <= ? ORDER BY voting_end`,
		string(model.ProposalOpen), t.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DAOProposal
	for rows.Next() {
		var p model.DAOProposal
		var vs, ve int64
		if err := rows.Scan(&p.ID, &p.SpaceID, &p.Actions, &p.QuorumPct, &p.PassPct,
			&vs, &ve, (*string)(&p.Status)); err != nil {
			return nil, err
		}
		p.VotingStart = time.Unix(vs, 0)
		p.VotingEnd = time.Unix(ve, 0)
		out = append(out, p)
	}
	return out, rows.Err()
}

// CastVote records one vote; a voter may vote once per proposal.
func (s *Store) CastVote(v model.DAOVote) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO dao_votes (proposal_id, voter, choice, weight)
		VALUES (?,?,?,?)`,
		v.ProposalID, v.Voter, string(v.Choice), v.Weight)
	return err
}

// VotesFor returns all votes cast on a proposal.
func (s *Store) VotesFor(proposalID string) ([]model.DAOVote, error) {
	rows, err := s.db.Query(`SELECT id, proposal_id, voter, choice, weight
		FROM dao_votes WHERE proposal_id = ? ORDER BY id`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.DAOVote
	for rows.Next() {
		var v model.DAOVote
		if err := rows.Scan(&v.ID, &v.ProposalID, &v.Voter, (*string)(&v.Choice), &v.Weight); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// StakeSnapshots returns the per-voter stakes frozen at proposal creation.
func (s *Store) StakeSnapshots(proposalID string) (map[string]float64, error) {
	rows, err := s.db.Query(`SELECT voter, stake FROM dao_stake_snapshots
		WHERE proposal_id = ?`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]float64{}
	for rows.Next() {
		var voter string
		var stake float64
		if err := rows.Scan(&voter, &stake); err != nil {
			return nil, err
		}
		out[voter] = stake
	}
	return out, rows.Err()
}

// EnqueueApproval appends a pending approval-queue entry and returns its
// opaque id. Status transitions are owned by the external review surface.
func (s *Store) EnqueueApproval(id, action, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO approval_queue (id, action, payload, status, created_at)
		VALUES (?,?,?,'pending',?)`,
		id, action, payload, time.Now().Unix())
	return err
}
