package store

import (
	"database/sql"
	"time"

	"AllocMesh/internal/model"
)

// CreateRun inserts a pending rebalance run.
func (s *Store) CreateRun(r model.RebalanceRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO rebalance_runs
		(id, policy_key, mode, status, total_available_sc, created_at)
		VALUES (?,?,?,?,?,?)`,
		r.ID, r.PolicyKey, string(r.Mode), string(r.Status), r.TotalAvailableSC, r.CreatedAt.Unix())
	return err
}

// FinishRun closes a run with its final status and moved total.
func (s *Store) FinishRun(runID string, status model.RunStatus, totalMoved float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE rebalance_runs
		SET status = ?, total_moved_sc = ?, finished_at = ? WHERE id = ?`,
		string(status), totalMoved, time.Now().Unix(), runID)
	return err
}

// MarkRunEvaluated flags a run so the impact evaluator does not revisit it.
func (s *Store) MarkRunEvaluated(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE rebalance_runs SET evaluated = 1 WHERE id = ?`, runID)
	return err
}

// UnevaluatedRuns returns finished, not-yet-evaluated runs created since cutoff.
func (s *Store) UnevaluatedRuns(cutoff time.Time) ([]model.RebalanceRun, error) {
	rows, err := s.db.Query(`SELECT id, policy_key, mode, status, total_available_sc,
		total_moved_sc, created_at, COALESCE(finished_at, 0), evaluated
		FROM rebalance_runs
		WHERE status = ? AND evaluated = 0 AND created_at >= ?
		ORDER BY created_at`, string(model.RunFinished), cutoff.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// GetRun loads one run by id.
func (s *Store) GetRun(runID string) (*model.RebalanceRun, error) {
	rows, err := s.db.Query(`SELECT id, policy_key, mode, status, total_available_sc,
		total_moved_sc, created_at, COALESCE(finished_at, 0), evaluated
		FROM rebalance_runs WHERE id = ?`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	runs, err := scanRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, model.E(model.KindNotFound, "run %q not found", runID)
	}
	return &runs[0], nil
}

func scanRuns(rows *sql.Rows) ([]model.RebalanceRun, error) {
	var out []model.RebalanceRun
	for rows.Next() {
		var r model.RebalanceRun
		var created, finished int64
		var evaluated int
		if err := rows.Scan(&r.ID, &r.PolicyKey, (*string)(&r.Mode), (*string)(&r.Status),
			&r.TotalAvailableSC, &r.TotalMovedSC, &created, &finished, &evaluated); err != nil {
			return nil, err
		}
		r.CreatedAt = time.Unix(created, 0)
		if finished > 0 {
			r.FinishedAt = time.Unix(finished, 0)
		}
		r.Evaluated = evaluated != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

// InsertMove appends one immutable planned move.
func (s *Store) InsertMove(m model.RebalanceMove) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`INSERT INTO rebalance_moves
		(run_id, from_division, to_division, amount_sc, reason, requires_approval, executed)
		VALUES (?,?,?,?,?,?,0)`,
		m.RunID, m.FromDivision, m.ToDivision, m.AmountSC, m.Reason, boolToInt(m.RequiresApproval))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// MarkMoveExecuted records that a move's transfer went through the ledger.
func (s *Store) MarkMoveExecuted(moveID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE rebalance_moves SET executed = 1 WHERE id = ?`, moveID)
	return err
}

// MovesForRun returns all moves of a run in insertion order.
func (s *Store) MovesForRun(runID string) ([]model.RebalanceMove, error) {
	rows, err := s.db.Query(`SELECT id, run_id, from_division, to_division, amount_sc,
		reason, requires_approval, executed
		FROM rebalance_moves WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RebalanceMove
	for rows.Next() {
		var m model.RebalanceMove
		var approval, executed int
		if err := rows.Scan(&m.ID, &m.RunID, &m.FromDivision, &m.ToDivision,
			&m.AmountSC, &m.Reason, &approval, &executed); err != nil {
			return nil, err
		}
		m.RequiresApproval = approval != 0
		m.Executed = executed != 0
		out = append(out, m)
	}
	return out, rows.Err()
}

// SCRoutedTo sums the move amounts routed to a division within a run.
func (s *Store) SCRoutedTo(runID, division string) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRow(`SELECT SUM(amount_sc) FROM rebalance_moves
		WHERE run_id = ? AND to_division = ?`, runID, division).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}
