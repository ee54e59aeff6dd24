package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"AllocMesh/internal/model"
)

// InsertKPI appends one immutable KPI snapshot.
func (s *Store) InsertKPI(k model.DivisionKPI) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO division_kpis (division, composite_score, risk_score, captured_at)
		VALUES (?,?,?,?)`,
		k.Division, k.CompositeScore, k.RiskScore, k.CapturedAt.Unix())
	return err
}

// LatestKPIBefore returns the most recent snapshot for division captured at
// or before t, or nil when none exists.
func (s *Store) LatestKPIBefore(division string, t time.Time) (*model.DivisionKPI, error) {
	row := s.db.QueryRow(`SELECT id, division, composite_score, risk_score, captured_at
		FROM division_kpis WHERE division = ? AND captured_at <= ?
		ORDER BY captured_at DESC, id DESC LIMIT 1`,
		division, t.Unix())
	return scanKPI(row)
}

// LatestKPIAfter returns the most recent snapshot for division captured at
// or after t, or nil when none exists.
func (s *Store) LatestKPIAfter(division string, t time.Time) (*model.DivisionKPI, error) {
	row := s.db.QueryRow(`SELECT id, division, composite_score, risk_score, captured_at
		FROM division_kpis WHERE division = ? AND captured_at >= ?
		ORDER BY captured_at DESC, id DESC LIMIT 1`,
		division, t.Unix())
	return scanKPI(row)
}

// LatestKPIs returns the newest snapshot per division.
func (s *Store) LatestKPIs() (map[string]model.DivisionKPI, error) {
	rows, err := s.db.Query(`SELECT k.id, k.division, k.composite_score, k.risk_score, k.captured_at
		FROM division_kpis k
		JOIN (SELECT division, MAX(id) AS max_id FROM division_kpis GROUP BY division) m
		ON k.id = m.max_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]model.DivisionKPI{}
	for rows.Next() {
		var k model.DivisionKPI
		var ts int64
		if err := rows.Scan(&k.ID, &k.Division, &k.CompositeScore, &k.RiskScore, &ts); err != nil {
			return nil, err
		}
		k.CapturedAt = time.Unix(ts, 0)
		out[k.Division] = k
	}
	return out, rows.Err()
}

func scanKPI(row *sql.Row) (*model.DivisionKPI, error) {
	var k model.DivisionKPI
	var ts int64
	err := row.Scan(&k.ID, &k.Division, &k.CompositeScore, &k.RiskScore, &ts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	k.CapturedAt = time.Unix(ts, 0)
	return &k, nil
}

// InsertImpactMetric appends one impact measurement. Negative impact_per_sc
// is stored as-is; flooring happens only when allocation weights are built.
func (s *Store) InsertImpactMetric(m model.ImpactMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO impact_metrics
		(division, run_id, delta_stability, delta_risk, impact_score, sc_spent, impact_per_sc, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		m.Division, m.RunID, m.DeltaStability, m.DeltaRisk, m.ImpactScore,
		m.SCSpent, m.ImpactPerSC, m.CreatedAt.Unix())
	return err
}

// ImpactMetricsSince returns all metrics created at or after cutoff.
func (s *Store) ImpactMetricsSince(cutoff time.Time) ([]model.ImpactMetric, error) {
	rows, err := s.db.Query(`SELECT id, division, COALESCE(run_id,''), delta_stability, delta_risk,
		impact_score, sc_spent, impact_per_sc, created_at
		FROM impact_metrics WHERE created_at >= ? ORDER BY id`, cutoff.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.ImpactMetric
	for rows.Next() {
		var m model.ImpactMetric
		var ts int64
		if err := rows.Scan(&m.ID, &m.Division, &m.RunID, &m.DeltaStability, &m.DeltaRisk,
			&m.ImpactScore, &m.SCSpent, &m.ImpactPerSC, &ts); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(ts, 0)
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertLearningWeight appends one versioned weight row. Weights are never
// updated in place so past allocation decisions remain explainable.
func (s *Store) InsertLearningWeight(w model.LearningWeight) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO learning_weights (division, impact_weight, trend, created_at)
		VALUES (?,?,?,?)`,
		w.Division, w.ImpactWeight, w.Trend, w.CreatedAt.Unix())
	return err
}

// LatestWeights returns the newest weight row per division.
func (s *Store) LatestWeights() (map[string]model.LearningWeight, error) {
	rows, err := s.db.Query(`SELECT w.id, w.division, w.impact_weight, w.trend, w.created_at
		FROM learning_weights w
		JOIN (SELECT division, MAX(id) AS max_id FROM learning_weights GROUP BY division) m
		ON w.id = m.max_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]model.LearningWeight{}
	for rows.Next() {
		var w model.LearningWeight
		var ts int64
		if err := rows.Scan(&w.ID, &w.Division, &w.ImpactWeight, &w.Trend, &ts); err != nil {
			return nil, err
		}
		w.CreatedAt = time.Unix(ts, 0)
		out[w.Division] = w
	}
	return out, rows.Err()
}

// UpsertPolicy writes the allocation policy row, preserving the learned
// impact and global prior fields on update.
func (s *Store) UpsertPolicy(p model.AllocationPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	learned, err := json.Marshal(orEmpty(p.LearnedImpact))
	if err != nil {
		return fmt.Errorf("marshal learned impact: %w", err)
	}
	prior, err := json.Marshal(orEmpty(p.GlobalPrior))
	if err != nil {
		return fmt.Errorf("marshal global prior: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO allocation_policies
		(policy_key, w_need, w_risk, w_impact, min_pct_per_division, max_pct_per_division,
		 max_move_per_epoch_sc, require_approval_over_sc, enabled, learned_impact, global_prior, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(policy_key) DO UPDATE SET
			w_need = excluded.w_need,
			w_risk = excluded.w_risk,
			w_impact = excluded.w_impact,
			min_pct_per_division = excluded.min_pct_per_division,
			max_pct_per_division = excluded.max_pct_per_division,
			max_move_per_epoch_sc = excluded.max_move_per_epoch_sc,
			require_approval_over_sc = excluded.require_approval_over_sc,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at`,
		p.PolicyKey, p.Weights.Need, p.Weights.Risk, p.Weights.Impact,
		p.Constraints.MinPctPerDivision, p.Constraints.MaxPctPerDivision,
		p.Constraints.MaxMovePerEpochSC, p.Constraints.RequireApprovalOverSC,
		boolToInt(p.Enabled), string(learned), string(prior), time.Now().Unix())
	return err
}

// GetPolicy loads one policy by key.
func (s *Store) GetPolicy(key string) (*model.AllocationPolicy, error) {
	row := s.db.QueryRow(`SELECT policy_key, w_need, w_risk, w_impact,
		min_pct_per_division, max_pct_per_division, max_move_per_epoch_sc,
		require_approval_over_sc, enabled, learned_impact, global_prior, updated_at
		FROM allocation_policies WHERE policy_key = ?`, key)

	var p model.AllocationPolicy
	var enabled int
	var learned, prior string
	var ts int64
	err := row.Scan(&p.PolicyKey, &p.Weights.Need, &p.Weights.Risk, &p.Weights.Impact,
		&p.Constraints.MinPctPerDivision, &p.Constraints.MaxPctPerDivision,
		&p.Constraints.MaxMovePerEpochSC, &p.Constraints.RequireApprovalOverSC,
		&enabled, &learned, &prior, &ts)
	if err == sql.ErrNoRows {
		return nil, model.E(model.KindNotFound, "policy %q not found", key)
	}
	if err != nil {
		return nil, err
	}
	p.Enabled = enabled != 0
	p.UpdatedAt = time.Unix(ts, 0)
	if err := json.Unmarshal([]byte(learned), &p.LearnedImpact); err != nil {
		return nil, fmt.Errorf("decode learned impact: %w", err)
	}
	if err := json.Unmarshal([]byte(prior), &p.GlobalPrior); err != nil {
		return nil, fmt.Errorf("decode global prior: %w", err)
	}
	return &p, nil
}

// SetPolicyLearnedImpact mirrors the updater's normalized target vector
// into the policy so the next rebalance can read it.
func (s *Store) SetPolicyLearnedImpact(key string, weights map[string]float64) error {
	return s.setPolicyJSON(key, "learned_impact", weights)
}

// SetPolicyGlobalPrior mirrors the merged cross-peer prior into the policy
// for auditability.
func (s *Store) SetPolicyGlobalPrior(key string, weights map[string]float64) error {
	return s.setPolicyJSON(key, "global_prior", weights)
}

func (s *Store) setPolicyJSON(key, column string, weights map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(orEmpty(weights))
	if err != nil {
		return fmt.Errorf("marshal %s: %w", column, err)
	}
	res, err := s.db.Exec(
		fmt.Sprintf(`UPDATE allocation_policies SET %s = ?, updated_at = ? WHERE policy_key = ?`, column),
		string(data), time.Now().Unix(), key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.E(model.KindNotFound, "policy %q not found", key)
	}
	return nil
}

func orEmpty(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
