package store

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store owns the SQLite database behind every component. All engines are
// stateless between invocations; this is where state lives.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (or creates) the SQLite database and runs migrations.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// WAL mode so scheduled writers do not starve concurrent readers.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	log.Printf("[INFO] store opened: %s", dbPath)
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS division_kpis (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			division        TEXT NOT NULL,
			composite_score REAL NOT NULL,
			risk_score      REAL NOT NULL,
			captured_at     INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_kpi_div_ts ON division_kpis(division, captured_at)`,

		`CREATE TABLE IF NOT EXISTS impact_metrics (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			division        TEXT NOT NULL,
			run_id          TEXT,
			delta_stability REAL NOT NULL,
			delta_risk      REAL NOT NULL,
			impact_score    REAL NOT NULL,
			sc_spent        REAL NOT NULL,
			impact_per_sc   REAL NOT NULL,
			created_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_impact_div_ts ON impact_metrics(division, created_at)`,

		`CREATE TABLE IF NOT EXISTS learning_weights (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			division      TEXT NOT NULL,
			impact_weight REAL NOT NULL,
			trend         REAL NOT NULL,
			created_at    INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_weight_div ON learning_weights(division, id)`,

		`CREATE TABLE IF NOT EXISTS allocation_policies (
			policy_key               TEXT PRIMARY KEY,
			w_need                   REAL NOT NULL,
			w_risk                   REAL NOT NULL,
			w_impact                 REAL NOT NULL,
			min_pct_per_division     REAL NOT NULL,
			max_pct_per_division     REAL NOT NULL,
			max_move_per_epoch_sc    REAL NOT NULL,
			require_approval_over_sc REAL NOT NULL,
			enabled                  INTEGER NOT NULL DEFAULT 1,
			learned_impact           TEXT NOT NULL DEFAULT '{}',
			global_prior             TEXT NOT NULL DEFAULT '{}',
			updated_at               INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS rebalance_runs (
			id                 TEXT PRIMARY KEY,
			policy_key         TEXT NOT NULL,
			mode               TEXT NOT NULL,
			status             TEXT NOT NULL,
			total_available_sc REAL NOT NULL DEFAULT 0,
			total_moved_sc     REAL NOT NULL DEFAULT 0,
			created_at         INTEGER NOT NULL,
			finished_at        INTEGER,
			evaluated          INTEGER NOT NULL DEFAULT 0
		)`,

		`CREATE TABLE IF NOT EXISTS rebalance_moves (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id            TEXT NOT NULL,
			from_division     TEXT NOT NULL,
			to_division       TEXT NOT NULL,
			amount_sc         REAL NOT NULL,
			reason            TEXT NOT NULL,
			requires_approval INTEGER NOT NULL DEFAULT 0,
			executed          INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_move_run ON rebalance_moves(run_id)`,

		`CREATE TABLE IF NOT EXISTS wallets (
			id         TEXT PRIMARY KEY,
			owner_type TEXT NOT NULL,
			owner      TEXT NOT NULL,
			balance    REAL NOT NULL DEFAULT 0,
			locked     REAL NOT NULL DEFAULT 0,
			UNIQUE(owner_type, owner),
			CHECK(balance >= locked AND locked >= 0)
		)`,

		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			wallet_id  TEXT NOT NULL,
			tx_type    TEXT NOT NULL,
			amount     REAL NOT NULL,
			ref_id     TEXT,
			memo       TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_wallet ON ledger_entries(wallet_id)`,

		`CREATE TABLE IF NOT EXISTS federation_peers (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			peer_name    TEXT NOT NULL UNIQUE,
			public_key   TEXT NOT NULL,
			trust_score  REAL NOT NULL DEFAULT 50,
			send_enabled INTEGER NOT NULL DEFAULT 1,
			recv_enabled INTEGER NOT NULL DEFAULT 1,
			endpoint     TEXT NOT NULL DEFAULT '',
			last_seen    INTEGER
		)`,

		`CREATE TABLE IF NOT EXISTS outbound_bundles (
			id           TEXT PRIMARY KEY,
			window_start INTEGER NOT NULL,
			window_end   INTEGER NOT NULL,
			payload      BLOB NOT NULL,
			content_hash TEXT NOT NULL,
			status       TEXT NOT NULL,
			attempts     INTEGER NOT NULL DEFAULT 0,
			last_attempt INTEGER
		)`,

		`CREATE TABLE IF NOT EXISTS inbound_signals (
			id               INTEGER PRIMARY KEY AUTOINCREMENT,
			peer_id          INTEGER NOT NULL,
			window_start     INTEGER NOT NULL,
			window_end       INTEGER NOT NULL,
			signals          TEXT NOT NULL,
			signature_valid  INTEGER NOT NULL,
			peer_trust       REAL NOT NULL,
			summary_strength REAL NOT NULL,
			received_at      INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signal_ts ON inbound_signals(received_at)`,

		`CREATE TABLE IF NOT EXISTS dao_proposals (
			id           TEXT PRIMARY KEY,
			space_id     TEXT NOT NULL,
			actions      TEXT NOT NULL,
			quorum_pct   REAL NOT NULL,
			pass_pct     REAL NOT NULL,
			voting_start INTEGER NOT NULL,
			voting_end   INTEGER NOT NULL,
			status       TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS dao_votes (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			proposal_id TEXT NOT NULL,
			voter       TEXT NOT NULL,
			choice      TEXT NOT NULL,
			weight      REAL NOT NULL,
			UNIQUE(proposal_id, voter)
		)`,

		`CREATE TABLE IF NOT EXISTS dao_stake_snapshots (
			proposal_id TEXT NOT NULL,
			voter       TEXT NOT NULL,
			stake       REAL NOT NULL,
			PRIMARY KEY(proposal_id, voter)
		)`,

		`CREATE TABLE IF NOT EXISTS approval_queue (
			id         TEXT PRIMARY KEY,
			action     TEXT NOT NULL,
			payload    TEXT NOT NULL,
			status     TEXT NOT NULL DEFAULT 'pending',
			created_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS audit_log (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			action     TEXT NOT NULL,
			division   TEXT,
			result     TEXT NOT NULL,
			severity   TEXT NOT NULL,
			detail     TEXT,
			created_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS automation_log (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			job         TEXT NOT NULL,
			status      TEXT NOT NULL,
			error       TEXT,
			started_at  INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// DB exposes the underlying handle for the ledger's conditional updates.
func (s *Store) DB() *sql.DB { return s.db }

// AuditEvent writes one structured audit row. Audit failures are logged and
// swallowed so they never mask the operation they describe.
func (s *Store) AuditEvent(action, division, result, severity, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO audit_log (action, division, result, severity, detail, created_at)
		VALUES (?,?,?,?,?,?)`,
		action, division, result, severity, detail, time.Now().Unix())
	if err != nil {
		log.Printf("[ERROR] write audit event: %v", err)
	}
}

// RecordAutomation logs one scheduled-job invocation so cadence compliance
// stays independently auditable.
func (s *Store) RecordAutomation(job, status, errMsg string, started, finished time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO automation_log (job, status, error, started_at, finished_at)
		VALUES (?,?,?,?,?)`,
		job, status, errMsg, started.Unix(), finished.Unix())
	if err != nil {
		log.Printf("[ERROR] write automation log: %v", err)
	}
}

// Close closes the database.
func (s *Store) Close() error {
	log.Println("[INFO] closing store")
	return s.db.Close()
}
