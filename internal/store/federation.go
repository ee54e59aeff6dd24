package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"AllocMesh/internal/model"
)

// UpsertPeer registers or updates a peer in the trusted registry.
func (s *Store) UpsertPeer(p model.FederationPeer, endpoint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO federation_peers
		(peer_name, public_key, trust_score, send_enabled, recv_enabled, endpoint)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(peer_name) DO UPDATE SET
			public_key = excluded.public_key,
			trust_score = excluded.trust_score,
			send_enabled = excluded.send_enabled,
			recv_enabled = excluded.recv_enabled,
			endpoint = excluded.endpoint`,
		p.PeerName, p.PublicKey, p.TrustScore,
		boolToInt(p.SendEnabled), boolToInt(p.RecvEnabled), endpoint)
	return err
}

// PeerByName looks up one registered peer.
func (s *Store) PeerByName(name string) (*model.FederationPeer, error) {
	row := s.db.QueryRow(`SELECT id, peer_name, public_key, trust_score,
		send_enabled, recv_enabled, COALESCE(last_seen, 0)
		FROM federation_peers WHERE peer_name = ?`, name)

	var p model.FederationPeer
	var send, recv int
	var seen int64
	err := row.Scan(&p.ID, &p.PeerName, &p.PublicKey, &p.TrustScore, &send, &recv, &seen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	p.SendEnabled = send != 0
	p.RecvEnabled = recv != 0
	if seen > 0 {
		p.LastSeen = time.Unix(seen, 0)
	}
	return &p, nil
}

// SendTargets returns send-enabled peers together with their endpoints.
func (s *Store) SendTargets() ([]model.FederationPeer, map[string]string, error) {
	rows, err := s.db.Query(`SELECT id, peer_name, public_key, trust_score,
		send_enabled, recv_enabled, COALESCE(last_seen, 0), endpoint
		FROM federation_peers WHERE send_enabled = 1 ORDER BY peer_name`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var peers []model.FederationPeer
	endpoints := map[string]string{}
	for rows.Next() {
		var p model.FederationPeer
		var send, recv int
		var seen int64
		var endpoint string
		if err := rows.Scan(&p.ID, &p.PeerName, &p.PublicKey, &p.TrustScore,
			&send, &recv, &seen, &endpoint); err != nil {
			return nil, nil, err
		}
		p.SendEnabled = send != 0
		p.RecvEnabled = recv != 0
		if seen > 0 {
			p.LastSeen = time.Unix(seen, 0)
		}
		peers = append(peers, p)
		endpoints[p.PeerName] = endpoint
	}
	return peers, endpoints, rows.Err()
}

// TouchPeer records when a valid bundle last arrived from a peer.
func (s *Store) TouchPeer(peerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE federation_peers SET last_seen = ? WHERE id = ?`,
		time.Now().Unix(), peerID)
	return err
}

// InsertBundle queues an outbound bundle for delivery.
func (s *Store) InsertBundle(b model.OutboundBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`INSERT INTO outbound_bundles
		(id, window_start, window_end, payload, content_hash, status, attempts)
		VALUES (?,?,?,?,?,?,0)`,
		b.ID, b.WindowStart.Unix(), b.WindowEnd.Unix(), b.Payload, b.ContentHash, string(b.Status))
	return err
}

// MarkBundleAttempt updates delivery bookkeeping after a send attempt.
func (s *Store) MarkBundleAttempt(bundleID string, status model.BundleStatus, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE outbound_bundles
		SET status = ?, attempts = ?, last_attempt = ? WHERE id = ?`,
		string(status), attempts, time.Now().Unix(), bundleID)
	return err
}

// QueuedBundles returns bundles still waiting for delivery.
func (s *Store) QueuedBundles() ([]model.OutboundBundle, error) {
	rows, err := s.db.Query(`SELECT id, window_start, window_end, payload, content_hash,
		status, attempts, COALESCE(last_attempt, 0)
		FROM outbound_bundles WHERE status = ? ORDER BY window_end`, string(model.BundleQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.OutboundBundle
	for rows.Next() {
		var b model.OutboundBundle
		var ws, we, la int64
		if err := rows.Scan(&b.ID, &ws, &we, &b.Payload, &b.ContentHash,
			(*string)(&b.Status), &b.Attempts, &la); err != nil {
			return nil, err
		}
		b.WindowStart = time.Unix(ws, 0)
		b.WindowEnd = time.Unix(we, 0)
		if la > 0 {
			b.LastAttempt = time.Unix(la, 0)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// InsertInboundSignal persists one verified inbound signal together with
// the trust snapshot that produced its weighting.
func (s *Store) InsertInboundSignal(sig model.InboundSignal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	signals, err := json.Marshal(sig.Signals)
	if err != nil {
		return fmt.Errorf("marshal signals: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO inbound_signals
		(peer_id, window_start, window_end, signals, signature_valid, peer_trust, summary_strength, received_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		sig.PeerID, sig.WindowStart.Unix(), sig.WindowEnd.Unix(), string(signals),
		boolToInt(sig.SignatureValid), sig.PeerTrust, sig.SummaryStrength, sig.ReceivedAt.Unix())
	return err
}

// ValidSignalsSince returns signature-valid signals received at or after cutoff.
func (s *Store) ValidSignalsSince(cutoff time.Time) ([]model.InboundSignal, error) {
	rows, err := s.db.Query(`SELECT id, peer_id, window_start, window_end, signals,
		signature_valid, peer_trust, summary_strength, received_at
		FROM inbound_signals
		WHERE signature_valid = 1 AND received_at >= ? ORDER BY id`, cutoff.Unix())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.InboundSignal
	for rows.Next() {
		var sig model.InboundSignal
		var ws, we, rc int64
		var valid int
		var raw string
		if err := rows.Scan(&sig.ID, &sig.PeerID, &ws, &we, &raw,
			&valid, &sig.PeerTrust, &sig.SummaryStrength, &rc); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(raw), &sig.Signals); err != nil {
			return nil, fmt.Errorf("decode signals for row %d: %w", sig.ID, err)
		}
		sig.WindowStart = time.Unix(ws, 0)
		sig.WindowEnd = time.Unix(we, 0)
		sig.SignatureValid = valid != 0
		sig.ReceivedAt = time.Unix(rc, 0)
		out = append(out, sig)
	}
	return out, rows.Err()
}
