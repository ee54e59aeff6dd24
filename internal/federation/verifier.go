package federation

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"AllocMesh/internal/model"
	"AllocMesh/internal/store"
)

// Verifier runs the inbound gate sequence. Each bundle is validated solely
// on its own content; nothing depends on any other bundle having been
// processed first.
type Verifier struct {
	Store         *store.Store
	SkewTolerance time.Duration
	Now           func() time.Time
}

// NewVerifier creates a Verifier with the given clock-skew tolerance.
func NewVerifier(st *store.Store, skewTolerance time.Duration) *Verifier {
	return &Verifier{Store: st, SkewTolerance: skewTolerance, Now: time.Now}
}

// Ingest validates one received bundle through the ordered gates: peer
// authorization, schema, content hash, signature, clock skew. The first
// failing gate terminates processing with its own error kind; on success
// the signal is persisted with a snapshot of the peer's trust at receipt.
func (v *Verifier) Ingest(peerName string, body []byte, sigB64, digestHex string) (*model.InboundSignal, error) {
	// Gate 1: peer lookup.
	peer, err := v.Store.PeerByName(peerName)
	if err != nil {
		return nil, fmt.Errorf("peer lookup: %w", err)
	}
	if peer == nil {
		return nil, model.E(model.KindAuthorization, "unknown peer %q", peerName)
	}
	if !peer.RecvEnabled {
		return nil, model.E(model.KindAuthorization, "peer %q is not enabled for receiving", peerName)
	}

	// Gate 2: schema, independent of any crypto check.
	payload, err := parsePayload(body)
	if err != nil {
		return nil, err
	}

	// Gate 3: content hash over the exact received bytes. A mismatch is an
	// integrity failure distinct from a signature failure: it catches
	// transport corruption even when no attacker is involved.
	digest := sha256.Sum256(body)
	computed := hex.EncodeToString(digest[:])
	if !strings.EqualFold(computed, digestHex) {
		ae := model.E(model.KindIntegrity, "content hash mismatch: computed %s, declared %s", computed, digestHex)
		ae.Status = http.StatusBadRequest
		ae.Security = true
		return nil, ae
	}

	// Gate 4: detached signature over the raw payload bytes.
	// A garbled signature header is treated like any other signature
	// failure, not a schema problem.
	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		ae := model.E(model.KindIntegrity, "signature is not valid base64")
		ae.Security = true
		return nil, ae
	}
	if err := VerifyDetached(peer.PublicKey, body, sig); err != nil {
		ae := model.Wrap(model.KindIntegrity, err, fmt.Sprintf("peer %q signature rejected", peerName))
		ae.Security = true
		return nil, ae
	}

	// Gate 5: clock skew. Even a correctly hashed and signed bundle is
	// rejected when its window end is stale or future-dated.
	skew := v.Now().Sub(payload.WindowEnd)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.SkewTolerance {
		ae := model.E(model.KindIntegrity, "window_end skew %s exceeds tolerance %s", skew.Round(time.Second), v.SkewTolerance)
		ae.Security = true
		return nil, ae
	}

	nodeReliability := payload.NodeReliability
	if nodeReliability == 0 {
		nodeReliability = 1
	}
	var sampleSum float64
	for _, s := range payload.Signals {
		sampleSum += float64(s.SampleSize)
	}
	avgSampleSize := sampleSum / float64(len(payload.Signals))
	strength := (peer.TrustScore / 100) * nodeReliability * math.Min(1, avgSampleSize/100)

	signal := model.InboundSignal{
		PeerID:          peer.ID,
		WindowStart:     payload.WindowStart,
		WindowEnd:       payload.WindowEnd,
		Signals:         payload.Signals,
		SignatureValid:  true,
		PeerTrust:       peer.TrustScore, // trust drifts; the snapshot keeps the weighting auditable
		SummaryStrength: strength,
		ReceivedAt:      v.Now(),
	}
	if err := v.Store.InsertInboundSignal(signal); err != nil {
		return nil, fmt.Errorf("persist signal: %w", err)
	}
	if err := v.Store.TouchPeer(peer.ID); err != nil {
		return nil, fmt.Errorf("touch peer: %w", err)
	}
	return &signal, nil
}

// parsePayload enforces the strict bundle shape before any business logic.
func parsePayload(body []byte) (*model.BundlePayload, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	var p model.BundlePayload
	if err := dec.Decode(&p); err != nil {
		return nil, model.Wrap(model.KindValidation, err, "malformed payload")
	}
	if p.WindowStart.IsZero() || p.WindowEnd.IsZero() {
		return nil, model.E(model.KindValidation, "window_start and window_end are required")
	}
	if !p.WindowEnd.After(p.WindowStart) {
		return nil, model.E(model.KindValidation, "window_end must be after window_start")
	}
	if p.NodeReliability < 0 || p.NodeReliability > 1 {
		return nil, model.E(model.KindValidation, "node_reliability must be within [0,1], got %v", p.NodeReliability)
	}
	if len(p.Signals) == 0 {
		return nil, model.E(model.KindValidation, "signals array must not be empty")
	}
	for i, s := range p.Signals {
		if s.Division == "" {
			return nil, model.E(model.KindValidation, "signals[%d]: division is required", i)
		}
		if s.SampleSize < 0 {
			return nil, model.E(model.KindValidation, "signals[%d]: sample_size must be non-negative", i)
		}
		if math.IsNaN(s.ImpactPerSCAvg) || math.IsInf(s.ImpactPerSCAvg, 0) {
			return nil, model.E(model.KindValidation, "signals[%d]: impact_per_sc_avg is not finite", i)
		}
		if math.IsNaN(s.StdDev) || math.IsInf(s.StdDev, 0) || s.StdDev < 0 {
			return nil, model.E(model.KindValidation, "signals[%d]: stddev must be a non-negative number", i)
		}
	}
	return &p, nil
}
