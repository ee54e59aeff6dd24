package federation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"AllocMesh/internal/model"
)

// Round-trip: node A exports and signs a bundle, node B's ingest server
// verifies and stores it.
func TestBundleRoundTrip(t *testing.T) {
	// Node A: exporter + sender.
	stA := openTestStore(t)
	signerA := NewSignerFromSeed(testSeed(3))
	seedMetrics(t, stA, "food", 10, 0.02)

	exporter := NewExporter(stA, ExporterConfig{
		Epsilon: 0.7, Sensitivity: 1.0, MinSampleCount: 5,
		ShareDivisions: []string{"food"}, NodeReliability: 0.9,
	}, 42)
	bundle, err := exporter.BuildBundle(time.Now())
	if err != nil || bundle == nil {
		t.Fatalf("build bundle: %v", err)
	}

	// Node B: verifier + ingest server with node A registered.
	stB := openTestStore(t)
	if err := stB.UpsertPeer(model.FederationPeer{
		PeerName:    "node-a",
		PublicKey:   signerA.PublicKeyHex(),
		TrustScore:  90,
		RecvEnabled: true,
	}, ""); err != nil {
		t.Fatalf("register node-a: %v", err)
	}
	srv := NewServer(NewVerifier(stB, 10*time.Minute), stB, "127.0.0.1:0")
	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	// Register node B as node A's send target.
	if err := stA.UpsertPeer(model.FederationPeer{
		PeerName:    "node-b",
		PublicKey:   "unused-for-sending",
		TrustScore:  90,
		SendEnabled: true,
	}, ts.URL+"/api/v1/federation/bundles"); err != nil {
		t.Fatalf("register node-b: %v", err)
	}

	sender := NewSender(stA, signerA, "node-a", 2, 5)
	sender.DeliverQueued(context.Background())

	// Node A marked the bundle sent.
	queued, err := stA.QueuedBundles()
	if err != nil {
		t.Fatalf("queued bundles: %v", err)
	}
	if len(queued) != 0 {
		t.Errorf("bundle still queued after delivery")
	}

	// Node B stored the verified signal.
	signals, err := stB.ValidSignalsSince(time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("load signals: %v", err)
	}
	if len(signals) != 1 {
		t.Fatalf("stored signals = %d, want 1", len(signals))
	}
	if signals[0].Signals[0].Division != "food" {
		t.Errorf("division = %s, want food", signals[0].Signals[0].Division)
	}
}

func TestHandleBundle_MissingHeaders(t *testing.T) {
	st := openTestStore(t)
	srv := NewServer(NewVerifier(st, 10*time.Minute), st, "127.0.0.1:0")
	ts := httptest.NewServer(srv.httpServer.Handler)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/v1/federation/bundles", "application/json", nil)
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestSendWithRetry_PeerRejectionIsNotRetried(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, `{"error":"unknown peer"}`, http.StatusForbidden)
	}))
	defer ts.Close()

	st := openTestStore(t)
	sender := NewSender(st, NewSignerFromSeed(testSeed(3)), "node-a", 5, 5)
	tries, err := sender.sendWithRetry(context.Background(), ts.URL, model.OutboundBundle{
		ID: "b1", Payload: []byte(`{}`), ContentHash: "00",
	})
	if err == nil {
		t.Fatal("expected delivery failure")
	}
	if got := atomic.LoadInt32(&hits); got != 1 {
		t.Errorf("4xx response was retried %d times", got)
	}
	if tries != 1 {
		t.Errorf("reported tries = %d, want 1", tries)
	}
}

func TestSendWithRetry_TransientFailureRetries(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	st := openTestStore(t)
	sender := NewSender(st, NewSignerFromSeed(testSeed(3)), "node-a", 5, 5)
	tries, err := sender.sendWithRetry(context.Background(), ts.URL, model.OutboundBundle{
		ID: "b1", Payload: []byte(`{}`), ContentHash: "00",
	})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if got := atomic.LoadInt32(&hits); got != 3 {
		t.Errorf("hits = %d, want 3", got)
	}
	if tries != 3 {
		t.Errorf("reported tries = %d, want 3", tries)
	}
}

func TestDeliverQueued_PersistsRetryAttempts(t *testing.T) {
	var hits int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	st := openTestStore(t)
	if err := st.InsertBundle(model.OutboundBundle{
		ID: "b1", WindowStart: time.Now().Add(-24 * time.Hour), WindowEnd: time.Now(),
		Payload: []byte(`{}`), ContentHash: "00", Status: model.BundleQueued,
	}); err != nil {
		t.Fatalf("queue bundle: %v", err)
	}
	if err := st.UpsertPeer(model.FederationPeer{
		PeerName: "node-b", PublicKey: "unused-for-sending", TrustScore: 90, SendEnabled: true,
	}, ts.URL); err != nil {
		t.Fatalf("register peer: %v", err)
	}

	sender := NewSender(st, NewSignerFromSeed(testSeed(3)), "node-a", 5, 5)
	sender.DeliverQueued(context.Background())

	var attempts int
	var status string
	if err := st.DB().QueryRow(
		`SELECT attempts, status FROM outbound_bundles WHERE id = ?`, "b1").Scan(&attempts, &status); err != nil {
		t.Fatalf("load bundle: %v", err)
	}
	if attempts != 3 {
		t.Errorf("persisted attempts = %d, want 3", attempts)
	}
	if status != string(model.BundleSent) {
		t.Errorf("status = %s, want sent", status)
	}
}
