package kpi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"AllocMesh/internal/model"
	"AllocMesh/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestCollectCycle_FailureIsolation(t *testing.T) {
	st := openTestStore(t)
	c := NewCollector(st, map[string]Source{
		"energy": &MockSource{Composite: 70, Risk: 30},
		"food":   &MockSource{Err: errors.New("collaborator down")},
		"health": &MockSource{Composite: 55, Risk: 45},
	})

	err := c.CollectCycle(context.Background())
	if err == nil {
		t.Fatal("expected aggregate error for the failing division")
	}
	if model.KindOf(err) != model.KindTransient {
		t.Errorf("error kind = %v, want transient", model.KindOf(err))
	}

	// The healthy divisions were snapshotted regardless.
	kpis, err := st.LatestKPIs()
	if err != nil {
		t.Fatalf("load kpis: %v", err)
	}
	if len(kpis) != 2 {
		t.Fatalf("snapshots = %d, want 2", len(kpis))
	}
	if kpis["energy"].CompositeScore != 70 || kpis["health"].RiskScore != 45 {
		t.Errorf("unexpected snapshots: %+v", kpis)
	}
	if _, ok := kpis["food"]; ok {
		t.Error("failed division should have no snapshot")
	}
}

func TestCollectCycle_AllHealthy(t *testing.T) {
	st := openTestStore(t)
	c := NewCollector(st, map[string]Source{
		"energy": &MockSource{Composite: 70, Risk: 30},
	})
	if err := c.CollectCycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
}

func TestHTTPSource_Fetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("division"); got != "food" {
			t.Errorf("division param = %q, want food", got)
		}
		w.Write([]byte(`{"composite_score": 62.5, "risk_score": 31.0}`))
	}))
	defer ts.Close()

	s := NewHTTPSource(ts.URL, "")
	composite, risk, err := s.Fetch(context.Background(), "food")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if composite != 62.5 || risk != 31.0 {
		t.Errorf("got composite=%v risk=%v", composite, risk)
	}
}

func TestHTTPSource_RejectsOutOfRange(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"composite_score": 140, "risk_score": 31.0}`))
	}))
	defer ts.Close()

	s := NewHTTPSource(ts.URL, "")
	if _, _, err := s.Fetch(context.Background(), "food"); model.KindOf(err) != model.KindValidation {
		t.Errorf("error kind = %v, want validation", model.KindOf(err))
	}
}

func TestHTTPSource_ServerErrorIsTransient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer ts.Close()

	s := NewHTTPSource(ts.URL, "")
	if _, _, err := s.Fetch(context.Background(), "food"); model.KindOf(err) != model.KindTransient {
		t.Errorf("error kind = %v, want transient", model.KindOf(err))
	}
}
