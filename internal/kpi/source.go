package kpi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"AllocMesh/internal/model"
)

// Source fetches one division's normalized health metrics. Each division's
// collaborator (finance revenue, energy stability, health severity, food
// yield, crisis counts) normalizes its own raw data to a 0-100 scale before
// it reaches this interface.
type Source interface {
	Fetch(ctx context.Context, division string) (composite, risk float64, err error)
	Name() string
}

// HTTPSource pulls {composite_score, risk_score} from a division collaborator.
type HTTPSource struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPSource creates a source with optional proxy support.
func NewHTTPSource(baseURL, proxyURL string) *HTTPSource {
	transport := &http.Transport{}
	if proxyURL != "" {
		if u, err := url.Parse(proxyURL); err == nil {
			transport.Proxy = http.ProxyURL(u)
		}
	}
	return &HTTPSource{
		BaseURL: baseURL,
		Client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: transport,
		},
	}
}

func (s *HTTPSource) Name() string { return "http" }

func (s *HTTPSource) Fetch(ctx context.Context, division string) (float64, float64, error) {
	endpoint := fmt.Sprintf("%s/api/v1/kpi?division=%s", s.BaseURL, url.QueryEscape(division))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, 0, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return 0, 0, model.Wrap(model.KindTransient, err, "fetch kpi")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, 0, model.E(model.KindTransient, "fetch kpi: status %d, body: %s", resp.StatusCode, string(body))
	}

	var result struct {
		CompositeScore float64 `json:"composite_score"`
		RiskScore      float64 `json:"risk_score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, 0, fmt.Errorf("decode kpi response: %w", err)
	}
	if result.CompositeScore < 0 || result.CompositeScore > 100 ||
		result.RiskScore < 0 || result.RiskScore > 100 {
		return 0, 0, model.E(model.KindValidation,
			"kpi out of range: composite=%.1f risk=%.1f", result.CompositeScore, result.RiskScore)
	}
	return result.CompositeScore, result.RiskScore, nil
}

// MockSource returns fixed data for development and testing.
type MockSource struct {
	Composite float64
	Risk      float64
	Err       error
}

func (m *MockSource) Name() string { return "mock" }

func (m *MockSource) Fetch(_ context.Context, _ string) (float64, float64, error) {
	if m.Err != nil {
		return 0, 0, m.Err
	}
	return m.Composite, m.Risk, nil
}
