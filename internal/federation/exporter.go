package federation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"AllocMesh/internal/model"
	"AllocMesh/internal/store"
)

// ExportWindow is the span each outbound bundle covers.
const ExportWindow = 24 * time.Hour

// ExporterConfig tunes aggregation and the privacy budget.
type ExporterConfig struct {
	Epsilon         float64
	Sensitivity     float64
	MinSampleCount  int
	ShareDivisions  []string
	NodeReliability float64
}

// Exporter aggregates local impact signals into signed, noised bundles.
type Exporter struct {
	Store  *store.Store
	Config ExporterConfig
	rng    *rand.Rand
}

// NewExporter creates an Exporter. seed fixes the noise stream for tests;
// pass 0 in production for a time-seeded stream.
func NewExporter(st *store.Store, cfg ExporterConfig, seed int64) *Exporter {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Exporter{Store: st, Config: cfg, rng: rand.New(rand.NewSource(seed))}
}

// BuildBundle aggregates the trailing 24h window into one queued bundle.
// Divisions below the sample threshold are excluded entirely, and when no
// division qualifies no bundle is produced at all.
func (e *Exporter) BuildBundle(now time.Time) (*model.OutboundBundle, error) {
	windowStart := now.Add(-ExportWindow)
	metrics, err := e.Store.ImpactMetricsSince(windowStart)
	if err != nil {
		return nil, fmt.Errorf("load impact metrics: %w", err)
	}

	shared := map[string]bool{}
	for _, d := range e.Config.ShareDivisions {
		shared[d] = true
	}
	samples := map[string][]float64{}
	for _, m := range metrics {
		if !shared[m.Division] {
			continue
		}
		samples[m.Division] = append(samples[m.Division], m.ImpactPerSC)
	}

	divisions := make([]string, 0, len(samples))
	for d := range samples {
		divisions = append(divisions, d)
	}
	sort.Strings(divisions)

	var signals []model.DivisionSignal
	for _, division := range divisions {
		vals := samples[division]
		if len(vals) < e.Config.MinSampleCount {
			log.Printf("[INFO] export: %s has %d samples (< %d), excluded",
				division, len(vals), e.Config.MinSampleCount)
			continue
		}
		mean, stddev := meanStddev(vals)
		noise := Laplace(e.rng, NoiseScale(e.Config.Sensitivity, e.Config.Epsilon, len(vals)))
		signals = append(signals, model.DivisionSignal{
			Division:       division,
			ImpactPerSCAvg: mean + noise,
			SampleSize:     len(vals),
			StdDev:         stddev,
		})
	}
	if len(signals) == 0 {
		log.Println("[INFO] export: no division cleared the sample threshold, no bundle")
		return nil, nil
	}

	payload := model.BundlePayload{
		WindowStart:     windowStart.UTC(),
		WindowEnd:       now.UTC(),
		NodeReliability: e.Config.NodeReliability,
		Signals:         signals,
	}
	// These exact bytes are what gets hashed, signed, and sent; keeping the
	// digest lets the sender later prove byte-for-byte equality with what a
	// receiver claims to have received.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	digest := sha256.Sum256(raw)

	bundle := model.OutboundBundle{
		ID:          uuid.NewString(),
		WindowStart: payload.WindowStart,
		WindowEnd:   payload.WindowEnd,
		Payload:     raw,
		ContentHash: hex.EncodeToString(digest[:]),
		Status:      model.BundleQueued,
	}
	if err := e.Store.InsertBundle(bundle); err != nil {
		return nil, fmt.Errorf("queue bundle: %w", err)
	}
	e.Store.AuditEvent("bundle_export", "", "ok", "info",
		fmt.Sprintf("bundle=%s signals=%d", bundle.ID, len(signals)))
	return &bundle, nil
}

func meanStddev(vals []float64) (float64, float64) {
	var sum float64
	for _, v := range vals {
		sum += v
	}
	mean := sum / float64(len(vals))
	var sq float64
	for _, v := range vals {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(len(vals)))
}
