package kpi

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"AllocMesh/internal/model"
	"AllocMesh/internal/store"
)

// Collector takes one KPI snapshot per division per cycle.
type Collector struct {
	Store   *store.Store
	Sources map[string]Source // division id -> source
}

// NewCollector creates a Collector over the configured division sources.
func NewCollector(st *store.Store, sources map[string]Source) *Collector {
	return &Collector{Store: st, Sources: sources}
}

// CollectCycle snapshots every division. A failing division is recorded and
// skipped; it never aborts its siblings. The returned error aggregates
// per-division failures, nil when all divisions succeeded.
func (c *Collector) CollectCycle(ctx context.Context) error {
	divisions := make([]string, 0, len(c.Sources))
	for d := range c.Sources {
		divisions = append(divisions, d)
	}
	sort.Strings(divisions)

	var failures []string
	for _, division := range divisions {
		composite, risk, err := c.Sources[division].Fetch(ctx, division)
		if err != nil {
			log.Printf("[WARN] kpi collect %s: %v", division, err)
			c.Store.AuditEvent("kpi_collect", division, "error", "warn", err.Error())
			failures = append(failures, fmt.Sprintf("%s: %v", division, err))
			continue
		}
		snap := model.DivisionKPI{
			Division:       division,
			CompositeScore: composite,
			RiskScore:      risk,
			CapturedAt:     time.Now(),
		}
		if err := c.Store.InsertKPI(snap); err != nil {
			log.Printf("[ERROR] kpi store %s: %v", division, err)
			failures = append(failures, fmt.Sprintf("%s: store: %v", division, err))
			continue
		}
		c.Store.AuditEvent("kpi_collect", division, "ok", "info",
			fmt.Sprintf("composite=%.1f risk=%.1f", composite, risk))
	}

	if len(failures) > 0 {
		return model.E(model.KindTransient, "kpi cycle: %d/%d divisions failed: %v",
			len(failures), len(divisions), failures)
	}
	return nil
}
