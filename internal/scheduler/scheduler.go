package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"AllocMesh/internal/dao"
	"AllocMesh/internal/federation"
	"AllocMesh/internal/kpi"
	"AllocMesh/internal/learning"
	"AllocMesh/internal/model"
	"AllocMesh/internal/policy"
	"AllocMesh/internal/prior"
	"AllocMesh/internal/store"
)

// impactWindow bounds how far back the learning task looks for finished
// runs awaiting impact evaluation.
const impactWindow = 7 * 24 * time.Hour

// CronConfig holds one cron spec per scheduled handler.
type CronConfig struct {
	Collect   string
	Rebalance string
	Learning  string
	Export    string
	Merge     string
	Tally     string
}

// Scheduler wires every stateless handler onto its cadence. Handlers may
// also be invoked manually; overlap with a scheduled run is safe because
// all shared state lives in the store and wallet mutation is atomic.
type Scheduler struct {
	Cron      *cron.Cron
	Store     *store.Store
	Collector *kpi.Collector
	Evaluator *kpi.Evaluator
	Engine    *policy.Engine
	Updater   *learning.Updater
	Exporter  *federation.Exporter
	Sender    *federation.Sender
	Merger    *prior.Merger
	Tallier   *dao.Tallier
	PolicyKey string
	Ctx       context.Context
}

// NewScheduler creates a Scheduler over the assembled components.
func NewScheduler(ctx context.Context, st *store.Store, col *kpi.Collector, ev *kpi.Evaluator,
	eng *policy.Engine, upd *learning.Updater, exp *federation.Exporter,
	snd *federation.Sender, mrg *prior.Merger, tal *dao.Tallier, policyKey string) *Scheduler {
	return &Scheduler{
		Cron:      cron.New(cron.WithSeconds()),
		Store:     st,
		Collector: col,
		Evaluator: ev,
		Engine:    eng,
		Updater:   upd,
		Exporter:  exp,
		Sender:    snd,
		Merger:    mrg,
		Tallier:   tal,
		PolicyKey: policyKey,
		Ctx:       ctx,
	}
}

// RegisterAll registers every cadence.
func (s *Scheduler) RegisterAll(cfg CronConfig) error {
	jobs := []struct {
		name string
		spec string
		fn   func()
	}{
		{"kpi_collect", cfg.Collect, s.collectTask},
		{"rebalance", cfg.Rebalance, s.rebalanceTask},
		{"learning", cfg.Learning, s.learningTask},
		{"bundle_export", cfg.Export, s.exportTask},
		{"prior_merge", cfg.Merge, s.mergeTask},
		{"dao_tally", cfg.Tally, s.tallyTask},
	}
	for _, j := range jobs {
		if _, err := s.Cron.AddFunc(j.spec, j.fn); err != nil {
			return fmt.Errorf("register %s task: %w", j.name, err)
		}
	}
	return nil
}

// Start starts the cron scheduler.
func (s *Scheduler) Start() {
	s.Cron.Start()
	log.Println("[INFO] scheduler started")
}

// Stop stops the cron scheduler gracefully.
func (s *Scheduler) Stop() {
	s.Cron.Stop()
	log.Println("[INFO] scheduler stopped")
}

// runLogged executes one job and records the outcome in the automation log
// so cadence compliance is auditable independent of process logs. Jobs
// never propagate a fault upward.
func (s *Scheduler) runLogged(job string, fn func() error) {
	started := time.Now()
	log.Printf("[INFO] running %s task", job)
	err := fn()
	status, errMsg := "ok", ""
	if err != nil {
		status, errMsg = "error", err.Error()
		log.Printf("[ERROR] %s task: %v", job, err)
	}
	s.Store.RecordAutomation(job, status, errMsg, started, time.Now())
}

func (s *Scheduler) collectTask() {
	s.runLogged("kpi_collect", func() error {
		return s.Collector.CollectCycle(s.Ctx)
	})
}

func (s *Scheduler) rebalanceTask() {
	s.runLogged("rebalance", func() error {
		// Scheduled runs simulate only; execute mode is a manual decision.
		run, moves, err := s.Engine.Run(s.PolicyKey, model.ModeSimulate)
		if err != nil {
			return err
		}
		log.Printf("[INFO] rebalance run %s: %d moves, %.0f SC planned", run.ID, len(moves), run.TotalMovedSC)
		return nil
	})
}

func (s *Scheduler) learningTask() {
	s.runLogged("learning", func() error {
		s.Evaluator.EvaluatePending(impactWindow)
		return s.Updater.Cycle()
	})
}

func (s *Scheduler) exportTask() {
	s.runLogged("bundle_export", func() error {
		bundle, err := s.Exporter.BuildBundle(time.Now())
		if err != nil {
			return err
		}
		if bundle == nil {
			log.Println("[INFO] bundle export: no qualifying divisions this window")
		}
		// Deliver even when this window produced nothing: a bundle left
		// queued by an interrupted earlier cycle still has to go out.
		s.Sender.DeliverQueued(s.Ctx)
		return nil
	})
}

func (s *Scheduler) mergeTask() {
	s.runLogged("prior_merge", func() error {
		return s.Merger.Cycle()
	})
}

func (s *Scheduler) tallyTask() {
	s.runLogged("dao_tally", func() error {
		s.Tallier.TallyDue()
		return nil
	})
}

// RunRebalanceNow triggers one rebalance immediately in the given mode
// (manual trigger, may overlap a scheduled run).
func (s *Scheduler) RunRebalanceNow(mode model.RunMode) (*model.RebalanceRun, error) {
	run, _, err := s.Engine.Run(s.PolicyKey, mode)
	return run, err
}

// RunCollectNow triggers one KPI collection cycle immediately.
func (s *Scheduler) RunCollectNow() error {
	return s.Collector.CollectCycle(s.Ctx)
}
