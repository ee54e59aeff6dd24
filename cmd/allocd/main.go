package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"AllocMesh/internal/approval"
	"AllocMesh/internal/config"
	"AllocMesh/internal/dao"
	"AllocMesh/internal/federation"
	"AllocMesh/internal/kpi"
	"AllocMesh/internal/learning"
	"AllocMesh/internal/ledger"
	"AllocMesh/internal/model"
	"AllocMesh/internal/notifier"
	"AllocMesh/internal/policy"
	"AllocMesh/internal/prior"
	"AllocMesh/internal/scheduler"
	"AllocMesh/internal/store"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[INFO] allocd starting...")

	// Load config
	cfgPath := "configs/config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		cfgPath = v
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("[FATAL] load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[FATAL] config validation: %v", err)
	}

	// Open store
	st, err := store.Open(cfg.Database.SQLitePath)
	if err != nil {
		log.Fatalf("[FATAL] open store: %v", err)
	}
	defer st.Close()

	// Node signing key
	signer, err := federation.LoadSigner(cfg.Node.KeyFile)
	if err != nil {
		log.Fatalf("[FATAL] load signing key: %v", err)
	}
	log.Printf("[INFO] node %s public key: %s", cfg.Node.Name, signer.PublicKeyHex())

	// Seed the allocation policy from config; learned fields survive updates.
	divisions := make([]string, 0, len(cfg.Divisions))
	for _, d := range cfg.Divisions {
		divisions = append(divisions, d.ID)
	}
	pol := model.AllocationPolicy{
		PolicyKey: cfg.Policy.Key,
		Weights: model.PolicyWeights{
			Need:   cfg.Policy.NeedWeight,
			Risk:   cfg.Policy.RiskWeight,
			Impact: cfg.Policy.ImpactWeight,
		},
		Constraints: model.PolicyConstraints{
			MinPctPerDivision:     cfg.Policy.MinPctPerDivision,
			MaxPctPerDivision:     cfg.Policy.MaxPctPerDivision,
			MaxMovePerEpochSC:     cfg.Policy.MaxMovePerEpochSC,
			RequireApprovalOverSC: cfg.Policy.RequireApprovalOverSC,
		},
		Enabled: true,
	}
	if err := st.UpsertPolicy(pol); err != nil {
		log.Fatalf("[FATAL] seed policy: %v", err)
	}

	// KPI sources: one per configured division
	sources := make(map[string]kpi.Source, len(cfg.Divisions))
	for _, d := range cfg.Divisions {
		if d.SourceURL != "" {
			sources[d.ID] = kpi.NewHTTPSource(d.SourceURL, cfg.Proxy)
		} else {
			log.Printf("[WARN] division %s has no source_url, using mock source", d.ID)
			sources[d.ID] = &kpi.MockSource{Composite: 50, Risk: 50}
		}
	}

	// Collaborators
	lg := ledger.New(st.DB())
	sink := approval.NewStoreSink(st)
	var notify notifier.Notifier = notifier.NoopNotifier{}
	switch {
	case cfg.Notifier.TelegramBotToken != "" && cfg.Notifier.TelegramChatID != "":
		notify = notifier.NewTelegramNotifier(cfg.Notifier.TelegramBotToken, cfg.Notifier.TelegramChatID, cfg.Proxy)
	case cfg.Notifier.WebhookURL != "":
		notify = notifier.NewWebhookNotifier(cfg.Notifier.WebhookURL, cfg.Proxy)
	}

	// Engines
	collector := kpi.NewCollector(st, sources)
	evaluator := kpi.NewEvaluator(st, divisions)
	engine := policy.NewEngine(st, lg, sink, divisions, cfg.Policy.ImpactInput)
	updater := learning.NewUpdater(st, notify, cfg.Policy.Key)
	exporter := federation.NewExporter(st, federation.ExporterConfig{
		Epsilon:         cfg.Federation.Epsilon,
		Sensitivity:     cfg.Federation.Sensitivity,
		MinSampleCount:  cfg.Federation.MinSampleCount,
		ShareDivisions:  cfg.Federation.ShareDivisions,
		NodeReliability: cfg.Node.Reliability,
	}, 0)
	sender := federation.NewSender(st, signer, cfg.Node.Name,
		cfg.Federation.MaxSendRetries, cfg.Federation.PeerTimeoutSec)
	merger := prior.NewMerger(st, cfg.Policy.Key, cfg.Policy.MaxDailyWeightDrift)
	tallier := dao.NewTallier(st, sink)
	verifier := federation.NewVerifier(st, time.Duration(cfg.Federation.SkewToleranceMin)*time.Minute)

	// Context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Scheduler
	sched := scheduler.NewScheduler(ctx, st, collector, evaluator, engine, updater,
		exporter, sender, merger, tallier, cfg.Policy.Key)
	if err := sched.RegisterAll(scheduler.CronConfig{
		Collect:   cfg.Schedule.CollectCron,
		Rebalance: cfg.Schedule.RebalanceCron,
		Learning:  cfg.Schedule.LearningCron,
		Export:    cfg.Schedule.ExportCron,
		Merge:     cfg.Schedule.MergeCron,
		Tally:     cfg.Schedule.TallyCron,
	}); err != nil {
		log.Fatalf("[FATAL] register cron tasks: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	// Federation ingest server
	server := federation.NewServer(verifier, st, cfg.Node.ListenAddr)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("[FATAL] %v", err)
		}
	}()

	// Optional: run immediately on start
	if os.Getenv("RUN_ON_START") == "true" {
		log.Println("[INFO] RUN_ON_START enabled, collecting KPIs now")
		go func() {
			if err := sched.RunCollectNow(); err != nil {
				log.Printf("[ERROR] startup collect: %v", err)
			}
		}()
	}

	log.Println("[INFO] allocd is running. Press Ctrl+C to stop.")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("[INFO] shutdown signal received, stopping...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[ERROR] server shutdown: %v", err)
	}
	log.Println("[INFO] allocd stopped")
}
