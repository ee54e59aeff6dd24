package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// DivisionConfig declares one division and where its KPI rows come from.
// An empty source_url selects the built-in mock source.
type DivisionConfig struct {
	ID        string `yaml:"id"`
	SourceURL string `yaml:"source_url"`
}

// Config holds all application configuration.
type Config struct {
	Node struct {
		Name        string  `yaml:"name"`
		KeyFile     string  `yaml:"key_file"`
		Reliability float64 `yaml:"reliability"`
		ListenAddr  string  `yaml:"listen_addr"`
	} `yaml:"node"`
	Database struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`
	Divisions []DivisionConfig `yaml:"divisions"`
	Policy    struct {
		Key                   string  `yaml:"key"`
		NeedWeight            float64 `yaml:"need_weight"`
		RiskWeight            float64 `yaml:"risk_weight"`
		ImpactWeight          float64 `yaml:"impact_weight"`
		ImpactInput           string  `yaml:"impact_input"` // "learned" or a fixed number
		MinPctPerDivision     float64 `yaml:"min_pct_per_division"`
		MaxPctPerDivision     float64 `yaml:"max_pct_per_division"`
		MaxMovePerEpochSC     float64 `yaml:"max_move_per_epoch_sc"`
		RequireApprovalOverSC float64 `yaml:"require_approval_over_sc"`
		MaxDailyWeightDrift   float64 `yaml:"max_daily_weight_drift"`
	} `yaml:"policy"`
	Federation struct {
		Epsilon          float64  `yaml:"epsilon"`
		Sensitivity      float64  `yaml:"sensitivity"`
		MinSampleCount   int      `yaml:"min_sample_count"`
		SkewToleranceMin int      `yaml:"skew_tolerance_minutes"`
		ShareDivisions   []string `yaml:"share_divisions"`
		PeerTimeoutSec   int      `yaml:"peer_timeout_seconds"`
		MaxSendRetries   int      `yaml:"max_send_retries"`
	} `yaml:"federation"`
	Schedule struct {
		CollectCron   string `yaml:"collect_cron"`
		RebalanceCron string `yaml:"rebalance_cron"`
		LearningCron  string `yaml:"learning_cron"`
		ExportCron    string `yaml:"export_cron"`
		MergeCron     string `yaml:"merge_cron"`
		TallyCron     string `yaml:"tally_cron"`
	} `yaml:"schedule"`
	Notifier struct {
		WebhookURL       string `yaml:"webhook_url"`
		TelegramBotToken string `yaml:"telegram_bot_token"`
		TelegramChatID   string `yaml:"telegram_chat_id"`
	} `yaml:"notifier"`
	Proxy string `yaml:"proxy"`
}

// Load reads config from a YAML file, then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if v := os.Getenv("NODE_NAME"); v != "" {
		cfg.Node.Name = v
	}
	if v := os.Getenv("NODE_KEY_FILE"); v != "" {
		cfg.Node.KeyFile = v
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.Node.ListenAddr = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Database.SQLitePath = v
	}
	if v := os.Getenv("NOTIFY_WEBHOOK_URL"); v != "" {
		cfg.Notifier.WebhookURL = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Notifier.TelegramBotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		cfg.Notifier.TelegramChatID = v
	}
	if v := os.Getenv("FEDERATION_EPSILON"); v != "" {
		if eps, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Federation.Epsilon = eps
		}
	}
	if v := os.Getenv("HTTPS_PROXY"); v != "" {
		cfg.Proxy = v
	}

	// Defaults
	if cfg.Node.Name == "" {
		cfg.Node.Name = "allocmesh-node"
	}
	if cfg.Node.KeyFile == "" {
		cfg.Node.KeyFile = "data/node_ed25519.key"
	}
	if cfg.Node.Reliability <= 0 || cfg.Node.Reliability > 1 {
		cfg.Node.Reliability = 0.9
	}
	if cfg.Node.ListenAddr == "" {
		cfg.Node.ListenAddr = ":8090"
	}
	if cfg.Database.SQLitePath == "" {
		cfg.Database.SQLitePath = "data/allocmesh.db"
	}
	if cfg.Policy.Key == "" {
		cfg.Policy.Key = "default"
	}
	if cfg.Policy.NeedWeight == 0 && cfg.Policy.RiskWeight == 0 && cfg.Policy.ImpactWeight == 0 {
		cfg.Policy.NeedWeight = 0.4
		cfg.Policy.RiskWeight = 0.35
		cfg.Policy.ImpactWeight = 0.25
	}
	if cfg.Policy.ImpactInput == "" {
		cfg.Policy.ImpactInput = "learned"
	}
	if cfg.Policy.MinPctPerDivision == 0 {
		cfg.Policy.MinPctPerDivision = 5
	}
	if cfg.Policy.MaxPctPerDivision == 0 {
		cfg.Policy.MaxPctPerDivision = 40
	}
	if cfg.Policy.MaxMovePerEpochSC == 0 {
		cfg.Policy.MaxMovePerEpochSC = 5000
	}
	if cfg.Policy.RequireApprovalOverSC == 0 {
		cfg.Policy.RequireApprovalOverSC = 1000
	}
	if cfg.Policy.MaxDailyWeightDrift == 0 {
		cfg.Policy.MaxDailyWeightDrift = 0.2
	}
	if cfg.Federation.Epsilon == 0 {
		cfg.Federation.Epsilon = 0.7
	}
	if cfg.Federation.Sensitivity == 0 {
		cfg.Federation.Sensitivity = 1.0
	}
	if cfg.Federation.MinSampleCount == 0 {
		cfg.Federation.MinSampleCount = 5
	}
	if cfg.Federation.SkewToleranceMin == 0 {
		cfg.Federation.SkewToleranceMin = 10
	}
	if cfg.Federation.PeerTimeoutSec == 0 {
		cfg.Federation.PeerTimeoutSec = 15
	}
	if cfg.Federation.MaxSendRetries == 0 {
		cfg.Federation.MaxSendRetries = 5
	}
	if cfg.Schedule.CollectCron == "" {
		cfg.Schedule.CollectCron = "0 0 * * * *" // hourly
	}
	if cfg.Schedule.RebalanceCron == "" {
		cfg.Schedule.RebalanceCron = "0 30 */6 * * *" // every 6 hours
	}
	if cfg.Schedule.LearningCron == "" {
		cfg.Schedule.LearningCron = "0 0 2 * * *" // daily 02:00
	}
	if cfg.Schedule.ExportCron == "" {
		cfg.Schedule.ExportCron = "0 0 3 * * *" // daily 03:00
	}
	if cfg.Schedule.MergeCron == "" {
		cfg.Schedule.MergeCron = "0 0 4 * * *" // daily 04:00
	}
	if cfg.Schedule.TallyCron == "" {
		cfg.Schedule.TallyCron = "0 15 * * * *" // hourly, past the hour
	}

	return cfg, nil
}

// Validate checks that all required fields are set and in range.
func (c *Config) Validate() error {
	if len(c.Divisions) == 0 {
		return fmt.Errorf("at least one division is required")
	}
	seen := map[string]bool{}
	for _, d := range c.Divisions {
		if d.ID == "" {
			return fmt.Errorf("division id must not be empty")
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate division id: %s", d.ID)
		}
		seen[d.ID] = true
	}
	if c.Policy.MinPctPerDivision < 0 || c.Policy.MaxPctPerDivision > 100 ||
		c.Policy.MinPctPerDivision >= c.Policy.MaxPctPerDivision {
		return fmt.Errorf("policy pct bounds invalid: min=%.1f max=%.1f",
			c.Policy.MinPctPerDivision, c.Policy.MaxPctPerDivision)
	}
	if c.Policy.ImpactInput != "learned" {
		if _, err := strconv.ParseFloat(c.Policy.ImpactInput, 64); err != nil {
			return fmt.Errorf("policy.impact_input must be %q or a number, got %q", "learned", c.Policy.ImpactInput)
		}
	}
	if c.Federation.Epsilon <= 0 {
		return fmt.Errorf("federation.epsilon must be positive")
	}
	if c.Federation.MaxSendRetries < 1 {
		return fmt.Errorf("federation.max_send_retries must be at least 1")
	}
	return nil
}
