// Package config provides configuration loading for the MAKDO orchestrator:
// environment-variable helpers for process-level knobs and a YAML inventory
// file describing the monitored clusters. The loaded Config is immutable for
// the process lifetime; changing the inventory requires a restart.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/makdo-io/makdo/internal/types"
)

// GetEnv returns the value of key from the environment, or defaultValue if unset or empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return defaultValue
}

// GetEnvDuration returns the duration for key, or defaultValue if unset/invalid.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

// GetEnvInt returns the integer for key, or defaultValue if unset/invalid.
func GetEnvInt(key string, defaultValue int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return defaultValue
	}
	return n
}

// ClusterConfig describes one monitored cluster from the inventory file.
type ClusterConfig struct {
	ID             string `yaml:"id"`
	Context        string `yaml:"context"`
	Endpoint       string `yaml:"endpoint"`
	KubeconfigPath string `yaml:"kubeconfig"`
	InsecureTLS    bool   `yaml:"insecureSkipTLSVerify"`
	Enabled        bool   `yaml:"enabled"`
}

// Inventory is the YAML shape of the cluster inventory file.
type Inventory struct {
	Clusters []ClusterConfig `yaml:"clusters"`

	Monitoring struct {
		PollInterval      time.Duration `yaml:"pollInterval"`
		ProbeTimeout      time.Duration `yaml:"probeTimeout"`
		HistoryCycles     int           `yaml:"historyCycles"`
		ApprovalThreshold string        `yaml:"approvalThreshold"`
		ApprovalTimeout   time.Duration `yaml:"approvalTimeout"`
	} `yaml:"monitoring"`

	SessionBackend struct {
		BaseURL  string  `yaml:"baseURL"`
		TTLHours float64 `yaml:"ttlHours"`
	} `yaml:"sessionBackend"`

	Notifications struct {
		Channel string `yaml:"channel"`
	} `yaml:"notifications"`
}

// Config is the fully resolved orchestrator configuration.
type Config struct {
	Clusters []ClusterConfig

	PollInterval      time.Duration
	ProbeTimeout      time.Duration
	HistoryCycles     int
	ApprovalThreshold types.Severity
	ApprovalTimeout   time.Duration

	SessionBaseURL    string
	SessionAPIKey     string
	SessionTTLHours   float64
	SessionRenewAhead time.Duration

	SlackToken    string
	SlackChannel  string
	NotifyRetries int
	NotifyBackoff time.Duration

	HTTPAddr        string
	HistoryDBPath   string
	ShutdownTimeout time.Duration

	InventoryPath string
}

// Load reads the inventory file at path and merges it with environment
// overrides. Secrets (Slack bot token, session backend API key) come from the
// environment only.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}

	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}

	cfg := &Config{
		PollInterval:      60 * time.Second,
		ProbeTimeout:      30 * time.Second,
		HistoryCycles:     5,
		ApprovalThreshold: types.SeverityHigh,
		ApprovalTimeout:   5 * time.Minute,
		SessionBaseURL:    "http://localhost:9998",
		SessionTTLHours:   24,
		SessionRenewAhead: 5 * time.Minute,
		NotifyRetries:     5,
		NotifyBackoff:     2 * time.Second,
		InventoryPath:     path,
	}

	for _, c := range inv.Clusters {
		if !c.Enabled {
			continue
		}
		if c.ID == "" {
			return nil, fmt.Errorf("cluster inventory entry missing id")
		}
		cfg.Clusters = append(cfg.Clusters, c)
	}
	if len(cfg.Clusters) == 0 {
		return nil, fmt.Errorf("no enabled clusters in inventory %s", path)
	}

	if inv.Monitoring.PollInterval > 0 {
		cfg.PollInterval = inv.Monitoring.PollInterval
	}
	if inv.Monitoring.ProbeTimeout > 0 {
		cfg.ProbeTimeout = inv.Monitoring.ProbeTimeout
	}
	if inv.Monitoring.HistoryCycles > 0 {
		cfg.HistoryCycles = inv.Monitoring.HistoryCycles
	}
	if inv.Monitoring.ApprovalTimeout > 0 {
		cfg.ApprovalTimeout = inv.Monitoring.ApprovalTimeout
	}
	if inv.Monitoring.ApprovalThreshold != "" {
		sev, err := types.ParseSeverity(inv.Monitoring.ApprovalThreshold)
		if err != nil {
			return nil, fmt.Errorf("inventory approvalThreshold: %w", err)
		}
		cfg.ApprovalThreshold = sev
	}
	if inv.SessionBackend.BaseURL != "" {
		cfg.SessionBaseURL = inv.SessionBackend.BaseURL
	}
	if inv.SessionBackend.TTLHours > 0 {
		cfg.SessionTTLHours = inv.SessionBackend.TTLHours
	}
	if inv.Notifications.Channel != "" {
		cfg.SlackChannel = inv.Notifications.Channel
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.PollInterval = GetEnvDuration("MAKDO_CHECK_INTERVAL", cfg.PollInterval)
	cfg.ProbeTimeout = GetEnvDuration("MAKDO_PROBE_TIMEOUT", cfg.ProbeTimeout)
	cfg.HistoryCycles = GetEnvInt("MAKDO_HISTORY_CYCLES", cfg.HistoryCycles)
	cfg.ApprovalTimeout = GetEnvDuration("MAKDO_APPROVAL_TIMEOUT", cfg.ApprovalTimeout)
	cfg.SessionBaseURL = GetEnv("K8S_AI_BASE_URL", cfg.SessionBaseURL)
	cfg.SessionAPIKey = GetEnv("K8S_AI_API_KEY", "")
	cfg.SessionRenewAhead = GetEnvDuration("MAKDO_SESSION_RENEW_AHEAD", cfg.SessionRenewAhead)
	cfg.SlackToken = GetEnv("MAKDO_BOT_TOKEN", "")
	cfg.SlackChannel = GetEnv("MAKDO_SLACK_CHANNEL", cfg.SlackChannel)
	cfg.NotifyRetries = GetEnvInt("MAKDO_NOTIFY_RETRIES", cfg.NotifyRetries)
	cfg.NotifyBackoff = GetEnvDuration("MAKDO_NOTIFY_BACKOFF", cfg.NotifyBackoff)
	cfg.HTTPAddr = GetEnv("HTTP_ADDR", ":8080")
	cfg.HistoryDBPath = GetEnv("MAKDO_HISTORY_DB", "makdo-history.db")
	cfg.ShutdownTimeout = GetEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second)
}

// Cluster returns the configuration for the given cluster id.
func (c *Config) Cluster(id string) (ClusterConfig, bool) {
	for _, cl := range c.Clusters {
		if cl.ID == id {
			return cl, true
		}
	}
	return ClusterConfig{}, false
}
