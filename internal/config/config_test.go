package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/makdo-io/makdo/internal/types"
)

func TestGetEnv(t *testing.T) {
	t.Run("returns default when unset", func(t *testing.T) {
		os.Unsetenv("MAKDO_TEST_GETENV_UNSET")
		if got := GetEnv("MAKDO_TEST_GETENV_UNSET", "default"); got != "default" {
			t.Errorf("GetEnv(unset) = %q, want %q", got, "default")
		}
	})

	t.Run("returns value when set", func(t *testing.T) {
		os.Setenv("MAKDO_TEST_GETENV_SET", "myvalue")
		defer os.Unsetenv("MAKDO_TEST_GETENV_SET")
		if got := GetEnv("MAKDO_TEST_GETENV_SET", "default"); got != "myvalue" {
			t.Errorf("GetEnv(set) = %q, want %q", got, "myvalue")
		}
	})

	t.Run("trims space", func(t *testing.T) {
		os.Setenv("MAKDO_TEST_GETENV_TRIM", "  trimmed  ")
		defer os.Unsetenv("MAKDO_TEST_GETENV_TRIM")
		if got := GetEnv("MAKDO_TEST_GETENV_TRIM", "default"); got != "trimmed" {
			t.Errorf("GetEnv(trim) = %q, want %q", got, "trimmed")
		}
	})
}

func TestGetEnvDuration(t *testing.T) {
	t.Run("returns default when unset", func(t *testing.T) {
		os.Unsetenv("MAKDO_TEST_DURATION_UNSET")
		if got := GetEnvDuration("MAKDO_TEST_DURATION_UNSET", 5*time.Second); got != 5*time.Second {
			t.Errorf("GetEnvDuration(unset) = %v, want 5s", got)
		}
	})

	t.Run("parses valid duration", func(t *testing.T) {
		os.Setenv("MAKDO_TEST_DURATION_VALID", "90s")
		defer os.Unsetenv("MAKDO_TEST_DURATION_VALID")
		if got := GetEnvDuration("MAKDO_TEST_DURATION_VALID", time.Second); got != 90*time.Second {
			t.Errorf("GetEnvDuration(90s) = %v", got)
		}
	})

	t.Run("returns default when invalid", func(t *testing.T) {
		os.Setenv("MAKDO_TEST_DURATION_INVALID", "not-a-duration")
		defer os.Unsetenv("MAKDO_TEST_DURATION_INVALID")
		if got := GetEnvDuration("MAKDO_TEST_DURATION_INVALID", 7*time.Second); got != 7*time.Second {
			t.Errorf("GetEnvDuration(invalid) = %v, want 7s", got)
		}
	})
}

func TestGetEnvInt(t *testing.T) {
	os.Setenv("MAKDO_TEST_INT", "42")
	defer os.Unsetenv("MAKDO_TEST_INT")
	if got := GetEnvInt("MAKDO_TEST_INT", 1); got != 42 {
		t.Errorf("GetEnvInt = %d, want 42", got)
	}
	if got := GetEnvInt("MAKDO_TEST_INT_UNSET", 9); got != 9 {
		t.Errorf("GetEnvInt(unset) = %d, want 9", got)
	}
}

func writeInventory(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "makdo.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write inventory: %v", err)
	}
	return path
}

const sampleInventory = `
clusters:
  - id: prod-east
    context: kind-prod-east
    endpoint: https://10.0.0.1:6443
    kubeconfig: /etc/makdo/prod-east.kubeconfig
    enabled: true
  - id: staging
    context: kind-staging
    endpoint: https://10.0.0.2:6443
    enabled: true
  - id: disabled-one
    context: kind-disabled
    enabled: false
monitoring:
  pollInterval: 30s
  approvalThreshold: critical
  approvalTimeout: 2m
  historyCycles: 3
sessionBackend:
  baseURL: http://k8s-ai.local:9998
  ttlHours: 12
notifications:
  channel: makdo-devops
`

func TestLoad(t *testing.T) {
	path := writeInventory(t, sampleInventory)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Clusters) != 2 {
		t.Fatalf("enabled clusters = %d, want 2", len(cfg.Clusters))
	}
	if cfg.Clusters[0].ID != "prod-east" || cfg.Clusters[0].Endpoint != "https://10.0.0.1:6443" {
		t.Errorf("cluster[0] = %+v", cfg.Clusters[0])
	}
	if cfg.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %v, want 30s", cfg.PollInterval)
	}
	if cfg.ApprovalThreshold != types.SeverityCritical {
		t.Errorf("ApprovalThreshold = %v, want CRITICAL", cfg.ApprovalThreshold)
	}
	if cfg.ApprovalTimeout != 2*time.Minute {
		t.Errorf("ApprovalTimeout = %v, want 2m", cfg.ApprovalTimeout)
	}
	if cfg.HistoryCycles != 3 {
		t.Errorf("HistoryCycles = %d, want 3", cfg.HistoryCycles)
	}
	if cfg.SessionBaseURL != "http://k8s-ai.local:9998" {
		t.Errorf("SessionBaseURL = %q", cfg.SessionBaseURL)
	}
	if cfg.SessionTTLHours != 12 {
		t.Errorf("SessionTTLHours = %v, want 12", cfg.SessionTTLHours)
	}
	if cfg.SlackChannel != "makdo-devops" {
		t.Errorf("SlackChannel = %q", cfg.SlackChannel)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeInventory(t, `
clusters:
  - id: c1
    context: kind-c1
    enabled: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollInterval != 60*time.Second {
		t.Errorf("default PollInterval = %v, want 60s", cfg.PollInterval)
	}
	if cfg.ApprovalThreshold != types.SeverityHigh {
		t.Errorf("default ApprovalThreshold = %v, want HIGH", cfg.ApprovalThreshold)
	}
	if cfg.SessionBaseURL != "http://localhost:9998" {
		t.Errorf("default SessionBaseURL = %q", cfg.SessionBaseURL)
	}
	if cfg.SessionTTLHours != 24 {
		t.Errorf("default SessionTTLHours = %v, want 24", cfg.SessionTTLHours)
	}
}

func TestLoad_EnvOverridesInventory(t *testing.T) {
	os.Setenv("MAKDO_CHECK_INTERVAL", "15s")
	defer os.Unsetenv("MAKDO_CHECK_INTERVAL")

	path := writeInventory(t, sampleInventory)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollInterval != 15*time.Second {
		t.Errorf("PollInterval = %v, want env override 15s", cfg.PollInterval)
	}
}

func TestLoad_NoEnabledClusters(t *testing.T) {
	path := writeInventory(t, `
clusters:
  - id: c1
    enabled: false
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error when no clusters are enabled")
	}
}

func TestLoad_InvalidThreshold(t *testing.T) {
	path := writeInventory(t, `
clusters:
  - id: c1
    enabled: true
monitoring:
  approvalThreshold: catastrophic
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid approvalThreshold")
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing inventory file")
	}
}

func TestConfig_Cluster(t *testing.T) {
	path := writeInventory(t, sampleInventory)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c, ok := cfg.Cluster("staging"); !ok || c.Context != "kind-staging" {
		t.Errorf("Cluster(staging) = %+v, %v", c, ok)
	}
	if _, ok := cfg.Cluster("nope"); ok {
		t.Error("Cluster(nope) should not be found")
	}
}
