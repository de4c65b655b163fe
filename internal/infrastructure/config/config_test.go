package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return configPath
}

func TestLoad_ValidConfig(t *testing.T) {
	content := `
site:
  id: "test-site"
database:
  path: "/tmp/test.db"
  wal_mode: true
  busy_timeout: 5
mqtt:
  broker:
    host: "localhost"
    port: 1883
    client_id: "test-client"
  qos: 1
api:
  host: "0.0.0.0"
  port: 8080
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
governance:
  risk_policy:
    low: false
    high: true
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Site.ID != "test-site" {
		t.Errorf("Site.ID = %q, want %q", cfg.Site.ID, "test-site")
	}
	if cfg.Database.Path != "/tmp/test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "/tmp/test.db")
	}
	if cfg.Governance.RiskPolicy["low"] {
		t.Error("risk_policy.low should not require manual approval")
	}
	if !cfg.Governance.RiskPolicy["high"] {
		t.Error("risk_policy.high should require manual approval")
	}
}

func TestLoad_Defaults(t *testing.T) {
	content := `
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Security.RateLimit.MessagesPerMinute != 100 {
		t.Errorf("default MessagesPerMinute = %d, want 100", cfg.Security.RateLimit.MessagesPerMinute)
	}
	if cfg.Security.RateLimit.ConnectionsPerOrigin != 5 {
		t.Errorf("default ConnectionsPerOrigin = %d, want 5", cfg.Security.RateLimit.ConnectionsPerOrigin)
	}
	if cfg.Governance.Backups.MaxPerAutomation != 10 {
		t.Errorf("default backup retention = %d, want 10", cfg.Governance.Backups.MaxPerAutomation)
	}
	if cfg.Governance.Platform.MaxAttempts != 3 {
		t.Errorf("default platform retry attempts = %d, want 3", cfg.Governance.Platform.MaxAttempts)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "invalid: [yaml: content"))
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_MissingJWTSecret(t *testing.T) {
	content := `
site:
  id: "test-site"
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("Load() expected error for missing JWT secret, got nil")
	}
	if !strings.Contains(err.Error(), "jwt.secret") {
		t.Errorf("error %q should mention jwt.secret", err)
	}
}

func TestLoad_ShortJWTSecret(t *testing.T) {
	content := `
security:
  jwt:
    secret: "too-short"
`
	if _, err := Load(writeConfig(t, content)); err == nil {
		t.Error("Load() expected error for short JWT secret, got nil")
	}
}

func TestLoad_UnknownRiskLevel(t *testing.T) {
	content := `
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
governance:
  risk_policy:
    extreme: true
`
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("Load() expected error for unknown risk level, got nil")
	}
	if !strings.Contains(err.Error(), "extreme") {
		t.Errorf("error %q should name the invalid level", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	content := `
database:
  path: "/tmp/from-file.db"
security:
  jwt:
    secret: "test-secret-key-at-least-32-chars!"
`
	t.Setenv("TAPPSHA_DATABASE_PATH", "/tmp/from-env.db")
	t.Setenv("TAPPSHA_API_PORT", "9090")

	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.Path != "/tmp/from-env.db" {
		t.Errorf("Database.Path = %q, want env override", cfg.Database.Path)
	}
	if cfg.API.Port != 9090 {
		t.Errorf("API.Port = %d, want 9090", cfg.API.Port)
	}
}
