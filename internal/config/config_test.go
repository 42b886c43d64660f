package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "agentguard.yaml")
	content := `
server:
  address: ":9000"
runs:
  store:
    driver: mysql
    dsn: "user:pass@tcp(localhost:3306)/guard"
emergency:
  kill_switch_file: kill.yaml
logging:
  audit:
    enabled: true
    path: logs/audit.log
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Address != ":9000" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Server.DefaultLicense != "starter" {
		t.Fatalf("default license should be starter, got %q", cfg.Server.DefaultLicense)
	}
	if cfg.Runs.Store.Driver != "mysql" || cfg.Runs.Workers != 4 {
		t.Fatalf("unexpected runs config %+v", cfg.Runs)
	}
	if cfg.Emergency.KillSwitchFile != filepath.Join(dir, "kill.yaml") {
		t.Fatalf("kill switch path should be resolved against config dir, got %q", cfg.Emergency.KillSwitchFile)
	}
	if cfg.Logging.Audit.Path != filepath.Join(dir, "logs", "audit.log") {
		t.Fatalf("audit path not resolved: %q", cfg.Logging.Audit.Path)
	}
	if cfg.Tools.TerminalTimeoutMs != 60_000 {
		t.Fatalf("unexpected terminal timeout %d", cfg.Tools.TerminalTimeoutMs)
	}
	if cfg.Events.Driver != "none" || cfg.Events.Buffer != 1024 || cfg.Events.PublishTimeoutMs != 2000 {
		t.Fatalf("unexpected events config %+v", cfg.Events)
	}
}

func TestLoadRejectsEmptyPath(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"AGENTGUARD_ADDRESS":         "0.0.0.0:7000",
		"AGENTGUARD_DEFAULT_LICENSE": " PRO ",
		"AGENTGUARD_WORKERS":         "abc",
	}
	cfg.ApplyEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	if cfg.Server.Address != "0.0.0.0:7000" {
		t.Fatalf("address override missing: %q", cfg.Server.Address)
	}
	if cfg.Server.DefaultLicense != "pro" {
		t.Fatalf("license override should be normalised, got %q", cfg.Server.DefaultLicense)
	}
	if cfg.Runs.Workers != 4 {
		t.Fatalf("invalid worker override should be ignored, got %d", cfg.Runs.Workers)
	}
}
