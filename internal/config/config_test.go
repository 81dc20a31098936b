package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
[admin_api]
base_url = "https://api.example.com"
request_timeout = "45s"

[rate_limit]
requests_per_minute = 30
burst = 5

[ingest]
simulate_on_permission_failure = true
chunk_pause = "500ms"

[storage]
driver = "postgres"
dsn = "postgres://usage@localhost/usage"

[pricing.overrides."gpt-4o"]
input_per_1k = 0.001

[pricing.overrides."acme-*"]
input_per_1k = 0.01
output_per_1k = 0.02

[[credentials]]
subject = "team-a"
ref = "key-1"
secret_env = "TEAM_A_KEY"
usage_mode = "admin"
organization_id = "org-1"
project_id = "proj_1"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := LoadFile(writeConfig(t, sampleConfig))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.AdminAPI.BaseURL != "https://api.example.com" {
		t.Fatalf("BaseURL = %q", cfg.AdminAPI.BaseURL)
	}
	if cfg.AdminAPI.RequestTimeout.Duration != 45*time.Second {
		t.Fatalf("RequestTimeout = %s, want 45s", cfg.AdminAPI.RequestTimeout)
	}
	// Unset keys keep their defaults.
	if cfg.AdminAPI.CompletionsPath != "/v1/organization/usage/completions" {
		t.Fatalf("CompletionsPath = %q, want default", cfg.AdminAPI.CompletionsPath)
	}
	if cfg.RateLimit.AcquireTimeout.Duration != time.Minute {
		t.Fatalf("AcquireTimeout = %s, want default 1m", cfg.RateLimit.AcquireTimeout)
	}
	if cfg.Ingest.ChunkPause.Duration != 500*time.Millisecond {
		t.Fatalf("ChunkPause = %s, want 500ms", cfg.Ingest.ChunkPause)
	}
	if !cfg.Ingest.SimulateOnPermissionFailure {
		t.Fatal("SimulateOnPermissionFailure = false, want true")
	}

	o, ok := cfg.Pricing.Overrides["gpt-4o"]
	if !ok || o.InputPer1K == nil || *o.InputPer1K != 0.001 || o.OutputPer1K != nil {
		t.Fatalf("gpt-4o override = %+v, want input only", o)
	}
	if len(cfg.Credentials) != 1 || cfg.Credentials[0].ProjectID != "proj_1" {
		t.Fatalf("Credentials = %+v", cfg.Credentials)
	}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLoadFileMissingReturnsDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.RateLimit.Burst != 10 || cfg.AdminAPI.MaxPages != 20 {
		t.Fatalf("defaults not applied: %+v", cfg.RateLimit)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config Validate: %v", err)
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AdminAPI.BaseURL = "http://api.example.com"
	cfg.RateLimit.Burst = 0
	cfg.Storage.Driver = "mysql"
	cfg.Credentials = []CredentialConfig{
		{Subject: "s", Ref: "k", UsageMode: "weird"},
		{Subject: "s", Ref: "k"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate accepted a broken config")
	}
	msg := err.Error()
	for _, want := range []string{"https", "burst", "mysql", "unknown usage mode", "duplicate ref"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("Validate error %q does not mention %q", msg, want)
		}
	}
}

func TestValidateAllowsIncompleteAdminCredential(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Credentials = []CredentialConfig{{Subject: "s", Ref: "k", UsageMode: "admin"}}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate = %v; missing admin ids fail at run time, not load time", err)
	}
}

func TestGetSecretPrefersEnv(t *testing.T) {
	t.Setenv("USAGESYNC_TEST_KEY", "from-env")
	c := CredentialConfig{Secret: "from-file", SecretEnv: "USAGESYNC_TEST_KEY"}
	if got := GetSecret(c); got != "from-env" {
		t.Fatalf("GetSecret = %q, want from-env", got)
	}
	c.SecretEnv = "USAGESYNC_TEST_UNSET"
	if got := GetSecret(c); got != "from-file" {
		t.Fatalf("GetSecret = %q, want from-file", got)
	}
}

func TestSaveRoundTripsDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "config.toml")
	cfg := DefaultConfig()
	cfg.Daemon.Interval = Dur(90 * time.Second)
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got.Daemon.Interval.Duration != 90*time.Second {
		t.Fatalf("Interval = %s, want 1m30s", got.Daemon.Interval)
	}
}

func TestGetStorageDSN(t *testing.T) {
	t.Setenv("USAGESYNC_DATABASE_URL", "")
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg")
	cfg := DefaultConfig()
	if got := GetStorageDSN(cfg); got != filepath.Join("/tmp/xdg", "usagesync", "usage.db") {
		t.Fatalf("GetStorageDSN = %q", got)
	}
	t.Setenv("USAGESYNC_DATABASE_URL", "postgres://x")
	if got := GetStorageDSN(cfg); got != "postgres://x" {
		t.Fatalf("GetStorageDSN = %q, want env value", got)
	}
}
