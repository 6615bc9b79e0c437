package config

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

// allEnvVars lists every variable Load reads; cleared between tests.
var allEnvVars = []string{
	"GADOS_CONFIG_FILE", "GADOS_REPO_ROOT", "GADOS_ROOT", "GADOS_RUNTIME_DIR", "GADOS_AUDIT_DIR",
	"GADOS_HTTP_ADDR", "GADOS_GRPC_ADDR", "GADOS_BUS_DATABASE_URL", "GADOS_NATS_URL",
	"GADOS_LOG_FORMAT", "GADOS_LOG_LEVEL",
	"GADOS_BASIC_AUTH_USER", "GADOS_BASIC_AUTH_PASSWORD", "GADOS_MAX_REQUEST_BYTES",
	"GADOS_CORS_ALLOW_ORIGINS", "GADOS_RATE_LIMIT_RPS", "GADOS_RATE_LIMIT_BURST", "GADOS_RATE_LIMIT_REDIS_URL",
	"GADOS_AUTORUN_REPORTS", "GADOS_AUTORUN_REPORTS_INTERVAL_MINUTES",
	"GADOS_WEBHOOK_URL", "GADOS_WEBHOOK_MIN_SEVERITY", "GADOS_WEBHOOK_HMAC_SECRET",
	"GADOS_BETA_RUN_STORE_PATH", "GADOS_ANALYTICS_PROPERTIES_ALLOWLIST",
	"GADOS_ARCHIVE_INTERVAL", "GADOS_ARCHIVE_S3_BUCKET", "GADOS_ARCHIVE_S3_ENDPOINT",
	"GADOS_ARCHIVE_S3_REGION", "GADOS_ARCHIVE_S3_KEY", "GADOS_ARCHIVE_GIT_REPO",
	"GADOS_ARCHIVE_GIT_FILE", "GADOS_ARCHIVE_GIT_BRANCH",
	"GADOS_WATCH_ARTIFACTS", "GADOS_PRESENCE_DEAD_AFTER",
}

func clearAllEnv(t *testing.T) {
	t.Helper()
	for _, key := range allEnvVars {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearAllEnv(t)
	t.Setenv("GADOS_REPO_ROOT", "/srv/repo")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, tc := range []struct {
		name string
		got  string
		want string
	}{
		{"GadosRoot", cfg.GadosRoot, "/srv/repo/gados-project"},
		{"RuntimeDir", cfg.RuntimeDir, "/srv/repo/.gados-runtime"},
		{"AuditDir", cfg.AuditDir, "/srv/repo/gados-project/log/bus"},
		{"HTTPAddr", cfg.HTTPAddr, ":8000"},
		{"BusDatabaseURL", cfg.BusDatabaseURL, "sqlite:///srv/repo/.gados-runtime/bus.sqlite3"},
		{"WebhookMinSeverity", cfg.WebhookMinSeverity, "CRITICAL"},
		{"BetaRunStorePath", cfg.BetaRunStorePath, "/srv/repo/.gados-runtime/beta_runs.jsonl"},
		{"ArchiveS3Region", cfg.ArchiveS3Region, "us-east-1"},
		{"ArchiveS3Key", cfg.ArchiveS3Key, "gados/evidence.jsonl"},
		{"ArchiveGitFile", cfg.ArchiveGitFile, "gados-evidence.jsonl"},
		{"ArchiveGitBranch", cfg.ArchiveGitBranch, "main"},
	} {
		if tc.got != tc.want {
			t.Errorf("%s = %q, want %q", tc.name, tc.got, tc.want)
		}
	}
	if cfg.MaxRequestBytes != 1048576 {
		t.Errorf("MaxRequestBytes = %d, want 1048576", cfg.MaxRequestBytes)
	}
	if cfg.RateLimitRPS != 10 || cfg.RateLimitBurst != 20 {
		t.Errorf("rate limit = %v/%v, want 10/20", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	if cfg.AutorunReports {
		t.Error("AutorunReports should default to false")
	}
	if cfg.AutorunInterval != 360*time.Minute {
		t.Errorf("AutorunInterval = %v, want 6h", cfg.AutorunInterval)
	}
	if cfg.ArchiveInterval != 0 {
		t.Errorf("ArchiveInterval = %v, want 0", cfg.ArchiveInterval)
	}
	if cfg.PresenceDeadAfter != 15*time.Minute {
		t.Errorf("PresenceDeadAfter = %v, want 15m", cfg.PresenceDeadAfter)
	}
	if cfg.AuthEnabled() {
		t.Error("auth should be disabled by default")
	}
	if cfg.CORSAllowOrigins != nil {
		t.Errorf("CORSAllowOrigins = %v, want nil", cfg.CORSAllowOrigins)
	}
}

func TestLoadCustom(t *testing.T) {
	clearAllEnv(t)
	t.Setenv("GADOS_REPO_ROOT", "/srv/repo")
	t.Setenv("GADOS_BASIC_AUTH_USER", "admin")
	t.Setenv("GADOS_BASIC_AUTH_PASSWORD", "s3cret")
	t.Setenv("GADOS_CORS_ALLOW_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("GADOS_RATE_LIMIT_RPS", "0.01")
	t.Setenv("GADOS_RATE_LIMIT_BURST", "0")
	t.Setenv("GADOS_AUTORUN_REPORTS", "1")
	t.Setenv("GADOS_AUTORUN_REPORTS_INTERVAL_MINUTES", "0")
	t.Setenv("GADOS_WEBHOOK_MIN_SEVERITY", "warn")
	t.Setenv("GADOS_ARCHIVE_INTERVAL", "10m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("auth should be enabled")
	}
	if !slices.Equal(cfg.CORSAllowOrigins, []string{"https://a.example", "https://b.example"}) {
		t.Errorf("CORSAllowOrigins = %v", cfg.CORSAllowOrigins)
	}
	if cfg.RateLimitRPS != 0.1 {
		t.Errorf("RateLimitRPS = %v, want floor 0.1", cfg.RateLimitRPS)
	}
	if cfg.RateLimitBurst != 1 {
		t.Errorf("RateLimitBurst = %v, want floor 1", cfg.RateLimitBurst)
	}
	if !cfg.AutorunReports {
		t.Error("AutorunReports should be enabled")
	}
	if cfg.AutorunInterval != time.Minute {
		t.Errorf("AutorunInterval = %v, want floor 1m", cfg.AutorunInterval)
	}
	if cfg.WebhookMinSeverity != "WARN" {
		t.Errorf("WebhookMinSeverity = %q, want WARN", cfg.WebhookMinSeverity)
	}
	if cfg.ArchiveInterval != 10*time.Minute {
		t.Errorf("ArchiveInterval = %v, want 10m", cfg.ArchiveInterval)
	}
}

func TestLoadInvalidNumbersFallBack(t *testing.T) {
	clearAllEnv(t)
	t.Setenv("GADOS_REPO_ROOT", "/srv/repo")
	t.Setenv("GADOS_MAX_REQUEST_BYTES", "lots")
	t.Setenv("GADOS_RATE_LIMIT_RPS", "fast")
	t.Setenv("GADOS_RATE_LIMIT_BURST", "NaN")
	t.Setenv("GADOS_AUTORUN_REPORTS_INTERVAL_MINUTES", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("invalid numbers must not fail Load: %v", err)
	}
	if cfg.MaxRequestBytes != 1048576 {
		t.Errorf("MaxRequestBytes = %d", cfg.MaxRequestBytes)
	}
	if cfg.RateLimitRPS != 10 || cfg.RateLimitBurst != 20 {
		t.Errorf("rate limit = %v/%v, want defaults", cfg.RateLimitRPS, cfg.RateLimitBurst)
	}
	if cfg.AutorunInterval != 360*time.Minute {
		t.Errorf("AutorunInterval = %v, want default", cfg.AutorunInterval)
	}
}

func TestLoadInvalidDuration(t *testing.T) {
	clearAllEnv(t)
	t.Setenv("GADOS_ARCHIVE_INTERVAL", "not-a-duration")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid GADOS_ARCHIVE_INTERVAL")
	}
}

func TestLoadConfigFile(t *testing.T) {
	clearAllEnv(t)
	path := filepath.Join(t.TempDir(), "gados.toml")
	content := `repo_root = "/opt/gados"
http_addr = ":9000"
nats_url = "nats://file:4222"
autorun_reports = true
rate_limit_burst = 5
cors_allow_origins = ["https://x.example", "https://y.example"]
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("GADOS_CONFIG_FILE", path)
	t.Setenv("GADOS_NATS_URL", "nats://env:4222")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RepoRoot != "/opt/gados" {
		t.Errorf("RepoRoot = %q", cfg.RepoRoot)
	}
	if cfg.HTTPAddr != ":9000" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.NATSURL != "nats://env:4222" {
		t.Errorf("NATSURL = %q, env should win over file", cfg.NATSURL)
	}
	if !cfg.AutorunReports {
		t.Error("AutorunReports from file should be enabled")
	}
	if cfg.RateLimitBurst != 5 {
		t.Errorf("RateLimitBurst = %v, want 5", cfg.RateLimitBurst)
	}
	if len(cfg.CORSAllowOrigins) != 2 {
		t.Errorf("CORSAllowOrigins = %v", cfg.CORSAllowOrigins)
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	clearAllEnv(t)
	t.Setenv("GADOS_CONFIG_FILE", filepath.Join(t.TempDir(), "missing.toml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
