package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	RepoRoot   string // GADOS_REPO_ROOT (default: working directory)
	GadosRoot  string // GADOS_ROOT (default "<repo>/gados-project")
	RuntimeDir string // GADOS_RUNTIME_DIR (default "<repo>/.gados-runtime")
	AuditDir   string // GADOS_AUDIT_DIR (default "<gados_root>/log/bus")

	HTTPAddr       string // GADOS_HTTP_ADDR (default ":8000")
	GRPCAddr       string // GADOS_GRPC_ADDR (optional, empty = no gRPC health server)
	BusDatabaseURL string // GADOS_BUS_DATABASE_URL (default "sqlite://<runtime>/bus.sqlite3")
	NATSURL        string // GADOS_NATS_URL (optional, empty = no events)

	LogFormat string // GADOS_LOG_FORMAT ("text" or "json")
	LogLevel  string // GADOS_LOG_LEVEL (default "info")

	// HTTP guards
	BasicAuthUser     string   // GADOS_BASIC_AUTH_USER
	BasicAuthPassword string   // GADOS_BASIC_AUTH_PASSWORD
	MaxRequestBytes   int64    // GADOS_MAX_REQUEST_BYTES (default 1048576)
	CORSAllowOrigins  []string // GADOS_CORS_ALLOW_ORIGINS (comma separated, empty = no CORS)
	RateLimitRPS      float64  // GADOS_RATE_LIMIT_RPS (default 10, floor 0.1)
	RateLimitBurst    float64  // GADOS_RATE_LIMIT_BURST (default 20, floor 1)
	RateLimitRedisURL string   // GADOS_RATE_LIMIT_REDIS_URL (optional, shared limiter)

	// Reports
	AutorunReports  bool          // GADOS_AUTORUN_REPORTS ("1" enables)
	AutorunInterval time.Duration // GADOS_AUTORUN_REPORTS_INTERVAL_MINUTES (default 360, floor 60s)

	// Notifications
	WebhookURL         string // GADOS_WEBHOOK_URL (optional)
	WebhookMinSeverity string // GADOS_WEBHOOK_MIN_SEVERITY (default "CRITICAL")
	WebhookHMACSecret  string // GADOS_WEBHOOK_HMAC_SECRET (optional)

	BetaRunStorePath   string   // GADOS_BETA_RUN_STORE_PATH (default "<runtime>/beta_runs.jsonl")
	AnalyticsAllowlist []string // GADOS_ANALYTICS_PROPERTIES_ALLOWLIST (comma separated)

	// Evidence archive
	ArchiveInterval   time.Duration // GADOS_ARCHIVE_INTERVAL (default 0 = disabled)
	ArchiveS3Bucket   string        // GADOS_ARCHIVE_S3_BUCKET (enables S3 when set)
	ArchiveS3Endpoint string        // GADOS_ARCHIVE_S3_ENDPOINT (custom endpoint for MinIO)
	ArchiveS3Region   string        // GADOS_ARCHIVE_S3_REGION (default "us-east-1")
	ArchiveS3Key      string        // GADOS_ARCHIVE_S3_KEY (default "gados/evidence.jsonl")
	ArchiveGitRepo    string        // GADOS_ARCHIVE_GIT_REPO (enables git when set; path to clone)
	ArchiveGitFile    string        // GADOS_ARCHIVE_GIT_FILE (default "gados-evidence.jsonl")
	ArchiveGitBranch  string        // GADOS_ARCHIVE_GIT_BRANCH (default "main")

	WatchArtifacts    bool          // GADOS_WATCH_ARTIFACTS ("1" enables)
	PresenceDeadAfter time.Duration // GADOS_PRESENCE_DEAD_AFTER (default 15m)
}

// AuthEnabled reports whether HTTP Basic auth is required on write routes.
func (c *Config) AuthEnabled() bool {
	return c.BasicAuthUser != "" && c.BasicAuthPassword != ""
}

// Load reads the configuration from the environment. When GADOS_CONFIG_FILE
// names a TOML file, its keys (env names without the GADOS_ prefix, lower
// case) fill in anything the environment leaves unset.
func Load() (*Config, error) {
	file, err := loadFile(os.Getenv("GADOS_CONFIG_FILE"))
	if err != nil {
		return nil, err
	}
	get := func(key, fallback string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		if v, ok := file[fileKey(key)]; ok && v != "" {
			return v
		}
		return fallback
	}

	repoRoot := get("GADOS_REPO_ROOT", "")
	if repoRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		repoRoot = wd
	}
	gadosRoot := get("GADOS_ROOT", filepath.Join(repoRoot, "gados-project"))
	runtimeDir := get("GADOS_RUNTIME_DIR", filepath.Join(repoRoot, ".gados-runtime"))

	c := &Config{
		RepoRoot:   repoRoot,
		GadosRoot:  gadosRoot,
		RuntimeDir: runtimeDir,
		AuditDir:   get("GADOS_AUDIT_DIR", filepath.Join(gadosRoot, "log", "bus")),

		HTTPAddr:       get("GADOS_HTTP_ADDR", ":8000"),
		GRPCAddr:       get("GADOS_GRPC_ADDR", ""),
		BusDatabaseURL: get("GADOS_BUS_DATABASE_URL", "sqlite://"+filepath.Join(runtimeDir, "bus.sqlite3")),
		NATSURL:        get("GADOS_NATS_URL", ""),

		LogFormat: get("GADOS_LOG_FORMAT", "text"),
		LogLevel:  get("GADOS_LOG_LEVEL", "info"),

		BasicAuthUser:     get("GADOS_BASIC_AUTH_USER", ""),
		BasicAuthPassword: get("GADOS_BASIC_AUTH_PASSWORD", ""),
		MaxRequestBytes:   int64(parseIntOr(get("GADOS_MAX_REQUEST_BYTES", ""), 1048576)),
		CORSAllowOrigins:  splitList(get("GADOS_CORS_ALLOW_ORIGINS", "")),
		RateLimitRPS:      math.Max(0.1, parseFloatOr(get("GADOS_RATE_LIMIT_RPS", ""), 10)),
		RateLimitBurst:    math.Max(1, parseFloatOr(get("GADOS_RATE_LIMIT_BURST", ""), 20)),
		RateLimitRedisURL: get("GADOS_RATE_LIMIT_REDIS_URL", ""),

		AutorunReports: strings.TrimSpace(get("GADOS_AUTORUN_REPORTS", "0")) == "1",

		WebhookURL:         get("GADOS_WEBHOOK_URL", ""),
		WebhookMinSeverity: strings.ToUpper(get("GADOS_WEBHOOK_MIN_SEVERITY", "CRITICAL")),
		WebhookHMACSecret:  get("GADOS_WEBHOOK_HMAC_SECRET", ""),

		BetaRunStorePath:   get("GADOS_BETA_RUN_STORE_PATH", filepath.Join(runtimeDir, "beta_runs.jsonl")),
		AnalyticsAllowlist: splitList(get("GADOS_ANALYTICS_PROPERTIES_ALLOWLIST", "")),

		ArchiveS3Bucket:   get("GADOS_ARCHIVE_S3_BUCKET", ""),
		ArchiveS3Endpoint: get("GADOS_ARCHIVE_S3_ENDPOINT", ""),
		ArchiveS3Region:   get("GADOS_ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveS3Key:      get("GADOS_ARCHIVE_S3_KEY", "gados/evidence.jsonl"),
		ArchiveGitRepo:    get("GADOS_ARCHIVE_GIT_REPO", ""),
		ArchiveGitFile:    get("GADOS_ARCHIVE_GIT_FILE", "gados-evidence.jsonl"),
		ArchiveGitBranch:  get("GADOS_ARCHIVE_GIT_BRANCH", "main"),

		WatchArtifacts: strings.TrimSpace(get("GADOS_WATCH_ARTIFACTS", "0")) == "1",
	}

	minutes := parseIntOr(get("GADOS_AUTORUN_REPORTS_INTERVAL_MINUTES", ""), 360)
	c.AutorunInterval = max(time.Minute, time.Duration(minutes)*time.Minute)

	for _, d := range []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"GADOS_ARCHIVE_INTERVAL", "0s", &c.ArchiveInterval},
		{"GADOS_PRESENCE_DEAD_AFTER", "15m", &c.PresenceDeadAfter},
	} {
		v, err := time.ParseDuration(get(d.key, d.fallback))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
		*d.dst = v
	}

	return c, nil
}

// loadFile decodes a flat TOML file into string values keyed by fileKey.
func loadFile(path string) (map[string]string, error) {
	out := map[string]string{}
	if path == "" {
		return out, nil
	}
	var raw map[string]any
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("GADOS_CONFIG_FILE: %w", err)
	}
	for k, v := range raw {
		switch vv := v.(type) {
		case []any:
			parts := make([]string, 0, len(vv))
			for _, p := range vv {
				parts = append(parts, fmt.Sprint(p))
			}
			out[strings.ToLower(k)] = strings.Join(parts, ",")
		case bool:
			if vv {
				out[strings.ToLower(k)] = "1"
			} else {
				out[strings.ToLower(k)] = "0"
			}
		default:
			out[strings.ToLower(k)] = fmt.Sprint(vv)
		}
	}
	return out, nil
}

// fileKey maps GADOS_HTTP_ADDR to http_addr.
func fileKey(envKey string) string {
	return strings.ToLower(strings.TrimPrefix(envKey, "GADOS_"))
}

func parseIntOr(s string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fallback
	}
	return n
}

func parseFloatOr(s string, fallback float64) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fallback
	}
	return f
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
