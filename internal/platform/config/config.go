package config

import (
	"os"
	"strconv"
	"time"
)

// Config captures process-level settings for the archival engine. Retention
// thresholds live in a separate YAML policy file (see retention.LoadPolicy)
// because they are decided outside this engine.
type Config struct {
	DatabaseURL string
	Engine      string
	Table       string

	ArchiveRoot         string
	ReleaseManifestPath string
	Timezone            string
	CSVByteOrderMark    bool
	FetchSize           int

	// HashKey keys the sanitizer's digit-run masking and the retry helper's
	// deterministic jitter.
	HashKey string

	RetryMaxAttempts int
	RetryBase        time.Duration
	RetryMultiplier  float64

	PolicyFile     string
	ToolVersion    string
	PushgatewayURL string
}

// FromEnv builds a Config from environment variables so main stays lean.
func FromEnv() Config {
	return Config{
		DatabaseURL:         envOr("COLDTRAIL_DATABASE_URL", "postgres://localhost:5432/allocations?sslmode=disable"),
		Engine:              envOr("COLDTRAIL_DB_ENGINE", "postgres"),
		Table:               envOr("COLDTRAIL_AUDIT_TABLE", "audit_events"),
		ArchiveRoot:         envOr("COLDTRAIL_ARCHIVE_ROOT", "/var/lib/coldtrail/archive"),
		ReleaseManifestPath: envOr("COLDTRAIL_RELEASE_MANIFEST", ""),
		Timezone:            envOr("COLDTRAIL_TIMEZONE", "Asia/Tehran"),
		CSVByteOrderMark:    os.Getenv("COLDTRAIL_CSV_BOM") == "true",
		FetchSize:           envInt("COLDTRAIL_FETCH_SIZE", 5000),
		HashKey:             envOr("COLDTRAIL_HASH_KEY", "dev-hash-key-change-in-production"),
		RetryMaxAttempts:    envInt("COLDTRAIL_RETRY_MAX_ATTEMPTS", 5),
		RetryBase:           envDuration("COLDTRAIL_RETRY_BASE", 200*time.Millisecond),
		RetryMultiplier:     envFloat("COLDTRAIL_RETRY_MULTIPLIER", 2.0),
		PolicyFile:          envOr("COLDTRAIL_RETENTION_POLICY", "/etc/coldtrail/retention.yaml"),
		ToolVersion:         envOr("COLDTRAIL_TOOL_VERSION", "dev"),
		PushgatewayURL:      os.Getenv("COLDTRAIL_PUSHGATEWAY"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
