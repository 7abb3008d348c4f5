// Package config loads woly-server configuration from environment
// variables.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string
	TrustProxy  bool
	CorsOrigins []string // exact-match list, or ["*"]

	// Persistence. Engine is "sqlite" or "postgres"; DSN is a file path
	// for sqlite and a connection string for postgres.
	DatabaseEngine string
	DatabaseDSN    string

	// Command routing
	CommandTimeout       time.Duration
	CommandRetentionDays int

	// Host status history
	HistoryRetentionDays int

	// Wake-schedule worker
	ScheduleWorkerEnabled bool
	SchedulePollInterval  time.Duration
	ScheduleBatchSize     int

	// WebSocket policy
	WsMaxConnectionsPerIP    int
	WsMessageRateLimitPerSec int
	WsRequireTLS             bool
	WsAllowQueryTokenAuth    bool
	HeartbeatWindow          time.Duration

	// Node session tokens (signed, HS256)
	WsSessionTokenIssuer   string
	WsSessionTokenAudience string
	WsSessionTokenTTL      time.Duration
	WsSessionTokenSecrets  []string

	// Static node bearer tokens
	NodeAuthTokens []string

	// Port-scan snapshot freshness
	PortScanCacheTTL time.Duration

	// Wake verification
	WakeVerifyWindow   time.Duration
	WakeVerifyInterval time.Duration

	// Webhooks
	WebhookMaxAttempts int

	// Pruning loops
	PruneInterval time.Duration

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables, applying
// defaults for everything optional.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:     getEnv("WOLY_LISTEN", ":8000"),
		TrustProxy:     parseBool("WOLY_TRUST_PROXY", false),
		CorsOrigins:    parseList("WOLY_CORS_ORIGINS"),
		DatabaseEngine: getEnv("WOLY_DB_ENGINE", "sqlite"),
		DatabaseDSN:    getEnv("WOLY_DB_DSN", "/data/woly.db"),

		CommandTimeout:       parseDuration("WOLY_COMMAND_TIMEOUT", 30*time.Second),
		CommandRetentionDays: parseInt("WOLY_COMMAND_RETENTION_DAYS", 7),
		HistoryRetentionDays: parseInt("WOLY_HISTORY_RETENTION_DAYS", 30),

		ScheduleWorkerEnabled: parseBool("WOLY_SCHEDULE_WORKER_ENABLED", true),
		SchedulePollInterval:  parseDuration("WOLY_SCHEDULE_POLL_INTERVAL", time.Minute),
		ScheduleBatchSize:     parseInt("WOLY_SCHEDULE_BATCH_SIZE", 25),

		WsMaxConnectionsPerIP:    parseInt("WOLY_WS_MAX_CONNECTIONS_PER_IP", 10),
		WsMessageRateLimitPerSec: parseInt("WOLY_WS_MESSAGE_RATE_LIMIT", 100),
		WsRequireTLS:             parseBool("WOLY_WS_REQUIRE_TLS", false),
		WsAllowQueryTokenAuth:    parseBool("WOLY_WS_ALLOW_QUERY_TOKEN_AUTH", false),
		HeartbeatWindow:          parseDuration("WOLY_HEARTBEAT_WINDOW", 90*time.Second),

		WsSessionTokenIssuer:   getEnv("WOLY_WS_SESSION_TOKEN_ISSUER", "woly-server"),
		WsSessionTokenAudience: getEnv("WOLY_WS_SESSION_TOKEN_AUDIENCE", "woly-node"),
		WsSessionTokenTTL:      time.Duration(parseInt("WOLY_WS_SESSION_TOKEN_TTL_SECONDS", 3600)) * time.Second,
		WsSessionTokenSecrets:  parseList("WOLY_WS_SESSION_TOKEN_SECRETS"),

		NodeAuthTokens: parseList("WOLY_NODE_AUTH_TOKENS"),

		PortScanCacheTTL: parseDuration("WOLY_PORT_SCAN_CACHE_TTL", 4*time.Hour),

		WakeVerifyWindow:   parseDuration("WOLY_WAKE_VERIFY_WINDOW", 2*time.Minute),
		WakeVerifyInterval: parseDuration("WOLY_WAKE_VERIFY_INTERVAL", 5*time.Second),

		WebhookMaxAttempts: parseInt("WOLY_WEBHOOK_MAX_ATTEMPTS", 5),

		PruneInterval: parseDuration("WOLY_PRUNE_INTERVAL", 15*time.Minute),

		LogLevel: getEnv("WOLY_LOG_LEVEL", "info"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []string

	if c.DatabaseEngine != "sqlite" && c.DatabaseEngine != "postgres" {
		errs = append(errs, "WOLY_DB_ENGINE must be sqlite or postgres")
	}
	if len(c.NodeAuthTokens) == 0 && len(c.WsSessionTokenSecrets) == 0 {
		errs = append(errs, "WOLY_NODE_AUTH_TOKENS or WOLY_WS_SESSION_TOKEN_SECRETS is required")
	}
	if c.CommandTimeout < time.Second {
		errs = append(errs, "WOLY_COMMAND_TIMEOUT must be at least 1s")
	}
	if c.ScheduleBatchSize < 1 {
		errs = append(errs, "WOLY_SCHEDULE_BATCH_SIZE must be at least 1")
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// CorsAllowed reports whether the given origin passes the configured
// exact-match list. A single "*" entry allows everything.
func (c *Config) CorsAllowed(origin string) bool {
	for _, o := range c.CorsOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		// Bare numbers are taken as milliseconds to match the
		// *_MS convention of the node agents.
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
