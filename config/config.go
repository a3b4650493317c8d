package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tokwatch/tokwatch/models"
)

// Config holds all application configuration.
type Config struct {
	Accounts  []string
	DataDir   string
	Browser   BrowserConfig
	Session   SessionConfig
	Scrape    ScrapeConfig
	RateLimit RateLimitConfig
	Retry     RetryConfig
	Sink      SinkConfig
	Run       RunConfig
	Engine    EngineConfig
	Server    ServerConfig
	Webhook   WebhookConfig
	Log       LogConfig
}

// BrowserConfig controls the Rod browser instance.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool // default: true

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string

	// Proxies is the rotation pool of proxy URLs. Empty means direct.
	Proxies []string

	// UserAgents is the rotation pool of user agent strings. When empty
	// a built-in Chrome UA is used.
	UserAgents []string
}

// SessionConfig controls the session pool and identity lifecycle.
type SessionConfig struct {
	// PoolSize caps concurrently live sessions.
	PoolSize int // default: 2

	// AcquireTimeout bounds how long Acquire blocks for a free slot.
	AcquireTimeout time.Duration // default: 30s

	// Cooldown is how long a cooling-down session stays out of rotation.
	Cooldown time.Duration // default: 5m

	// BlockedThreshold is the number of Blocked navigations that sends
	// a session into cooldown.
	BlockedThreshold int // default: 3

	// TransientThreshold is the number of consecutive transient network
	// failures that sends a session into cooldown.
	TransientThreshold int // default: 5

	// RotateAfterExpiries is the number of expired sessions from the
	// same identity before the identity (UA, proxy) is rotated.
	RotateAfterExpiries int // default: 2
}

// ScrapeConfig controls navigation and extraction behavior.
type ScrapeConfig struct {
	// NavigationTimeout is the max time for a single page load.
	NavigationTimeout time.Duration // default: 30s

	// MaxScrollDepth caps pagination hops per profile grid.
	MaxScrollDepth int // default: 3

	// NewVideoThreshold is the age under which a video counts as new.
	// Older unpinned grid entries stop deeper pagination.
	NewVideoThreshold time.Duration // default: 24h

	// FetchVideoDetails enables per-video detail page targets.
	FetchVideoDetails bool // default: true

	// BlockedResourceTypes lists resource types to block during loads.
	// default: ["Image", "Stylesheet", "Font", "Media"]
	BlockedResourceTypes []string
}

// RateLimitConfig controls per-session-key pacing.
type RateLimitConfig struct {
	// MinInterval is the minimum gap between requests for one key.
	MinInterval time.Duration // default: 1s

	// Burst is the token bucket burst size.
	Burst int // default: 1

	// JitterFraction widens each wait by up to this fraction, applied
	// at sleep time only (the retry policy itself stays deterministic).
	JitterFraction float64 // default: 0.25
}

// RetryConfig controls the retry policy for transient failures.
type RetryConfig struct {
	MaxAttempts int           // default: 3
	BaseDelay   time.Duration // default: 500ms
	MaxDelay    time.Duration // default: 30s
}

// SinkConfig controls record persistence.
type SinkConfig struct {
	// Versioning selects what happens when an entity id exists with
	// different content: "overwrite" or "append".
	Versioning string // default: "overwrite"

	// FatalIOThreshold is the number of consecutive persistence IO
	// failures that fails the whole run.
	FatalIOThreshold int // default: 3
}

// RunConfig controls the service loop.
type RunConfig struct {
	// Interval between runs. Zero means run once and exit.
	Interval time.Duration // default: 12h

	// RecoveryPause is the wait before retrying after a failed run.
	RecoveryPause time.Duration // default: 5m
}

// EngineConfig controls the fetch engine escalation.
type EngineConfig struct {
	// EnableHTTPFirst races a utls-based HTTP fetch ahead of the browser
	// for cursor-less targets.
	EnableHTTPFirst bool // default: true

	// EscalationDelays is the staged start delay for each engine tier.
	EscalationDelays []time.Duration // default: [0s, 2s, 5s]

	// HTTPTimeout is the deadline for the pure HTTP engine.
	HTTPTimeout time.Duration // default: 5s
}

// ServerConfig controls the operational status HTTP server.
type ServerConfig struct {
	Enabled bool   // default: true
	Host    string // default: "0.0.0.0"
	Port    int    // default: 8080
	Mode    string // "debug", "release", "test"; default: "release"
}

// WebhookConfig controls run summary export.
type WebhookConfig struct {
	// URL receives a POST with the RunSummary after each run. Empty
	// disables export.
	URL string

	// Secret, when set, signs each delivery with HMAC-SHA256.
	Secret string

	Timeout time.Duration // default: 10s
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		Accounts: envSliceOr("TOKWATCH_ACCOUNTS", nil),
		DataDir:  envOr("TOKWATCH_DATA_DIR", "tiktok_data"),
		Browser: BrowserConfig{
			Headless:   envBoolOr("TOKWATCH_HEADLESS", true),
			NoSandbox:  envBoolOr("TOKWATCH_NO_SANDBOX", false),
			BrowserBin: os.Getenv("TOKWATCH_BROWSER_BIN"),
			Proxies:    envSliceOr("TOKWATCH_PROXIES", nil),
			UserAgents: envSliceOr("TOKWATCH_USER_AGENTS", nil),
		},
		Session: SessionConfig{
			PoolSize:            envIntOr("TOKWATCH_POOL_SIZE", 2),
			AcquireTimeout:      envDurationOr("TOKWATCH_ACQUIRE_TIMEOUT", 30*time.Second),
			Cooldown:            envDurationOr("TOKWATCH_COOLDOWN", 5*time.Minute),
			BlockedThreshold:    envIntOr("TOKWATCH_BLOCKED_THRESHOLD", 3),
			TransientThreshold:  envIntOr("TOKWATCH_TRANSIENT_THRESHOLD", 5),
			RotateAfterExpiries: envIntOr("TOKWATCH_ROTATE_AFTER_EXPIRIES", 2),
		},
		Scrape: ScrapeConfig{
			NavigationTimeout: envDurationOr("TOKWATCH_NAV_TIMEOUT", 30*time.Second),
			MaxScrollDepth:    envIntOr("TOKWATCH_MAX_SCROLL_DEPTH", 3),
			NewVideoThreshold: envDurationOr("TOKWATCH_NEW_VIDEO_THRESHOLD", 24*time.Hour),
			FetchVideoDetails: envBoolOr("TOKWATCH_FETCH_VIDEO_DETAILS", true),
			BlockedResourceTypes: envSliceOr("TOKWATCH_BLOCKED_RESOURCES", []string{
				"Image", "Stylesheet", "Font", "Media",
			}),
		},
		RateLimit: RateLimitConfig{
			MinInterval:    envDurationOr("TOKWATCH_MIN_INTERVAL", time.Second),
			Burst:          envIntOr("TOKWATCH_RATE_BURST", 1),
			JitterFraction: envFloatOr("TOKWATCH_RATE_JITTER", 0.25),
		},
		Retry: RetryConfig{
			MaxAttempts: envIntOr("TOKWATCH_RETRY_MAX_ATTEMPTS", 3),
			BaseDelay:   envDurationOr("TOKWATCH_RETRY_BASE_DELAY", 500*time.Millisecond),
			MaxDelay:    envDurationOr("TOKWATCH_RETRY_MAX_DELAY", 30*time.Second),
		},
		Sink: SinkConfig{
			Versioning:       envOr("TOKWATCH_SINK_VERSIONING", "overwrite"),
			FatalIOThreshold: envIntOr("TOKWATCH_SINK_FATAL_IO_THRESHOLD", 3),
		},
		Run: RunConfig{
			Interval:      envDurationOr("TOKWATCH_RUN_INTERVAL", 12*time.Hour),
			RecoveryPause: envDurationOr("TOKWATCH_RECOVERY_PAUSE", 5*time.Minute),
		},
		Engine: EngineConfig{
			EnableHTTPFirst:  envBoolOr("TOKWATCH_HTTP_FIRST", true),
			EscalationDelays: envDurationSliceOr("TOKWATCH_ESCALATION_DELAYS", []time.Duration{0, 2 * time.Second, 5 * time.Second}),
			HTTPTimeout:      envDurationOr("TOKWATCH_HTTP_TIMEOUT", 5*time.Second),
		},
		Server: ServerConfig{
			Enabled: envBoolOr("TOKWATCH_SERVER_ENABLED", true),
			Host:    envOr("TOKWATCH_HOST", "0.0.0.0"),
			Port:    envIntOr("TOKWATCH_PORT", 8080),
			Mode:    envOr("TOKWATCH_MODE", "release"),
		},
		Webhook: WebhookConfig{
			URL:     os.Getenv("TOKWATCH_WEBHOOK_URL"),
			Secret:  os.Getenv("TOKWATCH_WEBHOOK_SECRET"),
			Timeout: envDurationOr("TOKWATCH_WEBHOOK_TIMEOUT", 10*time.Second),
		},
		Log: LogConfig{
			Level:  envOr("TOKWATCH_LOG_LEVEL", "info"),
			Format: envOr("TOKWATCH_LOG_FORMAT", "json"),
		},
	}
}

// Validate checks the configuration for fatal problems. Any error it
// returns carries the CONFIG_INVALID code and must abort the run.
func (c *Config) Validate() error {
	if len(c.Accounts) == 0 {
		return invalid("TOKWATCH_ACCOUNTS must list at least one account handle")
	}
	for _, a := range c.Accounts {
		if strings.ContainsAny(a, "/@ \t") {
			return invalid(fmt.Sprintf("account handle %q must be a bare handle (no @, no URL)", a))
		}
	}
	if c.DataDir == "" {
		return invalid("TOKWATCH_DATA_DIR must not be empty")
	}
	if c.Session.PoolSize < 1 {
		return invalid("TOKWATCH_POOL_SIZE must be >= 1")
	}
	if c.Session.BlockedThreshold < 1 {
		return invalid("TOKWATCH_BLOCKED_THRESHOLD must be >= 1")
	}
	if c.Session.TransientThreshold < 1 {
		return invalid("TOKWATCH_TRANSIENT_THRESHOLD must be >= 1")
	}
	if c.Retry.MaxAttempts < 1 {
		return invalid("TOKWATCH_RETRY_MAX_ATTEMPTS must be >= 1")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return invalid("retry delays must satisfy 0 < base <= max")
	}
	if c.RateLimit.MinInterval < 0 {
		return invalid("TOKWATCH_MIN_INTERVAL must not be negative")
	}
	if c.RateLimit.JitterFraction < 0 || c.RateLimit.JitterFraction > 1 {
		return invalid("TOKWATCH_RATE_JITTER must be in [0, 1]")
	}
	switch c.Sink.Versioning {
	case "overwrite", "append":
	default:
		return invalid(fmt.Sprintf("TOKWATCH_SINK_VERSIONING %q must be overwrite or append", c.Sink.Versioning))
	}
	if c.Scrape.MaxScrollDepth < 0 {
		return invalid("TOKWATCH_MAX_SCROLL_DEPTH must not be negative")
	}
	return nil
}

func invalid(msg string) error {
	return models.NewPipelineError(models.ErrCodeConfigInvalid, msg, nil)
}

func envDurationSliceOr(key string, fallback []time.Duration) []time.Duration {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]time.Duration, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				if d, err := time.ParseDuration(trimmed); err == nil {
					result = append(result, d)
				}
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return fallback
}

// --- helper functions ---

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBoolOr(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloatOr(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envSliceOr(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		return result
	}
	return fallback
}
