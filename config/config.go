package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Browser   BrowserConfig
	Nav       NavConfig
	Cache     CacheConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

// ServerConfig controls the introspection HTTP server.
type ServerConfig struct {
	Host string // default: "0.0.0.0"
	Port int    // default: 8080
	Mode string // "debug", "release", "test"; default: "release"
}

// BrowserConfig controls the Rod browser instance driving the controlled tab.
type BrowserConfig struct {
	// Headless controls whether the browser runs headless.
	Headless bool // default: true

	// NoSandbox disables Chrome's sandbox (needed in Docker).
	NoSandbox bool // default: false

	// BrowserBin overrides the Chromium binary path.
	BrowserBin string

	// NavigationTimeout bounds the demo command's initial page.Navigate to
	// its start URL.
	NavigationTimeout time.Duration // default: 15s
}

// NavConfig mirrors the representative configuration subset in the
// navigation controller's external interface.
type NavConfig struct {
	// URLIdentifier is appended to request URLs, e.g. "?spf=__type__".
	URLIdentifier string // default: "?spf=__type__"

	// LinkClass / NoLinkClass gate click interception.
	LinkClass   string // default: "spf-link"
	NoLinkClass string // default: "spf-nolink"

	// NavigateLimit caps navigations per NavContext lifetime; 0 disables the limit.
	NavigateLimit int // default: 0

	// NavigateLifetime caps the age of a NavContext eligible to navigate; 0 disables it.
	NavigateLifetime time.Duration // default: 0

	// AnimationClass / AnimationDuration drive the transition sub-queue.
	AnimationClass    string        // default: "spf-animate"
	AnimationDuration time.Duration // default: 425ms

	// RequestTimeout bounds a single navigation/prefetch/load request.
	RequestTimeout time.Duration // default: 30s

	// AdvancedHeaderIdentifier sends X-SPF-Request instead of the query identifier.
	AdvancedHeaderIdentifier bool // default: false

	// ExperimentalPrefetchMousedown schedules a prefetch on mousedown.
	ExperimentalPrefetchMousedown bool // default: false

	// ExperimentalSameOrigin enforces same-origin on history navigations.
	ExperimentalSameOrigin bool // default: true

	// AdditionalOrigins lists extra "scheme://host" origins treated as
	// same-origin for click/Navigate interception, alongside the
	// current page's own origin.
	AdditionalOrigins []string // default: nil

	// ExperimentalRemoveHistory clears the current entry before a same-URL reload.
	ExperimentalRemoveHistory bool // default: false

	// ReloadIdentifier is the query-param name carrying the reload reason code.
	ReloadIdentifier string // default: "spf-reload"

	// CacheUnified collapses the history/prefetch cache scopes into one.
	CacheUnified bool // default: false

	// StampCacheKey writes the resolved cache key back onto the stored
	// response's CacheKey field before caching it. The upstream behavior
	// this mirrors was inconsistent about doing so; see DESIGN.md.
	StampCacheKey bool // default: false
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Lifetime is the TTL applied to every cache entry.
	Lifetime time.Duration // default: 10m

	// MaxEntries bounds the number of cached responses.
	MaxEntries int // default: 500
}

// RateLimitConfig controls per-NavContext navigation throttling,
// independent of NavConfig.NavigateLimit's lifetime counter.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained navigation rate.
	RequestsPerSecond float64 // default: 5

	// Burst is the maximum burst size.
	Burst int // default: 10
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string // default: "info"
	Format string // "json" or "text"; default: "json"
}

// Load reads configuration from environment variables with sane defaults.
func Load() *Config {
	return &Config{
		Server: ServerConfig{
			Host: envOr("SPFNAV_HOST", "0.0.0.0"),
			Port: envIntOr("SPFNAV_PORT", 8080),
			Mode: envOr("SPFNAV_MODE", "release"),
		},
		Browser: BrowserConfig{
			Headless:          envBoolOr("SPFNAV_HEADLESS", true),
			NoSandbox:         envBoolOr("SPFNAV_NO_SANDBOX", false),
			BrowserBin:        os.Getenv("SPFNAV_BROWSER_BIN"),
			NavigationTimeout: envDurationOr("SPFNAV_NAV_TIMEOUT", 15*time.Second),
		},
		Nav: NavConfig{
			URLIdentifier:                 envOr("SPFNAV_URL_IDENTIFIER", "?spf=__type__"),
			LinkClass:                     envOr("SPFNAV_LINK_CLASS", "spf-link"),
			NoLinkClass:                   envOr("SPFNAV_NOLINK_CLASS", "spf-nolink"),
			NavigateLimit:                 envIntOr("SPFNAV_NAVIGATE_LIMIT", 0),
			NavigateLifetime:              envDurationOr("SPFNAV_NAVIGATE_LIFETIME", 0),
			AnimationClass:                envOr("SPFNAV_ANIMATION_CLASS", "spf-animate"),
			AnimationDuration:             envDurationOr("SPFNAV_ANIMATION_DURATION", 425*time.Millisecond),
			RequestTimeout:                envDurationOr("SPFNAV_REQUEST_TIMEOUT", 30*time.Second),
			AdvancedHeaderIdentifier:      envBoolOr("SPFNAV_ADVANCED_HEADER_IDENTIFIER", false),
			ExperimentalPrefetchMousedown: envBoolOr("SPFNAV_PREFETCH_MOUSEDOWN", false),
			ExperimentalSameOrigin:        envBoolOr("SPFNAV_SAME_ORIGIN", true),
			AdditionalOrigins:             envSliceOr("SPFNAV_ADDITIONAL_ORIGINS", nil),
			ExperimentalRemoveHistory:     envBoolOr("SPFNAV_REMOVE_HISTORY", false),
			ReloadIdentifier:              envOr("SPFNAV_RELOAD_IDENTIFIER", "spf-reload"),
			CacheUnified:                  envBoolOr("SPFNAV_CACHE_UNIFIED", false),
			StampCacheKey:                 envBoolOr("SPFNAV_STAMP_CACHE_KEY", false),
		},
		Cache: CacheConfig{
			Lifetime:   envDurationOr("SPFNAV_CACHE_LIFETIME", 10*time.Minute),
			MaxEntries: envIntOr("SPFNAV_CACHE_MAX_ENTRIES", 500),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: envFloatOr("SPFNAV_RATE_RPS", 5.0),
			Burst:             envIntOr("SPFNAV_RATE_BURST", 10),
		},
		Log: LogConfig{
			Level:  envOr("SPFNAV_LOG_LEVEL", "info"),
			Format: envOr("SPFNAV_LOG_FORMAT", "json"),
		},
	}
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
