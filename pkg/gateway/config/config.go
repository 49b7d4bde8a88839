package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the gateway is deployed behind a trusted proxy/LB.
	TrustProxyHeaders bool

	MaxBodyBytes int64

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Conversation buffer and arbitration.
	BufferWindow    time.Duration
	MaxContextChars int
	LockStaleAfter  time.Duration

	// Backchannel throttling.
	AckMinInterval  time.Duration
	AckMaxPerTurn   int
	AckInterimChars int
	AckMinPause     time.Duration

	// Quota provisioning.
	DefaultTier   string
	TierOverrides map[string]string // user id -> tier name

	// Persistence. Empty DSN selects the in-memory store.
	PostgresDSN    string
	MigrateOnStart bool

	// Gemini generation.
	GeminiAPIKey    string
	GeminiModel     string
	GeminiMaxOutput int

	// Stripe tier resolution; empty key selects the static resolver.
	StripeAPIKey  string
	StripeTierMap map[string]string // price lookup key -> tier name

	// Live WebSocket mode (/v1/live).
	LiveMaxMessageBytes  int64
	LiveWSPingInterval   time.Duration
	LiveWSWriteTimeout   time.Duration
	LiveHandshakeTimeout time.Duration
	WSMaxSessionDuration time.Duration

	// In-memory limits (per principal).
	LimitRPS                   float64
	LimitBurst                 int
	LimitMaxConcurrentRequests int
	LimitMaxLiveSessions       int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ReadTimeout         time.Duration
	HandlerTimeout      time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                       envOr("MAIA_ADDR", ":8080"),
		AuthMode:                   AuthMode(envOr("MAIA_AUTH_MODE", string(AuthModeRequired))),
		APIKeys:                    make(map[string]struct{}),
		TrustProxyHeaders:          envBoolOr("MAIA_TRUST_PROXY_HEADERS", false),
		MaxBodyBytes:               envInt64Or("MAIA_MAX_BODY_BYTES", 1<<20), // 1 MiB
		CORSAllowedOrigins:         make(map[string]struct{}),
		BufferWindow:               envDurationOr("MAIA_BUFFER_WINDOW", 30*time.Second),
		MaxContextChars:            envIntOr("MAIA_MAX_CONTEXT_CHARS", 4000),
		LockStaleAfter:             envDurationOr("MAIA_LOCK_STALE_AFTER", 30*time.Second),
		AckMinInterval:             envDurationOr("MAIA_ACK_MIN_INTERVAL", 3500*time.Millisecond),
		AckMaxPerTurn:              envIntOr("MAIA_ACK_MAX_PER_TURN", 2),
		AckInterimChars:            envIntOr("MAIA_ACK_INTERIM_CHARS", 40),
		AckMinPause:                envDurationOr("MAIA_ACK_MIN_PAUSE", 600*time.Millisecond),
		DefaultTier:                envOr("MAIA_DEFAULT_TIER", "foundation"),
		TierOverrides:              make(map[string]string),
		PostgresDSN:                strings.TrimSpace(os.Getenv("MAIA_POSTGRES_DSN")),
		MigrateOnStart:             envBoolOr("MAIA_MIGRATE_ON_START", true),
		GeminiAPIKey:               strings.TrimSpace(os.Getenv("MAIA_GEMINI_API_KEY")),
		GeminiModel:                envOr("MAIA_GEMINI_MODEL", "gemini-2.0-flash"),
		GeminiMaxOutput:            envIntOr("MAIA_GEMINI_MAX_OUTPUT_TOKENS", 512),
		StripeAPIKey:               strings.TrimSpace(os.Getenv("MAIA_STRIPE_API_KEY")),
		StripeTierMap:              make(map[string]string),
		LiveMaxMessageBytes:        envInt64Or("MAIA_LIVE_MAX_MESSAGE_BYTES", 64*1024),
		LiveWSPingInterval:         envDurationOr("MAIA_LIVE_WS_PING_INTERVAL", 20*time.Second),
		LiveWSWriteTimeout:         envDurationOr("MAIA_LIVE_WS_WRITE_TIMEOUT", 5*time.Second),
		LiveHandshakeTimeout:       envDurationOr("MAIA_LIVE_HANDSHAKE_TIMEOUT", 5*time.Second),
		WSMaxSessionDuration:       envDurationOr("MAIA_WS_MAX_DURATION", 2*time.Hour),
		LimitRPS:                   envFloat64Or("MAIA_RATE_LIMIT_RPS", 2.0),
		LimitBurst:                 envIntOr("MAIA_RATE_LIMIT_BURST", 4),
		LimitMaxConcurrentRequests: envIntOr("MAIA_MAX_CONCURRENT_REQUESTS", 20),
		LimitMaxLiveSessions:       envIntOr("MAIA_MAX_LIVE_SESSIONS_PER_PRINCIPAL", 2),
		ReadHeaderTimeout:          envDurationOr("MAIA_READ_HEADER_TIMEOUT", 10*time.Second),
		ReadTimeout:                envDurationOr("MAIA_READ_TIMEOUT", 30*time.Second),
		HandlerTimeout:             envDurationOr("MAIA_TOTAL_REQUEST_TIMEOUT", 2*time.Minute),
		ShutdownGracePeriod:        envDurationOr("MAIA_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	switch cfg.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return Config{}, fmt.Errorf("MAIA_AUTH_MODE must be one of required|optional|disabled")
	}

	for _, key := range splitCSV(os.Getenv("MAIA_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}

	for _, origin := range splitCSV(os.Getenv("MAIA_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	var err error
	cfg.TierOverrides, err = parsePairs(os.Getenv("MAIA_TIER_OVERRIDES"))
	if err != nil {
		return Config{}, fmt.Errorf("MAIA_TIER_OVERRIDES: %w", err)
	}
	cfg.StripeTierMap, err = parsePairs(os.Getenv("MAIA_STRIPE_TIER_MAP"))
	if err != nil {
		return Config{}, fmt.Errorf("MAIA_STRIPE_TIER_MAP: %w", err)
	}

	if cfg.MaxBodyBytes <= 0 {
		return Config{}, fmt.Errorf("MAIA_MAX_BODY_BYTES must be > 0")
	}
	if cfg.BufferWindow <= 0 {
		return Config{}, fmt.Errorf("MAIA_BUFFER_WINDOW must be > 0")
	}
	if cfg.MaxContextChars <= 0 {
		return Config{}, fmt.Errorf("MAIA_MAX_CONTEXT_CHARS must be > 0")
	}
	if cfg.LockStaleAfter <= 0 {
		return Config{}, fmt.Errorf("MAIA_LOCK_STALE_AFTER must be > 0")
	}
	if cfg.AckMinInterval <= 0 {
		return Config{}, fmt.Errorf("MAIA_ACK_MIN_INTERVAL must be > 0")
	}
	if cfg.AckMaxPerTurn <= 0 {
		return Config{}, fmt.Errorf("MAIA_ACK_MAX_PER_TURN must be > 0")
	}
	if cfg.AckInterimChars <= 0 {
		return Config{}, fmt.Errorf("MAIA_ACK_INTERIM_CHARS must be > 0")
	}
	if cfg.AckMinPause <= 0 {
		return Config{}, fmt.Errorf("MAIA_ACK_MIN_PAUSE must be > 0")
	}
	if cfg.GeminiMaxOutput < 0 {
		return Config{}, fmt.Errorf("MAIA_GEMINI_MAX_OUTPUT_TOKENS must be >= 0")
	}
	if cfg.LiveMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("MAIA_LIVE_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.LiveWSPingInterval <= 0 {
		return Config{}, fmt.Errorf("MAIA_LIVE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.LiveWSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("MAIA_LIVE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.LiveHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("MAIA_LIVE_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.WSMaxSessionDuration <= 0 {
		return Config{}, fmt.Errorf("MAIA_WS_MAX_DURATION must be > 0")
	}
	if cfg.LimitRPS < 0 {
		return Config{}, fmt.Errorf("MAIA_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return Config{}, fmt.Errorf("MAIA_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxConcurrentRequests < 0 {
		return Config{}, fmt.Errorf("MAIA_MAX_CONCURRENT_REQUESTS must be >= 0")
	}
	if cfg.LimitMaxLiveSessions < 0 {
		return Config{}, fmt.Errorf("MAIA_MAX_LIVE_SESSIONS_PER_PRINCIPAL must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("MAIA_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ReadTimeout <= 0 {
		return Config{}, fmt.Errorf("MAIA_READ_TIMEOUT must be > 0")
	}
	if cfg.HandlerTimeout <= 0 {
		return Config{}, fmt.Errorf("MAIA_TOTAL_REQUEST_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("MAIA_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.StripeAPIKey != "" && len(cfg.StripeTierMap) == 0 {
		return Config{}, fmt.Errorf("MAIA_STRIPE_TIER_MAP must be set when MAIA_STRIPE_API_KEY is set")
	}

	if cfg.AuthMode == AuthModeRequired && len(cfg.APIKeys) == 0 {
		return Config{}, fmt.Errorf("MAIA_API_KEYS must be set when MAIA_AUTH_MODE=required")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

// parsePairs parses "key=value,key=value" lists.
func parsePairs(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, p := range splitCSV(raw) {
		k, v, ok := strings.Cut(p, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("malformed pair %q, want key=value", p)
		}
		out[k] = v
	}
	return out, nil
}
