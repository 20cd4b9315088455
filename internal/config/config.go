package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment string
	Server      ServerConfig
	GitHub      GitHubConfig
	CSRF        CSRFConfig
	Retry       RetryConfig
	RateLimit   RateLimitConfig
	Cache       CacheConfig
	Telemetry   TelemetryConfig
}

type ServerConfig struct {
	Port           int
	AllowedOrigins []string
	SessionSecret  string
	SecureCookie   bool
}

type GitHubConfig struct {
	APIBaseURL string
	Owner      string
	Repo       string
	DataRepo   string
	ImageRepo  string
	Branch     string
	// Token is the static fallback credential used when no rotation set
	// is configured.
	Token  string
	Tokens []string
	// AllowLocalDispatch disables the loopback guard that skips
	// repository-dispatch calls during local development.
	AllowLocalDispatch bool
}

type CSRFConfig struct {
	Secret           string
	RotationInterval time.Duration
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Jitter      bool
}

type RateLimitConfig struct {
	MaxRequests int
	Interval    time.Duration
}

type CacheConfig struct {
	Path      string
	Freshness time.Duration
	MaxAge    time.Duration
}

type TelemetryConfig struct {
	Enabled       bool
	OTLPEndpoint  string
	SamplingRatio float64
}

func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("eventcall_env", "")
	v.SetDefault("app_env", "")
	v.SetDefault("go_env", "")
	v.SetDefault("eventcall_port", 8080)
	v.SetDefault("eventcall_allowed_origins", "")
	v.SetDefault("eventcall_session_secret", "")
	v.SetDefault("eventcall_secure_cookie", false)
	v.SetDefault("github_api_base_url", "https://api.github.com")
	v.SetDefault("github_owner", "")
	v.SetDefault("github_repo", "")
	v.SetDefault("github_data_repo", "")
	v.SetDefault("github_image_repo", "")
	v.SetDefault("github_branch", "main")
	v.SetDefault("github_token", "")
	v.SetDefault("github_tokens", "")
	v.SetDefault("eventcall_allow_local_dispatch", false)
	v.SetDefault("eventcall_csrf_secret", "")
	v.SetDefault("eventcall_csrf_rotation_minutes", 30)
	v.SetDefault("eventcall_retry_max_attempts", 3)
	v.SetDefault("eventcall_retry_base_delay_ms", 500)
	v.SetDefault("eventcall_retry_jitter", true)
	v.SetDefault("eventcall_rate_max_requests", 30)
	v.SetDefault("eventcall_rate_interval_ms", 60000)
	v.SetDefault("eventcall_cache_path", "data/cache")
	v.SetDefault("eventcall_cache_freshness_minutes", 5)
	v.SetDefault("eventcall_cache_max_age_hours", 24)
	v.SetDefault("eventcall_otel_enabled", false)
	v.SetDefault("eventcall_otlp_endpoint", "")
	v.SetDefault("eventcall_otel_sampling_ratio", 1.0)

	env := resolveEnvironment(v)
	port := v.GetInt("eventcall_port")
	if port <= 0 || port > 65535 {
		return Config{}, fmt.Errorf("invalid EVENTCALL_PORT: %d", port)
	}

	rotationMinutes := v.GetInt("eventcall_csrf_rotation_minutes")
	if rotationMinutes <= 0 {
		rotationMinutes = 30
	}

	maxAttempts := v.GetInt("eventcall_retry_max_attempts")
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if maxAttempts > 10 {
		maxAttempts = 10
	}

	baseDelay := v.GetInt("eventcall_retry_base_delay_ms")
	if baseDelay <= 0 {
		baseDelay = 500
	}

	maxRequests := v.GetInt("eventcall_rate_max_requests")
	if maxRequests <= 0 {
		maxRequests = 30
	}

	rateInterval := v.GetInt("eventcall_rate_interval_ms")
	if rateInterval <= 0 {
		rateInterval = 60000
	}

	freshness := v.GetInt("eventcall_cache_freshness_minutes")
	if freshness <= 0 {
		freshness = 5
	}

	maxAge := v.GetInt("eventcall_cache_max_age_hours")
	if maxAge <= 0 {
		maxAge = 24
	}

	owner := strings.TrimSpace(v.GetString("github_owner"))
	repo := strings.TrimSpace(v.GetString("github_repo"))
	dataRepo := strings.TrimSpace(v.GetString("github_data_repo"))
	if dataRepo == "" {
		dataRepo = repo
	}
	imageRepo := strings.TrimSpace(v.GetString("github_image_repo"))
	if imageRepo == "" {
		imageRepo = dataRepo
	}

	cfg := Config{
		Environment: env,
		Server: ServerConfig{
			Port:           port,
			AllowedOrigins: splitList(v.GetString("eventcall_allowed_origins")),
			SessionSecret:  strings.TrimSpace(v.GetString("eventcall_session_secret")),
			SecureCookie:   v.GetBool("eventcall_secure_cookie"),
		},
		GitHub: GitHubConfig{
			APIBaseURL:         strings.TrimRight(strings.TrimSpace(v.GetString("github_api_base_url")), "/"),
			Owner:              owner,
			Repo:               repo,
			DataRepo:           dataRepo,
			ImageRepo:          imageRepo,
			Branch:             strings.TrimSpace(v.GetString("github_branch")),
			Token:              strings.TrimSpace(v.GetString("github_token")),
			Tokens:             splitList(v.GetString("github_tokens")),
			AllowLocalDispatch: v.GetBool("eventcall_allow_local_dispatch"),
		},
		CSRF: CSRFConfig{
			Secret:           strings.TrimSpace(v.GetString("eventcall_csrf_secret")),
			RotationInterval: time.Duration(rotationMinutes) * time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts: maxAttempts,
			BaseDelay:   time.Duration(baseDelay) * time.Millisecond,
			Jitter:      v.GetBool("eventcall_retry_jitter"),
		},
		RateLimit: RateLimitConfig{
			MaxRequests: maxRequests,
			Interval:    time.Duration(rateInterval) * time.Millisecond,
		},
		Cache: CacheConfig{
			Path:      strings.TrimSpace(v.GetString("eventcall_cache_path")),
			Freshness: time.Duration(freshness) * time.Minute,
			MaxAge:    time.Duration(maxAge) * time.Hour,
		},
		Telemetry: TelemetryConfig{
			Enabled:       v.GetBool("eventcall_otel_enabled"),
			OTLPEndpoint:  strings.TrimSpace(v.GetString("eventcall_otlp_endpoint")),
			SamplingRatio: v.GetFloat64("eventcall_otel_sampling_ratio"),
		},
	}

	if cfg.Cache.Path == "" {
		cfg.Cache.Path = "data/cache"
	}
	if cfg.GitHub.Branch == "" {
		cfg.GitHub.Branch = "main"
	}
	if !cfg.IsLocalDevelopment() && cfg.CSRF.Secret == "" {
		return Config{}, fmt.Errorf("EVENTCALL_CSRF_SECRET is required outside local/dev environments")
	}
	if cfg.IsLocalDevelopment() && cfg.CSRF.Secret == "" {
		cfg.CSRF.Secret = "eventcall-local-dev"
	}
	if cfg.Server.SessionSecret == "" {
		if !cfg.IsLocalDevelopment() {
			return Config{}, fmt.Errorf("EVENTCALL_SESSION_SECRET is required outside local/dev environments")
		}
		cfg.Server.SessionSecret = "eventcall-local-dev"
	}

	return cfg, nil
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

func (c Config) IsLocalDevelopment() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "", "local", "dev", "development", "test":
		return true
	default:
		return false
	}
}

func resolveEnvironment(v *viper.Viper) string {
	for _, key := range []string{"eventcall_env", "app_env", "go_env"} {
		value := strings.TrimSpace(v.GetString(key))
		if value != "" {
			return strings.ToLower(value)
		}
	}
	return ""
}
