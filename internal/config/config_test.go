package config

import (
	"testing"
	"time"
)

func TestLoadDefaultsForLocalDevelopment(t *testing.T) {
	t.Setenv("EVENTCALL_ENV", "dev")
	t.Setenv("EVENTCALL_CSRF_SECRET", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.CSRF.Secret != "eventcall-local-dev" {
		t.Fatalf("expected local fallback secret, got %q", cfg.CSRF.Secret)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("expected default max attempts 3, got %d", cfg.Retry.MaxAttempts)
	}
	if cfg.Cache.Freshness != 5*time.Minute {
		t.Fatalf("expected 5m freshness window, got %s", cfg.Cache.Freshness)
	}
	if cfg.Cache.MaxAge != 24*time.Hour {
		t.Fatalf("expected 24h cache max age, got %s", cfg.Cache.MaxAge)
	}
}

func TestLoadRequiresCSRFSecretOutsideLocal(t *testing.T) {
	t.Setenv("EVENTCALL_ENV", "production")
	t.Setenv("EVENTCALL_CSRF_SECRET", "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing CSRF secret in production")
	}
}

func TestLoadParsesTokenListAndOrigins(t *testing.T) {
	t.Setenv("EVENTCALL_ENV", "dev")
	t.Setenv("GITHUB_TOKENS", "ghp_one, ghp_two,,ghp_three")
	t.Setenv("EVENTCALL_ALLOWED_ORIGINS", "https://eventcall.example.com,https://staging.example.com")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.GitHub.Tokens) != 3 || cfg.GitHub.Tokens[1] != "ghp_two" {
		t.Fatalf("unexpected token list: %#v", cfg.GitHub.Tokens)
	}
	if len(cfg.Server.AllowedOrigins) != 2 {
		t.Fatalf("unexpected origins: %#v", cfg.Server.AllowedOrigins)
	}
}

func TestLoadRepoCoordinatesFallBackToPrimary(t *testing.T) {
	t.Setenv("EVENTCALL_ENV", "dev")
	t.Setenv("GITHUB_OWNER", "eventcall")
	t.Setenv("GITHUB_REPO", "eventcall-data")
	t.Setenv("GITHUB_DATA_REPO", "")
	t.Setenv("GITHUB_IMAGE_REPO", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.GitHub.DataRepo != "eventcall-data" {
		t.Fatalf("expected data repo fallback, got %q", cfg.GitHub.DataRepo)
	}
	if cfg.GitHub.ImageRepo != "eventcall-data" {
		t.Fatalf("expected image repo fallback, got %q", cfg.GitHub.ImageRepo)
	}
}

func TestLoadClampsRetryAttempts(t *testing.T) {
	t.Setenv("EVENTCALL_ENV", "dev")
	t.Setenv("EVENTCALL_RETRY_MAX_ATTEMPTS", "50")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Retry.MaxAttempts != 10 {
		t.Fatalf("expected clamp to 10, got %d", cfg.Retry.MaxAttempts)
	}
}
