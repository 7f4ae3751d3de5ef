package config

import (
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Run("defaults with secret set", func(t *testing.T) {
		t.Setenv("AUTH_SECRET", "s3cret")

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Port != "8080" {
			t.Errorf("Port = %q, want 8080", cfg.Port)
		}
		if cfg.Reconnect.MaxAttempts != 5 {
			t.Errorf("MaxAttempts = %d, want 5", cfg.Reconnect.MaxAttempts)
		}
		if cfg.Reconnect.BaseDelay != 2*time.Second {
			t.Errorf("BaseDelay = %v, want 2s", cfg.Reconnect.BaseDelay)
		}
		if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
			t.Errorf("AllowedOrigins = %v, want [*]", cfg.AllowedOrigins)
		}
	})

	t.Run("missing secret fails", func(t *testing.T) {
		t.Setenv("AUTH_SECRET", "")
		if _, err := Load(); err == nil {
			t.Fatal("expected error without AUTH_SECRET")
		}
	})

	t.Run("origins list parsed", func(t *testing.T) {
		t.Setenv("AUTH_SECRET", "s3cret")
		t.Setenv("ALLOWED_ORIGINS", "https://app.example.com, https://admin.example.com")

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		want := []string{"https://app.example.com", "https://admin.example.com"}
		if len(cfg.AllowedOrigins) != len(want) {
			t.Fatalf("AllowedOrigins = %v, want %v", cfg.AllowedOrigins, want)
		}
		for i := range want {
			if cfg.AllowedOrigins[i] != want[i] {
				t.Errorf("AllowedOrigins[%d] = %q, want %q", i, cfg.AllowedOrigins[i], want[i])
			}
		}
	})

	t.Run("reconnect overrides", func(t *testing.T) {
		t.Setenv("AUTH_SECRET", "s3cret")
		t.Setenv("RECONNECT_MAX_ATTEMPTS", "10")
		t.Setenv("RECONNECT_BASE_DELAY", "500ms")

		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.Reconnect.MaxAttempts != 10 {
			t.Errorf("MaxAttempts = %d, want 10", cfg.Reconnect.MaxAttempts)
		}
		if cfg.Reconnect.BaseDelay != 500*time.Millisecond {
			t.Errorf("BaseDelay = %v, want 500ms", cfg.Reconnect.BaseDelay)
		}
	})
}
