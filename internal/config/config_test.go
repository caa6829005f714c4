// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("BRIDGE_SESSION_LIMIT_TIMEOUT_COUNT")
	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Session.LimitTimeoutCount != 10 {
		t.Fatalf("expected default limit_timeout_count 10, got %d", cfg.Session.LimitTimeoutCount)
	}
	if len(cfg.Backends.Addresses) == 0 {
		t.Fatalf("expected default backend address")
	}
}

func TestLifeSeconds(t *testing.T) {
	s := Session{LimitTimeoutCount: 10, TimeoutInterval: 3 * time.Second}
	if s.LifeSeconds() != 30*time.Second {
		t.Fatalf("expected 30s, got %v", s.LifeSeconds())
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Backends.Addresses = nil
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty backends.addresses")
	}
	cfg = defaultConfig()
	cfg.Session.LimitTimeoutCount = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for limit_timeout_count < 1")
	}
	cfg = defaultConfig()
	cfg.Upload.MimeExtensionMap = nil
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty mime_extension_map")
	}
}
