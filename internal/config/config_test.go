package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BC_DB_PATH", "./data/test.db")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Visitor.RetryTimeout != 15*time.Second {
		t.Errorf("RetryTimeout = %v", cfg.Visitor.RetryTimeout)
	}
	if cfg.Visitor.ChatCookie != "_bcck" || cfg.Visitor.ConfigCookie != "_bccfg" || cfg.Visitor.ChatRecoverCookie != "_bc-curl" {
		t.Errorf("unexpected cookie names: %+v", cfg.Visitor)
	}
	if !cfg.Visitor.ThrowErrors || !cfg.Visitor.MessageCache || !cfg.Logging {
		t.Errorf("unexpected flags: %+v", cfg)
	}
	if cfg.Simulator.Port != "8080" {
		t.Errorf("Port = %q", cfg.Simulator.Port)
	}
}

func TestServerSetPresenceOverrides(t *testing.T) {
	t.Setenv("BC_SERVER_SET", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Visitor.ServerSetSet || cfg.Visitor.ServerSet != "" {
		t.Fatalf("empty BC_SERVER_SET must still count as set: %+v", cfg.Visitor)
	}
}

func TestListsAndValidation(t *testing.T) {
	t.Setenv("BC_SECURED", " a, ,b ")
	t.Setenv("BC_THROW_ERRORS", "off")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Visitor.Secured) != 2 || cfg.Visitor.Secured[1] != "b" {
		t.Errorf("Secured = %v", cfg.Visitor.Secured)
	}
	if cfg.Visitor.ThrowErrors {
		t.Error("ThrowErrors should be false")
	}

	t.Setenv("BC_RETRY_TIMEOUT_MS", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected validation error for zero retry timeout")
	}
}
