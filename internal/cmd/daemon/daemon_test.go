package daemon

import (
	"flag"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.DBPath != "framelog.db" {
		t.Fatalf("expected default db path, got %q", cfg.DBPath)
	}
	if cfg.Ephemeral {
		t.Fatal("expected persistent storage by default")
	}
}

func TestParseConfigOverrides(t *testing.T) {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-port", "9001", "-db", "/tmp/test.db", "-ephemeral"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 9001 {
		t.Fatalf("expected port 9001, got %d", cfg.Port)
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Fatalf("expected db path override, got %q", cfg.DBPath)
	}
	if !cfg.Ephemeral {
		t.Fatal("expected ephemeral override")
	}
}

func TestParseConfigEnv(t *testing.T) {
	t.Setenv("FRAMELOG_PORT", "9100")
	t.Setenv("FRAMELOG_EPHEMERAL", "true")

	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.Port != 9100 {
		t.Fatalf("expected env port 9100, got %d", cfg.Port)
	}
	if !cfg.Ephemeral {
		t.Fatal("expected ephemeral from env")
	}
}
