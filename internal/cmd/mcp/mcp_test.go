package mcp

import (
	"flag"
	"testing"
)

func TestParseConfigDefaults(t *testing.T) {
	fs := flag.NewFlagSet("mcp", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.DBPath != "data/masquerade.db" {
		t.Fatalf("expected default db path, got %q", cfg.DBPath)
	}
}

func TestParseConfigOverrides(t *testing.T) {
	fs := flag.NewFlagSet("mcp", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{"-db", "/tmp/other.db"})
	if err != nil {
		t.Fatalf("parse config: %v", err)
	}
	if cfg.DBPath != "/tmp/other.db" {
		t.Fatalf("expected db override, got %q", cfg.DBPath)
	}
}
