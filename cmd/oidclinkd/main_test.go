package main

import (
	"context"
	"testing"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("HTTP_ADDR", "")
	t.Setenv("DATABASE_SCHEMA", "")
	t.Setenv("OIDC_SCOPES", "openid  email")
	t.Setenv("OIDC_MUNGE_PASSWORD", "true")
	t.Setenv("OIDC_SAME_ID", "nope")

	cfg := loadConfig()
	if cfg.HTTPAddr != ":8080" || cfg.DatabaseSchema != "profiles" {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if len(cfg.Scopes) != 2 || cfg.Scopes[1] != "email" {
		t.Fatalf("scopes = %v", cfg.Scopes)
	}
	if !cfg.MungePassword || cfg.PreserveID {
		t.Fatalf("bools = %v %v", cfg.MungePassword, cfg.PreserveID)
	}
}

func TestRun_RequiresProviderSettings(t *testing.T) {
	if err := run(context.Background(), config{}, nil); err == nil {
		t.Fatalf("expected error without issuer")
	}
}
