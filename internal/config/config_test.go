package config

import (
	"testing"

	"tillsync/backend/internal/domain"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("MANAGER_PIN", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.ManagerPIN != "" {
		t.Fatalf("expected empty MANAGER_PIN when unset, got %q", cfg.ManagerPIN)
	}
}

func TestLoadParsesOfflineLimits(t *testing.T) {
	t.Setenv("OFFLINE_LIMITS", `{"cash":{"max_single_cents":500,"max_aggregate_cents":2000}}`)

	cfg := Load()
	limit, ok := cfg.OfflineLimits[domain.MethodCash]
	if !ok {
		t.Fatalf("expected cash limit to be configured")
	}
	if limit.MaxSingleCents != 500 || limit.MaxAggregateCents != 2000 {
		t.Fatalf("unexpected limit %+v", limit)
	}
	if _, ok := cfg.OfflineLimits[domain.MethodCard]; ok {
		t.Fatalf("explicit OFFLINE_LIMITS must replace the defaults, not merge with them")
	}
}

func TestLoadFallsBackOnMalformedOfflineLimits(t *testing.T) {
	t.Setenv("OFFLINE_LIMITS", "{not json")

	cfg := Load()
	if _, ok := cfg.OfflineLimits[domain.MethodCash]; !ok {
		t.Fatalf("expected defaults when OFFLINE_LIMITS is malformed")
	}
}
