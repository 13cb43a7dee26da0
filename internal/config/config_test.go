package config

import (
	"reflect"
	"testing"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("BOOTSTRAP_ADMIN_PASSWORD", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.BootstrapAdminPassword != "" {
		t.Fatalf("expected empty BOOTSTRAP_ADMIN_PASSWORD when unset, got %q", cfg.BootstrapAdminPassword)
	}
}

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "KAFKA_BROKERS", "DEFAULT_SHOP_ID", "HOUSEKEEPING_SCHEDULE", "HOUSEKEEPING_STALE_DAYS", "LOYALTY_REDEEM_ENABLED", "LOOKUP_CACHE_TTL_SECONDS"} {
		t.Setenv(key, "")
	}

	cfg := Load()
	if cfg.Address() != ":8080" {
		t.Fatalf("expected default address :8080, got %q", cfg.Address())
	}
	if cfg.KafkaBrokers != nil {
		t.Fatalf("expected no kafka brokers, got %v", cfg.KafkaBrokers)
	}
	if cfg.DefaultShopID != DefaultShopID || cfg.HousekeepingSchedule != "0 3 * * *" || cfg.HousekeepingStaleDays != 30 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.LoyaltyRedeemEnabled || cfg.LookupCacheTTLSeconds != 300 {
		t.Fatalf("unexpected loyalty/cache defaults %+v", cfg)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " kafka-1:9092, ,kafka-2:9092 ")
	t.Setenv("DEFAULT_SHOP_ID", "5F3C2A1E-8B7D-4C6A-9E0F-1A2B3C4D5E70")
	t.Setenv("LOYALTY_REDEEM_ENABLED", "true")
	t.Setenv("HOUSEKEEPING_STALE_DAYS", "-4")
	t.Setenv("ACCESS_TOKEN_TTL_MINUTES", "abc")

	cfg := Load()
	if !reflect.DeepEqual(cfg.KafkaBrokers, []string{"kafka-1:9092", "kafka-2:9092"}) {
		t.Fatalf("unexpected brokers %v", cfg.KafkaBrokers)
	}
	if cfg.DefaultShopID != "5f3c2a1e-8b7d-4c6a-9e0f-1a2b3c4d5e70" {
		t.Fatalf("expected lowercased shop id, got %q", cfg.DefaultShopID)
	}
	if !cfg.LoyaltyRedeemEnabled {
		t.Fatalf("expected redemption enabled")
	}
	if cfg.HousekeepingStaleDays != 30 || cfg.AccessTokenTTLMinutes != 480 {
		t.Fatalf("expected invalid numbers to fall back, got %+v", cfg)
	}
}
