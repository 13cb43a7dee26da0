package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// DefaultShopID scopes the seeded accounts and any call made without an
// authenticated actor.
const DefaultShopID = "5f3c2a1e-8b7d-4c6a-9e0f-1a2b3c4d5e6f"

type Config struct {
	Port                   string
	AllowedOrigin          string
	DatabaseURL            string
	RedisAddr              string
	RedisPassword          string
	RedisDB                int
	KafkaBrokers           []string
	KafkaTopic             string
	DefaultShopID          string
	AuthSecret             string
	AccessTokenTTLMinutes  int
	LookupCacheTTLSeconds  int
	LoyaltyRedeemEnabled   bool
	HousekeepingSchedule   string
	HousekeepingStaleDays  int
	BootstrapAdminUsername string
	BootstrapAdminPassword string
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	lookupTTL, err := strconv.Atoi(getEnv("LOOKUP_CACHE_TTL_SECONDS", "300"))
	if err != nil || lookupTTL < 1 {
		lookupTTL = 300
	}
	staleDays, err := strconv.Atoi(getEnv("HOUSEKEEPING_STALE_DAYS", "30"))
	if err != nil || staleDays < 1 {
		staleDays = 30
	}
	redeem, err := strconv.ParseBool(getEnv("LOYALTY_REDEEM_ENABLED", "false"))
	if err != nil {
		redeem = false
	}

	cfg := Config{
		Port:                   getEnv("PORT", "8080"),
		AllowedOrigin:          getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		KafkaBrokers:           splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:             getEnv("KAFKA_TOPIC", "shopcore.events"),
		DefaultShopID:          strings.ToLower(strings.TrimSpace(getEnv("DEFAULT_SHOP_ID", DefaultShopID))),
		AuthSecret:             strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:  tokenTTL,
		LookupCacheTTLSeconds:  lookupTTL,
		LoyaltyRedeemEnabled:   redeem,
		HousekeepingSchedule:   strings.TrimSpace(getEnv("HOUSEKEEPING_SCHEDULE", "0 3 * * *")),
		HousekeepingStaleDays:  staleDays,
		BootstrapAdminUsername: strings.TrimSpace(os.Getenv("BOOTSTRAP_ADMIN_USERNAME")),
		BootstrapAdminPassword: os.Getenv("BOOTSTRAP_ADMIN_PASSWORD"),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
