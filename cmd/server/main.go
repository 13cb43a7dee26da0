package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shopcore/backend/internal/cache"
	"shopcore/backend/internal/config"
	"shopcore/backend/internal/domain"
	"shopcore/backend/internal/events"
	"shopcore/backend/internal/housekeeping"
	"shopcore/backend/internal/httpapi"
	"shopcore/backend/internal/service"
	"shopcore/backend/internal/store"
	"shopcore/backend/internal/store/memory"
	pgstore "shopcore/backend/internal/store/postgres"
	"shopcore/backend/internal/xid"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var docs store.DocumentStore
	closers := make([]func() error, 0, 3)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		if err := pg.Migrate(ctx); err != nil {
			log.Fatalf("postgres migration failed: %v", err)
		}
		docs = pg
		closers = append(closers, pg.Close)
		log.Println("document store: postgres")
	} else {
		docs = memory.NewSeeded(cfg.DefaultShopID)
		log.Println("document store: in-memory")
	}

	lookups := cache.Cache(cache.Noop{})
	locker := cache.Locker(cache.NewLocalLocker())
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			log.Printf("redis unavailable (%v), using noop cache and local locks", err)
		} else {
			lookups = redisCache
			locker = redisCache
			closers = append(closers, redisCache.Close)
			log.Println("cache: redis")
		}
	} else {
		log.Println("cache: noop")
	}

	publisher := events.Publisher(events.Noop{})
	if len(cfg.KafkaBrokers) > 0 {
		kafka := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		publisher = kafka
		closers = append(closers, kafka.Close)
		log.Printf("events: kafka topic %s", cfg.KafkaTopic)
	} else {
		log.Println("events: noop")
	}

	svc := service.New(docs, lookups, publisher, service.Options{
		DefaultShop:   cfg.DefaultShopID,
		RedeemEnabled: cfg.LoyaltyRedeemEnabled,
		LookupTTL:     time.Duration(cfg.LookupCacheTTLSeconds) * time.Second,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, svc)
	if err := bootstrapAdmin(ctx, cfg, svc, auth); err != nil {
		log.Fatalf("bootstrap admin failed: %v", err)
	}
	api := httpapi.New(svc, auth, cfg.AllowedOrigin)

	products, err := svc.Registry().Lookup(domain.CollectionProducts)
	if err != nil {
		log.Fatalf("products entity missing: %v", err)
	}
	job := housekeeping.New(svc.Archiver(), products, locker, time.Duration(cfg.HousekeepingStaleDays)*24*time.Hour)
	if err := job.Start(cfg.HousekeepingSchedule); err != nil {
		log.Fatalf("housekeeping schedule: %v", err)
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("shop backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	job.Stop()

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Printf("close error: %v", err)
		}
	}

	log.Println("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if _, err := xid.Canonical(cfg.DefaultShopID); err != nil {
		return fmt.Errorf("DEFAULT_SHOP_ID must be a UUID: %w", err)
	}
	if cfg.BootstrapAdminUsername != "" && len(cfg.BootstrapAdminPassword) < 12 {
		return fmt.Errorf("BOOTSTRAP_ADMIN_PASSWORD must be at least 12 characters")
	}
	return nil
}

// bootstrapAdmin creates the configured admin in the default shop unless the
// username is already taken.
func bootstrapAdmin(ctx context.Context, cfg config.Config, users httpapi.UserStore, auth *httpapi.AuthManager) error {
	if cfg.BootstrapAdminUsername == "" {
		return nil
	}
	_, err := users.FindUserByUsername(ctx, cfg.BootstrapAdminUsername)
	if err == nil {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	system := domain.Actor{ID: domain.RoleSystem, Shop: cfg.DefaultShopID, Role: domain.RoleSystem}
	_, err = auth.CreateUser(ctx, system, domain.UserCreateRequest{
		Username: cfg.BootstrapAdminUsername,
		Password: cfg.BootstrapAdminPassword,
		Role:     domain.RoleAdmin,
	})
	if err != nil {
		return err
	}
	log.Printf("bootstrap admin %q created", cfg.BootstrapAdminUsername)
	return nil
}
