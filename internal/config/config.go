package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"tillsync/backend/internal/domain"
)

type Config struct {
	Port                  string
	AllowedOrigin         string
	DatabaseURL           string
	SQLitePath            string
	RedisAddr             string
	RedisPassword         string
	RedisDB               int
	StoreID               string
	RemoteBaseURL         string
	AuthSecret            string
	AccessTokenTTLMinutes int
	ManagerPIN            string
	ProbeInterval         time.Duration
	DrainInterval         time.Duration
	AuthorizeTimeout      time.Duration
	SyncTimeout           time.Duration
	SyncBatchSize         int
	OfflineLimits         map[string]domain.MethodLimit
}

func Load() Config {
	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	batch, err := strconv.Atoi(getEnv("SYNC_BATCH_SIZE", "50"))
	if err != nil || batch < 1 {
		batch = 50
	}

	cfg := Config{
		Port:                  getEnv("PORT", "8080"),
		AllowedOrigin:         getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		SQLitePath:            os.Getenv("SQLITE_PATH"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               redisDB,
		StoreID:               getEnv("DEFAULT_STORE_ID", "main-store"),
		RemoteBaseURL:         strings.TrimRight(os.Getenv("REMOTE_BASE_URL"), "/"),
		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		ManagerPIN:            strings.TrimSpace(os.Getenv("MANAGER_PIN")),
		ProbeInterval:         durationEnv("PROBE_INTERVAL_SECONDS", 15*time.Second),
		DrainInterval:         durationEnv("DRAIN_INTERVAL_SECONDS", 30*time.Second),
		AuthorizeTimeout:      millisEnv("AUTHORIZE_TIMEOUT_MS", 2*time.Second),
		SyncTimeout:           millisEnv("SYNC_TIMEOUT_MS", 5*time.Second),
		SyncBatchSize:         batch,
		OfflineLimits:         loadOfflineLimits(),
	}

	return cfg
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// DefaultOfflineLimits is used when OFFLINE_LIMITS is unset. Methods absent
// here (e.g. mobile_money) are never accepted offline.
func DefaultOfflineLimits() map[string]domain.MethodLimit {
	return map[string]domain.MethodLimit{
		domain.MethodCash: {MaxSingleCents: 50000, MaxAggregateCents: 200000},
		domain.MethodCard: {MaxSingleCents: 25000, MaxAggregateCents: 100000},
	}
}

// loadOfflineLimits parses OFFLINE_LIMITS, a JSON object of
// {"method": {"max_single_cents": n, "max_aggregate_cents": n}}. Malformed
// values fall back to the defaults with a warning rather than starting with an
// empty (accept-nothing) policy by accident.
func loadOfflineLimits() map[string]domain.MethodLimit {
	raw := strings.TrimSpace(os.Getenv("OFFLINE_LIMITS"))
	if raw == "" {
		return DefaultOfflineLimits()
	}
	limits := map[string]domain.MethodLimit{}
	if err := json.Unmarshal([]byte(raw), &limits); err != nil {
		log.Printf("[config] WARN: invalid OFFLINE_LIMITS (%v), using defaults", err)
		return DefaultOfflineLimits()
	}
	for method, limit := range limits {
		if limit.MaxSingleCents < 0 || limit.MaxAggregateCents < 0 {
			log.Printf("[config] WARN: negative limit for %s, using defaults", method)
			return DefaultOfflineLimits()
		}
	}
	return limits
}

func durationEnv(key string, fallback time.Duration) time.Duration {
	secs, err := strconv.Atoi(getEnv(key, ""))
	if err != nil || secs < 1 {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

func millisEnv(key string, fallback time.Duration) time.Duration {
	ms, err := strconv.Atoi(getEnv(key, ""))
	if err != nil || ms < 1 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}
