package main

import (
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/opendatalab/catsync/internal/catalogstore"
	"github.com/opendatalab/catsync/internal/httpapi"
)

func main() {
	addr := os.Getenv("CATSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	backend, err := catalogstore.BuildSnapshotBackendFromDSN(os.Getenv("CATSYNC_STORE_DSN"))
	if err != nil {
		log.Fatalf("failed to initialize snapshot backend: %v", err)
	}

	store := catalogstore.NewStoreWithOptions(catalogstore.StoreOptions{
		Backend: backend,
		Logger:  log.Default(),
	})
	server := httpapi.NewServerWithConfig(store, httpapi.ServerConfig{
		APIKey:          strings.TrimSpace(os.Getenv("CATSYNC_API_KEY")),
		RateLimitMax:    intEnv("CATSYNC_RATE_LIMIT_MAX", 0),
		RateLimitWindow: durationEnv("CATSYNC_RATE_LIMIT_WINDOW", time.Minute),
		MaxBodyBytes:    int64Env("CATSYNC_MAX_BODY_BYTES", 0),
	})

	log.Printf("catsyncd listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
