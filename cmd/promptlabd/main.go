package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/promptlab/promptlab/internal/cache"
	"github.com/promptlab/promptlab/internal/config"
	"github.com/promptlab/promptlab/internal/httpapi"
	"github.com/promptlab/promptlab/internal/logger"
	"github.com/promptlab/promptlab/internal/modelrouter"
	"github.com/promptlab/promptlab/internal/observability"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("promptlab starting")

	responseCache := newResponseCache(cfg, log)
	metrics := observability.NewMetrics(log)

	router := modelrouter.New(
		modelrouter.WithRetryPolicy(modelrouter.RetryPolicy{
			MaxAttempts: cfg.RouterMaxAttempts,
			BaseDelay:   cfg.RouterBaseDelay,
			MaxDelay:    cfg.RouterMaxDelay,
			Jitter:      cfg.RouterJitter,
		}),
		modelrouter.WithCircuitPolicy(modelrouter.CircuitPolicy{
			FailThreshold: cfg.CircuitFailThreshold,
			Cooldown:      cfg.CircuitCooldown,
		}),
		modelrouter.WithResponseCache(responseCache),
		modelrouter.WithLogger(log),
	)

	registerModels(router, cfg, log)

	healthPoller := modelrouter.NewHealthPoller(router, log, 30*time.Second)
	healthPoller.Start()

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      httpapi.New(cfg, log, router, metrics).Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.DefaultRequestTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("promptlab listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	healthPoller.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("promptlab stopped gracefully")
	}
}

// registerModels parses cfg.Models ("name1=url1,url2;name2=url3") and
// registers one ModelDescriptor per entry, an HTTPBackendClient per
// URL (first URL is the declared primary, the rest are fallbacks in
// order), mirroring the teacher's provider-registration loop in its
// own main.go — adapted from registering named vendor SDKs to
// registering arbitrary HTTP completion endpoints, since concrete
// vendor connectors are out of scope here.
func registerModels(router *modelrouter.Router, cfg *config.Config, log zerolog.Logger) {
	spec := strings.TrimSpace(cfg.Models)
	if spec == "" {
		log.Warn().Msg("no models configured (PROMPTLAB_MODELS is empty) — evolve/generate will fail until at least one is registered")
		return
	}

	pool := modelrouter.DefaultPoolConfig()
	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, urlList, ok := strings.Cut(entry, "=")
		name, urlList = strings.TrimSpace(name), strings.TrimSpace(urlList)
		if !ok || name == "" || urlList == "" {
			log.Warn().Str("entry", entry).Msg("skipping malformed PROMPTLAB_MODELS entry")
			continue
		}

		urls := strings.Split(urlList, ",")
		backends := make([]modelrouter.BackendClient, 0, len(urls))
		for i, u := range urls {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			id := fmt.Sprintf("%s-%d", name, i)
			backends = append(backends, modelrouter.NewHTTPBackendClient(id, u, pool, cfg.BackendTimeout))
		}
		if len(backends) == 0 {
			log.Warn().Str("model", name).Msg("skipping model with no backend URLs")
			continue
		}

		router.Register(modelrouter.ModelDescriptor{Name: name, Backends: backends})
		log.Info().Str("model", name).Int("backends", len(backends)).Msg("registered model")
	}
}

// newResponseCache picks a Redis-backed store when REDIS_URL is set,
// falling back to the in-memory store otherwise — the teacher's main.go
// treats Redis the same way ("redis init failed — continuing without
// Redis").
func newResponseCache(cfg *config.Config, log zerolog.Logger) cache.Store[modelrouter.BackendResponse] {
	memStore := func() cache.Store[modelrouter.BackendResponse] {
		return cache.NewMemoryStore[modelrouter.BackendResponse](
			cache.WithMaxSize[modelrouter.BackendResponse](cfg.CacheMaxEntries),
			cache.WithDefaultTTL[modelrouter.BackendResponse](cfg.CacheDefaultTTL),
		)
	}

	if cfg.RedisURL == "" {
		return memStore()
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Warn().Err(err).Msg("invalid REDIS_URL — continuing without Redis")
		return memStore()
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Warn().Err(err).Msg("redis ping failed — continuing without Redis")
		return memStore()
	}
	log.Info().Msg("redis connected")

	return cache.NewRedisStore[modelrouter.BackendResponse](rdb, "promptlab:response",
		cache.RedisWithMaxSize[modelrouter.BackendResponse](cfg.CacheMaxEntries),
		cache.RedisWithDefaultTTL[modelrouter.BackendResponse](cfg.CacheDefaultTTL),
	)
}
