package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nostr-ilp-relay/internal/cache"
	"nostr-ilp-relay/internal/config"
	"nostr-ilp-relay/internal/guard"
	"nostr-ilp-relay/internal/handler"
	"nostr-ilp-relay/internal/metrics"
	"nostr-ilp-relay/internal/pricing"
	"nostr-ilp-relay/internal/propagation"
	"nostr-ilp-relay/internal/store"
	"nostr-ilp-relay/internal/subscription"
	"nostr-ilp-relay/internal/transport"
)

func main() {
	cfg := config.Load()
	InitLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("node stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()
	st.SetMaxLimit(cfg.MaxQueryLimit)

	cacheCfg := cache.DefaultConfig()
	cacheCfg.EventTTL = cfg.CacheTTL
	cacheBackend := cache.Open(cfg.RedisURL, cacheCfg)
	defer cacheBackend.Close()

	oracle := pricing.NewOracle(cfg.PricingConfig)
	go reloadPricingOnHUP(ctx, oracle, cfg.PricingConfig)

	index := subscription.NewIndex()
	dedup := guard.NewDedup(cfg.DedupTTL, cfg.DedupMaxEntries)
	limiter := guard.NewRateLimiter(cfg.RateLimitPerSecond, cfg.RateLimitBurst)
	go limiter.Run(ctx, time.Minute)

	pool := transport.NewPeerPool(cfg.NodeAddress)
	defer pool.Close()

	prop := propagation.NewService(index, propagation.Config{
		NodeAddress:    cfg.NodeAddress,
		Peers:          cfg.Peers,
		RoutingFee:     cfg.RoutingFee,
		Currency:       cfg.Currency,
		ForwardTimeout: cfg.ForwardTimeout,
	}, propagation.WithForwarder(pool), propagation.WithGuards(dedup, limiter))

	registry := metrics.New()
	events := store.NewCachedStore(st, cacheBackend, cfg.CacheTTL,
		store.WithCacheCounters(&registry.CacheHits, &registry.CacheMisses))

	h := handler.New(oracle, events, index, handler.Config{
		NodeAddress: cfg.NodeAddress,
		MaxFilters:  cfg.MaxFilters,
		Retry:       store.DefaultRetryPolicy(),
	}, handler.WithMetrics(registry), handler.WithPropagator(prop))

	go index.Run(ctx, cfg.SweepInterval, func(expired []*subscription.Subscription) {
		slog.Debug("subscriptions expired", "count", len(expired))
		prop.NotifyExpired(ctx, expired)
	})

	n := &node{
		cfg:          cfg,
		handler:      h,
		index:        index,
		propagation:  prop,
		pool:         pool,
		cacheBackend: cacheBackendType(cacheBackend),
		startedAt:    time.Now(),
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           n.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting node", "port", cfg.Port, "address", cfg.NodeAddress, "peers", len(cfg.Peers))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// reloadPricingOnHUP re-reads the price table on SIGHUP.
func reloadPricingOnHUP(ctx context.Context, oracle *pricing.Oracle, path string) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			if path == "" {
				continue
			}
			if err := oracle.Reload(path); err != nil {
				slog.Warn("price table reload failed, keeping current table", "path", path, "error", err)
			}
		}
	}
}

func cacheBackendType(b cache.Backend) string {
	switch b.(type) {
	case *cache.RedisCache:
		return "redis"
	case *cache.MemoryCache:
		return "memory"
	default:
		return "none"
	}
}
