package main

import (
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"mnemosyne/internal/admin"
	"mnemosyne/internal/cache"
	"mnemosyne/internal/config"
	"mnemosyne/internal/limits"
	"mnemosyne/internal/obs"
	"mnemosyne/internal/proxy"
	"mnemosyne/internal/router"
	"mnemosyne/internal/server"
	"mnemosyne/internal/upstream"
)

const defaultConfigPath = "/etc/mnemosyne/mnemosyne.toml"

func main() {
	log := obs.NewLogger()

	configPath := defaultConfigPath
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Error().Err(err).Str("path", configPath).Msg("configuration rejected")
		os.Exit(1)
	}

	table, err := config.BuildTable(cfg)
	if err != nil {
		log.Error().Err(err).Msg("routing table rejected")
		os.Exit(1)
	}
	routerStore := router.NewStore(table)

	cacheStore := cache.NewStore(cfg.SizeLimitBytes(), cfg.IdleTTL(), log)
	defer cacheStore.Close()
	coalescer := cache.NewCoalescer(cache.DefaultMaxFlights)

	client := upstream.NewClient(upstream.Config{
		DialTimeout:           time.Duration(cfg.Upstream.DialTimeoutMS) * time.Millisecond,
		ResponseHeaderTimeout: time.Duration(cfg.Upstream.ResponseHeaderTimeoutMS) * time.Millisecond,
		RequestTimeout:        time.Duration(cfg.Upstream.RequestTimeoutMS) * time.Millisecond,
	}, log)

	metrics := obs.NewMetrics(cacheStore.Stats)

	proxyHandler := &proxy.Handler{
		Router:    routerStore,
		Cache:     cacheStore,
		Coalescer: coalescer,
		Upstream:  client,
		Metrics:   metrics,
		Log:       log,
	}
	adminHandler := admin.NewHandler(admin.HandlerConfig{
		Cache:   cacheStore,
		Router:  routerStore,
		Metrics: metrics,
		Logger:  log,
	})

	mux := http.NewServeMux()
	mux.Handle(admin.PathPrefix+"/", adminHandler)
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/", proxyHandler)

	srv, err := server.Start(mux, cfg.ListenAddress, server.Options{
		Limits:    limits.FromConfig(cfg.Limits),
		CloseIdle: []func(){client.CloseIdle},
		Logger:    log,
	})
	if err != nil {
		log.Error().Err(err).Str("addr", cfg.ListenAddress).Msg("listen failed")
		os.Exit(1)
	}
	log.Info().
		Str("addr", srv.Addr).
		Int("endpoints", len(table.Endpoints())).
		Str("size_limit", byteCount(cfg.SizeLimitBytes())).
		Dur("expiration", cfg.IdleTTL()).
		Msg("mnemosyne listening")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	if err := srv.Shutdown(); err != nil {
		log.Error().Err(err).Msg("shutdown incomplete")
		os.Exit(1)
	}
}

func byteCount(n int64) string {
	return strconv.FormatInt(n/(1024*1024), 10) + "MiB"
}
