package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mqttvault/internal/config"
	"mqttvault/internal/engine"
	"mqttvault/internal/ingest"
	"mqttvault/internal/ingest/mqtt"
	"mqttvault/internal/logging"
	"mqttvault/internal/metadata"
	"mqttvault/internal/metric"
	"mqttvault/internal/retention"
	"mqttvault/internal/storage/sqlite"
)

const version = "0.3.0"

func main() {
	cfgPath := flag.String("config", "mqttvault.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logging.Init(logging.ParseLevel("info"), false)
		logging.Component("main").Error("load config", "path", *cfgPath, "error", err)
		os.Exit(1)
	}
	logging.Init(logging.ParseLevel(cfg.Log.Level), cfg.Log.JSON)
	log := logging.Component("main")
	log.Info("starting mqttvaultd", "version", version, "config", *cfgPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := sqlite.NewStore(cfg.Store.DataDir)
	if err != nil {
		log.Error("open shard store", "dir", cfg.Store.DataDir, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	meta, err := metadata.NewStore(cfg.Store.MetaDBPath)
	if err != nil {
		log.Error("open metadata store", "path", cfg.Store.MetaDBPath, "error", err)
		os.Exit(1)
	}
	defer meta.Close()
	if err := meta.RecordAppVersion(ctx, version); err != nil {
		log.Warn("record app version", "error", err)
	}

	metrics := metric.NewMetrics()
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.Register(registry)

	enforcer := retention.NewEnforcer(meta, store, metrics)
	policies := ingest.NewPolicyEngine(meta, cfg.Ingest.CacheTTL())
	ingestor := ingest.NewService(policies, meta, store, enforcer, metrics)
	eng := engine.New(store, meta, ingestor, enforcer)

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			log.Info("metrics listening", "addr", cfg.Metrics.Listen)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server", "error", err)
			}
		}()
	}

	managerDone := make(chan error, 1)
	if cfg.MQTT.Enabled {
		manager, err := mqtt.NewManager(mqtt.Config{
			Enabled:        true,
			Broker:         cfg.MQTT.Broker,
			Port:           cfg.MQTT.Port,
			Topics:         cfg.MQTT.Topics,
			Username:       cfg.MQTT.Username,
			Password:       cfg.MQTT.Password,
			ClientID:       cfg.MQTT.ClientID,
			RetryBase:      cfg.MQTT.RetryBaseDelay(),
			RetryMax:       cfg.MQTT.RetryMaxDelay(),
			ConnectTimeout: cfg.MQTT.ConnectTimeoutDelay(),
		}, ingestor, metrics)
		if err != nil {
			log.Error("build mqtt manager", "error", err)
			os.Exit(1)
		}
		eng.SetStatusSource(manager)
		go func() { managerDone <- manager.Run(ctx) }()
	} else {
		log.Info("mqtt ingest disabled")
	}

	<-ctx.Done()
	log.Info("shutting down")

	if cfg.MQTT.Enabled {
		select {
		case <-managerDone:
		case <-time.After(5 * time.Second):
			log.Warn("mqtt manager did not stop in time")
		}
	}
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	log.Info("stopped")
}
