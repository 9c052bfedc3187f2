package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/platformbuilds/mirador-behavior-engine/internal/api"
	"github.com/platformbuilds/mirador-behavior-engine/internal/config"
	"github.com/platformbuilds/mirador-behavior-engine/internal/grounding"
	"github.com/platformbuilds/mirador-behavior-engine/internal/pipeline"
	"github.com/platformbuilds/mirador-behavior-engine/internal/store/batch"
	"github.com/platformbuilds/mirador-behavior-engine/internal/store/redisstore"
)

// These can be overridden at build time using -ldflags:
//
//	-ldflags="-X main.version=$(git describe --tags --dirty --always) -X main.commit=$(git rev-parse --short HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	// -------- flags & env --------
	defaultCfg := envOr("BEHAVIOR_ENGINE_CONFIG", "config.yaml")
	var (
		cfgPath     = flag.String("config", defaultCfg, "Path to the config YAML")
		metricsAddr = flag.String("metrics.addr", envOr("BEHAVIOR_ENGINE_METRICS_ADDR", ":9090"), "Prometheus metrics HTTP listen address")
		pprofAddr   = flag.String("pprof.addr", envOr("BEHAVIOR_ENGINE_PPROF_ADDR", ""), "pprof HTTP listen address (disabled if empty)")
		logLevel    = flag.String("log.level", envOr("BEHAVIOR_ENGINE_LOG_LEVEL", "info"), "Log level: trace|debug|info|warn|error")
	)
	flag.Parse()

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(os.Stderr).With().Timestamp().Logger()
	log.Info().Str("version", version).Str("commit", commit).Str("built", date).
		Msg("mirador-behavior-engine starting")

	// -------- load config --------
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	log.Info().Str("path", *cfgPath).Int("receivers", len(cfg.Receivers)).
		Int("exporters", len(cfg.Exporters)).Msg("config loaded")

	// -------- root context & signals --------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// -------- metrics & health server --------
	ready := &atomic.Bool{}
	metricsSrv := &http.Server{
		Addr:              *metricsAddr,
		Handler:           setupMetricsMux(ready),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info().Str("addr", *metricsAddr).Msg("metrics listening")
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()

	if *pprofAddr != "" {
		go func() {
			log.Info().Str("addr", *pprofAddr).Msg("pprof listening")
			pp := &http.Server{Addr: *pprofAddr, Handler: pprofMux()}
			if err := pp.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("pprof server error")
			}
		}()
	}

	// -------- shared stores & collaborators --------
	st := batch.New(cfg.Batch.MaxEvents)

	var results *redisstore.Store
	if cfg.Store.Address != "" {
		client, err := redisstore.NewClient(cfg.Store)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connect failed")
		}
		defer client.Close()
		results = redisstore.New(client, cfg.Store.KeyPrefix)
	} else {
		log.Warn().Msg("store.address unset; results will not be persisted")
	}

	var summarizer grounding.Summarizer
	if c := grounding.New(cfg.Grounding); c != nil {
		summarizer = c
	}

	// pipeline.ResultsWriter and api.Results are satisfied by the same store;
	// a nil *Store must stay a nil interface.
	var writer pipeline.ResultsWriter
	var reader api.Results
	if results != nil {
		writer = results
		reader = results
	}

	pl, err := pipeline.New(cfg, st, writer, summarizer)
	if err != nil {
		log.Fatal().Err(err).Msg("pipeline build failed")
	}
	apiSrv := api.New(cfg.API, st, reader, cfg.Analysis)

	// -------- run (blocking until ctx done) --------
	var g errgroup.Group

	g.Go(func() error {
		ready.Store(true)
		if err := pl.Run(ctx); err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		if err := apiSrv.Start(ctx); err != nil {
			return fmt.Errorf("api: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		s := <-sigCh
		log.Info().Str("signal", s.String()).Msg("initiating graceful shutdown")
		cancel()
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shCancel()
		if err := metricsSrv.Shutdown(shCtx); err != nil {
			log.Warn().Err(err).Msg("metrics shutdown error")
		}
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("shutdown with error")
		os.Exit(1)
	}
	log.Info().Msg("shutdown complete")
}

// setupMetricsMux registers Prometheus /metrics plus simple health endpoints.
func setupMetricsMux(ready *atomic.Bool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if ready.Load() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
			return
		}
		http.Error(w, "not ready", http.StatusServiceUnavailable)
	})
	return mux
}

func pprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
