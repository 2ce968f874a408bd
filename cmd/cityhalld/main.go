// Command cityhalld runs a CityHall storage node: the local engine, its
// Prometheus metrics endpoint, and — when CITYHALL_LEADER_ADDR is set — a
// replica agent pulling from that leader. Argument parsing is out of
// scope (an external collaborator owns the CLI surface per spec.md's
// Non-goals); configuration comes from a fixed path and environment
// variables instead of flags.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"cityhall/config"
	"cityhall/engine"
	"cityhall/replication"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := log.Logger

	configPath := os.Getenv("CITYHALL_CONFIG")
	if configPath == "" {
		configPath = "cityhall.json"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("loading config")
	}

	eng, err := engine.Open(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("opening engine")
	}
	defer eng.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go serveMetrics(cfg, eng, logger)

	if leaderAddr := os.Getenv("CITYHALL_LEADER_ADDR"); leaderAddr != "" {
		agent := replication.NewAgent(
			leaderAddr,
			eng,
			cfg.DataDir,
			time.Duration(cfg.Replication.SyncIntervalSeconds)*time.Second,
			time.Duration(cfg.Replication.ConnectTimeoutSeconds)*time.Second,
			time.Duration(cfg.Replication.BackoffInitialSeconds)*time.Second,
			time.Duration(cfg.Replication.BackoffMaxSeconds)*time.Second,
			logger,
		)
		go func() {
			if err := agent.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("replication agent stopped")
			}
		}()
	} else {
		go serveReplication(cfg, eng, logger)
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")
}

func serveMetrics(cfg *config.Config, eng *engine.Engine, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(eng.Metrics().Registry(), promhttp.HandlerOpts{}))
	addr := ":" + strconv.Itoa(cfg.Replication.MetricsPort)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}

func serveReplication(cfg *config.Config, eng *engine.Engine, logger zerolog.Logger) {
	addr := ":" + strconv.Itoa(cfg.Replication.ReplicationPort)
	readTimeout := time.Duration(cfg.Replication.ReadTimeoutSeconds) * time.Second
	srv, err := replication.NewServer(addr, eng.WAL(), readTimeout, cfg.Replication.BatchLimit, logger)
	if err != nil {
		logger.Error().Err(err).Msg("starting replication server")
		return
	}
	eng.SetReplicaTracker(srv)
	if err := srv.Serve(); err != nil {
		logger.Error().Err(err).Msg("replication server stopped")
	}
}
