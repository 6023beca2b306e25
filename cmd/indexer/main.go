// Main indexer service: the sync engine, its metrics/health servers, and
// the node-telemetry bus responder.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/0xkanth/near-indexer/internal/bus"
	"github.com/0xkanth/near-indexer/internal/chain"
	"github.com/0xkanth/near-indexer/internal/config"
	"github.com/0xkanth/near-indexer/internal/store"
	"github.com/0xkanth/near-indexer/internal/sync"
	"github.com/0xkanth/near-indexer/internal/util"
)

func main() {
	logger := util.InitLogger()
	logger.Info().Msg("starting near indexer")

	cfg := util.InitConfig(logger, "config.toml")
	util.UpdateLogLevel(cfg, logger)

	syncCfg := config.LoadSync()
	logger.Info().
		Str("rpc_url", syncCfg.RPCURL).
		Int("fetch_queue", syncCfg.FetchQueueSize).
		Int("save_queue", syncCfg.SaveQueueSize).
		Int("bulk_db", syncCfg.BulkDBUpdateSize).
		Dur("new_tip_interval", syncCfg.NewTipInterval).
		Dur("gap_interval", syncCfg.GapInterval).
		Msg("loaded sync configuration")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	chainClient, err := chain.Dial(ctx, syncCfg.RPCURL, *logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to dial chain rpc")
	}
	defer chainClient.Close()

	st, err := store.New(ctx, cfg.String("postgres.dsn"), *logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to store")
	}
	defer st.Close()

	busCfg := config.LoadBus()
	nc, err := bus.Connect(busCfg.ResolveURL(cfg.String("nats.url")), *logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to nats")
	}
	defer nc.Close()

	responder := bus.NewResponder(nc, st, *logger)
	if err := responder.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start telemetry responder")
	}
	defer func() {
		if err := responder.Stop(); err != nil {
			logger.Warn().Err(err).Msg("telemetry responder stop error")
		}
	}()

	coordinator := sync.New(chainClient, st, sync.Config{
		FetchQueue: syncCfg.FetchQueueSize,
		SaveQueue:  syncCfg.SaveQueueSize,
		BulkDB:     syncCfg.BulkDBUpdateSize,
	}, *logger)

	metricsAddr := cfg.String("metrics.address")
	metricsServer := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
	go func() {
		logger.Info().Str("address", metricsAddr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server error")
		}
	}()

	healthAddr := cfg.String("health.address")
	healthServer := &http.Server{Addr: healthAddr, Handler: http.HandlerFunc(healthCheckHandler(nc, st, *logger))}
	go func() {
		logger.Info().Str("address", healthAddr).Msg("starting health check server")
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("health check server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	schedulerDone := make(chan struct{})
	go func() {
		defer close(schedulerDone)
		sync.RunScheduler(ctx, coordinator, sync.SchedulerConfig{
			NewTipPeriod: syncCfg.NewTipInterval,
			GapPeriod:    syncCfg.GapInterval,
		})
	}()

	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	cancel()
	<-schedulerDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("metrics server shutdown error")
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("health server shutdown error")
	}

	logger.Info().Msg("shutdown complete")
}

// healthCheckHandler reports bus connectivity and the store's current row
// count, mirroring the teacher's health endpoint shape without a live chain
// tip to compare against.
func healthCheckHandler(nc *nats.Conn, st *store.Store, logger zerolog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !nc.IsConnected() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("unhealthy: bus disconnected\n"))
			return
		}

		rows, err := st.RowCount(r.Context())
		if err != nil {
			logger.Warn().Err(err).Msg("health check row count failed")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("unhealthy: store unreachable\n"))
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("healthy\n"))
		_, _ = w.Write([]byte("blocks stored: " + strconv.FormatUint(rows, 10) + "\n"))
	}
}
