// cmd/telemetry is the HTTP endpoint that forwards node-telemetry reports
// into the bus. It is external-facing glue: the only non-trivial piece of
// logic is client-IP extraction, per the specification.
package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/0xkanth/near-indexer/internal/bus"
	"github.com/0xkanth/near-indexer/internal/config"
	"github.com/0xkanth/near-indexer/internal/util"
)

func main() {
	logger := util.InitLogger()
	logger.Info().Msg("starting near telemetry endpoint")

	cfg := util.InitConfig(logger, "config.toml")
	util.UpdateLogLevel(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	busCfg := config.LoadBus()
	nc, err := bus.Connect(busCfg.ResolveURL(cfg.String("nats.url")), *logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to nats")
	}
	defer nc.Close()

	client := bus.NewClient(nc)

	addr := cfg.String("telemetry.address")
	server := &http.Server{Addr: addr, Handler: handler(client, *logger)}

	go func() {
		logger.Info().Str("address", addr).Msg("starting telemetry http server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("telemetry server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("telemetry server shutdown error")
	}
}

// clientIP extracts the originating address per the specification: the
// first entry of X-Forwarded-For if present (split on comma, trimmed),
// otherwise the TCP peer address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first := strings.SplitN(xff, ",", 2)[0]
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// handler builds the POST endpoint: decode the telemetry payload, stamp the
// client IP, forward it through the bus client, and respond with `{}`. If
// the request carries a `debug` query parameter, it responds with the
// forward's timing instead.
func handler(client *bus.Client, logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var report bus.TelemetryReport
		if err := json.NewDecoder(r.Body).Decode(&report); err != nil {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			return
		}
		report.IPAddress = clientIP(r)

		start := time.Now()
		result, err := client.Report(r.Context(), report)
		elapsed := time.Since(start)
		if err != nil {
			logger.Warn().Err(err).Str("node_id", report.NodeID).Msg("telemetry forward failed")
			http.Error(w, "forward failed", http.StatusBadGateway)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if _, debug := r.URL.Query()["debug"]; debug {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"result":      result,
				"forward_took": elapsed.String(),
			})
			return
		}
		_, _ = w.Write([]byte("{}"))
	})
	return mux
}
