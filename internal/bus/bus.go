// Package bus implements the in-scope behavior of the node-telemetry
// procedure over NATS request/reply; the NATS connection's own reconnect
// policy is set in Connect. The full WAMP-style session (realm,
// authentication, the read-only SQL passthrough procedure) is out of core scope (see DESIGN.md for why it is not
// implemented), so this package only covers the one RPC registration the
// core process and the telemetry HTTP endpoint actually need: upserting a
// Node row and returning the result.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/0xkanth/near-indexer/internal/store"
	"github.com/0xkanth/near-indexer/pkg/models"
)

// Subject is the stand-in for the WAMP "node-telemetry" procedure
// registration.
const Subject = "node-telemetry"

const defaultRequestTimeout = 5 * time.Second

// TelemetryReport is the node-telemetry procedure's input, per the data
// model's Node attributes.
type TelemetryReport struct {
	NodeID            string `json:"node_id"`
	Moniker           string `json:"moniker"`
	AccountID         string `json:"account_id"`
	IPAddress         string `json:"ip_address"`
	LatestBlockHeight uint64 `json:"latest_block_height"`
}

// TelemetryResult is the upsert result returned to the caller.
type TelemetryResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Connect dials the NATS server backing the bus, mirroring the teacher's
// JetStream publisher's reconnect policy even though this stand-in uses
// plain request/reply rather than a stream.
func Connect(natsURL string, logger zerolog.Logger) (*nats.Conn, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("near-indexer"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Error().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("bus: connect to NATS: %w", err)
	}
	return nc, nil
}

// Responder subscribes to the node-telemetry subject and upserts a Node row
// per report it receives. This is the in-scope half of the procedure.
type Responder struct {
	nc     *nats.Conn
	store  *store.Store
	logger zerolog.Logger
	sub    *nats.Subscription
}

// NewResponder builds a Responder bound to an existing NATS connection.
func NewResponder(nc *nats.Conn, st *store.Store, logger zerolog.Logger) *Responder {
	return &Responder{nc: nc, store: st, logger: logger.With().Str("component", "bus").Logger()}
}

// Start subscribes to Subject and begins handling requests in background
// goroutines managed by the NATS client library.
func (r *Responder) Start() error {
	sub, err := r.nc.Subscribe(Subject, r.handle)
	if err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", Subject, err)
	}
	r.sub = sub
	return nil
}

// Stop unsubscribes the responder.
func (r *Responder) Stop() error {
	if r.sub == nil {
		return nil
	}
	return r.sub.Unsubscribe()
}

// nodeFromReport maps a telemetry report onto the Node row it upserts,
// stamping last_seen with the time the report was received.
func nodeFromReport(report TelemetryReport, nowMillis uint64) models.Node {
	return models.Node{
		NodeID:     report.NodeID,
		Moniker:    report.Moniker,
		AccountID:  report.AccountID,
		IPAddress:  report.IPAddress,
		LastSeen:   nowMillis,
		LastHeight: report.LatestBlockHeight,
	}
}

func (r *Responder) handle(msg *nats.Msg) {
	var report TelemetryReport
	if err := json.Unmarshal(msg.Data, &report); err != nil {
		r.respond(msg, TelemetryResult{Error: fmt.Sprintf("decode: %v", err)})
		return
	}

	node := nodeFromReport(report, uint64(time.Now().UnixMilli()))

	ctx, cancel := context.WithTimeout(context.Background(), defaultRequestTimeout)
	defer cancel()

	if err := r.store.UpsertNode(ctx, node); err != nil {
		r.logger.Warn().Err(err).Str("node_id", node.NodeID).Msg("telemetry upsert failed")
		r.respond(msg, TelemetryResult{Error: err.Error()})
		return
	}

	r.respond(msg, TelemetryResult{OK: true})
}

func (r *Responder) respond(msg *nats.Msg, result TelemetryResult) {
	data, err := json.Marshal(result)
	if err != nil {
		r.logger.Error().Err(err).Msg("telemetry result marshal failed")
		return
	}
	if err := msg.Respond(data); err != nil {
		r.logger.Warn().Err(err).Msg("telemetry reply failed")
	}
}

// Client forwards telemetry reports to the Responder over the bus. It is
// the thin side the HTTP endpoint uses; it has no knowledge of the store.
type Client struct {
	nc      *nats.Conn
	timeout time.Duration
}

// NewClient builds a Client bound to an existing NATS connection.
func NewClient(nc *nats.Conn) *Client {
	return &Client{nc: nc, timeout: defaultRequestTimeout}
}

// Report forwards a telemetry report and returns the upsert result.
func (c *Client) Report(ctx context.Context, report TelemetryReport) (TelemetryResult, error) {
	data, err := json.Marshal(report)
	if err != nil {
		return TelemetryResult{}, fmt.Errorf("bus: marshal report: %w", err)
	}

	msg, err := c.nc.RequestWithContext(ctx, Subject, data)
	if err != nil {
		return TelemetryResult{}, fmt.Errorf("bus: request: %w", err)
	}

	var result TelemetryResult
	if err := json.Unmarshal(msg.Data, &result); err != nil {
		return TelemetryResult{}, fmt.Errorf("bus: decode result: %w", err)
	}
	return result, nil
}
