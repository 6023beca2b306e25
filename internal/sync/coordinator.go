// Package sync implements the three sync passes (new-tip, old-history, and
// gap bisection) that share one fetch pipeline and one database, plus the
// scheduler that fires them on independent, self-rescheduling timers.
package sync

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/0xkanth/near-indexer/internal/chain"
	"github.com/0xkanth/near-indexer/internal/pipeline"
	"github.com/0xkanth/near-indexer/internal/store"
)

var passFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "near_indexer_pass_failures_total",
	Help: "Total number of sync passes that ended in an error",
}, []string{"pass"})

// Config bounds every pass's pipeline run. It is the union of the pipeline's
// Config plus the gap pass's own bisection threshold, which reuses
// FetchQueue per the gap-sync contract (a fully-missing range is fetched
// directly, rather than split further, once hi-lo no longer exceeds
// FETCH_QUEUE, i.e. it spans at most FETCH_QUEUE+1 heights).
type Config struct {
	FetchQueue int
	SaveQueue  int
	BulkDB     int
}

func (c Config) pipelineConfig() pipeline.Config {
	return pipeline.Config{FetchQueue: c.FetchQueue, SaveQueue: c.SaveQueue, BulkDB: c.BulkDB}
}

// Coordinator runs the three sync passes against a single chain client and
// store. It holds no mutable state of its own; every pass recomputes its
// range from the store's watermarks each time it runs.
type Coordinator struct {
	client *chain.Client
	store  *store.Store
	cfg    Config
	logger zerolog.Logger
}

// New builds a Coordinator.
func New(client *chain.Client, st *store.Store, cfg Config, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		client: client,
		store:  st,
		cfg:    cfg,
		logger: logger.With().Str("component", "sync").Logger(),
	}
}

// computeNewTipRange is the pure range computation behind NewTipRange,
// split out so it can be tested without a live store or RPC node.
func computeNewTipRange(last uint64, hasLast bool, tip uint64) (low, high uint64) {
	if !hasLast {
		last = 0
	}
	return last + 1, tip
}

// NewTipRange computes the new-tip pass's range: (max stored height, tip].
// Height 0 is used as the watermark when the store is empty, matching the
// store's genesis-adjacent "no blocks yet" state.
func (c *Coordinator) NewTipRange(ctx context.Context) (low, high uint64, err error) {
	last, ok, err := c.store.MaxHeight(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("sync: new-tip watermark: %w", err)
	}

	status, err := c.client.Status(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("sync: new-tip status: %w", err)
	}

	low, high = computeNewTipRange(last, ok, status.SyncInfo.LatestBlockHeight)
	return low, high, nil
}

// NewTip runs the new-tip pass: forward catch-up from the last stored
// height to the current chain tip. A tip at or below the last stored height
// yields a no-op range.
func (c *Coordinator) NewTip(ctx context.Context) error {
	low, high, err := c.NewTipRange(ctx)
	if err != nil {
		passFailures.WithLabelValues("new-tip").Inc()
		c.logger.Warn().Err(err).Msg("new-tip pass abandoned")
		return err
	}
	pipeline.Run(ctx, c.client, c.store, low, high, c.cfg.pipelineConfig(), c.logger)
	return nil
}

// computeOldHistoryRange is the pure range computation behind
// OldHistoryRange.
func computeOldHistoryRange(oldest uint64, hasOldest bool) (low, high int64) {
	if !hasOldest {
		oldest = 0
	}
	return 1, int64(oldest) - 1
}

// OldHistoryRange computes the old-history pass's range: [1, min stored
// height - 1]. When the store is empty the watermark is 0, so the range is
// [1, -1], the deliberate no-op the spec calls out explicitly.
func (c *Coordinator) OldHistoryRange(ctx context.Context) (low, high int64, err error) {
	oldest, ok, err := c.store.MinHeight(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("sync: old-history watermark: %w", err)
	}
	low, high = computeOldHistoryRange(oldest, ok)
	return low, high, nil
}

// OldHistory runs the old-history pass: walk downward from the oldest
// stored height to genesis. It naturally terminates (becomes a permanent
// no-op) once the store's minimum height reaches 1.
func (c *Coordinator) OldHistory(ctx context.Context) error {
	low, high, err := c.OldHistoryRange(ctx)
	if err != nil {
		passFailures.WithLabelValues("old-history").Inc()
		c.logger.Warn().Err(err).Msg("old-history pass abandoned")
		return err
	}
	if high < low {
		return nil
	}
	pipeline.Run(ctx, c.client, c.store, uint64(low), uint64(high), c.cfg.pipelineConfig(), c.logger)
	return nil
}

// computeGapOuterRange is the pure range computation behind GapRange.
func computeGapOuterRange(oldest, newest uint64, hasMin, hasMax bool) (low, high int64, ok bool) {
	if !hasMin || !hasMax || oldest >= newest {
		return 0, 0, false
	}
	return int64(oldest) + 1, int64(newest) - 1, true
}

// GapRange computes the gap pass's outer bounds: [min stored height + 1,
// max stored height - 1]. With fewer than two stored rows there is no
// interior range to probe.
func (c *Coordinator) GapRange(ctx context.Context) (low, high int64, ok bool, err error) {
	oldest, hasMin, err := c.store.MinHeight(ctx)
	if err != nil {
		return 0, 0, false, fmt.Errorf("sync: gap watermark (min): %w", err)
	}
	newest, hasMax, err := c.store.MaxHeight(ctx)
	if err != nil {
		return 0, 0, false, fmt.Errorf("sync: gap watermark (max): %w", err)
	}
	low, high, ok = computeGapOuterRange(oldest, newest, hasMin, hasMax)
	return low, high, ok, nil
}

// Gap runs the gap-sync pass: recursive bisection over the stored range,
// fetching directly once a fully-missing sub-range has hi-lo no larger than
// FETCH_QUEUE, otherwise splitting at the midpoint. This never issues more
// than FETCH_QUEUE+1 concurrent RPCs across the whole pass, since sibling
// ranges are processed sequentially.
func (c *Coordinator) Gap(ctx context.Context) error {
	low, high, ok, err := c.GapRange(ctx)
	if err != nil {
		passFailures.WithLabelValues("gap").Inc()
		c.logger.Warn().Err(err).Msg("gap pass abandoned")
		return err
	}
	if !ok {
		return nil
	}
	countFn := func(ctx context.Context, lo, hi uint64) (uint64, error) { return c.store.CountInRange(ctx, lo, hi) }
	fetchFn := func(lo, hi uint64) { pipeline.Run(ctx, c.client, c.store, lo, hi, c.cfg.pipelineConfig(), c.logger) }

	if err := bisect(ctx, uint64(low), uint64(high), c.cfg.FetchQueue, countFn, fetchFn); err != nil {
		passFailures.WithLabelValues("gap").Inc()
		c.logger.Warn().Err(err).Msg("gap pass failed")
		return err
	}
	return nil
}

// bisect is the pure recursive bisection algorithm behind Gap: count, and
// either declare the range covered, fetch it directly once it is fully
// missing and hi-lo is no larger than fetchQueue, or split at the midpoint and
// recurse on both halves. countFn and fetchFn are injected so the algorithm
// can be exercised without a live store or RPC node.
func bisect(ctx context.Context, lo, hi uint64, fetchQueue int, countFn func(context.Context, uint64, uint64) (uint64, error), fetchFn func(lo, hi uint64)) error {
	if hi < lo {
		return nil
	}

	want := hi - lo + 1
	count, err := countFn(ctx, lo, hi)
	if err != nil {
		return fmt.Errorf("sync: count range [%d,%d]: %w", lo, hi, err)
	}
	if count == want {
		return nil // fully covered
	}

	if hi-lo <= uint64(fetchQueue) && count == 0 {
		fetchFn(lo, hi)
		return nil
	}

	mid := lo + (hi-lo)/2
	if err := bisect(ctx, lo, mid, fetchQueue, countFn, fetchFn); err != nil {
		return err
	}
	return bisect(ctx, mid+1, hi, fetchQueue, countFn, fetchFn)
}

// FullSync runs new-tip, then gap, then old-history at startup, guarded so
// a failure in one does not skip the others.
func (c *Coordinator) FullSync(ctx context.Context) {
	if err := c.NewTip(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("full-sync: new-tip failed")
	}
	if err := c.Gap(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("full-sync: gap failed")
	}
	if err := c.OldHistory(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("full-sync: old-history failed")
	}
}
