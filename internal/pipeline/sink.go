package pipeline

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/0xkanth/near-indexer/internal/chain"
	"github.com/0xkanth/near-indexer/internal/store"
)

// Sink persists fetched batches bounded by a fixed number of concurrent
// transactions (SAVE_QUEUE). It uses a buffered-channel semaphore rather
// than the fetch side's semaphore.Weighted; the two bounds are independent
// knobs and there's no reason to share the mechanism.
type Sink struct {
	store  *store.Store
	slots  chan struct{}
	wg     sync.WaitGroup
	logger zerolog.Logger
}

// NewSink builds a Sink bounded by saveQueue concurrent persist calls.
func NewSink(st *store.Store, saveQueue int, logger zerolog.Logger) *Sink {
	if saveQueue < 1 {
		saveQueue = 1
	}
	return &Sink{
		store:  st,
		slots:  make(chan struct{}, saveQueue),
		logger: logger.With().Str("component", "sink").Logger(),
	}
}

// Submit hands a fetched batch off for persistence. It blocks until a slot
// is free; this is the backpressure point that keeps the fetch pipeline
// from running arbitrarily far ahead of the database. Persist failures are
// logged and the batch is dropped; they are never propagated back to the
// caller, since a dropped batch just leaves its heights as gaps for a later
// gap-sync pass to refill.
func (s *Sink) Submit(ctx context.Context, results []FetchResult) error {
	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.slots }()

		batch := make([]chain.BlockInfo, 0, len(results))
		for _, r := range results {
			if r.Err != nil {
				continue
			}
			batch = append(batch, *r.Block)
		}
		if len(batch) == 0 {
			return
		}

		if err := s.store.PersistBatch(ctx, batch); err != nil {
			s.logger.Error().Err(err).Int("batch_size", len(batch)).Msg("dropping batch")
		}
	}()

	return nil
}

// Wait blocks until every outstanding persist has completed.
func (s *Sink) Wait() {
	s.wg.Wait()
}

// Config bounds a single pipeline run.
type Config struct {
	FetchQueue int
	SaveQueue  int
	BulkDB     int
}

// Run fetches and persists the inclusive range [low, high], blocking until
// every batch has been submitted and persisted. A range with high < low is
// a no-op, covering passes that find nothing left to do.
func Run(ctx context.Context, client *chain.Client, st *store.Store, low, high uint64, cfg Config, logger zerolog.Logger) {
	if high < low {
		return
	}

	sink := NewSink(st, cfg.SaveQueue, logger)
	for batch := range Fetch(ctx, client, low, high, cfg.FetchQueue, cfg.BulkDB, logger) {
		if err := sink.Submit(ctx, batch); err != nil {
			logger.Warn().Err(err).Msg("submit cancelled")
			break
		}
	}
	sink.Wait()
}
