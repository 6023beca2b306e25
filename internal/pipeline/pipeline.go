// Package pipeline implements the bounded fetch-and-persist pipeline: a
// producer that fans RPC calls out over a descending height range bounded
// by FETCH_QUEUE, grouping completions into BULK_DB-sized batches, and a
// consumer (Sink) that persists each batch bounded by SAVE_QUEUE.
package pipeline

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/0xkanth/near-indexer/internal/chain"
)

var (
	fetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "near_indexer_fetch_errors_total",
		Help: "Total number of failed block fetches dropped from their batch",
	})

	fetchInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "near_indexer_fetch_inflight",
		Help: "Number of RPC block fetches currently outstanding",
	})
)

// FetchResult is the result-envelope of one height's fetch: either Block is
// set and Err is nil, or vice versa. Wrapping every outcome this way keeps a
// single failing request from tearing down the rest of its batch.
type FetchResult struct {
	Height uint64
	Block  *chain.BlockInfo
	Err    error
}

type request struct {
	height uint64
	done   chan struct{}
	result FetchResult
}

// Fetch walks heights descending from high to low, issuing at most
// fetchQueue concurrent Block calls, and emits batches of up to bulkDB
// results (in descending submission order) on the returned channel. The
// channel is closed once every height in the range has been emitted. The
// caller is expected to range over it and hand each batch to a Sink;
// reading slower than fetches complete is exactly the fetch-side half of
// the pipeline's backpressure.
func Fetch(ctx context.Context, client *chain.Client, low, high uint64, fetchQueue, bulkDB int, logger zerolog.Logger) <-chan []FetchResult {
	out := make(chan []FetchResult)

	go func() {
		defer close(out)

		if high < low {
			return
		}
		if fetchQueue < 1 {
			fetchQueue = 1
		}
		if bulkDB < 1 {
			bulkDB = 1
		}

		sem := semaphore.NewWeighted(int64(fetchQueue))
		var wg sync.WaitGroup
		var pending []*request

		emit := func(n int) {
			if n > len(pending) {
				n = len(pending)
			}
			if n == 0 {
				return
			}
			batch := pending[:n]
			pending = pending[n:]

			results := make([]FetchResult, n)
			for i, r := range batch {
				<-r.done
				results[i] = r.result
			}
			out <- results
		}

		launch := func(height uint64) {
			req := &request{height: height, done: make(chan struct{})}
			pending = append(pending, req)
			wg.Add(1)
			fetchInFlight.Inc()
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				defer fetchInFlight.Dec()

				block, err := client.Block(ctx, height)
				if err != nil {
					fetchErrors.Inc()
					logger.Warn().Err(err).Uint64("height", height).Msg("dropping height from batch")
				}
				req.result = FetchResult{Height: height, Block: block, Err: err}
				close(req.done)
			}()
		}

		for h := high; ; h-- {
			if err := sem.Acquire(ctx, 1); err != nil {
				break // context cancelled; stop enqueueing, still drain pending below
			}
			launch(h)

			if len(pending) > fetchQueue {
				emit(bulkDB)
			}

			if h == low {
				break
			}
		}

		// Flush any residual requests as a final, possibly short, batch.
		for len(pending) > 0 {
			emit(bulkDB)
		}

		wg.Wait()
	}()

	return out
}
