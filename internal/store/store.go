// Package store is the persistence adapter: idempotent bulk upsert of
// blocks, chunks, and transactions, plus the watermark queries the sync
// coordinator reads before computing each pass's height range.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/0xkanth/near-indexer/internal/chain"
	"github.com/0xkanth/near-indexer/pkg/models"
)

var (
	blocksPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "near_indexer_blocks_persisted_total",
		Help: "Total number of blocks committed to the store",
	})

	batchesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "near_indexer_batches_dropped_total",
		Help: "Total number of persist batches dropped after a transaction failure",
	})

	nodesUpserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "near_indexer_nodes_upserted_total",
		Help: "Total number of node telemetry upserts",
	})
)

// Store wraps a Postgres connection pool.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// New connects to Postgres using dsn.
func New(ctx context.Context, dsn string, logger zerolog.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}
	return &Store{pool: pool, logger: logger.With().Str("component", "store").Logger()}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Pool exposes the underlying pool, e.g. for sizing SAVE_QUEUE against
// pool.Config().MaxConns.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// MaxHeight returns the highest stored block height, or ok=false if the
// blocks table is empty.
func (s *Store) MaxHeight(ctx context.Context) (height uint64, ok bool, err error) {
	var h *uint64
	if err := s.pool.QueryRow(ctx, `SELECT MAX(height) FROM blocks`).Scan(&h); err != nil {
		return 0, false, fmt.Errorf("store: max height: %w", err)
	}
	if h == nil {
		return 0, false, nil
	}
	return *h, true, nil
}

// MinHeight returns the lowest stored block height, or ok=false if the
// blocks table is empty.
func (s *Store) MinHeight(ctx context.Context) (height uint64, ok bool, err error) {
	var h *uint64
	if err := s.pool.QueryRow(ctx, `SELECT MIN(height) FROM blocks`).Scan(&h); err != nil {
		return 0, false, fmt.Errorf("store: min height: %w", err)
	}
	if h == nil {
		return 0, false, nil
	}
	return *h, true, nil
}

// RowCount returns the number of stored blocks.
func (s *Store) RowCount(ctx context.Context) (uint64, error) {
	var n uint64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM blocks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: row count: %w", err)
	}
	return n, nil
}

// CountInRange returns the number of stored blocks with height in [lo, hi].
func (s *Store) CountInRange(ctx context.Context, lo, hi uint64) (uint64, error) {
	var n uint64
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM blocks WHERE height >= $1 AND height <= $2`, lo, hi,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count in range [%d,%d]: %w", lo, hi, err)
	}
	return n, nil
}

// PersistBatch commits a batch of fetched blocks (with their chunk and
// embedded transactions) in a single transaction. Idempotent per primary
// key: re-persisting an already-stored hash is a benign overwrite. On any
// failure the transaction is rolled back and the whole batch is dropped;
// the heights in it remain gaps for a later gap-sync pass to refill.
func (s *Store) PersistBatch(ctx context.Context, batch []chain.BlockInfo) error {
	if len(batch) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		batchesDropped.Inc()
		return fmt.Errorf("store: begin batch of %d: %w", len(batch), err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op once committed

	for _, info := range batch {
		if err := persistOne(ctx, tx, info); err != nil {
			batchesDropped.Inc()
			return fmt.Errorf("store: persist block %d (%s): %w", info.Header.Height, info.Header.Hash, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		batchesDropped.Inc()
		return fmt.Errorf("store: commit batch of %d: %w", len(batch), err)
	}

	blocksPersisted.Add(float64(len(batch)))
	return nil
}

// blockFromInfo maps a fetched block onto its stored row. Timestamp
// conversion truncates nanoseconds to milliseconds per the data model
// (P4: timestamp_ms = floor(timestamp_ns / 1_000_000)).
func blockFromInfo(info chain.BlockInfo) models.Block {
	return models.Block{
		Hash:            info.Header.Hash,
		Height:          info.Header.Height,
		PrevHash:        info.Header.PrevHash,
		TimestampMillis: info.Header.TimestampNs / 1_000_000,
		Weight:          uint64(info.Header.TotalWeight.Num),
		AuthorID:        models.UnknownAuthor,
		ListOfApprovals: "",
	}
}

// chunkFromInfo synthesizes the single chunk row a block carries. When the
// node's response omits the chunks list (the current chain version never
// needs more than one), shard_id and author_id fall back to placeholders.
func chunkFromInfo(info chain.BlockInfo) models.Chunk {
	chunk := models.Chunk{
		Hash:      info.Header.Hash,
		BlockHash: info.Header.Hash,
		ShardID:   "0",
		AuthorID:  models.UnknownAuthor,
	}
	if len(info.Chunks) > 0 {
		chunk.ShardID = fmt.Sprintf("%d", info.Chunks[0].ShardID)
		if info.Chunks[0].AuthorID != "" {
			chunk.AuthorID = info.Chunks[0].AuthorID
		}
	}
	return chunk
}

// transactionsFromInfo maps the block's embedded transactions onto stored
// rows, skipping any whose body carries no discriminator key.
func transactionsFromInfo(info chain.BlockInfo) []models.Transaction {
	records := make([]models.Transaction, 0, len(info.Transactions))
	for _, btx := range info.Transactions {
		kind, args, ok := btx.Kind()
		if !ok {
			continue
		}
		records = append(records, models.Transaction{
			Hash:        btx.Hash,
			Originator:  btx.SignerID,
			Destination: "n/a",
			Kind:        kind,
			Args:        []byte(args),
			ChunkHash:   info.Header.Hash,
			Status:      models.DefaultTxStatus,
			Logs:        "",
		})
	}
	return records
}

func persistOne(ctx context.Context, tx pgx.Tx, info chain.BlockInfo) error {
	block := blockFromInfo(info)

	if _, err := tx.Exec(ctx, `
		INSERT INTO blocks (hash, height, prev_hash, timestamp, weight, author_id, list_of_approvals)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (hash) DO UPDATE SET
			height = EXCLUDED.height,
			prev_hash = EXCLUDED.prev_hash,
			timestamp = EXCLUDED.timestamp,
			weight = EXCLUDED.weight,
			author_id = EXCLUDED.author_id,
			list_of_approvals = EXCLUDED.list_of_approvals
	`, block.Hash, block.Height, block.PrevHash, block.TimestampMillis, block.Weight, block.AuthorID, block.ListOfApprovals); err != nil {
		return fmt.Errorf("upsert block: %w", err)
	}

	chunk := chunkFromInfo(info)

	if _, err := tx.Exec(ctx, `
		INSERT INTO chunks (hash, block_hash, shard_id, author_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (hash) DO UPDATE SET
			block_hash = EXCLUDED.block_hash,
			shard_id = EXCLUDED.shard_id,
			author_id = EXCLUDED.author_id
	`, chunk.Hash, chunk.BlockHash, chunk.ShardID, chunk.AuthorID); err != nil {
		return fmt.Errorf("upsert chunk: %w", err)
	}

	for _, record := range transactionsFromInfo(info) {
		if _, err := tx.Exec(ctx, `
			INSERT INTO transactions (hash, originator, destination, kind, args, chunk_hash, status, logs)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (hash) DO UPDATE SET
				originator = EXCLUDED.originator,
				destination = EXCLUDED.destination,
				kind = EXCLUDED.kind,
				args = EXCLUDED.args,
				chunk_hash = EXCLUDED.chunk_hash,
				status = EXCLUDED.status,
				logs = EXCLUDED.logs
		`, record.Hash, record.Originator, record.Destination, record.Kind, record.Args, record.ChunkHash, record.Status, record.Logs); err != nil {
			return fmt.Errorf("upsert transaction %s: %w", record.Hash, err)
		}
	}

	return nil
}

// UpsertNode records a validator telemetry report, keyed by node_id.
func (s *Store) UpsertNode(ctx context.Context, node models.Node) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO nodes (node_id, moniker, account_id, ip_address, last_seen, last_height)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (node_id) DO UPDATE SET
			moniker = EXCLUDED.moniker,
			account_id = EXCLUDED.account_id,
			ip_address = EXCLUDED.ip_address,
			last_seen = EXCLUDED.last_seen,
			last_height = EXCLUDED.last_height
	`, node.NodeID, node.Moniker, node.AccountID, node.IPAddress, node.LastSeen, node.LastHeight); err != nil {
		return fmt.Errorf("store: upsert node %s: %w", node.NodeID, err)
	}
	nodesUpserted.Inc()
	return nil
}
