// Package chain provides a typed JSON-RPC client for the source chain node.
//
// Unlike the EVM tooling this indexer's ancestor was built around, the
// source chain exposes a small set of named JSON-RPC 2.0 methods rather than
// the `eth_*` namespace, so the client is built directly on
// github.com/ethereum/go-ethereum/rpc's transport-and-codec layer
// (rpc.Client.CallContext) instead of ethclient, which only understands EVM
// block/transaction shapes.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
)

// Client talks JSON-RPC to a single chain node.
type Client struct {
	rpc    *gethrpc.Client
	logger zerolog.Logger
}

// Dial connects to the chain node's JSON-RPC endpoint.
func Dial(ctx context.Context, url string, logger zerolog.Logger) (*Client, error) {
	c, err := gethrpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", url, err)
	}
	return &Client{rpc: c, logger: logger.With().Str("component", "chain").Logger()}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() {
	c.rpc.Close()
}

// StatusResult is the subset of the node's `status` response the indexer
// cares about.
type StatusResult struct {
	SyncInfo struct {
		LatestBlockHeight uint64 `json:"latest_block_height"`
	} `json:"sync_info"`
}

// Status returns the chain's current tip height. It fails with
// TransientRpcError on any network or decode failure.
func (c *Client) Status(ctx context.Context) (StatusResult, error) {
	var res StatusResult
	if err := c.rpc.CallContext(ctx, &res, "status"); err != nil {
		return StatusResult{}, c.classify(ctx, "status", 0, err)
	}
	return res, nil
}

// BlockHeader is the subset of a block's header the indexer persists.
type BlockHeader struct {
	Hash        string `json:"hash"`
	Height      uint64 `json:"height"`
	PrevHash    string `json:"prev_hash"`
	TimestampNs uint64 `json:"timestamp_ns"`
	TotalWeight struct {
		Num stringOrUint `json:"num"`
	} `json:"total_weight"`
}

// BlockTransaction is one transaction embedded in a fetched block.
// SignerID is the transaction's originator account, carried alongside hash
// and body the way the source chain's real transaction shape does (the
// data model's "originator" field is not a placeholder, unlike
// "destination").
type BlockTransaction struct {
	Hash     string                     `json:"hash"`
	SignerID string                     `json:"signer_id"`
	Body     map[string]json.RawMessage `json:"body"`
}

// Kind returns the single key of the body discriminator map, and the raw
// JSON of its value, per the data model's "kind"/"args" split.
func (t BlockTransaction) Kind() (kind string, args json.RawMessage, ok bool) {
	for k, v := range t.Body {
		return k, v, true
	}
	return "", nil, false
}

// ChunkHeader is the per-shard chunk reference embedded in a block. The
// current chain version always carries exactly one.
type ChunkHeader struct {
	ShardID  stringOrUint `json:"shard_id"`
	AuthorID string       `json:"author_id"`
}

// BlockInfo is the full shape returned by the `block` RPC method.
type BlockInfo struct {
	Header       BlockHeader        `json:"header"`
	Chunks       []ChunkHeader      `json:"chunks"`
	Transactions []BlockTransaction `json:"transactions"`
}

type blockParams struct {
	BlockID uint64 `json:"block_id"`
}

// Block fetches the block at the given height. It fails with
// MissingBlockError when the node reports the height as absent or skipped,
// or TransientRpcError on any other failure. It never retries internally;
// retrying a missing height is the coordinator's job on a later gap-sync
// pass.
func (c *Client) Block(ctx context.Context, height uint64) (*BlockInfo, error) {
	var res BlockInfo
	if err := c.rpc.CallContext(ctx, &res, "block", blockParams{BlockID: height}); err != nil {
		return nil, c.classify(ctx, "block", height, err)
	}
	return &res, nil
}

// classify turns a raw rpc.Client error into one of the two error kinds the
// coordinator understands, logging at the level the spec's "system vs
// everything else" split calls for.
func (c *Client) classify(ctx context.Context, op string, height uint64, err error) error {
	var rpcErr gethrpc.Error
	if errors.As(err, &rpcErr) {
		if isMissingBlock(rpcErr.Error()) {
			return &MissingBlockError{Height: height}
		}
		c.logger.Warn().Err(err).Str("op", op).Uint64("height", height).Msg("rpc application error")
		return &TransientRpcError{Op: op, Err: err}
	}

	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) {
		c.logger.Warn().Err(err).Str("op", op).Uint64("height", height).Msg("rpc http error")
		return &TransientRpcError{Op: op, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		c.logger.Log().Err(err).Str("op", op).Uint64("height", height).Msg("rpc transport error")
		return &TransientRpcError{Op: op, Err: err}
	}

	c.logger.Warn().Err(err).Str("op", op).Uint64("height", height).Msg("rpc error")
	return &TransientRpcError{Op: op, Err: err}
}

func isMissingBlock(msg string) bool {
	msg = strings.ToUpper(msg)
	return strings.Contains(msg, "UNKNOWN_BLOCK") || strings.Contains(msg, "NOT_FOUND") || strings.Contains(msg, "DOES_NOT_EXIST")
}

// stringOrUint unmarshals either a JSON string or a JSON number into a
// uint64; the source chain encodes large weight numerators as strings to
// avoid float precision loss in JSON.
type stringOrUint uint64

func (s *stringOrUint) UnmarshalJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		if str == "" {
			*s = 0
			return nil
		}
		v, err := strconv.ParseUint(str, 10, 64)
		if err != nil {
			return err
		}
		*s = stringOrUint(v)
		return nil
	}
	var v uint64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*s = stringOrUint(v)
	return nil
}
