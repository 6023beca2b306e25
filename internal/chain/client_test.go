package chain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type rpcRequest struct {
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
	ID     json.RawMessage   `json:"id"`
}

func newTestServer(t *testing.T, handle func(rpcRequest) (any, *rpcErrObj)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		result, rpcErr := handle(req)

		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rpcErr != nil {
			resp["error"] = rpcErr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

type rpcErrObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func TestClientStatusReturnsTipHeight(t *testing.T) {
	srv := newTestServer(t, func(req rpcRequest) (any, *rpcErrObj) {
		require.Equal(t, "status", req.Method)
		return map[string]any{
			"sync_info": map[string]any{"latest_block_height": 42},
		}, nil
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, srv.URL, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	status, err := c.Status(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(42), status.SyncInfo.LatestBlockHeight)
}

func TestClientBlockMissingBecomesMissingBlockError(t *testing.T) {
	srv := newTestServer(t, func(req rpcRequest) (any, *rpcErrObj) {
		require.Equal(t, "block", req.Method)
		return nil, &rpcErrObj{Code: -32000, Message: "[-32000] UNKNOWN_BLOCK: block not found"}
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, srv.URL, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Block(ctx, 7)
	require.Error(t, err)

	var missing *MissingBlockError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, uint64(7), missing.Height)
}

func TestClientBlockOtherRpcErrorIsTransient(t *testing.T) {
	srv := newTestServer(t, func(req rpcRequest) (any, *rpcErrObj) {
		return nil, &rpcErrObj{Code: -32603, Message: "internal error"}
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, srv.URL, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Block(ctx, 7)
	require.Error(t, err)

	var transient *TransientRpcError
	require.ErrorAs(t, err, &transient)
}

func TestClientBlockUnmarshalsBody(t *testing.T) {
	srv := newTestServer(t, func(req rpcRequest) (any, *rpcErrObj) {
		return map[string]any{
			"header": map[string]any{
				"hash":         "Hh1",
				"height":       9,
				"prev_hash":    "Hh0",
				"timestamp_ns": 1700000000000000000,
				"total_weight": map[string]any{"num": "123456"},
			},
			"transactions": []any{
				map[string]any{
					"hash": "Tx1",
					"body": map[string]any{"Transfer": map[string]any{"amount": "10"}},
				},
			},
		}, nil
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, srv.URL, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	block, err := c.Block(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, "Hh1", block.Header.Hash)
	require.Equal(t, uint64(9), block.Header.Height)
	require.Equal(t, uint64(123456), uint64(block.Header.TotalWeight.Num))
	require.Len(t, block.Transactions, 1)

	kind, args, ok := block.Transactions[0].Kind()
	require.True(t, ok)
	require.Equal(t, "Transfer", kind)
	require.JSONEq(t, `{"amount":"10"}`, string(args))
}
