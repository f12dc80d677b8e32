package near

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type rpcCall struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func newRPCServer(t *testing.T, handle func(call rpcCall) (any, *RPCError)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var call rpcCall
		require.NoError(t, json.NewDecoder(r.Body).Decode(&call))
		result, rpcErr := handle(call)
		w.Header().Set("Content-Type", "application/json")
		body := map[string]any{"jsonrpc": "2.0", "id": "dontcare"}
		if rpcErr != nil {
			body["error"] = rpcErr
		} else {
			body["result"] = result
		}
		_ = json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(url string) *Client {
	return NewClient(Options{RPCURL: url, Timeout: time.Second}, zerolog.Nop())
}

func bytesAsInts(b []byte) []int {
	out := make([]int, len(b))
	for i, v := range b {
		out[i] = int(v)
	}
	return out
}

func TestViewContractDecodesResult(t *testing.T) {
	srv := newRPCServer(t, func(call rpcCall) (any, *RPCError) {
		require.Equal(t, "query", call.Method)
		var params map[string]string
		require.NoError(t, json.Unmarshal(call.Params, &params))
		require.Equal(t, "call_function", params["request_type"])
		require.Equal(t, "final", params["finality"])
		require.Equal(t, "intents.near", params["account_id"])
		require.Equal(t, "mt_batch_balance_of", params["method_name"])

		args, err := base64.StdEncoding.DecodeString(params["args_base64"])
		require.NoError(t, err)
		require.JSONEq(t, `{"account_id":"alice.near","token_ids":["a","b"]}`, string(args))

		return map[string]any{"result": bytesAsInts([]byte(`["10","0"]`)), "logs": []string{}}, nil
	})

	var balances []string
	err := newTestClient(srv.URL).ViewContract(context.Background(), "intents.near", "mt_batch_balance_of",
		map[string]any{"account_id": "alice.near", "token_ids": []string{"a", "b"}}, &balances)
	require.NoError(t, err)
	require.Equal(t, []string{"10", "0"}, balances)
}

func TestViewContractPanicSurfacesContractError(t *testing.T) {
	srv := newRPCServer(t, func(call rpcCall) (any, *RPCError) {
		return map[string]any{"result": []int{}, "logs": []string{}, "error": "No agent found"}, nil
	})

	err := newTestClient(srv.URL).ViewContract(context.Background(), "proxy.near", "get_agent_info", map[string]string{"agent_id": "x"}, nil)
	var contractErr *ContractError
	require.ErrorAs(t, err, &contractErr)
	require.Equal(t, "get_agent_info", contractErr.Method)
}

func TestTxStatusUnknownTransaction(t *testing.T) {
	srv := newRPCServer(t, func(call rpcCall) (any, *RPCError) {
		require.Equal(t, "tx", call.Method)
		e := &RPCError{Code: -32000, Message: "Server error", Name: "HANDLER_ERROR"}
		e.Cause.Name = "UNKNOWN_TRANSACTION"
		return nil, e
	})

	_, err := newTestClient(srv.URL).TxStatus(context.Background(), "hash", "agent.near")
	require.ErrorIs(t, err, ErrUnknownTransaction)
}

func TestTxStatusParsesFailure(t *testing.T) {
	srv := newRPCServer(t, func(call rpcCall) (any, *RPCError) {
		var params []string
		require.NoError(t, json.Unmarshal(call.Params, &params))
		require.Equal(t, []string{"hash", "agent.near"}, params)
		return map[string]any{
			"status":      map[string]any{"Failure": map[string]any{"ActionError": map[string]any{"index": 0}}},
			"transaction": map[string]any{"hash": "hash", "signer_id": "agent.near"},
		}, nil
	})

	outcome, err := newTestClient(srv.URL).TxStatus(context.Background(), "hash", "agent.near")
	require.NoError(t, err)
	require.True(t, outcome.Status.Failed())
	require.False(t, outcome.Status.Succeeded())
	require.Equal(t, "hash", outcome.TxHash)
}

func TestCallContractSignsAndSubmits(t *testing.T) {
	key := KeyPairFromSeed(make([]byte, ed25519.SeedSize))
	blockHash := sha256.Sum256([]byte("block"))
	success := base64.StdEncoding.EncodeToString([]byte(`"ok"`))

	var submittedHash string
	srv := newRPCServer(t, func(call rpcCall) (any, *RPCError) {
		switch call.Method {
		case "query":
			var params map[string]string
			require.NoError(t, json.Unmarshal(call.Params, &params))
			require.Equal(t, "view_access_key", params["request_type"])
			require.Equal(t, key.PublicKeyString(), params["public_key"])
			return map[string]any{"nonce": 41, "block_hash": base58.Encode(blockHash[:])}, nil
		case "broadcast_tx_commit":
			var params []string
			require.NoError(t, json.Unmarshal(call.Params, &params))
			signed, err := base64.StdEncoding.DecodeString(params[0])
			require.NoError(t, err)

			body := signed[:len(signed)-65]
			require.Equal(t, byte(0), signed[len(signed)-65])
			hash := sha256.Sum256(body)
			require.True(t, ed25519.Verify(key.PublicKey(), hash[:], signed[len(signed)-64:]))
			submittedHash = base58.Encode(hash[:])

			return map[string]any{
				"status":      map[string]any{"SuccessValue": success},
				"transaction": map[string]any{"hash": submittedHash},
			}, nil
		}
		t.Fatalf("unexpected method %s", call.Method)
		return nil, nil
	})

	outcome, err := newTestClient(srv.URL).CallContract(context.Background(),
		SignerHandle{AccountID: "agent.near", Key: key}, "proxy.near", "balance_portfolio",
		map[string]string{"hash": "0x00"}, 300_000_000_000_000, big.NewInt(0))
	require.NoError(t, err)
	require.Equal(t, submittedHash, outcome.TxHash)

	value, err := outcome.Status.DecodeSuccessValue()
	require.NoError(t, err)
	require.Equal(t, `"ok"`, string(value))
}

func TestCallContractTimeoutKeepsHash(t *testing.T) {
	key := KeyPairFromSeed(make([]byte, ed25519.SeedSize))
	blockHash := sha256.Sum256([]byte("block"))

	srv := newRPCServer(t, func(call rpcCall) (any, *RPCError) {
		if call.Method == "query" {
			return map[string]any{"nonce": 1, "block_hash": base58.Encode(blockHash[:])}, nil
		}
		e := &RPCError{Code: -32000, Message: "Timeout", Name: "HANDLER_ERROR"}
		e.Cause.Name = "TIMEOUT_ERROR"
		return nil, e
	})

	_, err := newTestClient(srv.URL).CallContract(context.Background(),
		SignerHandle{AccountID: "agent.near", Key: key}, "proxy.near", "balance_portfolio",
		map[string]string{}, 1, nil)

	var txErr *TxError
	require.ErrorAs(t, err, &txErr)
	require.NotEmpty(t, txErr.TransactionHash())

	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	require.True(t, rpcErr.IsTimeout())
}

func TestCallContractRejectedTransactionHasNoHash(t *testing.T) {
	key := KeyPairFromSeed(make([]byte, ed25519.SeedSize))
	blockHash := sha256.Sum256([]byte("block"))

	srv := newRPCServer(t, func(call rpcCall) (any, *RPCError) {
		if call.Method == "query" {
			return map[string]any{"nonce": 1, "block_hash": base58.Encode(blockHash[:])}, nil
		}
		e := &RPCError{Code: -32000, Message: "Server error", Name: "HANDLER_ERROR"}
		e.Cause.Name = "INVALID_TRANSACTION"
		return nil, e
	})

	outcome, err := newTestClient(srv.URL).CallContract(context.Background(),
		SignerHandle{AccountID: "agent.near", Key: key}, "proxy.near", "balance_portfolio",
		map[string]string{}, 1, nil)
	require.ErrorContains(t, err, "rejected")
	require.Empty(t, outcome.TxHash)

	var txErr *TxError
	require.False(t, errors.As(err, &txErr))
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.True(t, rpcErr.IsRejection())
}

func TestRPCErrorClassification(t *testing.T) {
	invalid := &RPCError{Name: "HANDLER_ERROR"}
	invalid.Cause.Name = "INVALID_TRANSACTION"
	require.True(t, invalid.IsRejection())
	require.False(t, invalid.IsTimeout())

	timeout := &RPCError{Name: "HANDLER_ERROR"}
	timeout.Cause.Name = "TIMEOUT_ERROR"
	require.False(t, timeout.IsRejection())
	require.True(t, timeout.IsTimeout())

	require.True(t, (&RPCError{Name: "REQUEST_VALIDATION_ERROR"}).IsRejection())
	require.False(t, (&RPCError{Code: -32000, Message: "internal"}).IsRejection())
}

func TestCallContractAccessKeyFailureHasNoHash(t *testing.T) {
	srv := newRPCServer(t, func(call rpcCall) (any, *RPCError) {
		return nil, &RPCError{Code: -32000, Message: "access key does not exist"}
	})

	_, err := newTestClient(srv.URL).CallContract(context.Background(),
		SignerHandle{AccountID: "agent.near", Key: KeyPairFromSeed(make([]byte, 32))}, "proxy.near", "m", nil, 1, nil)
	require.Error(t, err)
	var txErr *TxError
	require.False(t, errors.As(err, &txErr))
}
