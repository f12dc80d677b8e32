package near

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownTransaction is returned by TxStatus while the node has not seen the transaction yet.
var ErrUnknownTransaction = errors.New("near: unknown transaction")

// RPCError is a JSON-RPC error object returned by a NEAR node.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Name    string          `json:"name"`
	Data    json.RawMessage `json:"data"`
	Cause   struct {
		Name string          `json:"name"`
		Info json.RawMessage `json:"info"`
	} `json:"cause"`
}

func (e *RPCError) Error() string {
	if e.Cause.Name != "" {
		return fmt.Sprintf("near rpc error %s/%s: %s", e.Name, e.Cause.Name, e.Message)
	}
	return fmt.Sprintf("near rpc error (%d): %s", e.Code, e.Message)
}

// IsTimeout reports whether the node gave up waiting for the transaction to finish.
func (e *RPCError) IsTimeout() bool {
	return e.Cause.Name == "TIMEOUT_ERROR" || e.Name == "TIMEOUT_ERROR"
}

// IsRejection reports whether the node refused the transaction outright, so it
// never entered the mempool. Timeouts are not rejections.
func (e *RPCError) IsRejection() bool {
	if e.IsTimeout() {
		return false
	}
	return e.Cause.Name == "INVALID_TRANSACTION" ||
		e.Cause.Name == "PARSE_ERROR" ||
		e.Name == "REQUEST_VALIDATION_ERROR"
}

// ContractError is a panic raised inside a view function.
type ContractError struct {
	ContractID string
	Method     string
	Message    string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("view %s.%s failed: %s", e.ContractID, e.Method, e.Message)
}

// TxError wraps a failure that happened after a transaction was signed. The
// transaction may have landed on chain, so the hash is preserved for recovery.
type TxError struct {
	Hash string
	Err  error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("transaction %s: %v", e.Hash, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// TransactionHash exposes the hash of the possibly-submitted transaction.
func (e *TxError) TransactionHash() string { return e.Hash }
