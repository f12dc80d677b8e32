package near

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
)

// PortfolioContext is everything the rebalancer needs from the hosting runtime:
// read-only contract views, state-changing calls, and transaction status lookups.
type PortfolioContext interface {
	ViewContract(ctx context.Context, contractID, method string, args any, out any) error
	CallContract(ctx context.Context, signer SignerHandle, contractID, method string, args any, gas uint64, deposit *big.Int) (CallOutcome, error)
	TxStatus(ctx context.Context, txHash, senderID string) (CallOutcome, error)
}

// SignerHandle identifies the account that signs transactions. It is passed
// explicitly to every call that needs it.
type SignerHandle struct {
	AccountID string
	Key       KeyPair
}

// ExecutionStatus is the final status of a transaction. Exactly one of the
// fields is meaningful: SuccessValue, Failure, or a bare Pending status such
// as "NotStarted" or "Started".
type ExecutionStatus struct {
	SuccessValue *string
	Failure      json.RawMessage
	Pending      string
}

// UnmarshalJSON accepts both the object and the bare string forms of a NEAR status.
func (s *ExecutionStatus) UnmarshalJSON(data []byte) error {
	*s = ExecutionStatus{}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	if trimmed[0] == '"' {
		return json.Unmarshal(trimmed, &s.Pending)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return fmt.Errorf("decode execution status: %w", err)
	}
	if v, ok := raw["SuccessValue"]; ok {
		var value string
		if err := json.Unmarshal(v, &value); err != nil {
			return fmt.Errorf("decode success value: %w", err)
		}
		s.SuccessValue = &value
	}
	if v, ok := raw["Failure"]; ok {
		s.Failure = v
	}
	if s.SuccessValue == nil && s.Failure == nil {
		for k := range raw {
			s.Pending = k
		}
	}
	return nil
}

// MarshalJSON renders the status the way the RPC does.
func (s ExecutionStatus) MarshalJSON() ([]byte, error) {
	switch {
	case s.SuccessValue != nil:
		return json.Marshal(map[string]string{"SuccessValue": *s.SuccessValue})
	case s.Failure != nil:
		return json.Marshal(map[string]json.RawMessage{"Failure": s.Failure})
	case s.Pending != "":
		return json.Marshal(s.Pending)
	default:
		return []byte("null"), nil
	}
}

// Succeeded reports whether the transaction finished with a value.
func (s ExecutionStatus) Succeeded() bool { return s.SuccessValue != nil }

// Failed reports whether the transaction finished with a failure.
func (s ExecutionStatus) Failed() bool { return s.Failure != nil }

// DecodeSuccessValue base64-decodes the success value.
func (s ExecutionStatus) DecodeSuccessValue() ([]byte, error) {
	if s.SuccessValue == nil {
		return nil, fmt.Errorf("transaction has no success value")
	}
	return base64.StdEncoding.DecodeString(*s.SuccessValue)
}

// CallOutcome is the final execution outcome of a transaction.
type CallOutcome struct {
	TxHash string
	Status ExecutionStatus
}

type finalExecutionOutcome struct {
	Status      ExecutionStatus `json:"status"`
	Transaction struct {
		Hash     string `json:"hash"`
		SignerID string `json:"signer_id"`
	} `json:"transaction"`
}

func (o finalExecutionOutcome) outcome(fallbackHash string) CallOutcome {
	hash := o.Transaction.Hash
	if hash == "" {
		hash = fallbackHash
	}
	return CallOutcome{TxHash: hash, Status: o.Status}
}
