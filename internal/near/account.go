package near

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/mr-tron/base58"
)

// CallContract signs a single FunctionCall transaction with the handle's key
// and submits it with broadcast_tx_commit. A failure after signing is returned
// as a *TxError so the caller can look the transaction up later instead of
// resubmitting it, unless the node rejected the transaction outright.
func (c *Client) CallContract(ctx context.Context, signer SignerHandle, contractID, method string, args any, gas uint64, deposit *big.Int) (CallOutcome, error) {
	if signer.AccountID == "" || !signer.Key.Valid() {
		return CallOutcome{}, errors.New("signer handle requires an account id and key")
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return CallOutcome{}, fmt.Errorf("encode %s args: %w", method, err)
	}

	access, err := c.viewAccessKey(ctx, signer.AccountID, signer.Key.PublicKeyString())
	if err != nil {
		return CallOutcome{}, err
	}
	blockHash, err := decodeBlockHash(access.BlockHash)
	if err != nil {
		return CallOutcome{}, err
	}

	tx := transaction{
		SignerID:   signer.AccountID,
		PublicKey:  signer.Key.PublicKey(),
		Nonce:      access.Nonce + 1,
		ReceiverID: contractID,
		BlockHash:  blockHash,
		Actions: []functionCall{{
			MethodName: method,
			Args:       argsJSON,
			Gas:        gas,
			Deposit:    deposit,
		}},
	}

	signed, hash, err := signTransaction(tx, signer.Key)
	if err != nil {
		return CallOutcome{}, fmt.Errorf("sign transaction: %w", err)
	}
	txHash := base58.Encode(hash[:])

	c.logger.Info().
		Str("tx_hash", txHash).
		Str("receiver", contractID).
		Str("method", method).
		Uint64("nonce", tx.Nonce).
		Msg("submitting transaction")

	var outcome finalExecutionOutcome
	params := []string{base64.StdEncoding.EncodeToString(signed)}
	if err := c.call(ctx, "broadcast_tx_commit", params, &outcome); err != nil {
		var rpcErr *RPCError
		if errors.As(err, &rpcErr) && rpcErr.IsRejection() {
			return CallOutcome{}, fmt.Errorf("transaction %s rejected: %w", txHash, err)
		}
		return CallOutcome{TxHash: txHash}, &TxError{Hash: txHash, Err: err}
	}
	return outcome.outcome(txHash), nil
}

func decodeBlockHash(encoded string) ([32]byte, error) {
	var out [32]byte
	raw, err := base58.Decode(encoded)
	if err != nil {
		return out, fmt.Errorf("decode block hash: %w", err)
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("block hash must be 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}
