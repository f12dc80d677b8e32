package quote

import (
	"errors"
	"fmt"
	"math/big"
	"time"
)

// ErrQuoteUnavailable means the relay returned no usable quote for a request.
// Callers skip the asset for this cycle.
var ErrQuoteUnavailable = errors.New("quote unavailable")

// ErrPublishRejected means the relay answered publish_intent with a non-OK status.
var ErrPublishRejected = errors.New("intent rejected by relay")

// Quote is a time-bounded price commitment from a solver.
type Quote struct {
	AmountIn       string `json:"amount_in"`
	AmountOut      string `json:"amount_out"`
	AssetIn        string `json:"defuse_asset_identifier_in"`
	AssetOut       string `json:"defuse_asset_identifier_out"`
	ExpirationTime string `json:"expiration_time"`
	QuoteHash      string `json:"quote_hash"`
}

// In parses amount_in.
func (q Quote) In() (*big.Int, error) { return parseAmount("amount_in", q.AmountIn) }

// Out parses amount_out.
func (q Quote) Out() (*big.Int, error) { return parseAmount("amount_out", q.AmountOut) }

// Expiry parses expiration_time as an absolute timestamp.
func (q Quote) Expiry() (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, q.ExpirationTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse expiration_time %q: %w", q.ExpirationTime, err)
	}
	return ts, nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("parse %s %q: not an integer", field, raw)
	}
	return v, nil
}

// Request describes one quote request. Exactly one of ExactAmountIn and
// ExactAmountOut is set.
type Request struct {
	AssetIn        string
	AssetOut       string
	ExactAmountIn  *big.Int
	ExactAmountOut *big.Int
	MinDeadline    time.Duration
}

type quoteParams struct {
	AssetIn        string `json:"defuse_asset_identifier_in"`
	AssetOut       string `json:"defuse_asset_identifier_out"`
	ExactAmountIn  string `json:"exact_amount_in,omitempty"`
	ExactAmountOut string `json:"exact_amount_out,omitempty"`
	MinDeadlineMs  int64  `json:"min_deadline_ms"`
}

// SignedData is the signed payload the relay executes.
type SignedData struct {
	Standard  string `json:"standard"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// PublishRequest carries a signed intent and the quotes it consumes.
type PublishRequest struct {
	SignedData  SignedData `json:"signed_data"`
	QuoteHashes []string   `json:"quote_hashes"`
}

// PublishResult is the relay's answer to publish_intent.
type PublishResult struct {
	Status     string `json:"status"`
	Reason     string `json:"reason,omitempty"`
	IntentHash string `json:"intent_hash"`
}

// StatusResult is the relay's answer to get_status.
type StatusResult struct {
	IntentHash string `json:"intent_hash"`
	Status     string `json:"status"`
	Data       struct {
		Hash string `json:"hash"`
	} `json:"data"`
}
