package intent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	"intents-rebalancer/internal/logging"
	"intents-rebalancer/internal/quote"
)

// StandardERC191 names the signing standard used for published intents.
const StandardERC191 = "erc191"

// KindTokenDiff is the only intent kind this service emits.
const KindTokenDiff = "token_diff"

var (
	// ErrNoQuotes is returned when there is nothing to build an intent from.
	ErrNoQuotes = errors.New("no quotes to build intent from")
	// ErrNonceUnavailable wraps any failure to obtain a fresh nonce.
	ErrNonceUnavailable = errors.New("nonce unavailable")
)

// Intent is the message signed on behalf of a portfolio. Field order is
// significant: the verifying contract re-serializes it and compares hashes.
type Intent struct {
	SignerID          string   `json:"signer_id"`
	Deadline          string   `json:"deadline"`
	Nonce             string   `json:"nonce"`
	VerifyingContract string   `json:"verifying_contract"`
	Intents           []Action `json:"intents"`
}

// Action is one entry in the intents list.
type Action struct {
	Intent string     `json:"intent"`
	Diff   *TokenDiff `json:"diff"`
}

// Built is an intent together with the quotes it consumes.
type Built struct {
	Intent      Intent
	QuoteHashes []string
	Expiry      time.Time
}

// NonceSource hands out unused nonces for a signer.
type NonceSource interface {
	Generate(ctx context.Context, signerID string) (string, error)
}

// Builder assembles intents from quote batches.
type Builder struct {
	nonces            NonceSource
	verifyingContract string
	logger            zerolog.Logger
}

// NewBuilder constructs a builder for intents verified by verifyingContract.
func NewBuilder(nonces NonceSource, verifyingContract string, logger zerolog.Logger) *Builder {
	if verifyingContract == "" {
		verifyingContract = "intents.near"
	}
	return &Builder{
		nonces:            nonces,
		verifyingContract: verifyingContract,
		logger:            logging.Component(logger, "intent_builder"),
	}
}

// Build aggregates quotes into a single token_diff intent. Each quote debits
// its input asset and credits its output asset; the deadline is the earliest
// quote expiry.
func (b *Builder) Build(ctx context.Context, quotes []quote.Quote, signerID string) (Built, error) {
	if len(quotes) == 0 {
		return Built{}, ErrNoQuotes
	}

	diff := NewTokenDiff()
	hashes := make([]string, 0, len(quotes))
	deadline := ""
	var earliest time.Time

	for i, q := range quotes {
		in, err := q.In()
		if err != nil {
			return Built{}, fmt.Errorf("quote %s: %w", q.QuoteHash, err)
		}
		out, err := q.Out()
		if err != nil {
			return Built{}, fmt.Errorf("quote %s: %w", q.QuoteHash, err)
		}
		expiry, err := q.Expiry()
		if err != nil {
			return Built{}, fmt.Errorf("quote %s: %w", q.QuoteHash, err)
		}

		diff.Touch(q.AssetIn)
		diff.Touch(q.AssetOut)
		diff.Add(q.AssetIn, new(big.Int).Neg(in))
		diff.Add(q.AssetOut, out)

		if i == 0 || expiry.Before(earliest) {
			earliest = expiry
			deadline = q.ExpirationTime
		}
		hashes = append(hashes, q.QuoteHash)
	}

	signer := strings.ToLower(signerID)
	nonce, err := b.nonces.Generate(ctx, signer)
	if err != nil {
		return Built{}, fmt.Errorf("%w: %w", ErrNonceUnavailable, err)
	}

	built := Built{
		Intent: Intent{
			SignerID:          signer,
			Deadline:          deadline,
			Nonce:             nonce,
			VerifyingContract: b.verifyingContract,
			Intents:           []Action{{Intent: KindTokenDiff, Diff: diff}},
		},
		QuoteHashes: hashes,
		Expiry:      earliest,
	}

	b.logger.Debug().
		Str("signer_id", signer).
		Str("deadline", deadline).
		Int("quotes", len(quotes)).
		Int("assets", diff.Len()).
		Msg("intent built")
	return built, nil
}

// Payload renders the intent as compact JSON, the exact bytes that are hashed
// and published.
func Payload(in Intent) (string, error) {
	raw, err := marshalCompact(in)
	if err != nil {
		return "", fmt.Errorf("encode intent: %w", err)
	}
	return string(raw), nil
}

// MessageHash is keccak256 over the ERC-191 personal message prefix and payload.
func MessageHash(payload string) []byte {
	return accounts.TextHash([]byte(payload))
}

// HashHex renders a hash as 0x-prefixed hex.
func HashHex(hash []byte) string {
	return hexutil.Encode(hash)
}

func marshalCompact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
