package nonce

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"

	"intents-rebalancer/internal/logging"
	"intents-rebalancer/internal/metrics"
)

// Size is the nonce length in bytes.
const Size = 32

// ErrNonceExhausted is returned when every candidate within the attempt budget was already used.
var ErrNonceExhausted = errors.New("nonce generation exhausted")

// Viewer runs read-only contract calls.
type Viewer interface {
	ViewContract(ctx context.Context, contractID, method string, args any, out any) error
}

// Options parameterise nonce generation.
type Options struct {
	VerifyingContract string
	MaxAttempts       int
	// Rand overrides the entropy source. Defaults to crypto/rand.
	Rand io.Reader
}

// Service draws nonces that the verifying contract has not seen for a signer.
//
// The check is not a reservation: another signer using the same account can
// consume a nonce between Generate returning and the intent settling.
type Service struct {
	viewer Viewer
	opts   Options
	logger zerolog.Logger
}

// NewService constructs a nonce service.
func NewService(viewer Viewer, opts Options, logger zerolog.Logger) *Service {
	if opts.VerifyingContract == "" {
		opts.VerifyingContract = "intents.near"
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1000
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	return &Service{
		viewer: viewer,
		opts:   opts,
		logger: logging.Component(logger, "nonce"),
	}
}

// Generate returns a base64 nonce unused by signerID.
func (s *Service) Generate(ctx context.Context, signerID string) (string, error) {
	for attempt := 1; attempt <= s.opts.MaxAttempts; attempt++ {
		candidate, err := s.draw()
		if err != nil {
			return "", err
		}

		used, err := s.IsUsed(ctx, signerID, candidate)
		if err != nil {
			return "", err
		}
		if !used {
			metrics.NonceDrawsTotal.WithLabelValues("unused").Inc()
			s.logger.Debug().Str("signer", signerID).Int("attempt", attempt).Msg("nonce accepted")
			return candidate, nil
		}

		metrics.NonceDrawsTotal.WithLabelValues("used").Inc()
		s.logger.Warn().Str("signer", signerID).Int("attempt", attempt).Msg("nonce already used, drawing again")
	}
	return "", fmt.Errorf("%w: %d attempts for %s", ErrNonceExhausted, s.opts.MaxAttempts, signerID)
}

// IsUsed asks the verifying contract whether signerID already consumed nonce.
func (s *Service) IsUsed(ctx context.Context, signerID, nonce string) (bool, error) {
	args := map[string]string{
		"nonce":      nonce,
		"account_id": strings.ToLower(signerID),
	}
	var used bool
	if err := s.viewer.ViewContract(ctx, s.opts.VerifyingContract, "is_nonce_used", args, &used); err != nil {
		return false, fmt.Errorf("check nonce: %w", err)
	}
	return used, nil
}

func (s *Service) draw() (string, error) {
	buf := make([]byte, Size)
	if _, err := io.ReadFull(s.opts.Rand, buf); err != nil {
		return "", fmt.Errorf("read nonce entropy: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
