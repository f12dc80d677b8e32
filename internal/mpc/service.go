package mpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"intents-rebalancer/internal/logging"
	"intents-rebalancer/internal/metrics"
	"intents-rebalancer/internal/near"
)

var (
	// ErrSignatureSubmission is a terminal failure to obtain a signature when
	// no transaction hash is known.
	ErrSignatureSubmission = errors.New("signature submission failed")
	// ErrSignaturePollTimeout means the transaction never reached a final
	// status within the polling budget.
	ErrSignaturePollTimeout = errors.New("signature polling timed out")
)

// OnChainFailureError is a signing transaction that executed and failed.
type OnChainFailureError struct {
	TxHash  string
	Failure json.RawMessage
}

func (e *OnChainFailureError) Error() string {
	return fmt.Sprintf("transaction %s failed on chain: %s", e.TxHash, string(e.Failure))
}

// Caller submits signing transactions and looks up their status.
type Caller interface {
	CallContract(ctx context.Context, signer near.SignerHandle, contractID, method string, args any, gas uint64, deposit *big.Int) (near.CallOutcome, error)
	TxStatus(ctx context.Context, txHash, senderID string) (near.CallOutcome, error)
}

// TxHashCarrier is implemented by submission errors that know which
// transaction they were sending.
type TxHashCarrier interface {
	TransactionHash() string
}

// Request describes the contract call that yields a signature.
type Request struct {
	ContractID string
	Method     string
	Args       any
}

// State is where a signing attempt ended up after one step.
type State int

const (
	StateSigned State = iota
	StatePending
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateSigned:
		return "signed"
	case StatePending:
		return "pending"
	default:
		return "failed"
	}
}

// Outcome is the result of a submission or a poll.
type Outcome struct {
	State     State
	Signature Signature
	TxHash    string
	Err       error
}

// Options tune submission and polling.
type Options struct {
	Gas          uint64
	Deposit      *big.Int
	PollInterval time.Duration
	PollTimeout  time.Duration
	Clock        clockwork.Clock
}

// Service obtains threshold signatures through the signing contract.
type Service struct {
	caller Caller
	opts   Options
	logger zerolog.Logger
}

// NewService constructs a signature service.
func NewService(caller Caller, opts Options, logger zerolog.Logger) *Service {
	if opts.Gas == 0 {
		opts.Gas = 300_000_000_000_000
	}
	if opts.Deposit == nil {
		opts.Deposit = new(big.Int)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 3 * time.Second
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 400 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Service{
		caller: caller,
		opts:   opts,
		logger: logging.Component(logger, "mpc_signer"),
	}
}

// Sign submits the signing call once. If the submission fails after the
// transaction may have been sent, it polls that transaction instead of
// resubmitting, since a second submission would spend a second nonce.
func (s *Service) Sign(ctx context.Context, signer near.SignerHandle, req Request) (Signature, error) {
	out := s.Submit(ctx, signer, req)
	switch out.State {
	case StateSigned:
		return out.Signature, nil
	case StatePending:
		s.logger.Warn().Err(out.Err).Str("tx_hash", out.TxHash).Msg("signature outcome unknown, polling transaction")
		return s.Poll(ctx, signer.AccountID, out.TxHash)
	default:
		return Signature{}, out.Err
	}
}

// Submit performs the state-changing call and classifies its result.
func (s *Service) Submit(ctx context.Context, signer near.SignerHandle, req Request) Outcome {
	res, err := s.caller.CallContract(ctx, signer, req.ContractID, req.Method, req.Args, s.opts.Gas, s.opts.Deposit)
	if err != nil {
		var carrier TxHashCarrier
		if errors.As(err, &carrier) && carrier.TransactionHash() != "" {
			return Outcome{State: StatePending, TxHash: carrier.TransactionHash(), Err: err}
		}
		return Outcome{State: StateFailed, Err: fmt.Errorf("%w: %w", ErrSignatureSubmission, err)}
	}
	return resolve(res)
}

// Poll fetches the transaction status at a fixed interval until it succeeds,
// fails on chain, or the total timeout elapses.
func (s *Service) Poll(ctx context.Context, senderID, txHash string) (Signature, error) {
	clock := s.opts.Clock
	start := clock.Now()

	for attempt := 1; clock.Since(start) < s.opts.PollTimeout; attempt++ {
		res, err := s.caller.TxStatus(ctx, txHash, senderID)
		if err != nil {
			metrics.SignaturePollsTotal.WithLabelValues("error").Inc()
			s.logger.Debug().Err(err).Str("tx_hash", txHash).Int("attempt", attempt).Msg("transaction status unavailable")
		} else {
			out := resolve(res)
			metrics.SignaturePollsTotal.WithLabelValues(out.State.String()).Inc()
			switch out.State {
			case StateSigned:
				s.logger.Info().Str("tx_hash", txHash).Int("attempt", attempt).Msg("signature recovered from transaction")
				return out.Signature, nil
			case StateFailed:
				return Signature{}, out.Err
			}
			s.logger.Debug().Str("tx_hash", txHash).Str("status", res.Status.Pending).Int("attempt", attempt).Msg("transaction still pending")
		}

		select {
		case <-ctx.Done():
			return Signature{}, ctx.Err()
		case <-clock.After(s.opts.PollInterval):
		}
	}

	return Signature{}, fmt.Errorf("%w: %s after %s", ErrSignaturePollTimeout, txHash, s.opts.PollTimeout)
}

func resolve(res near.CallOutcome) Outcome {
	switch {
	case res.Status.Failed():
		return Outcome{State: StateFailed, TxHash: res.TxHash, Err: &OnChainFailureError{TxHash: res.TxHash, Failure: res.Status.Failure}}
	case res.Status.Succeeded():
		raw, err := res.Status.DecodeSuccessValue()
		if err != nil {
			return Outcome{State: StateFailed, TxHash: res.TxHash, Err: fmt.Errorf("%w: decode success value: %w", ErrSignatureSubmission, err)}
		}
		sig, err := ParseSignature(raw)
		if err != nil {
			return Outcome{State: StateFailed, TxHash: res.TxHash, Err: fmt.Errorf("%w: %w", ErrSignatureSubmission, err)}
		}
		return Outcome{State: StateSigned, TxHash: res.TxHash, Signature: sig}
	default:
		return Outcome{State: StatePending, TxHash: res.TxHash}
	}
}
