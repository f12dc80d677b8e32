package mpc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"intents-rebalancer/internal/near"
)

const signatureJSON = `{"big_r":{"affine_point":"02aaaa"},"s":{"scalar":"bbbb"},"recovery_id":0}`

func successOutcome(hash string) near.CallOutcome {
	value := base64.StdEncoding.EncodeToString([]byte(signatureJSON))
	return near.CallOutcome{TxHash: hash, Status: near.ExecutionStatus{SuccessValue: &value}}
}

func failureOutcome(hash string) near.CallOutcome {
	return near.CallOutcome{TxHash: hash, Status: near.ExecutionStatus{Failure: json.RawMessage(`{"ActionError":{}}`)}}
}

type fakeCaller struct {
	callOutcome near.CallOutcome
	callErr     error
	calls       int

	statuses    []near.CallOutcome
	statusErrs  []error
	statusCalls int
	statusHash  string
	statusFrom  string
}

func (f *fakeCaller) CallContract(context.Context, near.SignerHandle, string, string, any, uint64, *big.Int) (near.CallOutcome, error) {
	f.calls++
	return f.callOutcome, f.callErr
}

func (f *fakeCaller) TxStatus(_ context.Context, txHash, senderID string) (near.CallOutcome, error) {
	idx := f.statusCalls
	f.statusCalls++
	f.statusHash, f.statusFrom = txHash, senderID
	if idx >= len(f.statuses) {
		idx = len(f.statuses) - 1
	}
	var err error
	if idx < len(f.statusErrs) {
		err = f.statusErrs[idx]
	}
	return f.statuses[idx], err
}

var signer = near.SignerHandle{AccountID: "agent.near"}

func newTestService(caller Caller, clock clockwork.Clock) *Service {
	return NewService(caller, Options{PollInterval: 3 * time.Second, PollTimeout: 30 * time.Second, Clock: clock}, zerolog.Nop())
}

// driveClock runs fn while advancing the fake clock each time fn waits on it.
func driveClock(t *testing.T, clock *clockwork.FakeClock, step time.Duration, fn func() (Signature, error)) (Signature, error) {
	t.Helper()
	type result struct {
		sig Signature
		err error
	}
	done := make(chan result, 1)
	go func() {
		sig, err := fn()
		done <- result{sig, err}
	}()

	deadline := time.After(5 * time.Second)
	for {
		select {
		case r := <-done:
			return r.sig, r.err
		case <-deadline:
			t.Fatal("signing did not finish")
		default:
		}
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		if err := clock.BlockUntilContext(ctx, 1); err == nil {
			clock.Advance(step)
		}
		cancel()
	}
}

func TestSignSucceedsOnSubmit(t *testing.T) {
	caller := &fakeCaller{callOutcome: successOutcome("tx1")}
	sig, err := newTestService(caller, clockwork.NewFakeClock()).Sign(context.Background(), signer, Request{ContractID: "proxy.near", Method: "balance_portfolio"})
	require.NoError(t, err)
	require.Equal(t, "02aaaa", sig.BigR.AffinePoint)
	require.Zero(t, caller.statusCalls)
}

func TestSignSubmitWithoutHashIsTerminal(t *testing.T) {
	boom := errors.New("connection refused")
	caller := &fakeCaller{callErr: boom}

	_, err := newTestService(caller, clockwork.NewFakeClock()).Sign(context.Background(), signer, Request{})
	require.ErrorIs(t, err, ErrSignatureSubmission)
	require.ErrorIs(t, err, boom)
	require.Zero(t, caller.statusCalls)
}

func TestSignRejectedTransactionIsNotPolled(t *testing.T) {
	rejected := &near.RPCError{Code: -32000, Message: "Server error", Name: "HANDLER_ERROR"}
	rejected.Cause.Name = "INVALID_TRANSACTION"
	caller := &fakeCaller{callErr: fmt.Errorf("transaction abc rejected: %w", rejected)}

	_, err := newTestService(caller, clockwork.NewFakeClock()).Sign(context.Background(), signer, Request{})
	require.ErrorIs(t, err, ErrSignatureSubmission)
	require.NotErrorIs(t, err, ErrSignaturePollTimeout)
	var rpcErr *near.RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, "INVALID_TRANSACTION", rpcErr.Cause.Name)
	require.Zero(t, caller.statusCalls)
}

func TestSignOnChainFailureOnSubmit(t *testing.T) {
	caller := &fakeCaller{callOutcome: failureOutcome("tx1")}
	_, err := newTestService(caller, clockwork.NewFakeClock()).Sign(context.Background(), signer, Request{})

	var failure *OnChainFailureError
	require.ErrorAs(t, err, &failure)
	require.Equal(t, "tx1", failure.TxHash)
}

func TestSignRecoversByPolling(t *testing.T) {
	clock := clockwork.NewFakeClock()
	caller := &fakeCaller{
		callErr:    &near.TxError{Hash: "tx-lost", Err: errors.New("timeout")},
		statuses:   []near.CallOutcome{{}, {Status: near.ExecutionStatus{Pending: "Started"}}, successOutcome("tx-lost")},
		statusErrs: []error{near.ErrUnknownTransaction},
	}
	svc := newTestService(caller, clock)

	sig, err := driveClock(t, clock, 3*time.Second, func() (Signature, error) {
		return svc.Sign(context.Background(), signer, Request{})
	})
	require.NoError(t, err)
	require.Equal(t, "bbbb", sig.S.Scalar)
	require.Equal(t, 1, caller.calls)
	require.Equal(t, 3, caller.statusCalls)
	require.Equal(t, "tx-lost", caller.statusHash)
	require.Equal(t, "agent.near", caller.statusFrom)
}

func TestPollStopsOnFailure(t *testing.T) {
	caller := &fakeCaller{
		callErr:  &near.TxError{Hash: "tx-bad", Err: errors.New("timeout")},
		statuses: []near.CallOutcome{failureOutcome("tx-bad"), successOutcome("tx-bad")},
	}

	_, err := newTestService(caller, clockwork.NewFakeClock()).Sign(context.Background(), signer, Request{})
	var failure *OnChainFailureError
	require.ErrorAs(t, err, &failure)
	require.Equal(t, 1, caller.statusCalls)
}

func TestPollTimesOut(t *testing.T) {
	clock := clockwork.NewFakeClock()
	caller := &fakeCaller{
		callErr:  &near.TxError{Hash: "tx-slow", Err: errors.New("timeout")},
		statuses: []near.CallOutcome{{Status: near.ExecutionStatus{Pending: "Started"}}},
	}
	svc := newTestService(caller, clock)

	_, err := driveClock(t, clock, 3*time.Second, func() (Signature, error) {
		return svc.Sign(context.Background(), signer, Request{})
	})
	require.ErrorIs(t, err, ErrSignaturePollTimeout)
	require.Equal(t, 10, caller.statusCalls)
	require.Equal(t, 1, caller.calls)
}

func TestPollHonoursCancellation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	caller := &fakeCaller{statuses: []near.CallOutcome{{Status: near.ExecutionStatus{Pending: "Started"}}}}
	svc := newTestService(caller, clock)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := svc.Poll(ctx, "agent.near", "tx")
		done <- err
	}()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
