package nonce

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type scriptedViewer struct {
	usedFor  func(call int, nonce string) bool
	err      error
	calls    int
	seen     []string
	contract string
	signer   string
}

func (v *scriptedViewer) ViewContract(_ context.Context, contractID, method string, args any, out any) error {
	if v.err != nil {
		return v.err
	}
	v.calls++
	m := args.(map[string]string)
	v.contract = contractID
	v.signer = m["account_id"]
	v.seen = append(v.seen, m["nonce"])
	*(out.(*bool)) = v.usedFor(v.calls, m["nonce"])
	return nil
}

func TestGenerateReturnsFirstUnusedNonce(t *testing.T) {
	viewer := &scriptedViewer{usedFor: func(call int, _ string) bool { return call < 4 }}
	svc := NewService(viewer, Options{}, zerolog.Nop())

	nonce, err := svc.Generate(context.Background(), "Alice.Near")
	require.NoError(t, err)
	require.Equal(t, 4, viewer.calls)
	require.Equal(t, "intents.near", viewer.contract)
	require.Equal(t, "alice.near", viewer.signer)
	require.Equal(t, viewer.seen[3], nonce)

	raw, err := base64.StdEncoding.DecodeString(nonce)
	require.NoError(t, err)
	require.Len(t, raw, Size)

	unique := map[string]bool{}
	for _, n := range viewer.seen {
		require.False(t, unique[n], "nonce drawn twice")
		unique[n] = true
	}
}

func TestGenerateExhausted(t *testing.T) {
	viewer := &scriptedViewer{usedFor: func(int, string) bool { return true }}
	svc := NewService(viewer, Options{MaxAttempts: 5}, zerolog.Nop())

	_, err := svc.Generate(context.Background(), "alice.near")
	require.ErrorIs(t, err, ErrNonceExhausted)
	require.Equal(t, 5, viewer.calls)
}

func TestGenerateDefaultsToThousandAttempts(t *testing.T) {
	viewer := &scriptedViewer{usedFor: func(int, string) bool { return true }}
	svc := NewService(viewer, Options{}, zerolog.Nop())

	_, err := svc.Generate(context.Background(), "alice.near")
	require.ErrorIs(t, err, ErrNonceExhausted)
	require.Equal(t, 1000, viewer.calls)
}

func TestGenerateSurfacesTransportErrors(t *testing.T) {
	boom := errors.New("rpc down")
	svc := NewService(&scriptedViewer{err: boom}, Options{}, zerolog.Nop())

	_, err := svc.Generate(context.Background(), "alice.near")
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, ErrNonceExhausted)
}
