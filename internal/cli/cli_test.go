package cli

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseTimestampFlag(t *testing.T) {
	ts, err := parseTimestampFlag("from", "")
	require.NoError(t, err)
	require.Nil(t, ts)

	ts, err = parseTimestampFlag("from", "2025-03-01T12:00:00Z")
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), *ts)

	_, err = parseTimestampFlag("to", "yesterday")
	require.ErrorContains(t, err, "--to")
}

func TestCommandsRegistered(t *testing.T) {
	names := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"run", "rebalance", "quote", "status", "nonce", "show", "export", "migrate", "prune", "simulate-alert", "version"} {
		require.True(t, names[want], "missing command %s", want)
	}
}
