package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const sampleYAML = `
near:
  agent_id: agent.near
  private_key: ed25519:abc
  proxy_contract: proxy.near
scheduler:
  interval: 2h
relay:
  min_deadline: 90s
rebalance:
  buffer: 100
signing:
  deposit: "1"
alerting:
  enabled: true
  telegram:
    enabled: true
    bot_token: token
    chat_id: chat
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesFileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	require.Equal(t, "agent.near", cfg.Near.AgentID)
	require.Equal(t, "intents.near", cfg.Near.IntentsContract)
	require.Equal(t, 2*time.Hour, cfg.Scheduler.Interval)
	require.Equal(t, 90*time.Second, cfg.Relay.MinDeadline)
	require.Equal(t, int64(100), cfg.Rebalance.Buffer)
	require.Equal(t, "balance_portfolio", cfg.Signing.Method)
	require.Equal(t, uint64(300_000_000_000_000), cfg.Signing.Gas)
	require.Equal(t, 3*time.Second, cfg.Signing.PollInterval)
	require.Equal(t, 400*time.Second, cfg.Signing.PollTimeout)
	require.Equal(t, 1000, cfg.Nonce.MaxAttempts)
	require.Equal(t, []string{"telegram"}, cfg.Alerting.Channels)
	require.NoError(t, cfg.ValidateAgent())

	deposit, err := cfg.SigningDeposit()
	require.NoError(t, err)
	require.Equal(t, "1", deposit.String())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("REBALANCER_RELAY_CONCURRENCY", "3")
	t.Setenv("REBALANCER_ALERTING_CHANNELS", "telegram,webhook")

	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Relay.Concurrency)
	require.Equal(t, []string{"telegram", "webhook"}, cfg.Alerting.Channels)
}

func TestLoadZeroBufferDisablesClamp(t *testing.T) {
	body := strings.Replace(sampleYAML, "buffer: 100", "buffer: 0", 1)
	cfg, err := Load(writeConfig(t, body))
	require.NoError(t, err)
	require.Zero(t, cfg.Rebalance.Buffer)

	cfg, err = Load(writeConfig(t, strings.Replace(sampleYAML, "rebalance:\n  buffer: 100\n", "", 1)))
	require.NoError(t, err)
	require.Equal(t, int64(5000), cfg.Rebalance.Buffer)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidateRejectsBadValues(t *testing.T) {
	base, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	cases := map[string]func(c *Config){
		"interval":   func(c *Config) { c.Scheduler.Interval = 0 },
		"stablecoin": func(c *Config) { c.Rebalance.Stablecoin = "" },
		"buffer":     func(c *Config) { c.Rebalance.Buffer = -1 },
		"deposit":    func(c *Config) { c.Signing.Deposit = "-5" },
		"poll":       func(c *Config) { c.Signing.PollTimeout = 0 },
		"telegram":   func(c *Config) { c.Alerting.Telegram.ChatID = "" },
		"nonce":      func(c *Config) { c.Nonce.MaxAttempts = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := *base
			mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestValidateAgentRequiresAccount(t *testing.T) {
	cfg := &Config{}
	require.ErrorContains(t, cfg.ValidateAgent(), "near.agent_id")

	cfg.Near.AgentID = "agent.near"
	require.ErrorContains(t, cfg.ValidateAgent(), "near.private_key")
}

func TestResolveMaxPoints(t *testing.T) {
	cfg := &Config{Export: ExportConfig{MaxDataPoints: 500}}
	require.Equal(t, 500, cfg.ResolveMaxPoints(0))
	require.Equal(t, 20, cfg.ResolveMaxPoints(20))
}
