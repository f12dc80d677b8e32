package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"intents-rebalancer/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Near      NearConfig      `mapstructure:"near"`
	Relay     RelayConfig     `mapstructure:"relay"`
	Rebalance RebalanceConfig `mapstructure:"rebalance"`
	Signing   SigningConfig   `mapstructure:"signing"`
	Nonce     NonceConfig     `mapstructure:"nonce"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity for the run audit log.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs rebalance cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// NearConfig covers chain access and the agent account.
type NearConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	AgentID         string        `mapstructure:"agent_id"`
	PrivateKey      string        `mapstructure:"private_key"`
	ProxyContract   string        `mapstructure:"proxy_contract"`
	IntentsContract string        `mapstructure:"intents_contract"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
}

// RelayConfig captures solver relay connectivity.
type RelayConfig struct {
	URL            string        `mapstructure:"url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MinDeadline    time.Duration `mapstructure:"min_deadline"`
	Concurrency    int           `mapstructure:"concurrency"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// RebalanceConfig tunes the delta calculation.
type RebalanceConfig struct {
	Stablecoin string `mapstructure:"stablecoin"`
	Buffer     int64  `mapstructure:"buffer"` // 0 disables the clamp
	DryRun     bool   `mapstructure:"dry_run"`
}

// SigningConfig covers the MPC signing round trip.
type SigningConfig struct {
	Method            string        `mapstructure:"method"`
	Gas               uint64        `mapstructure:"gas"`
	Deposit           string        `mapstructure:"deposit"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	PollTimeout       time.Duration `mapstructure:"poll_timeout"`
	ExpectedPublicKey string        `mapstructure:"expected_public_key"`
}

// NonceConfig bounds nonce generation.
type NonceConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled   bool           `mapstructure:"enabled"`
	OnPublish bool           `mapstructure:"on_publish"`
	Channels  []string       `mapstructure:"channels"`
	Telegram  TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram alert channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, .env, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("REBALANCER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "intents-rebalancer")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x72626c6e))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("near.rpc_url", "https://rpc.mainnet.near.org")
	v.SetDefault("near.intents_contract", "intents.near")
	v.SetDefault("near.request_timeout", "30s")

	v.SetDefault("relay.url", "https://solver-relay-v2.chaindefuser.com/rpc")
	v.SetDefault("relay.request_timeout", "10s")
	v.SetDefault("relay.min_deadline", "60s")
	v.SetDefault("relay.concurrency", 8)
	v.SetDefault("relay.rate_per_second", 5.0)
	v.SetDefault("relay.user_agent", "intents-rebalancer/1.0")

	v.SetDefault("rebalance.stablecoin", "nep141:base-0x833589fcd6edb6e08f4c7c32d4f71b54bda02913.omft.near")
	v.SetDefault("rebalance.buffer", int64(5000))
	v.SetDefault("rebalance.dry_run", false)

	v.SetDefault("signing.method", "balance_portfolio")
	v.SetDefault("signing.gas", uint64(300_000_000_000_000))
	v.SetDefault("signing.deposit", "0")
	v.SetDefault("signing.poll_interval", "3s")
	v.SetDefault("signing.poll_timeout", "400s")

	v.SetDefault("nonce.max_attempts", 1000)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.on_publish", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", false)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Relay.Concurrency <= 0 {
		return fmt.Errorf("relay.concurrency must be greater than zero")
	}
	if c.Relay.RatePerSecond < 0 {
		return fmt.Errorf("relay.rate_per_second cannot be negative")
	}
	if c.Rebalance.Stablecoin == "" {
		return fmt.Errorf("rebalance.stablecoin is required")
	}
	if c.Rebalance.Buffer < 0 {
		return fmt.Errorf("rebalance.buffer cannot be negative")
	}
	if c.Nonce.MaxAttempts <= 0 {
		return fmt.Errorf("nonce.max_attempts must be greater than zero")
	}
	if c.Signing.PollInterval <= 0 || c.Signing.PollTimeout <= 0 {
		return fmt.Errorf("signing.poll_interval and signing.poll_timeout must be greater than zero")
	}
	if _, err := c.SigningDeposit(); err != nil {
		return err
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// ValidateAgent checks the settings needed to sign and submit transactions.
func (c *Config) ValidateAgent() error {
	if c.Near.AgentID == "" {
		return fmt.Errorf("near.agent_id is required")
	}
	if c.Near.PrivateKey == "" {
		return fmt.Errorf("near.private_key is required")
	}
	if c.Near.ProxyContract == "" {
		return fmt.Errorf("near.proxy_contract is required")
	}
	return nil
}

// SigningDeposit parses the attached deposit in yoctoNEAR.
func (c *Config) SigningDeposit() (*big.Int, error) {
	raw := strings.TrimSpace(c.Signing.Deposit)
	if raw == "" {
		return new(big.Int), nil
	}
	deposit, ok := new(big.Int).SetString(raw, 10)
	if !ok || deposit.Sign() < 0 {
		return nil, fmt.Errorf("signing.deposit must be a non-negative integer, got %q", c.Signing.Deposit)
	}
	return deposit, nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
