package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"intents-rebalancer/internal/alerting"
	"intents-rebalancer/internal/config"
	"intents-rebalancer/internal/intent"
	"intents-rebalancer/internal/logging"
	"intents-rebalancer/internal/metrics"
	"intents-rebalancer/internal/mpc"
	"intents-rebalancer/internal/near"
	"intents-rebalancer/internal/nonce"
	"intents-rebalancer/internal/quote"
	"intents-rebalancer/internal/rebalance"
	"intents-rebalancer/internal/scheduler"
	"intents-rebalancer/internal/service"
	"intents-rebalancer/internal/storage"
	"intents-rebalancer/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	metrics.BuildInfo.WithLabelValues(version.Version, version.Commit, version.BuildDate).Set(1)
	return &App{Config: cfg, Logger: logging.Component(logger, "app")}
}

func (a *App) newNearClient() *near.Client {
	return near.NewClient(near.Options{
		RPCURL:    a.Config.Near.RPCURL,
		Timeout:   a.Config.Near.RequestTimeout,
		UserAgent: a.Config.Relay.UserAgent,
	}, a.Logger)
}

func (a *App) newQuoteClient() *quote.Client {
	return quote.NewClient(quote.Options{
		URL:           a.Config.Relay.URL,
		Timeout:       a.Config.Relay.RequestTimeout,
		UserAgent:     a.Config.Relay.UserAgent,
		Stablecoin:    a.Config.Rebalance.Stablecoin,
		MinDeadline:   a.Config.Relay.MinDeadline,
		Concurrency:   a.Config.Relay.Concurrency,
		RatePerSecond: a.Config.Relay.RatePerSecond,
	}, a.Logger)
}

func (a *App) newNonceService(chain nonce.Viewer) *nonce.Service {
	return nonce.NewService(chain, nonce.Options{
		VerifyingContract: a.Config.Near.IntentsContract,
		MaxAttempts:       a.Config.Nonce.MaxAttempts,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	var telegram alerting.Notifier
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		telegram = alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	fan := alerting.NewFanout(a.Logger, telegram)
	if fan.Len() == 0 {
		return nil
	}
	return fan
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	if a.Config.Database.AutoMigrate {
		if err := storage.Migrate(ctx, pool, a.Logger); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) signerHandle() (near.SignerHandle, error) {
	if err := a.Config.ValidateAgent(); err != nil {
		return near.SignerHandle{}, err
	}
	key, err := near.ParseKeyPair(a.Config.Near.PrivateKey)
	if err != nil {
		return near.SignerHandle{}, fmt.Errorf("near.private_key: %w", err)
	}
	return near.SignerHandle{AccountID: a.Config.Near.AgentID, Key: key}, nil
}

// buildService assembles the orchestrator. The returned closer releases the
// relay client and the database pool.
func (a *App) buildService(ctx context.Context, sched *scheduler.Scheduler, dryRun bool) (*service.Service, func(), error) {
	handle, err := a.signerHandle()
	if err != nil {
		return nil, nil, err
	}
	deposit, err := a.Config.SigningDeposit()
	if err != nil {
		return nil, nil, err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	chain := a.newNearClient()
	quotes := a.newQuoteClient()
	builder := intent.NewBuilder(a.newNonceService(chain), a.Config.Near.IntentsContract, a.Logger)
	signer := mpc.NewService(chain, mpc.Options{
		Gas:          a.Config.Signing.Gas,
		Deposit:      deposit,
		PollInterval: a.Config.Signing.PollInterval,
		PollTimeout:  a.Config.Signing.PollTimeout,
	}, a.Logger)
	calc := rebalance.NewCalculator(rebalance.Options{
		Stablecoin: a.Config.Rebalance.Stablecoin,
		Buffer:     a.Config.Rebalance.Buffer,
	})

	deps := service.Deps{
		Scheduler:  sched,
		Chain:      chain,
		Quotes:     quotes,
		Calculator: calc,
		Builder:    builder,
		Signer:     signer,
		Handle:     handle,
		Notifier:   a.newNotifier(),
	}
	if store != nil {
		deps.Runs = store
		deps.Snapshots = store
		deps.Locker = store
	} else {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}

	svc := service.New(deps, service.Options{
		AgentID:           a.Config.Near.AgentID,
		ProxyContract:     a.Config.Near.ProxyContract,
		IntentsContract:   a.Config.Near.IntentsContract,
		Stablecoin:        a.Config.Rebalance.Stablecoin,
		SignMethod:        a.Config.Signing.Method,
		ExpectedPublicKey: a.Config.Signing.ExpectedPublicKey,
		DryRun:            dryRun || a.Config.Rebalance.DryRun,
		LockKey:           a.Config.Scheduler.AdvisoryLockKey,
		NotifyOnPublish:   a.Config.Alerting.OnPublish,
		Channels:          a.Config.Alerting.Channels,
	}, a.Logger)

	closer := func() {
		quotes.Close()
		if closeStore != nil {
			closeStore()
		}
	}
	return svc, closer, nil
}

// Run executes the long-running rebalance service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
	}, a.Logger)

	svc, closer, err := a.buildService(ctx, sched, false)
	if err != nil {
		return err
	}
	defer closer()

	if addr := a.Config.Metrics.ListenAddr; addr != "" {
		srv := metrics.NewServer(addr)
		go func() {
			a.Logger.Info().Str("addr", addr).Msg("metrics endpoint listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.Logger.Error().Err(err).Msg("metrics endpoint stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	a.Logger.Info().Msg("starting rebalance service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("rebalance service stopped")
	return nil
}

// RebalanceOptions configure a one-off rebalance.
type RebalanceOptions struct {
	Portfolio string
	DryRun    bool
}

// ExportOptions hold parameters for exporting portfolio history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	RunsPath  string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Portfolio string
	Limit     int
}

// QuoteOptions describe a single relay quote.
type QuoteOptions struct {
	AssetIn  string
	AssetOut string
	Amount   string
	ExactOut bool
}

// PruneOptions configure snapshot retention.
type PruneOptions struct {
	OlderThan time.Duration
}
