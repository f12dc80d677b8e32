package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"intents-rebalancer/internal/alerting"
	"intents-rebalancer/internal/intent"
	"intents-rebalancer/internal/logging"
	"intents-rebalancer/internal/metrics"
	"intents-rebalancer/internal/mpc"
	"intents-rebalancer/internal/near"
	"intents-rebalancer/internal/quote"
	"intents-rebalancer/internal/rebalance"
	"intents-rebalancer/internal/scheduler"
	"intents-rebalancer/internal/storage"
)

// ErrSignerMismatch means the recovered signature key is not the configured one.
var ErrSignerMismatch = errors.New("signature recovered to unexpected public key")

// Viewer runs read-only contract calls.
type Viewer interface {
	ViewContract(ctx context.Context, contractID, method string, args any, out any) error
}

// QuoteSource prices assets and publishes signed intents.
type QuoteSource interface {
	FetchQuotesBatch(ctx context.Context, amounts map[string]*big.Int, sellSide bool) ([]quote.Quote, error)
	Publish(ctx context.Context, req quote.PublishRequest) (quote.PublishResult, error)
}

// IntentBuilder turns a quote batch into an unsigned intent.
type IntentBuilder interface {
	Build(ctx context.Context, quotes []quote.Quote, signerID string) (intent.Built, error)
}

// Signer obtains an MPC signature through a contract call.
type Signer interface {
	Sign(ctx context.Context, signer near.SignerHandle, req mpc.Request) (mpc.Signature, error)
}

// Options carry the account and contract settings of a deployment.
type Options struct {
	AgentID           string
	ProxyContract     string
	IntentsContract   string
	Stablecoin        string
	SignMethod        string
	ExpectedPublicKey string
	DryRun            bool
	LockKey           int64
	NotifyOnPublish   bool
	Channels          []string
}

// Deps are the collaborators of a Service. Storage, locking and notification
// are optional.
type Deps struct {
	Scheduler  *scheduler.Scheduler
	Chain      Viewer
	Quotes     QuoteSource
	Calculator *rebalance.Calculator
	Builder    IntentBuilder
	Signer     Signer
	Handle     near.SignerHandle
	Runs       storage.RunStore
	Snapshots  storage.SnapshotStore
	Locker     storage.AdvisoryLocker
	Notifier   alerting.Notifier
	Clock      clockwork.Clock
}

// Service drives rebalance cycles for every portfolio managed by the agent.
type Service struct {
	deps   Deps
	opts   Options
	clock  clockwork.Clock
	logger zerolog.Logger
}

// New constructs the rebalance orchestrator.
func New(deps Deps, opts Options, logger zerolog.Logger) *Service {
	if opts.IntentsContract == "" {
		opts.IntentsContract = "intents.near"
	}
	if opts.SignMethod == "" {
		opts.SignMethod = "balance_portfolio"
	}
	if deps.Locker == nil {
		if l, ok := deps.Runs.(storage.AdvisoryLocker); ok {
			deps.Locker = l
		}
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		deps:   deps,
		opts:   opts,
		clock:  clock,
		logger: logging.Component(logger, "service"),
	}
}

// Run begins the scheduled rebalance loop.
func (s *Service) Run(ctx context.Context) error {
	if s.deps.Scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.deps.Scheduler.Run(ctx, s.Tick)
}

// Tick adapts RunCycle to the scheduler.
func (s *Service) Tick(ctx context.Context, bucket time.Time) error {
	report, err := s.RunCycle(ctx)
	if err != nil {
		return err
	}
	s.logger.Info().
		Time("bucket", bucket).
		Str("cycle_id", report.ID.String()).
		Int("portfolios", len(report.Portfolios)).
		Int("failed", report.Failed()).
		Msg("rebalance cycle finished")
	return nil
}

// RunCycle rebalances every portfolio returned by get_agent_info. One
// portfolio failing never stops the others.
func (s *Service) RunCycle(ctx context.Context) (CycleReport, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return CycleReport{}, err
	}
	if !proceed {
		s.logger.Debug().Msg("skip cycle because advisory lock held elsewhere")
		return CycleReport{Skipped: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	start := s.clock.Now()
	defer func() { metrics.CycleDuration.Observe(s.clock.Since(start).Seconds()) }()

	portfolios, err := s.Portfolios(ctx)
	if err != nil {
		return CycleReport{}, err
	}

	report := CycleReport{ID: uuid.New(), StartedAt: start.UTC()}
	for _, userID := range portfolios {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		pr, err := s.rebalance(ctx, report.ID, userID)
		if err != nil {
			pr.Err = err
			s.logger.Error().Err(err).Str("portfolio", userID).Msg("portfolio rebalance aborted")
		}
		report.Portfolios = append(report.Portfolios, pr)
	}
	return report, nil
}

// RebalancePortfolio runs a single portfolio outside the scheduled cycle.
func (s *Service) RebalancePortfolio(ctx context.Context, userID string) (PortfolioReport, error) {
	return s.rebalance(ctx, uuid.New(), userID)
}

// Portfolios lists the user portfolios managed by the agent.
func (s *Service) Portfolios(ctx context.Context) ([]string, error) {
	var users []string
	args := map[string]string{"agent_id": s.opts.AgentID}
	if err := s.deps.Chain.ViewContract(ctx, s.opts.ProxyContract, "get_agent_info", args, &users); err != nil {
		return nil, fmt.Errorf("get agent info: %w", err)
	}
	return users, nil
}

// Portfolio loads the target weights and settlement account of a user.
func (s *Service) Portfolio(ctx context.Context, userID string) (Portfolio, error) {
	var info userInfo
	args := map[string]string{"user_id": userID}
	if err := s.deps.Chain.ViewContract(ctx, s.opts.ProxyContract, "get_user_info", args, &info); err != nil {
		return Portfolio{}, fmt.Errorf("get user info %s: %w", userID, err)
	}
	if info.IntentsAddress == "" {
		return Portfolio{}, fmt.Errorf("user %s has no intents address", userID)
	}
	return Portfolio{UserID: userID, IntentsAddress: info.IntentsAddress, Weights: info.RequiredSpread}, nil
}

// Balances reads the portfolio's settlement balances for every weighted
// asset plus the stablecoin.
func (s *Service) Balances(ctx context.Context, p Portfolio) (rebalance.Balances, error) {
	tokens := p.TokenIDs(s.opts.Stablecoin)
	var raw []string
	args := balanceArgs{AccountID: strings.ToLower(p.IntentsAddress), TokenIDs: tokens}
	if err := s.deps.Chain.ViewContract(ctx, s.opts.IntentsContract, "mt_batch_balance_of", args, &raw); err != nil {
		return nil, fmt.Errorf("batch balance of %s: %w", p.IntentsAddress, err)
	}
	if len(raw) != len(tokens) {
		return nil, fmt.Errorf("batch balance of %s: got %d balances for %d tokens", p.IntentsAddress, len(raw), len(tokens))
	}

	balances := make(rebalance.Balances, len(tokens))
	for i, token := range tokens {
		v, ok := new(big.Int).SetString(raw[i], 10)
		if !ok {
			return nil, fmt.Errorf("balance of %s: invalid amount %q", token, raw[i])
		}
		balances[token] = v
	}
	return balances, nil
}

func (s *Service) rebalance(ctx context.Context, cycleID uuid.UUID, userID string) (PortfolioReport, error) {
	report := PortfolioReport{Portfolio: userID}
	log := s.logger.With().Str("portfolio", userID).Logger()

	p, err := s.Portfolio(ctx, userID)
	if err != nil {
		return report, err
	}
	balances, err := s.Balances(ctx, p)
	if err != nil {
		return report, err
	}

	priced, err := s.deps.Quotes.FetchQuotesBatch(ctx, balances, true)
	if err != nil {
		return report, fmt.Errorf("price portfolio: %w", err)
	}

	valuation := s.deps.Calculator.Value(priced, balances)
	delta := s.deps.Calculator.Compute(p.Weights, priced, balances)
	report.Value = valuation.Total
	report.Delta = delta
	s.recordSnapshot(ctx, cycleID, userID, valuation, balances, delta)

	log.Info().
		Str("value", valuation.Total.StringFixed(0)).
		Int("priced", len(priced)).
		Int("trades", len(delta)).
		Msg("rebalance computed")

	sell, buy := rebalance.SplitSides(delta)
	sides := []struct {
		name    string
		amounts map[string]*big.Int
	}{
		{storage.SideSell, sell},
		{storage.SideBuy, buy},
	}

	// Sells settle first so their stablecoin proceeds fund the buys.
	for _, side := range sides {
		sr, err := s.executeSide(ctx, cycleID, p, side.name, side.amounts)
		report.Sides = append(report.Sides, sr)
		if err == nil {
			continue
		}
		if abortsPortfolio(err) {
			return report, err
		}
		log.Warn().Err(err).Str("side", side.name).Msg("rebalance side aborted")
	}
	return report, nil
}

func (s *Service) executeSide(ctx context.Context, cycleID uuid.UUID, p Portfolio, side string, amounts map[string]*big.Int) (SideReport, error) {
	log := s.logger.With().Str("portfolio", p.UserID).Str("side", side).Logger()
	run := storage.RebalanceRun{
		ID:        uuid.New(),
		CycleID:   cycleID,
		Portfolio: p.UserID,
		Side:      side,
		StartedAt: s.clock.Now().UTC(),
	}
	report := SideReport{Side: side, RunID: run.ID}

	finish := func(status string, err error) (SideReport, error) {
		run.Status = status
		run.FinishedAt = s.clock.Now().UTC()
		if err != nil {
			msg := err.Error()
			run.Error = &msg
		}
		report.Status = status
		report.Err = err
		s.recordRun(ctx, run)
		metrics.RebalanceSidesTotal.WithLabelValues(side, status).Inc()
		s.notify(ctx, run, report)
		return report, err
	}

	if len(amounts) == 0 {
		log.Debug().Msg("nothing to trade")
		return finish(storage.StatusSkipped, nil)
	}

	quotes, err := s.deps.Quotes.FetchQuotesBatch(ctx, amounts, side == storage.SideSell)
	if err != nil {
		return finish(storage.StatusFailed, fmt.Errorf("fetch %s quotes: %w", side, err))
	}
	if len(quotes) == 0 {
		log.Info().Int("requested", len(amounts)).Msg("no quotes available, skipping side")
		return finish(storage.StatusSkipped, nil)
	}

	built, err := s.deps.Builder.Build(ctx, quotes, p.IntentsAddress)
	if err != nil {
		return finish(storage.StatusFailed, fmt.Errorf("build %s intent: %w", side, err))
	}
	report.QuoteHashes = built.QuoteHashes
	report.Diff = diffStrings(built.Intent)
	run.Nonce = strPtr(built.Intent.Nonce)
	run.Deadline = strPtr(built.Intent.Deadline)
	run.QuoteHashes = built.QuoteHashes

	payload, err := intent.Payload(built.Intent)
	if err != nil {
		return finish(storage.StatusFailed, err)
	}
	hash := intent.MessageHash(payload)
	hashHex := intent.HashHex(hash)
	run.Payload = strPtr(payload)
	run.MessageHash = strPtr(hashHex)
	report.MessageHash = hashHex

	if s.opts.DryRun {
		log.Info().Str("hash", hashHex).Str("payload", payload).Msg("dry run, intent not signed")
		return finish(storage.StatusDryRun, nil)
	}

	sig, err := s.deps.Signer.Sign(ctx, s.deps.Handle, mpc.Request{
		ContractID: s.opts.ProxyContract,
		Method:     s.opts.SignMethod,
		Args: balancePortfolioArgs{
			UserPortfolio: p.UserID,
			Hash:          hashHex,
			DefuseIntents: built.Intent,
		},
	})
	if err != nil {
		return finish(storage.StatusFailed, fmt.Errorf("sign %s intent: %w", side, err))
	}
	if err := s.verifySigner(hash, sig); err != nil {
		return finish(storage.StatusFailed, err)
	}
	signature, err := mpc.ToSecp256k1(sig)
	if err != nil {
		return finish(storage.StatusFailed, fmt.Errorf("%w: %w", mpc.ErrSignatureSubmission, err))
	}
	run.Signature = strPtr(signature)

	res, err := s.deps.Quotes.Publish(ctx, quote.PublishRequest{
		SignedData: quote.SignedData{
			Standard:  intent.StandardERC191,
			Payload:   payload,
			Signature: signature,
		},
		QuoteHashes: built.QuoteHashes,
	})
	if res.IntentHash != "" {
		run.IntentHash = strPtr(res.IntentHash)
		report.IntentHash = res.IntentHash
	}
	if err != nil {
		return finish(storage.StatusFailed, fmt.Errorf("publish %s intent: %w", side, err))
	}

	log.Info().Str("intent_hash", res.IntentHash).Int("quotes", len(built.QuoteHashes)).Msg("rebalance side published")
	return finish(storage.StatusPublished, nil)
}

func (s *Service) verifySigner(hash []byte, sig mpc.Signature) error {
	expected := strings.TrimSpace(s.opts.ExpectedPublicKey)
	if expected == "" {
		return nil
	}
	pub, err := mpc.RecoverPublicKey(hash, sig)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSignerMismatch, err)
	}
	if got := mpc.PublicKeyHex(pub); !strings.EqualFold(got, expected) {
		return fmt.Errorf("%w: got %s", ErrSignerMismatch, got)
	}
	return nil
}

// abortsPortfolio reports whether err must stop the remaining sides. Nonce
// and signature failures do; quoting, building and publishing do not.
func abortsPortfolio(err error) bool {
	var onChain *mpc.OnChainFailureError
	return errors.Is(err, intent.ErrNonceUnavailable) ||
		errors.Is(err, mpc.ErrSignatureSubmission) ||
		errors.Is(err, mpc.ErrSignaturePollTimeout) ||
		errors.Is(err, ErrSignerMismatch) ||
		errors.As(err, &onChain) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (s *Service) recordRun(ctx context.Context, run storage.RebalanceRun) {
	if s.deps.Runs == nil {
		return
	}
	if err := s.deps.Runs.RecordRun(ctx, run); err != nil {
		s.logger.Error().Err(err).Str("portfolio", run.Portfolio).Str("side", run.Side).Msg("failed to record run")
	}
}

func (s *Service) recordSnapshot(ctx context.Context, cycleID uuid.UUID, userID string, val rebalance.Valuation, balances rebalance.Balances, delta rebalance.Delta) {
	if s.deps.Snapshots == nil {
		return
	}
	balancesJSON, err := json.Marshal(amountStrings(balances))
	if err != nil {
		s.logger.Error().Err(err).Msg("encode balances")
		return
	}
	deltaJSON, err := json.Marshal(amountStrings(delta))
	if err != nil {
		s.logger.Error().Err(err).Msg("encode delta")
		return
	}
	snap := storage.PortfolioSnapshot{
		CycleID:    cycleID,
		Portfolio:  userID,
		TakenAt:    s.clock.Now().UTC(),
		TotalValue: val.Total,
		Balances:   balancesJSON,
		Delta:      deltaJSON,
	}
	if _, err := s.deps.Snapshots.InsertSnapshot(ctx, snap); err != nil {
		s.logger.Error().Err(err).Str("portfolio", userID).Msg("failed to record snapshot")
	}
}

// notify 只在失败时告警，开启 on_publish 后成功发布也会通知。
func (s *Service) notify(ctx context.Context, run storage.RebalanceRun, report SideReport) {
	if s.deps.Notifier == nil {
		return
	}
	switch {
	case report.Status == storage.StatusFailed:
	case report.Status == storage.StatusPublished && s.opts.NotifyOnPublish:
	default:
		return
	}

	note := alerting.Notification{
		At:          run.FinishedAt,
		Portfolio:   run.Portfolio,
		Side:        run.Side,
		Status:      report.Status,
		IntentHash:  report.IntentHash,
		MessageHash: report.MessageHash,
		QuoteCount:  len(report.QuoteHashes),
		Diff:        report.Diff,
		Channels:    s.opts.Channels,
	}
	if report.Err != nil {
		note.Error = report.Err.Error()
	}
	if err := s.deps.Notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("portfolio", run.Portfolio).Msg("failed to dispatch alert")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func diffStrings(in intent.Intent) map[string]string {
	out := make(map[string]string)
	for _, action := range in.Intents {
		if action.Diff == nil {
			continue
		}
		for _, asset := range action.Diff.Assets() {
			out[asset] = action.Diff.Get(asset).String()
		}
	}
	return out
}

func amountStrings[M ~map[string]*big.Int](m M) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if v != nil {
			out[k] = v.String()
		}
	}
	return out
}

func strPtr(v string) *string { return &v }
