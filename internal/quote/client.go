package quote

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"intents-rebalancer/internal/logging"
	"intents-rebalancer/internal/metrics"
)

// Options parameterise the solver relay client.
type Options struct {
	URL           string
	Timeout       time.Duration
	UserAgent     string
	Stablecoin    string
	MinDeadline   time.Duration
	Concurrency   int
	RatePerSecond float64
}

// Client issues quote and publish_intent calls to the solver relay.
type Client struct {
	opts    Options
	logger  zerolog.Logger
	limiter *rate.Limiter

	client    *gethrpc.Client
	clientMux sync.Mutex
}

// NewClient constructs a relay client. The connection is dialed lazily.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.URL == "" {
		opts.URL = "https://solver-relay-v2.chaindefuser.com/rpc"
	}
	if opts.MinDeadline <= 0 {
		opts.MinDeadline = time.Minute
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}

	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}

	return &Client{
		opts:    opts,
		logger:  logging.Component(logger, "quote_client"),
		limiter: rate.NewLimiter(limit, opts.Concurrency),
	}
}

// Close releases the underlying RPC client.
func (c *Client) Close() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

func (c *Client) getClient(ctx context.Context) (*gethrpc.Client, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, nil
	}

	ua := strings.TrimSpace(c.opts.UserAgent)
	if ua == "" {
		ua = "intents-rebalancer/1.0"
	}
	client, err := gethrpc.DialOptions(ctx, c.opts.URL,
		gethrpc.WithHTTPClient(&http.Client{Timeout: c.opts.Timeout}),
		gethrpc.WithHeader("User-Agent", ua),
	)
	if err != nil {
		return nil, fmt.Errorf("dial solver relay: %w", err)
	}
	c.client = client
	return client, nil
}

// FetchQuote asks the relay for a quote and returns the first candidate.
func (c *Client) FetchQuote(ctx context.Context, req Request) (*Quote, error) {
	if req.AssetIn == "" || req.AssetOut == "" {
		return nil, errors.New("asset in and asset out are required")
	}
	if (req.ExactAmountIn == nil) == (req.ExactAmountOut == nil) {
		return nil, errors.New("exactly one of exact amount in or out is required")
	}

	minDeadline := req.MinDeadline
	if minDeadline <= 0 {
		minDeadline = c.opts.MinDeadline
	}
	params := quoteParams{
		AssetIn:       strings.ToLower(req.AssetIn),
		AssetOut:      strings.ToLower(req.AssetOut),
		MinDeadlineMs: minDeadline.Milliseconds(),
	}
	if req.ExactAmountIn != nil {
		params.ExactAmountIn = req.ExactAmountIn.String()
	} else {
		params.ExactAmountOut = req.ExactAmountOut.String()
	}

	client, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var quotes []Quote
	err = client.CallContext(ctx, &quotes, "quote", params)
	if errors.Is(err, gethrpc.ErrNoResult) {
		err = nil
	}
	if err != nil {
		metrics.QuoteRequestsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("quote %s -> %s: %w", req.AssetIn, req.AssetOut, err)
	}
	if len(quotes) == 0 {
		metrics.QuoteRequestsTotal.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: %s -> %s", ErrQuoteUnavailable, req.AssetIn, req.AssetOut)
	}

	metrics.QuoteRequestsTotal.WithLabelValues("ok").Inc()
	q := quotes[0]
	return &q, nil
}

// FetchQuotesBatch requests one quote per positive amount. Selling converts
// the asset into the stablecoin, buying spends the given stablecoin amount on
// the asset. Requests run concurrently; assets without a usable quote are
// left out of the result.
func (c *Client) FetchQuotesBatch(ctx context.Context, amounts map[string]*big.Int, sellSide bool) ([]Quote, error) {
	requests := c.BatchRequests(amounts, sellSide)
	if len(requests) == 0 {
		return nil, nil
	}

	results := make([]*Quote, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Concurrency)
	for i, req := range requests {
		i, req := i, req
		g.Go(func() error {
			q, err := c.FetchQuote(gctx, req)
			if err != nil {
				event := c.logger.Warn()
				if !errors.Is(err, ErrQuoteUnavailable) {
					event = c.logger.Error()
				}
				event.Err(err).
					Str("asset_in", req.AssetIn).
					Str("asset_out", req.AssetOut).
					Msg("skipping asset without quote")
				return nil
			}
			results[i] = q
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	quotes := make([]Quote, 0, len(results))
	for _, q := range results {
		if q != nil {
			quotes = append(quotes, *q)
		}
	}
	return quotes, nil
}

// BatchRequests builds the outgoing request set for a batch, ordered by asset.
// Zero and negative amounts never produce a request.
func (c *Client) BatchRequests(amounts map[string]*big.Int, sellSide bool) []Request {
	assets := make([]string, 0, len(amounts))
	for asset, amount := range amounts {
		if amount == nil || amount.Sign() <= 0 {
			continue
		}
		if strings.EqualFold(asset, c.opts.Stablecoin) {
			continue
		}
		assets = append(assets, asset)
	}
	sort.Strings(assets)

	requests := make([]Request, 0, len(assets))
	for _, asset := range assets {
		req := Request{
			AssetIn:       asset,
			AssetOut:      c.opts.Stablecoin,
			ExactAmountIn: new(big.Int).Set(amounts[asset]),
		}
		if !sellSide {
			req.AssetIn, req.AssetOut = c.opts.Stablecoin, asset
		}
		requests = append(requests, req)
	}
	return requests
}

// Publish submits a signed intent with the quote hashes it consumes.
func (c *Client) Publish(ctx context.Context, req PublishRequest) (PublishResult, error) {
	client, err := c.getClient(ctx)
	if err != nil {
		return PublishResult{}, err
	}

	var res PublishResult
	if err := client.CallContext(ctx, &res, "publish_intent", req); err != nil {
		return PublishResult{}, fmt.Errorf("publish intent: %w", err)
	}
	if !strings.EqualFold(res.Status, "OK") {
		return res, fmt.Errorf("%w: status %s: %s", ErrPublishRejected, res.Status, res.Reason)
	}

	c.logger.Info().Str("intent_hash", res.IntentHash).Int("quotes", len(req.QuoteHashes)).Msg("intent published")
	return res, nil
}

// IntentStatus looks up the settlement status of a published intent.
func (c *Client) IntentStatus(ctx context.Context, intentHash string) (StatusResult, error) {
	client, err := c.getClient(ctx)
	if err != nil {
		return StatusResult{}, err
	}

	var res StatusResult
	params := map[string]string{"intent_hash": intentHash}
	if err := client.CallContext(ctx, &res, "get_status", params); err != nil {
		return StatusResult{}, fmt.Errorf("get intent status: %w", err)
	}
	return res, nil
}
