package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"intents-rebalancer/internal/quote"
	"intents-rebalancer/internal/storage"
)

// Quote requests a single quote from the relay and prints it.
func (a *App) Quote(ctx context.Context, opts QuoteOptions) error {
	if opts.AssetIn == "" || opts.AssetOut == "" {
		return errors.New("--in and --out are required")
	}
	amount, ok := new(big.Int).SetString(strings.TrimSpace(opts.Amount), 10)
	if !ok || amount.Sign() <= 0 {
		return fmt.Errorf("--amount must be a positive integer, got %q", opts.Amount)
	}

	client := a.newQuoteClient()
	defer client.Close()

	req := quote.Request{
		AssetIn:     opts.AssetIn,
		AssetOut:    opts.AssetOut,
		MinDeadline: a.Config.Relay.MinDeadline,
	}
	if opts.ExactOut {
		req.ExactAmountOut = amount
	} else {
		req.ExactAmountIn = amount
	}

	q, err := client.FetchQuote(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(q)
}

// Nonce draws a nonce the verifying contract has not seen for signer.
func (a *App) Nonce(ctx context.Context, signer string) error {
	if signer == "" {
		return errors.New("--signer is required")
	}
	n, err := a.newNonceService(a.newNearClient()).Generate(ctx, strings.ToLower(signer))
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, n)
	return nil
}

// Migrate applies embedded migrations, or prints their status.
func (a *App) Migrate(ctx context.Context, statusOnly bool) error {
	if a.Config.Database.DSN == "" {
		return errors.New("database.dsn not configured; nothing to migrate")
	}
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return err
	}
	defer pool.Close()

	if statusOnly {
		return storage.MigrationStatus(ctx, pool, a.Logger)
	}
	return storage.Migrate(ctx, pool, a.Logger)
}

// Prune deletes portfolio snapshots older than the retention window.
func (a *App) Prune(ctx context.Context, opts PruneOptions) error {
	if opts.OlderThan <= 0 {
		return errors.New("--older-than must be greater than zero")
	}
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot prune")
	}
	defer closeStore()

	cutoff := nowUTC().Add(-opts.OlderThan)
	if err := store.DeleteSnapshotsBefore(ctx, cutoff); err != nil {
		return err
	}
	a.Logger.Info().Time("cutoff", cutoff).Msg("pruned portfolio snapshots")
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// IntentStatus prints the relay's settlement status for a published intent.
func (a *App) IntentStatus(ctx context.Context, intentHash string) error {
	if intentHash == "" {
		return errors.New("--intent is required")
	}
	client := a.newQuoteClient()
	defer client.Close()

	res, err := client.IntentStatus(ctx, intentHash)
	if err != nil {
		return err
	}
	return printJSON(res)
}
