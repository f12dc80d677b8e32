package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"intents-rebalancer/internal/storage"
)

// Show prints recent rebalance runs.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show runs")
	}
	if closeStore != nil {
		defer closeStore()
	}

	runs, err := store.ListRecentRuns(ctx, opts.Portfolio, opts.Limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(os.Stdout, "no runs found")
		return nil
	}

	writeRuns(os.Stdout, runs)

	total, err := store.CountRuns(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "\nshowing %d of %d runs\n", len(runs), total)
	return nil
}

func writeRuns(out io.Writer, runs []storage.RebalanceRun) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Started (UTC)\tPortfolio\tSide\tStatus\tQuotes\tIntent\tError")

	for _, run := range runs {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			run.StartedAt.UTC().Format(time.RFC3339),
			run.Portfolio,
			run.Side,
			run.Status,
			len(run.QuoteHashes),
			orDash(deref(run.IntentHash)),
			sanitizeInline(deref(run.Error)),
		)
	}

	writer.Flush()
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
