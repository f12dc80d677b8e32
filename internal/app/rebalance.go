package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"intents-rebalancer/internal/service"
)

// Rebalance runs one cycle immediately, or a single portfolio when one is named.
func (a *App) Rebalance(ctx context.Context, opts RebalanceOptions) error {
	svc, closer, err := a.buildService(ctx, nil, opts.DryRun)
	if err != nil {
		return err
	}
	defer closer()

	if opts.Portfolio != "" {
		report, err := svc.RebalancePortfolio(ctx, opts.Portfolio)
		report.Err = err
		writePortfolioReports(os.Stdout, []service.PortfolioReport{report})
		return err
	}

	report, err := svc.RunCycle(ctx)
	if err != nil {
		return err
	}
	if report.Skipped {
		fmt.Fprintln(os.Stdout, "cycle skipped: advisory lock held by another instance")
		return nil
	}
	writePortfolioReports(os.Stdout, report.Portfolios)
	if failed := report.Failed(); failed > 0 {
		return fmt.Errorf("%d of %d portfolios failed", failed, len(report.Portfolios))
	}
	return nil
}

func writePortfolioReports(out io.Writer, reports []service.PortfolioReport) {
	if len(reports) == 0 {
		fmt.Fprintln(out, "no portfolios")
		return
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Portfolio\tValue\tSide\tStatus\tIntent\tDiff\tError")
	for _, p := range reports {
		if len(p.Sides) == 0 {
			fmt.Fprintf(writer, "%s\t%s\t-\t-\t-\t-\t%s\n", p.Portfolio, formatDecimal(p.Value, 6), errString(p.Err))
			continue
		}
		for _, side := range p.Sides {
			fmt.Fprintf(
				writer,
				"%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				p.Portfolio,
				formatDecimal(p.Value, 6),
				side.Side,
				side.Status,
				orDash(side.IntentHash),
				formatDiff(side.Diff),
				errString(firstErr(side.Err, p.Err)),
			)
		}
	}
	writer.Flush()
}

func formatDiff(diff map[string]string) string {
	if len(diff) == 0 {
		return "-"
	}
	keys := make([]string, 0, len(diff))
	for k := range diff {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := ""
	for i, k := range keys {
		if i > 0 {
			out += " "
		}
		out += k + "=" + diff[k]
	}
	return out
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return sanitizeInline(err.Error())
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}
