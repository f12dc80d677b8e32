package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"intents-rebalancer/internal/storage"
)

// Export renders portfolio history as CSV and/or PNG, and the run log as CSV.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" && opts.RunsPath == "" {
		return errors.New("at least one of --csv, --png or --runs must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	from, to, err := a.exportWindow(opts)
	if err != nil {
		return err
	}

	if opts.RunsPath != "" {
		runs, err := store.ListRunsBetween(ctx, from, to)
		if err != nil {
			return err
		}
		if err := writeRunsCSV(opts.RunsPath, runs); err != nil {
			return err
		}
		a.Logger.Info().Int("runs", len(runs)).Str("path", opts.RunsPath).Msg("exported runs")
	}

	if opts.CSVPath == "" && opts.PNGPath == "" {
		return nil
	}

	snapshots, err := store.ListSnapshotsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(snapshots) == 0 {
		a.Logger.Info().Msg("no snapshots found for export window")
		return nil
	}

	series := groupByPortfolio(snapshots)
	exported := 0
	for name, points := range series {
		series[name] = downsampleSnapshots(points, opts.MaxPoints)
		exported += len(series[name])
	}
	a.Logger.Info().Int("total", len(snapshots)).Int("exported", exported).Int("portfolios", len(series)).Msg("exporting snapshots")

	if opts.CSVPath != "" {
		if err := writeSnapshotsCSV(opts.CSVPath, series); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSnapshotsPNG(opts.PNGPath, series); err != nil {
			return err
		}
	}

	return nil
}

func (a *App) exportWindow(opts ExportOptions) (time.Time, time.Time, error) {
	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("from must be before to")
	}
	return from, to, nil
}

func groupByPortfolio(snapshots []storage.PortfolioSnapshot) map[string][]storage.PortfolioSnapshot {
	out := make(map[string][]storage.PortfolioSnapshot)
	for _, snap := range snapshots {
		out[snap.Portfolio] = append(out[snap.Portfolio], snap)
	}
	return out
}

func sortedPortfolios(series map[string][]storage.PortfolioSnapshot) []string {
	names := make([]string, 0, len(series))
	for name := range series {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func downsampleSnapshots(points []storage.PortfolioSnapshot, max int) []storage.PortfolioSnapshot {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]storage.PortfolioSnapshot, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeSnapshotsCSV(path string, series map[string][]storage.PortfolioSnapshot) error {
	return writeCSV(path, []string{"taken_at", "portfolio", "cycle_id", "total_value", "balances", "delta"}, func(w *csv.Writer) error {
		for _, name := range sortedPortfolios(series) {
			for _, snap := range series[name] {
				record := []string{
					snap.TakenAt.UTC().Format(time.RFC3339),
					snap.Portfolio,
					snap.CycleID.String(),
					snap.TotalValue.String(),
					string(snap.Balances),
					string(snap.Delta),
				}
				if err := w.Write(record); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func writeRunsCSV(path string, runs []storage.RebalanceRun) error {
	header := []string{"started_at", "finished_at", "cycle_id", "portfolio", "side", "status", "nonce", "deadline", "message_hash", "intent_hash", "quote_hashes", "error"}
	return writeCSV(path, header, func(w *csv.Writer) error {
		for _, run := range runs {
			record := []string{
				run.StartedAt.UTC().Format(time.RFC3339),
				run.FinishedAt.UTC().Format(time.RFC3339),
				run.CycleID.String(),
				run.Portfolio,
				run.Side,
				run.Status,
				deref(run.Nonce),
				deref(run.Deadline),
				deref(run.MessageHash),
				deref(run.IntentHash),
				strings.Join(run.QuoteHashes, ";"),
				deref(run.Error),
			}
			if err := w.Write(record); err != nil {
				return err
			}
		}
		return nil
	})
}

func writeCSV(path string, header []string, rows func(*csv.Writer) error) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := rows(writer); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

func writeSnapshotsPNG(path string, series map[string][]storage.PortfolioSnapshot) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Value (stablecoin units)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
	}

	for _, name := range sortedPortfolios(series) {
		points := series[name]
		if len(points) < 2 {
			// go-chart needs at least two points to draw a line.
			continue
		}
		x := make([]time.Time, len(points))
		y := make([]float64, len(points))
		for i, snap := range points {
			x[i] = snap.TakenAt
			y[i] = snap.TotalValue.InexactFloat64()
		}
		graph.Series = append(graph.Series, chart.TimeSeries{
			Name:    name,
			XValues: x,
			YValues: y,
		})
	}
	if len(graph.Series) == 0 {
		return errors.New("not enough snapshots to draw a chart")
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}
