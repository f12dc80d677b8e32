package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"intents-rebalancer/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportRunsPath  string
	exportMaxPoints int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export portfolio value history and rebalance runs",
	Example: "  rebalancer export --png out/values.png --csv out/snapshots.csv\n" +
		"  rebalancer export --runs out/runs.csv --from 2025-03-01T00:00:00Z",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := parseTimestampFlag("from", exportFrom)
		if err != nil {
			return err
		}
		to, err := parseTimestampFlag("to", exportTo)
		if err != nil {
			return err
		}

		return getApp().Export(cmd.Context(), app.ExportOptions{
			From:      from,
			To:        to,
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			RunsPath:  exportRunsPath,
			MaxPoints: exportMaxPoints,
		})
	},
}

// parseTimestampFlag returns nil for an unset flag.
func parseTimestampFlag(name, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("invalid --%s value: %w", name, err)
	}
	return &ts, nil
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "Window start (RFC3339, inclusive)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Window end (RFC3339, exclusive); defaults to now")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Write a per-portfolio value chart to this PNG")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Write portfolio snapshots to this CSV")
	exportCmd.Flags().StringVar(&exportRunsPath, "runs", "", "Write rebalance runs to this CSV")
	exportCmd.Flags().IntVar(&exportMaxPoints, "max-points", 0, "Maximum points per portfolio (defaults to export.max_data_points)")
}
