package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/tariff-cli/internal/export"
	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/store"
)

var tariffsCmd = &cobra.Command{
	Use:   "tariffs",
	Short: "Query stored tariff records",
}

func tariffFilterFromFlags(cmd *cobra.Command) model.TariffFilter {
	port, _ := cmd.Flags().GetString("port")
	charge, _ := cmd.Flags().GetString("charge-type")
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	return model.TariffFilter{
		PortID:     strings.ToUpper(port),
		ChargeType: model.ChargeType(strings.ToUpper(charge)),
		Status:     model.RecordStatus(status),
		Limit:      limit,
	}
}

var tariffsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tariff records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		recs, err := st.ListTariffs(ctx, tariffFilterFromFlags(cmd))
		if err != nil {
			return eris.Wrap(err, "tariffs list")
		}
		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No tariff records found.")
			return nil
		}
		formatTariffs(os.Stdout, recs)
		return nil
	},
}

var tariffsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export tariff records as csv, json or xlsx",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		formatName, _ := cmd.Flags().GetString("format")
		format, err := export.ParseFormat(formatName)
		if err != nil {
			return err
		}
		outPath, _ := cmd.Flags().GetString("output")
		if format == export.FormatXLSX && outPath == "" {
			return eris.New("xlsx export requires --output")
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		var out io.Writer = os.Stdout
		if outPath != "" {
			f, err := os.Create(outPath)
			if err != nil {
				return eris.Wrapf(err, "create %s", outPath)
			}
			defer f.Close() //nolint:errcheck
			out = f
		}

		n, err := exportTariffs(ctx, st, tariffFilterFromFlags(cmd), format, out)
		if err != nil {
			return err
		}
		if outPath != "" {
			fmt.Fprintf(os.Stderr, "Exported %d records to %s\n", n, outPath)
		}
		return nil
	},
}

// exportPageSize bounds each ListTariffs call during an export.
const exportPageSize = 500

// exportTariffs pages through the records matching filter and writes them.
// A positive filter.Limit caps the total.
func exportTariffs(ctx context.Context, st store.Store, filter model.TariffFilter, format export.Format, out io.Writer) (int, error) {
	total := filter.Limit
	var all []model.TariffRecord
	for {
		page := filter
		page.Limit = exportPageSize
		page.Offset = len(all)
		recs, err := st.ListTariffs(ctx, page)
		if err != nil {
			return 0, eris.Wrap(err, "tariffs export")
		}
		all = append(all, recs...)
		if len(recs) < exportPageSize || (total > 0 && len(all) >= total) {
			break
		}
	}
	if total > 0 && len(all) > total {
		all = all[:total]
	}
	if err := export.Write(out, format, all); err != nil {
		return 0, err
	}
	return len(all), nil
}

func init() {
	for _, c := range []*cobra.Command{tariffsListCmd, tariffsExportCmd} {
		c.Flags().String("port", "", "filter by port code")
		c.Flags().String("charge-type", "", "filter by charge type (e.g. PILOTAGE)")
		c.Flags().String("status", "active", "filter by status (active, superseded, review, rejected; empty for all)")
	}
	tariffsListCmd.Flags().Int("limit", 100, "max number of records to display")
	tariffsExportCmd.Flags().Int("limit", 0, "max number of records to export (0 for all)")
	tariffsExportCmd.Flags().String("format", "csv", "output format: csv, json or xlsx")
	tariffsExportCmd.Flags().StringP("output", "o", "", "output file (stdout when empty)")

	tariffsCmd.AddCommand(tariffsListCmd)
	tariffsCmd.AddCommand(tariffsExportCmd)
	rootCmd.AddCommand(tariffsCmd)
}
