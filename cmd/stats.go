package main

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/tariff-cli/internal/model"
	"github.com/sells-group/tariff-cli/internal/store"
)

type statsReport struct {
	Tariffs *model.TariffStats `json:"tariffs"`
	Jobs    model.JobCounts    `json:"jobs"`
	DLQ     int                `json:"dlq_depth"`
	Since   *time.Time         `json:"jobs_since,omitempty"`
}

func collectStats(ctx context.Context, st store.Store, port string, since time.Time) (*statsReport, error) {
	tariffs, err := st.TariffStats(ctx, strings.ToUpper(port))
	if err != nil {
		return nil, eris.Wrap(err, "stats: tariffs")
	}
	jobs, err := st.CountJobs(ctx, since)
	if err != nil {
		return nil, eris.Wrap(err, "stats: count jobs")
	}
	dlq, err := st.CountDLQ(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "stats: count dlq")
	}
	r := &statsReport{Tariffs: tariffs, Jobs: jobs, DLQ: dlq}
	if !since.IsZero() {
		r.Since = &since
	}
	return r, nil
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show tariff and job queue statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		port, _ := cmd.Flags().GetString("port")
		window, _ := cmd.Flags().GetDuration("since")
		asJSON, _ := cmd.Flags().GetBool("json")

		var since time.Time
		if window > 0 {
			since = time.Now().UTC().Add(-window)
		}
		r, err := collectStats(ctx, st, port, since)
		if err != nil {
			return err
		}
		if asJSON {
			return writeJSON(cmd.OutOrStdout(), r)
		}
		formatStats(cmd.OutOrStdout(), r.Tariffs, r.Jobs, r.DLQ)
		return nil
	},
}

func init() {
	statsCmd.Flags().String("port", "", "restrict tariff statistics to one port")
	statsCmd.Flags().Duration("since", 24*time.Hour, "time window for job counts (0 for all)")
	statsCmd.Flags().Bool("json", false, "print statistics as JSON")
	rootCmd.AddCommand(statsCmd)
}
