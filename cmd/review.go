package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sells-group/tariff-cli/internal/ingest"
	"github.com/sells-group/tariff-cli/internal/model"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Work the tariff review queue",
	Long:  "Commands for listing, approving, and rejecting tariff records held for review.",
}

var reviewListCmd = &cobra.Command{
	Use:   "list",
	Short: "List records waiting for review",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "review")
		if err != nil {
			return err
		}
		defer env.Close()

		port, _ := cmd.Flags().GetString("port")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		recs, err := env.Service.ListReview(ctx, strings.ToUpper(port), limit, offset)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "Review queue is empty.")
			return nil
		}

		w := newTabWriter(os.Stdout)
		_, _ = fmt.Fprintln(w, "ID\tPORT\tCHARGE\tAMOUNT\tCURRENCY\tUNIT\tCONF\tREASON")
		for _, r := range recs {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%.2f\t%s\n",
				r.ID, r.PortID, r.ChargeType, formatAmount(r.Amount, r.AmountMax), r.Currency, r.Unit,
				r.ConfidenceScore, r.ReviewReason)
		}
		return w.Flush()
	},
}

var reviewApproveCmd = &cobra.Command{
	Use:   "approve <record-id>",
	Short: "Approve a review record, superseding the active record for its key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "review")
		if err != nil {
			return err
		}
		defer env.Close()

		var opts ingest.ApproveOptions
		if cmd.Flags().Changed("amount") {
			amount, _ := cmd.Flags().GetFloat64("amount")
			opts.Amount = model.Float64Ptr(amount)
		}

		rec, err := env.Service.Approve(ctx, args[0], opts)
		if err != nil {
			return err
		}
		formatTariffs(os.Stdout, []model.TariffRecord{*rec})
		return nil
	},
}

var reviewRejectCmd = &cobra.Command{
	Use:   "reject <record-id>",
	Short: "Reject a review record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "review")
		if err != nil {
			return err
		}
		defer env.Close()

		reason, _ := cmd.Flags().GetString("reason")
		rec, err := env.Service.Reject(ctx, args[0], reason)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "%s\t%s\n", rec.ID, rec.Status)
		return nil
	},
}

func init() {
	reviewListCmd.Flags().String("port", "", "filter by port code")
	reviewListCmd.Flags().Int("limit", 50, "max number of records to display")
	reviewListCmd.Flags().Int("offset", 0, "records to skip")

	reviewApproveCmd.Flags().Float64("amount", 0, "corrected amount; marks the record as manually entered")

	reviewRejectCmd.Flags().String("reason", "", "why the record was rejected")

	reviewCmd.AddCommand(reviewListCmd)
	reviewCmd.AddCommand(reviewApproveCmd)
	reviewCmd.AddCommand(reviewRejectCmd)
	rootCmd.AddCommand(reviewCmd)
}
