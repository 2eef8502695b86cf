package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/tariff-cli/internal/model"
)

var ratesCmd = &cobra.Command{
	Use:   "rates",
	Short: "Inspect and refresh currency rates",
}

var ratesConvertCmd = &cobra.Command{
	Use:   "convert <amount> <currency>",
	Short: "Convert an amount using the cached or live rate",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		amount, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return eris.Wrapf(err, "parse amount %q", args[0])
		}

		env, err := initPipeline(ctx, "review")
		if err != nil {
			return err
		}
		defer env.Close()

		to, _ := cmd.Flags().GetString("to")
		if to == "" {
			to = env.Currency.Base()
		}
		q, err := env.Currency.Rate(ctx, args[1], to)
		if err != nil {
			return err
		}
		if err := env.Currency.Persist(ctx, env.Store); err != nil {
			zap.L().Warn("could not persist currency rates", zap.Error(err))
		}

		note := ""
		if q.Degraded {
			note = " (degraded: last known rate)"
		}
		fmt.Fprintf(os.Stdout, "%s %s = %s %s at %s, rate %s as of %s%s\n",
			formatFloat(amount), strings.ToUpper(args[1]),
			strconv.FormatFloat(amount*q.Rate, 'f', 4, 64), strings.ToUpper(to),
			q.Source, formatFloat(q.Rate), q.AsOf.Format("2006-01-02 15:04"), note)
		return nil
	},
}

var ratesRefreshCmd = &cobra.Command{
	Use:   "refresh [currency]...",
	Short: "Fetch fresh rates to the base currency and store them",
	Long:  "Fetches every given currency, or every currency the dictionary supports, against the base currency and persists the rate table.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "review")
		if err != nil {
			return err
		}
		defer env.Close()

		codes := args
		if len(codes) == 0 {
			codes = env.Currency.SupportedCurrencies()
		}
		fetched, refreshErr := env.Currency.Refresh(ctx, codes)
		if err := env.Currency.Persist(ctx, env.Store); err != nil {
			return err
		}
		formatRates(fetched)
		return refreshErr
	},
}

var ratesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored rates",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rates, err := st.LoadRates(ctx)
		if err != nil {
			return eris.Wrap(err, "rates list")
		}
		if len(rates) == 0 {
			fmt.Fprintln(os.Stderr, "No stored rates.")
			return nil
		}
		formatRates(rates)
		return nil
	},
}

func formatRates(rates []model.ExchangeRate) {
	w := newTabWriter(os.Stdout)
	_, _ = fmt.Fprintln(w, "PAIR\tRATE\tAS_OF\tSOURCE")
	for _, r := range rates {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Pair(), formatFloat(r.Rate), r.AsOf.Format("2006-01-02 15:04"), r.Source)
	}
	_ = w.Flush()
}

func init() {
	ratesConvertCmd.Flags().String("to", "", "target currency (default currency.base)")

	ratesCmd.AddCommand(ratesConvertCmd)
	ratesCmd.AddCommand(ratesRefreshCmd)
	ratesCmd.AddCommand(ratesListCmd)
	rootCmd.AddCommand(ratesCmd)
}
