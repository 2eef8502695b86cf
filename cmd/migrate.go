package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	Long:  "Applies the idempotent schema for the configured driver. With --check it only verifies the database is reachable.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		check, _ := cmd.Flags().GetBool("check")

		if check {
			st, err := connectStore(ctx)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck
			if err := st.Ping(ctx); err != nil {
				return eris.Wrap(err, "ping store")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s store reachable\n", cfg.Store.Driver)
			return nil
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		fmt.Fprintf(cmd.OutOrStdout(), "%s schema up to date\n", cfg.Store.Driver)
		return nil
	},
}

func init() {
	migrateCmd.Flags().Bool("check", false, "only check connectivity")
	rootCmd.AddCommand(migrateCmd)
}
