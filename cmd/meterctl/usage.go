package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResetUsageCmd(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:       "reset-usage daily|monthly",
		Short:     "Zero the daily message or monthly lead counters now",
		Long:      "reset-usage runs the same reset as the scheduler. Tenants already reset for the current period are left alone.",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"daily", "monthly"},
		RunE: func(cmd *cobra.Command, args []string) error {
			r := app().resetter
			reset := r.ResetDaily
			if args[0] == "monthly" {
				reset = r.ResetMonthly
			}
			n, err := reset(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s reset: %d tenants\n", args[0], n)
			return err
		},
	}
}
