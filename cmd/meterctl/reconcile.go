package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newReconcileCmd(app func() *app) *cobra.Command {
	var (
		asJSON     bool
		stuckAfter time.Duration
	)

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Verify every ledger and refund stuck sends and enrichments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runner := app().runner.WithStuckAfter(stuckAfter)
			report, err := runner.RunAll(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				if err := writeJSON(cmd, report); err != nil {
					return err
				}
			} else {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "tenants checked: %d\n", report.TenantsChecked)
				fmt.Fprintf(out, "mismatches: %d\n", len(report.Mismatches))
				for _, m := range report.Mismatches {
					fmt.Fprintf(out, "  %s balance=%d ledger=%d\n", m.TenantID, m.Balance, m.LedgerSum)
				}
				fmt.Fprintf(out, "compensated: %d\n", report.Compensated)
				for _, e := range report.Errors {
					fmt.Fprintf(out, "error: %s\n", e)
				}
			}
			if !report.Healthy() {
				return fmt.Errorf("reconciliation found %d mismatches and %d errors", len(report.Mismatches), len(report.Errors))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().DurationVar(&stuckAfter, "stuck-after", 0, "treat pending records older than this as stuck (default 30m)")
	return cmd
}
