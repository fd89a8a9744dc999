package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newLedgerCmd(app func() *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect a tenant's credit ledger",
	}
	cmd.AddCommand(newLedgerVerifyCmd(app), newLedgerHistoryCmd(app))
	return cmd
}

func newLedgerVerifyCmd(app func() *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "verify <tenant>",
		Short: "Check that the balance equals the sum of posted entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app().ledger.Verify(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				if err := writeJSON(cmd, c); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "tenant %s: balance=%d ledger=%d entries=%d consistent=%t\n",
					c.TenantID, c.Balance, c.LedgerSum, c.Entries, c.Consistent)
			}
			if !c.Consistent {
				return fmt.Errorf("tenant %s: balance %d does not match ledger sum %d", c.TenantID, c.Balance, c.LedgerSum)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newLedgerHistoryCmd(app func() *app) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history <tenant>",
		Short: "List the most recent ledger entries, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := app().ledger.History(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd, entries)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tID\tREASON\tAMOUNT\tBALANCE\tSTATUS\tREFERENCE")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
					e.Timestamp.UTC().Format(time.RFC3339), e.ID, e.Reason, e.Amount, e.BalanceAfter, e.Status, e.ReferenceID)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum entries to show")
	cmd.Flags().BoolVarP(&asJSON, "json", "j", false, "print as JSON")
	return cmd
}
