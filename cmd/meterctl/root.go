package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newRootCmd(wire func() (*app, error)) *cobra.Command {
	var a *app

	rootCmd := &cobra.Command{
		Use:           "meterctl",
		Short:         "Operate the CoCRM credit ledger",
		Long:          "meterctl runs reconciliation, resets usage counters and inspects tenant ledgers against the production document store.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			a, err = wire()
			return err
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if a == nil {
				return nil
			}
			return a.close()
		},
	}

	current := func() *app { return a }
	rootCmd.AddCommand(
		newReconcileCmd(current),
		newResetUsageCmd(current),
		newLedgerCmd(current),
		newMigrateCmd(current),
	)
	return rootCmd
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
