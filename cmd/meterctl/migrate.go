package main

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"github.com/mbd888/cocrm/migrations"
)

func newMigrateCmd(app func() *app) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <command> [version]",
		Short: "Run the embedded schema migrations",
		Long:  "migrate runs goose against DATABASE_URL. Commands: up, up-by-one, up-to, down, down-to, redo, reset, status, version.",
		Example: `  meterctl migrate up
  meterctl migrate down-to 1`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(migrations.Commands, args[0]) {
				return fmt.Errorf("unknown migrate command %q", args[0])
			}
			a := app()
			if a.migrate == nil {
				return fmt.Errorf("migrate needs a PostgreSQL DATABASE_URL")
			}
			if err := a.migrate(cmd, args[0], args[1:]...); err != nil {
				return err
			}
			a.logger.Info("migration finished", "command", args[0])
			return nil
		},
	}
}
