package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Creates the records and registry tables if they do not exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			migrator, err := appInstance.GetMigrator()
			if err != nil {
				return fmt.Errorf("init migrator: %w", err)
			}
			if migrator == nil {
				appInstance.GetLogger().Info("database provider has no schema, nothing to migrate")
				return nil
			}
			if dryRun {
				for _, stmt := range migrator.Statements() {
					fmt.Fprintf(cmd.OutOrStdout(), "%s;\n\n", stmt)
				}
				return nil
			}
			if err := migrator.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			appInstance.GetLogger().Info("schema is up to date", zap.Int("statements", len(migrator.Statements())))
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the DDL instead of executing it")
	return cmd
}
