// Package cmd defines and implements the CLI commands for the reconciler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/record-reconciler/internal/app"
	"github.com/JakeFAU/record-reconciler/internal/config"
	"github.com/JakeFAU/record-reconciler/internal/logging"
	"github.com/JakeFAU/record-reconciler/internal/orchestrator"
	"github.com/JakeFAU/record-reconciler/internal/records"
	"github.com/JakeFAU/record-reconciler/internal/storage/postgres"
)

// Process exit codes.
const (
	ExitOK         = 0
	ExitFatal      = 1
	ExitDivergence = 2
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands use.
// Tests inject their own through newApp.
type App interface {
	Close()
	GetLogger() *zap.Logger
	GetConfig() config.Config
	GetClock() records.Clock
	GetRecords() records.RecordStore
	GetOrchestrator() *orchestrator.Orchestrator
	GetMigrator() (*postgres.Migrator, error)
}

// newApp is the application factory.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// loadConfig is swapped in tests to skip the file and environment.
var loadConfig = config.Load

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit code %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error { return e.Err }

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFatal
}

// newRootCmd creates the root command and its subcommands.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "reconciler",
		Short: "Loads scraped records, uploads their files and reconciles both stores.",
		Long: `reconciler ingests the record folders written by the platform scrapers.
Each record is fingerprinted and upserted into Postgres, its files are uploaded
to the object store through an upload registry, and a verification sweep reports
records and registry entries that disagree.`,
		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs before every subcommand: config, logger, then the application container.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				_ = logger.Sync() //nolint:errcheck // best-effort flush
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); RECONCILER_* environment variables override it")

	cmd.AddCommand(
		newRunLoadCmd(),
		newRunUploadCmd(),
		newRunVerifyCmd(),
		newRunAllCmd(),
		newScheduleCmd(),
		newMigrateCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute runs the root command and exits with the mapped exit code.
func Execute() {
	ctx := context.Background()
	err := newRootCmd().ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "reconciler: %v\n", err)
	}
	os.Exit(ExitCode(err))
}
