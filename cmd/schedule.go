package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/record-reconciler/internal/api"
	"github.com/JakeFAU/record-reconciler/internal/scheduler"
)

const shutdownTimeout = 30 * time.Second

func newScheduleCmd() *cobra.Command {
	var platforms []string
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Runs the full and verify cadences plus the ops HTTP server until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSchedule(cmd, platforms)
		},
	}
	cmd.Flags().StringSliceVar(&platforms, "platform", nil, "platforms to schedule (default scheduler.platforms)")
	return cmd
}

func runSchedule(cmd *cobra.Command, platforms []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	cfg := appInstance.GetConfig()
	logger := appInstance.GetLogger()
	if len(platforms) == 0 {
		platforms = cfg.Scheduler.Platforms
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	window, err := scheduler.NewWindow(cfg.Scheduler.WindowStart, cfg.Scheduler.WindowEnd, cfg.Scheduler.Weekdays, loc)
	if err != nil {
		return fmt.Errorf("scheduler window: %w", err)
	}
	sched, err := scheduler.New(appInstance.GetOrchestrator(), scheduler.Config{
		FullSpec:   cfg.Scheduler.FullCron,
		VerifySpec: cfg.Scheduler.VerifyCron,
		Platforms:  platforms,
		Window:     window,
		RunTimeout: cfg.Scheduler.RunTimeout,
	}, appInstance.GetClock(), logger.Named("scheduler"))
	if err != nil {
		return fmt.Errorf("init scheduler: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	apiServer := api.NewServer(appInstance.GetOrchestrator(), appInstance.GetRecords(), logger.Named("api"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	sched.Start(ctx)
	logger.Info("scheduler started", zap.Strings("platforms", platforms))

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	sched.Stop()
	logger.Info("shutdown complete")

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}
