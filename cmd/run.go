package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/record-reconciler/internal/orchestrator"
	"github.com/JakeFAU/record-reconciler/internal/records"
)

// ErrUnresolved is returned by run-verify when divergence remains after the last sweep.
var ErrUnresolved = errors.New("unresolved divergence")

type runFlags struct {
	platform string
	dir      string
	since    string
	until    string
	repair   bool
}

func (f *runFlags) bindPlatform(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.platform, "platform", "", "source platform to process")
	_ = cmd.MarkFlagRequired("platform") //nolint:errcheck // flag is defined above
}

func (f *runFlags) bindDir(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.dir, "dir", "", "platform artifact root (default {ingest.root_dir}/{platform})")
}

func newRunLoadCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run-load",
		Short: "Scans a platform root and upserts its records into the relational store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMode(cmd, f, orchestrator.ModeLoad)
		},
	}
	f.bindPlatform(cmd)
	f.bindDir(cmd)
	return cmd
}

func newRunUploadCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run-upload",
		Short: "Uploads the files of records already committed to the relational store",
		Long: `run-upload rescans the platform root and uploads the files of every record
whose scanned content hash matches the committed one. Files already uploaded
with the same hash are skipped.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMode(cmd, f, orchestrator.ModeUpload)
		},
	}
	f.bindPlatform(cmd)
	f.bindDir(cmd)
	return cmd
}

func newRunVerifyCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run-verify",
		Short: "Reconciles the relational store with the upload registry and prints the report",
		Long: `run-verify compares records updated inside the window with the upload registry.
With --repair, missing uploads are fed back into the uploader and a second sweep
decides the result. Exits with code 2 when divergence remains.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMode(cmd, f, orchestrator.ModeVerify)
		},
	}
	f.bindPlatform(cmd)
	f.bindDir(cmd)
	cmd.Flags().StringVar(&f.since, "since", "", "window start: RFC3339 time, date (2006-01-02) or lookback duration (24h)")
	cmd.Flags().StringVar(&f.until, "until", "", "window end: RFC3339 time or date")
	cmd.Flags().BoolVar(&f.repair, "repair", false, "re-upload missing files and sweep again")
	return cmd
}

func newRunAllCmd() *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run-all",
		Short: "Runs scan, load, upload and verify for a platform",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMode(cmd, f, orchestrator.ModeFull)
		},
	}
	f.bindPlatform(cmd)
	f.bindDir(cmd)
	return cmd
}

func runMode(cmd *cobra.Command, f *runFlags, mode orchestrator.Mode) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	now := appInstance.GetClock().Now()
	window, err := parseWindow(f.since, f.until, now)
	if err != nil {
		return err
	}

	report, runErr := appInstance.GetOrchestrator().Run(cmd.Context(), orchestrator.Options{
		Platform: f.platform,
		Mode:     mode,
		Dir:      f.dir,
		Window:   window,
		Repair:   f.repair,
	})
	if report.RunID != "" {
		if err := printReport(cmd.OutOrStdout(), report); err != nil {
			appInstance.GetLogger().Warn("print report failed", zap.Error(err))
		}
	}
	if runErr != nil {
		return &ExitError{Code: ExitFatal, Err: fmt.Errorf("%s run failed: %w", mode, runErr)}
	}
	if mode == orchestrator.ModeVerify && report.Unresolved() {
		return &ExitError{Code: ExitDivergence, Err: ErrUnresolved}
	}
	return nil
}

func printReport(w io.Writer, report orchestrator.RunReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

var windowLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

// parseWindow accepts absolute times or, for since, a lookback duration relative to now.
func parseWindow(since, until string, now time.Time) (records.Window, error) {
	var w records.Window
	if since != "" {
		if d, err := time.ParseDuration(since); err == nil {
			if d <= 0 {
				return w, fmt.Errorf("--since duration must be positive, got %s", since)
			}
			w.Since = now.Add(-d)
		} else {
			t, err := parseTime(since)
			if err != nil {
				return w, fmt.Errorf("--since: %w", err)
			}
			w.Since = t
		}
	}
	if until != "" {
		t, err := parseTime(until)
		if err != nil {
			return w, fmt.Errorf("--until: %w", err)
		}
		w.Until = t
	}
	if !w.Since.IsZero() && !w.Until.IsZero() && !w.Until.After(w.Since) {
		return w, fmt.Errorf("window end %s is not after start %s", w.Until.Format(time.RFC3339), w.Since.Format(time.RFC3339))
	}
	return w, nil
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range windowLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
