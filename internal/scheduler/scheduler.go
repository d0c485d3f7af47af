// Package scheduler triggers orchestrator runs on cron cadences inside an
// operating window. Each (cadence, platform) pair never overlaps itself.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/record-reconciler/internal/metrics"
	"github.com/JakeFAU/record-reconciler/internal/orchestrator"
	"github.com/JakeFAU/record-reconciler/internal/records"
)

// Cadence names a class of scheduled run.
type Cadence string

// Cadences.
const (
	CadenceFull   Cadence = "full"
	CadenceVerify Cadence = "verify"
)

// Runner executes one orchestrator run.
type Runner interface {
	Run(ctx context.Context, opts orchestrator.Options) (orchestrator.RunReport, error)
}

// Config lists the cron specs and platforms.
type Config struct {
	// FullSpec and VerifySpec are standard five-field cron expressions or
	// descriptors such as "@every 15m". Empty disables the cadence.
	FullSpec   string
	VerifySpec string
	Platforms  []string
	Window     Window
	// RunTimeout bounds a whole scheduled run. Zero leaves it unbounded.
	RunTimeout time.Duration
}

// Scheduler owns the cron loop.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	cfg    Config
	clock  records.Clock
	logger *zap.Logger

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New registers one cron entry per (cadence, platform).
func New(runner Runner, cfg Config, clock records.Clock, logger *zap.Logger) (*Scheduler, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if len(cfg.Platforms) == 0 {
		return nil, fmt.Errorf("at least one platform is required")
	}
	if cfg.FullSpec == "" && cfg.VerifySpec == "" {
		return nil, fmt.Errorf("at least one cadence spec is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	loc := cfg.Window.Location
	if loc == nil {
		loc = time.UTC
	}
	s := &Scheduler{
		cron:   cron.New(cron.WithLocation(loc), cron.WithLogger(cronLogger{logger: logger})),
		runner: runner,
		cfg:    cfg,
		clock:  clock,
		logger: logger,
		ctx:    context.Background(),
	}
	for _, c := range []struct {
		cadence Cadence
		spec    string
	}{{CadenceFull, cfg.FullSpec}, {CadenceVerify, cfg.VerifySpec}} {
		if c.spec == "" {
			continue
		}
		for _, platform := range cfg.Platforms {
			if _, err := s.cron.AddJob(c.spec, s.Job(c.cadence, platform)); err != nil {
				return nil, fmt.Errorf("schedule %s for %s: %w", c.cadence, platform, err)
			}
		}
	}
	return s, nil
}

// Job returns the cron job for one (cadence, platform), wrapped so a tick
// that arrives while the previous run is still going is skipped.
func (s *Scheduler) Job(cadence Cadence, platform string) cron.Job {
	skipLogger := cronLogger{logger: s.logger, cadence: cadence, platform: platform}
	return cron.NewChain(cron.SkipIfStillRunning(skipLogger)).Then(cron.FuncJob(func() {
		s.trigger(cadence, platform)
	}))
}

// Start begins the cron loop. Runs are cancelled when ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.cron.Start()
	for _, e := range s.cron.Entries() {
		s.logger.Info("cron entry scheduled", zap.Int("entry", int(e.ID)), zap.Time("next", e.Next))
	}
}

// Stop halts the loop, cancels in-flight runs and waits for them to return.
func (s *Scheduler) Stop() {
	done := s.cron.Stop()
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	<-done.Done()
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

func (s *Scheduler) trigger(cadence Cadence, platform string) {
	log := s.logger.With(zap.String("cadence", string(cadence)), zap.String("platform", platform))
	if !s.cfg.Window.Allows(s.clock.Now()) {
		metrics.ObserveScheduleSkip(string(cadence), "outside_window")
		log.Info("tick outside operating window, skipping")
		return
	}

	ctx := s.runContext()
	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}

	opts := orchestrator.Options{Platform: platform, Mode: orchestrator.ModeFull}
	if cadence == CadenceVerify {
		opts.Mode = orchestrator.ModeVerify
		opts.Repair = true
	}
	report, err := s.runner.Run(ctx, opts)
	if err != nil {
		log.Error("scheduled run failed", zap.String("run_id", report.RunID), zap.Error(err))
		return
	}
	log.Info("scheduled run finished",
		zap.String("run_id", report.RunID),
		zap.String("state", string(report.State)),
		zap.Bool("unresolved", report.Unresolved()),
	)
}

// cronLogger adapts zap to cron.Logger and counts overlap skips.
type cronLogger struct {
	logger   *zap.Logger
	cadence  Cadence
	platform string
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	if msg == "skip" && l.cadence != "" {
		metrics.ObserveScheduleSkip(string(l.cadence), "still_running")
		l.logger.Info("previous run still in progress, skipping",
			zap.String("cadence", string(l.cadence)),
			zap.String("platform", l.platform),
		)
		return
	}
	l.logger.Debug(msg, zap.Any("cron", keysAndValues))
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error(msg, zap.Error(err), zap.Any("cron", keysAndValues))
}
