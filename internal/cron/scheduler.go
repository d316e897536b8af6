package cron

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"moonvpn/internal/config"
	"moonvpn/internal/reconcile"
)

// Maintenance is the set of periodic repair jobs.
type Maintenance interface {
	Sweep(ctx context.Context) (*reconcile.SweepReport, error)
	RecountLoad(ctx context.Context) error
	ProbeHealth(ctx context.Context) (healthy, unhealthy int, err error)
	SyncAllInbounds(ctx context.Context) error
	CleanupOrphans(ctx context.Context) (int, error)
	FinalizeStaleMigrations(ctx context.Context, olderThan time.Duration) (int, error)
}

type Rebalancer interface {
	Rebalance(ctx context.Context) (int, error)
}

// Job names accepted by Run.
const (
	JobSweep       = "sweep"
	JobRecount     = "recount"
	JobHealth      = "health"
	JobRebalance   = "rebalance"
	JobInboundSync = "inbound_sync"
	JobOrphans     = "orphans"
	JobMigrations  = "migrations"
)

type job struct {
	name string
	spec string
	run  func(ctx context.Context) error
}

// Scheduler manages all cron jobs.
type Scheduler struct {
	cron    *cron.Cron
	jobs    map[string]job
	timeout time.Duration
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler with seconds-precision specs. A job still running
// when its next tick fires is skipped for that tick.
func New(schedule config.ScheduleConfig, balancing config.BalancingConfig, m Maintenance, rb Rebalancer, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger.Sugar()})),
		),
		jobs:    make(map[string]job),
		timeout: 10 * time.Minute,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	s.add(JobSweep, schedule.Sweep, func(ctx context.Context) error {
		_, err := m.Sweep(ctx)
		return err
	})
	s.add(JobRecount, schedule.Recount, m.RecountLoad)
	s.add(JobHealth, schedule.Health, func(ctx context.Context) error {
		_, _, err := m.ProbeHealth(ctx)
		return err
	})
	s.add(JobRebalance, schedule.Rebalance, func(ctx context.Context) error {
		_, err := rb.Rebalance(ctx)
		return err
	})
	s.add(JobInboundSync, schedule.InboundSync, m.SyncAllInbounds)
	s.add(JobOrphans, schedule.Orphans, func(ctx context.Context) error {
		_, err := m.CleanupOrphans(ctx)
		return err
	})
	s.add(JobMigrations, schedule.Migrations, func(ctx context.Context) error {
		_, err := m.FinalizeStaleMigrations(ctx, balancing.StaleMigration)
		return err
	})
	return s
}

func (s *Scheduler) add(name, spec string, run func(ctx context.Context) error) {
	s.jobs[name] = job{name: name, spec: spec, run: run}
}

// Start registers every job with a non-empty spec and starts the cron loop.
func (s *Scheduler) Start() error {
	s.logger.Info("Starting cron scheduler...")

	for _, name := range s.Names() {
		j := s.jobs[name]
		if j.spec == "" {
			s.logger.Info("Cron job disabled", zap.String("job", name))
			continue
		}
		if _, err := s.cron.AddFunc(j.spec, func() { _ = s.execute(j) }); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", name, j.spec, err)
		}
	}

	s.cron.Start()
	s.logger.Info("Cron scheduler started", zap.Int("entries", len(s.cron.Entries())))
	return nil
}

// Stop cancels running jobs and returns a context done once they returned.
func (s *Scheduler) Stop() context.Context {
	s.cancel()
	return s.cron.Stop()
}

// Run executes one job now, outside the schedule.
func (s *Scheduler) Run(name string) error {
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.execute(j)
}

// Names lists the known jobs in a stable order.
func (s *Scheduler) Names() []string {
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) execute(j job) (err error) {
	defer s.recoverFromPanic(j.name, &err)

	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	started := time.Now()
	s.logger.Debug("Running cron job", zap.String("job", j.name))
	if err = j.run(ctx); err != nil {
		s.logger.Warn("Cron job failed", zap.String("job", j.name), zap.Duration("took", time.Since(started)), zap.Error(err))
		return err
	}
	s.logger.Debug("Cron job finished", zap.String("job", j.name), zap.Duration("took", time.Since(started)))
	return nil
}

func (s *Scheduler) recoverFromPanic(jobName string, err *error) {
	if r := recover(); r != nil {
		s.logger.Error("Cron job panicked", zap.String("job", jobName), zap.Any("error", r))
		*err = fmt.Errorf("job %s panicked: %v", jobName, r)
	}
}

// cronLogger routes robfig/cron's own messages to zap.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
