package cron

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"moonvpn/internal/config"
	"moonvpn/internal/reconcile"
)

type fakeMaintenance struct {
	mu        sync.Mutex
	calls     map[string]int
	staleAge  time.Duration
	sweepErr  error
	healthHit chan struct{}
}

func (f *fakeMaintenance) hit(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[name]++
}

func (f *fakeMaintenance) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func (f *fakeMaintenance) Sweep(context.Context) (*reconcile.SweepReport, error) {
	f.hit(JobSweep)
	return &reconcile.SweepReport{}, f.sweepErr
}

func (f *fakeMaintenance) RecountLoad(context.Context) error {
	f.hit(JobRecount)
	return nil
}

func (f *fakeMaintenance) ProbeHealth(context.Context) (int, int, error) {
	f.hit(JobHealth)
	if f.healthHit != nil {
		select {
		case f.healthHit <- struct{}{}:
		default:
		}
	}
	return 1, 0, nil
}

func (f *fakeMaintenance) SyncAllInbounds(context.Context) error {
	f.hit(JobInboundSync)
	return nil
}

func (f *fakeMaintenance) CleanupOrphans(context.Context) (int, error) {
	f.hit(JobOrphans)
	panic("boom")
}

func (f *fakeMaintenance) FinalizeStaleMigrations(_ context.Context, olderThan time.Duration) (int, error) {
	f.hit(JobMigrations)
	f.mu.Lock()
	f.staleAge = olderThan
	f.mu.Unlock()
	return 0, nil
}

type fakeRebalancer struct{ runs int }

func (f *fakeRebalancer) Rebalance(context.Context) (int, error) {
	f.runs++
	return 0, nil
}

func TestRunExecutesNamedJob(t *testing.T) {
	m := &fakeMaintenance{sweepErr: errors.New("db down")}
	rb := &fakeRebalancer{}
	s := New(config.ScheduleConfig{}, config.BalancingConfig{StaleMigration: 30 * time.Minute}, m, rb, nil)

	assert.EqualError(t, s.Run(JobSweep), "db down")
	require.NoError(t, s.Run(JobRebalance))
	require.NoError(t, s.Run(JobMigrations))
	assert.Error(t, s.Run("backup"))

	assert.Equal(t, 1, m.count(JobSweep))
	assert.Equal(t, 1, rb.runs)
	assert.Equal(t, 30*time.Minute, m.staleAge)
	assert.Len(t, s.Names(), 7)
}

func TestPanickingJobIsRecovered(t *testing.T) {
	s := New(config.ScheduleConfig{}, config.BalancingConfig{}, &fakeMaintenance{}, &fakeRebalancer{}, nil)

	err := s.Run(JobOrphans)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestStartSchedulesConfiguredJobs(t *testing.T) {
	m := &fakeMaintenance{healthHit: make(chan struct{}, 1)}
	s := New(config.ScheduleConfig{Health: "* * * * * *"}, config.BalancingConfig{}, m, &fakeRebalancer{}, nil)
	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Len(t, s.cron.Entries(), 1)
	select {
	case <-m.healthHit:
	case <-time.After(3 * time.Second):
		t.Fatal("health job did not run")
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := New(config.ScheduleConfig{Sweep: "every minute"}, config.BalancingConfig{}, &fakeMaintenance{}, &fakeRebalancer{}, nil)
	assert.Error(t, s.Start())
}
