// Package scheduler tests for background job scheduling.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/kimhsiao/adherence/backend/internal/errors"
	"github.com/kimhsiao/adherence/backend/internal/models"
	syncpkg "github.com/kimhsiao/adherence/backend/internal/sync"
)

// =====================================================
// Test Helpers
// =====================================================

type fakeEngine struct {
	online int32
	calls  int32
	err    error
}

func (f *fakeEngine) Online() bool { return atomic.LoadInt32(&f.online) == 1 }

func (f *fakeEngine) ForceSync(ctx context.Context) (*syncpkg.SyncResult, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	return &syncpkg.SyncResult{Synced: 1}, nil
}

type fakeRisk struct {
	calls int32
	err   error
}

func (f *fakeRisk) AssessAll(ctx context.Context) ([]*models.RiskAssessment, error) {
	atomic.AddInt32(&f.calls, 1)
	return []*models.RiskAssessment{{PatientID: "p-1", RiskLevel: models.RiskGreen}}, f.err
}

func createTestScheduler(t *testing.T, config *SchedulerConfig) (*fakeEngine, *fakeRisk, *Scheduler) {
	t.Helper()
	engine := &fakeEngine{online: 1}
	risk := &fakeRisk{}
	s, err := NewScheduler(engine, risk, config)
	if err != nil {
		t.Fatalf("NewScheduler() failed: %v", err)
	}
	t.Cleanup(s.Stop)
	return engine, risk, s
}

// =====================================================
// Configuration Tests
// =====================================================

// TestDefaultSchedulerConfig verifies default configuration.
func TestDefaultSchedulerConfig(t *testing.T) {
	config := DefaultSchedulerConfig()

	if config.SyncSchedule != "@every 15m" {
		t.Errorf("SyncSchedule = %q, want @every 15m", config.SyncSchedule)
	}
	if config.RiskSchedule != "@hourly" {
		t.Errorf("RiskSchedule = %q, want @hourly", config.RiskSchedule)
	}
	if config.SyncTimeout != 5*time.Minute {
		t.Errorf("SyncTimeout = %v, want 5m", config.SyncTimeout)
	}
}

// TestNewScheduler_invalidSchedule verifies bad cron specs are rejected.
func TestNewScheduler_invalidSchedule(t *testing.T) {
	_, err := NewScheduler(&fakeEngine{}, nil, &SchedulerConfig{SyncSchedule: "every now and then"})
	if !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("err = %v, want VALIDATION_ERROR", err)
	}

	_, err = NewScheduler(nil, &fakeRisk{}, &SchedulerConfig{RiskSchedule: "61 * * * *"})
	if !apperrors.Is(err, apperrors.ErrValidation) {
		t.Errorf("err = %v, want VALIDATION_ERROR", err)
	}
}

// TestNewScheduler_nilConfig verifies defaults are applied.
func TestNewScheduler_nilConfig(t *testing.T) {
	s, err := NewScheduler(&fakeEngine{}, &fakeRisk{}, nil)
	if err != nil {
		t.Fatalf("NewScheduler() failed: %v", err)
	}
	if len(s.cron.Entries()) != 2 {
		t.Errorf("entries = %d, want 2", len(s.cron.Entries()))
	}
}

// =====================================================
// Lifecycle Tests
// =====================================================

// TestScheduler_StartStop verifies idempotent start and stop.
func TestScheduler_StartStop(t *testing.T) {
	_, _, s := createTestScheduler(t, nil)

	s.Stop() // without Start
	if s.IsRunning() {
		t.Error("scheduler should not be running before Start")
	}

	s.Start(context.Background())
	s.Start(context.Background())
	if !s.IsRunning() {
		t.Error("scheduler should be running after Start")
	}

	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Error("scheduler should not be running after Stop")
	}
}

// TestScheduler_runsJobs verifies cron fires both jobs.
func TestScheduler_runsJobs(t *testing.T) {
	engine, risk, s := createTestScheduler(t, &SchedulerConfig{
		SyncSchedule: "@every 1s",
		RiskSchedule: "@every 1s",
		Location:     time.UTC,
	})

	var mu sync.Mutex
	var broadcasts int
	s.OnRiskAssessed(func(results []*models.RiskAssessment) {
		mu.Lock()
		broadcasts++
		mu.Unlock()
	})

	s.Start(context.Background())

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&engine.calls) > 0 && atomic.LoadInt32(&risk.calls) > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	s.Stop()

	if atomic.LoadInt32(&engine.calls) == 0 {
		t.Error("sync job never ran")
	}
	if atomic.LoadInt32(&risk.calls) == 0 {
		t.Error("risk job never ran")
	}
	mu.Lock()
	defer mu.Unlock()
	if broadcasts == 0 {
		t.Error("risk results were never broadcast")
	}
}

// =====================================================
// Job Tests
// =====================================================

// TestScheduler_SyncNow verifies the drain job.
func TestScheduler_SyncNow(t *testing.T) {
	engine, _, s := createTestScheduler(t, nil)

	if err := s.SyncNow(context.Background()); err != nil {
		t.Fatalf("SyncNow() failed: %v", err)
	}
	if engine.calls != 1 {
		t.Errorf("calls = %d, want 1", engine.calls)
	}
	if s.LastSyncTime().IsZero() {
		t.Error("LastSyncTime should be set")
	}
}

// TestScheduler_SyncNow_offline verifies the engine is not called offline.
func TestScheduler_SyncNow_offline(t *testing.T) {
	engine, _, s := createTestScheduler(t, nil)
	atomic.StoreInt32(&engine.online, 0)

	err := s.SyncNow(context.Background())
	if !apperrors.Is(err, apperrors.ErrConnectivity) {
		t.Errorf("err = %v, want CONNECTIVITY_ERROR", err)
	}
	if engine.calls != 0 {
		t.Errorf("calls = %d, want 0", engine.calls)
	}
	if !s.LastSyncTime().IsZero() {
		t.Error("LastSyncTime should stay zero")
	}
}

// TestScheduler_SyncNow_busy verifies an in-progress drain is passed through.
func TestScheduler_SyncNow_busy(t *testing.T) {
	engine, _, s := createTestScheduler(t, nil)
	engine.err = apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")

	err := s.SyncNow(context.Background())
	if !apperrors.Is(err, apperrors.ErrSyncInProgress) {
		t.Errorf("err = %v, want SYNC_IN_PROGRESS", err)
	}
}

// TestScheduler_RiskNow verifies results reach the callback even when some
// patients failed.
func TestScheduler_RiskNow(t *testing.T) {
	_, risk, s := createTestScheduler(t, nil)
	risk.err = errors.New("one patient failed")

	var got []*models.RiskAssessment
	s.OnRiskAssessed(func(results []*models.RiskAssessment) { got = results })

	results, err := s.RiskNow(context.Background())
	if err == nil {
		t.Error("RiskNow() should return the runner error")
	}
	if len(results) != 1 || len(got) != 1 {
		t.Errorf("results = %d, broadcast = %d, want 1 and 1", len(results), len(got))
	}
	if s.LastRiskTime().IsZero() {
		t.Error("LastRiskTime should be set")
	}
}

// TestScheduler_disabledJobs verifies nil collaborators disable their job.
func TestScheduler_disabledJobs(t *testing.T) {
	s, err := NewScheduler(nil, nil, nil)
	if err != nil {
		t.Fatalf("NewScheduler() failed: %v", err)
	}
	if len(s.cron.Entries()) != 0 {
		t.Errorf("entries = %d, want 0", len(s.cron.Entries()))
	}
	if err := s.SyncNow(context.Background()); err == nil {
		t.Error("SyncNow() without engine should fail")
	}
	if _, err := s.RiskNow(context.Background()); err == nil {
		t.Error("RiskNow() without runner should fail")
	}
}
