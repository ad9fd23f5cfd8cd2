// Package scheduler runs the periodic background jobs: a safety-net outbox
// drain and the risk assessment pass over every patient.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	apperrors "github.com/kimhsiao/adherence/backend/internal/errors"
	"github.com/kimhsiao/adherence/backend/internal/logging"
	"github.com/kimhsiao/adherence/backend/internal/models"
	syncpkg "github.com/kimhsiao/adherence/backend/internal/sync"
)

// Drainer is the part of the sync engine the scheduler drives.
type Drainer interface {
	Online() bool
	ForceSync(ctx context.Context) (*syncpkg.SyncResult, error)
}

// RiskRunner assesses every patient.
type RiskRunner interface {
	AssessAll(ctx context.Context) ([]*models.RiskAssessment, error)
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncSchedule string // cron spec for the safety-net drain (default: every 15 minutes)
	RiskSchedule string // cron spec for the risk pass (default: hourly)
	SyncTimeout  time.Duration
	Location     *time.Location
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncSchedule: "@every 15m",
		RiskSchedule: "@hourly",
		SyncTimeout:  5 * time.Minute,
		Location:     time.Local,
	}
}

// Scheduler manages background jobs.
type Scheduler struct {
	engine Drainer
	risk   RiskRunner
	config *SchedulerConfig
	cron   *cron.Cron

	mu           sync.RWMutex
	isRunning    bool
	ctx          context.Context
	cancel       context.CancelFunc
	lastSyncTime time.Time
	lastRiskTime time.Time
	onRisk       func([]*models.RiskAssessment)
}

// NewScheduler creates a new Scheduler. Either engine or risk may be nil to
// disable that job. Invalid cron specs are rejected.
func NewScheduler(engine Drainer, risk RiskRunner, config *SchedulerConfig) (*Scheduler, error) {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	loc := config.Location
	if loc == nil {
		loc = time.Local
	}

	s := &Scheduler{
		engine: engine,
		risk:   risk,
		config: config,
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
	}

	if engine != nil && config.SyncSchedule != "" {
		if _, err := s.cron.AddFunc(config.SyncSchedule, s.runSync); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid sync schedule "+config.SyncSchedule, err)
		}
	}
	if risk != nil && config.RiskSchedule != "" {
		if _, err := s.cron.AddFunc(config.RiskSchedule, s.runRisk); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "invalid risk schedule "+config.RiskSchedule, err)
		}
	}
	return s, nil
}

// OnRiskAssessed sets the callback receiving every completed risk pass.
func (s *Scheduler) OnRiskAssessed(fn func([]*models.RiskAssessment)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onRisk = fn
}

// Start starts the scheduler. Jobs run until Stop or until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.cron.Start()
	logging.Info("Background scheduler started", map[string]interface{}{
		"sync_schedule": s.config.SyncSchedule,
		"risk_schedule": s.config.RiskSchedule,
	})
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	<-s.cron.Stop().Done()
	logging.Info("Background scheduler stopped")
}

// IsRunning reports whether Start was called without a matching Stop.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// LastSyncTime returns when the safety-net drain last completed.
func (s *Scheduler) LastSyncTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastSyncTime
}

// LastRiskTime returns when the risk pass last completed.
func (s *Scheduler) LastRiskTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRiskTime
}

func (s *Scheduler) jobContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

func (s *Scheduler) runSync() {
	if err := s.SyncNow(s.jobContext()); err != nil {
		logging.Debug("Scheduled sync skipped", map[string]interface{}{"reason": err.Error()})
	}
}

func (s *Scheduler) runRisk() {
	if _, err := s.RiskNow(s.jobContext()); err != nil {
		logging.Error("Scheduled risk pass failed", err)
	}
}

// SyncNow runs the safety-net drain once. Being offline or finding a drain
// already running is reported as an error and is not a failure of the job.
func (s *Scheduler) SyncNow(ctx context.Context) error {
	if s.engine == nil {
		return apperrors.New(apperrors.ErrInternal, "no sync engine configured")
	}
	if !s.engine.Online() {
		return apperrors.New(apperrors.ErrConnectivity, "offline")
	}

	if s.config.SyncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.SyncTimeout)
		defer cancel()
	}

	result, err := s.engine.ForceSync(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.lastSyncTime = time.Now()
	s.mu.Unlock()

	logging.Info("Scheduled sync completed", map[string]interface{}{
		"synced": result.Synced,
		"failed": result.Failed,
	})
	return nil
}

// RiskNow runs the risk pass once and hands the results to the callback.
func (s *Scheduler) RiskNow(ctx context.Context) ([]*models.RiskAssessment, error) {
	if s.risk == nil {
		return nil, apperrors.New(apperrors.ErrInternal, "no risk runner configured")
	}

	results, err := s.risk.AssessAll(ctx)

	s.mu.Lock()
	s.lastRiskTime = time.Now()
	onRisk := s.onRisk
	s.mu.Unlock()

	if onRisk != nil && len(results) > 0 {
		onRisk(results)
	}
	return results, err
}
