// Package services provides orchestration on top of the event store and the
// risk analyzer.
package services

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/kimhsiao/adherence/backend/internal/errors"
	"github.com/kimhsiao/adherence/backend/internal/logging"
	"github.com/kimhsiao/adherence/backend/internal/models"
)

// Assessor scores one patient.
type Assessor interface {
	Assess(ctx context.Context, patientID string) (*models.RiskAssessment, error)
}

// PatientLister lists every patient on the device.
type PatientLister interface {
	ListPatients(ctx context.Context) ([]*models.Patient, error)
}

// RiskConfig holds configuration for the risk service.
type RiskConfig struct {
	// Timeout for one patient's assessment.
	AssessTimeout time.Duration
	// Concurrency bounds AssessAll.
	Concurrency int
}

// DefaultRiskConfig returns sensible defaults.
func DefaultRiskConfig() *RiskConfig {
	return &RiskConfig{
		AssessTimeout: 30 * time.Second,
		Concurrency:   4,
	}
}

// RiskService runs assessments, remembers the latest one per patient and
// notifies listeners.
type RiskService struct {
	assessor Assessor
	patients PatientLister
	config   *RiskConfig

	// Event callbacks for WebSocket notifications
	onAssessed func(a *models.RiskAssessment)
	onFailed   func(patientID string, err error)

	latest map[string]*models.RiskAssessment
	mu     sync.RWMutex
}

// NewRiskService creates a new RiskService.
func NewRiskService(assessor Assessor, patients PatientLister, config *RiskConfig) *RiskService {
	if config == nil {
		config = DefaultRiskConfig()
	}
	if config.Concurrency < 1 {
		config.Concurrency = 1
	}
	return &RiskService{
		assessor: assessor,
		patients: patients,
		config:   config,
		latest:   make(map[string]*models.RiskAssessment),
	}
}

// SetCallbacks sets the assessment listeners. Either may be nil.
func (s *RiskService) SetCallbacks(onAssessed func(a *models.RiskAssessment), onFailed func(patientID string, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAssessed = onAssessed
	s.onFailed = onFailed
}

// Assess scores patientID and caches the result.
func (s *RiskService) Assess(ctx context.Context, patientID string) (*models.RiskAssessment, error) {
	if s.config.AssessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.AssessTimeout)
		defer cancel()
	}

	result, err := s.assessor.Assess(ctx, patientID)

	s.mu.Lock()
	onAssessed, onFailed := s.onAssessed, s.onFailed
	if err == nil {
		s.latest[patientID] = result
	}
	s.mu.Unlock()

	if err != nil {
		if onFailed != nil {
			onFailed(patientID, err)
		}
		return nil, err
	}
	if onAssessed != nil {
		onAssessed(result)
	}
	return result, nil
}

// Latest returns the most recent cached assessment for patientID.
func (s *RiskService) Latest(patientID string) (*models.RiskAssessment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.latest[patientID]
	return a, ok
}

// AssessAll scores every patient. Individual failures are logged and
// counted; the first error is returned after all patients were tried.
func (s *RiskService) AssessAll(ctx context.Context) ([]*models.RiskAssessment, error) {
	if s.patients == nil {
		return nil, apperrors.New(apperrors.ErrInternal, "risk service has no patient source")
	}
	patients, err := s.patients.ListPatients(ctx)
	if err != nil {
		return nil, err
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		results  = make([]*models.RiskAssessment, len(patients))
		firstErr error
		failed   int
		sem      = make(chan struct{}, s.config.Concurrency)
	)
	for i, p := range patients {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()

			a, err := s.Assess(ctx, id)
			if err != nil {
				logging.Error("Risk assessment failed", err, map[string]interface{}{"patient_id": id})
				mu.Lock()
				failed++
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
			results[i] = a
		}(i, p.ID)
	}
	wg.Wait()

	out := results[:0]
	for _, a := range results {
		if a != nil {
			out = append(out, a)
		}
	}

	logging.Info("Risk assessment pass completed", map[string]interface{}{
		"patients": len(patients),
		"failed":   failed,
	})
	return out, firstErr
}
