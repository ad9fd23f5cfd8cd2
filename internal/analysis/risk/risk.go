// Package risk scores a patient's recent adherence history.
//
// Six independent detectors each contribute a fixed weight when triggered.
// The score is the sum of triggered weights and maps to a level: green at
// zero, yellow from 1 to 3, red above 3.
package risk

import (
	"context"
	"sort"
	"time"

	apperrors "github.com/kimhsiao/adherence/backend/internal/errors"
	"github.com/kimhsiao/adherence/backend/internal/logging"
	"github.com/kimhsiao/adherence/backend/internal/models"
)

// WindowDays is how much history the Analyzer reads.
const WindowDays = 30

// Input is everything the detectors look at.
type Input struct {
	Now time.Time
	// Location decides calendar days and weekends. Defaults to UTC.
	Location *time.Location
	// Logs must be ordered by scheduled time, oldest first.
	Logs     []models.AdherenceLog
	Symptoms []models.Symptom
	// LastLogAt is the creation time of the most recent log ever written,
	// zero when the patient has never logged.
	LastLogAt time.Time
}

func (in *Input) location() *time.Location {
	if in.Location == nil {
		return time.UTC
	}
	return in.Location
}

// Level maps a score to a risk level.
func Level(score int) models.RiskLevel {
	switch {
	case score == 0:
		return models.RiskGreen
	case score <= 3:
		return models.RiskYellow
	default:
		return models.RiskRed
	}
}

// Severity maps a detector weight to an alert severity.
func Severity(weight int) string {
	switch {
	case weight >= 3:
		return "high"
	case weight == 2:
		return "medium"
	default:
		return "low"
	}
}

// Assess runs every detector over in. It has no side effects.
func Assess(in Input) *models.RiskAssessment {
	result := &models.RiskAssessment{
		Alerts:       []models.Alert{},
		LastAnalyzed: in.Now,
	}
	for _, d := range detectors {
		msg, details, ok := d.detect(&in)
		if !ok {
			continue
		}
		result.RiskScore += d.weight
		result.Alerts = append(result.Alerts, models.Alert{
			Type:     d.name,
			Severity: Severity(d.weight),
			Weight:   d.weight,
			Message:  msg,
			Details:  details,
		})
	}
	sort.SliceStable(result.Alerts, func(i, j int) bool {
		return result.Alerts[i].Weight > result.Alerts[j].Weight
	})
	result.RiskLevel = Level(result.RiskScore)
	return result
}

// Source is the read side the Analyzer needs.
type Source interface {
	ListLogsSince(ctx context.Context, patientID string, since time.Time) ([]models.AdherenceLog, error)
	ListSymptomsSince(ctx context.Context, patientID string, since time.Time) ([]models.Symptom, error)
	LatestLogCreatedAt(ctx context.Context, patientID string) (time.Time, bool, error)
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// WithLocation sets the calendar used for weekends.
func WithLocation(loc *time.Location) Option {
	return func(a *Analyzer) { a.loc = loc }
}

// Analyzer loads a patient's window from a Source and assesses it.
type Analyzer struct {
	src Source
	now func() time.Time
	loc *time.Location
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(src Source, opts ...Option) *Analyzer {
	a := &Analyzer{src: src, now: time.Now, loc: time.Local}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Assess reads the last WindowDays days for patientID and scores them.
func (a *Analyzer) Assess(ctx context.Context, patientID string) (*models.RiskAssessment, error) {
	if patientID == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "patient id is required")
	}

	now := a.now()
	since := now.AddDate(0, 0, -WindowDays)

	logs, err := a.src.ListLogsSince(ctx, patientID, since)
	if err != nil {
		return nil, err
	}
	symptoms, err := a.src.ListSymptomsSince(ctx, patientID, since)
	if err != nil {
		return nil, err
	}
	last, ok, err := a.src.LatestLogCreatedAt(ctx, patientID)
	if err != nil {
		return nil, err
	}

	in := Input{Now: now, Location: a.loc, Logs: logs, Symptoms: symptoms}
	if ok {
		in.LastLogAt = last
	}

	result := Assess(in)
	result.PatientID = patientID

	logging.Debug("Risk assessed", map[string]interface{}{
		"patient_id": patientID,
		"score":      result.RiskScore,
		"level":      string(result.RiskLevel),
		"alerts":     len(result.Alerts),
	})
	return result, nil
}
