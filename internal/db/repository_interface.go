// Package db provides repository interfaces for the adherence data model.
package db

import (
	"context"
	"time"

	"github.com/kimhsiao/adherence/backend/internal/models"
)

// PatientRepository defines operations for patient persistence.
type PatientRepository interface {
	CreatePatient(ctx context.Context, p *models.Patient) error
	GetPatient(ctx context.Context, id string) (*models.Patient, error)
	ListPatients(ctx context.Context) ([]*models.Patient, error)
	UpdatePatient(ctx context.Context, p *models.Patient) error
	// DeletePatient cascades to everything the patient owns.
	DeletePatient(ctx context.Context, id string) error
}

// MedicineRepository defines operations for medicine persistence.
type MedicineRepository interface {
	CreateMedicine(ctx context.Context, m *models.Medicine) error
	GetMedicine(ctx context.Context, id string) (*models.Medicine, error)
	ListMedicines(ctx context.Context, patientID string) ([]*models.Medicine, error)
	UpdateMedicine(ctx context.Context, m *models.Medicine) error
	DeleteMedicine(ctx context.Context, id string) error

	// GetTodaysMedicines returns medicines active at the current instant.
	GetTodaysMedicines(ctx context.Context, patientID string) ([]*models.Medicine, error)
}

// AdherenceRepository defines the append-only log and symptom operations
// and the queries derived from them.
type AdherenceRepository interface {
	CreateAdherenceLog(ctx context.Context, l *models.AdherenceLog) error
	GetAdherenceLog(ctx context.Context, id string) (*models.AdherenceLog, error)
	GetAdherenceLogs(ctx context.Context, patientID string, start, end time.Time) ([]*models.AdherenceLogView, error)
	GetAdherenceStreak(ctx context.Context, patientID string) (int, error)

	CreateSymptom(ctx context.Context, s *models.Symptom) error
	ListSymptoms(ctx context.Context, logID string) ([]*models.Symptom, error)
	GetRecentSymptoms(ctx context.Context, patientID string, since time.Time) ([]*models.Symptom, error)
}

// CaregiverRepository defines caregiver, link and intervention operations.
type CaregiverRepository interface {
	CreateCaregiver(ctx context.Context, c *models.Caregiver) error
	GetCaregiver(ctx context.Context, id string) (*models.Caregiver, error)
	ListCaregivers(ctx context.Context) ([]*models.Caregiver, error)
	UpdateCaregiver(ctx context.Context, c *models.Caregiver) error
	DeleteCaregiver(ctx context.Context, id string) error

	LinkCaregiver(ctx context.Context, l *models.CaregiverLink) error
	UnlinkCaregiver(ctx context.Context, patientID, caregiverID string) error
	ListCaregiversForPatient(ctx context.Context, patientID string) ([]*models.LinkedCaregiver, error)

	CreateIntervention(ctx context.Context, i *models.Intervention) error
	ListInterventions(ctx context.Context, patientID string) ([]*models.Intervention, error)
}

// RiskSource is the read side the risk detectors consume.
type RiskSource interface {
	ListLogsSince(ctx context.Context, patientID string, since time.Time) ([]models.AdherenceLog, error)
	ListSymptomsSince(ctx context.Context, patientID string, since time.Time) ([]models.Symptom, error)
	LatestLogCreatedAt(ctx context.Context, patientID string) (time.Time, bool, error)
}

// EventStore combines every repository.
type EventStore interface {
	PatientRepository
	MedicineRepository
	AdherenceRepository
	CaregiverRepository
	RiskSource
}

// Ensure *Repository implements the interfaces at compile time.
var (
	_ PatientRepository   = (*Repository)(nil)
	_ MedicineRepository  = (*Repository)(nil)
	_ AdherenceRepository = (*Repository)(nil)
	_ CaregiverRepository = (*Repository)(nil)
	_ RiskSource          = (*Repository)(nil)
	_ EventStore          = (*Repository)(nil)
)
