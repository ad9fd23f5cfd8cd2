package db

import (
	"context"
	"database/sql"
	"time"

	apperrors "github.com/kimhsiao/adherence/backend/internal/errors"
	"github.com/kimhsiao/adherence/backend/internal/models"
	"github.com/kimhsiao/adherence/backend/internal/uuid"
)

// ===== Medicine Operations =====

const medicineColumns = `id, patient_id, name, image_ref, color, time_slot, scheduled_time,
	duration_days, start_date, end_date, pills_per_dose, total_pills, created_at, updated_at`

// CreateMedicine inserts a medicine for an existing patient. The schedule
// window starts at creation time and ends DurationDays later.
func (r *Repository) CreateMedicine(ctx context.Context, m *models.Medicine) error {
	if m.ID == "" {
		m.ID = uuid.New()
	}
	if m.Color == "" {
		m.Color = models.DefaultMedicineColor
	}
	if m.PillsPerDose == 0 {
		m.PillsPerDose = models.DefaultPillsPerDose
	}
	now := r.now()
	m.StartDate = now.Unix()
	m.CreatedAt, m.UpdatedAt = now.Unix(), now.Unix()

	if err := validateMedicine(m); err != nil {
		return err
	}
	m.StartDate, m.EndDate = models.ScheduleWindow(time.Unix(m.StartDate, 0).In(r.loc), m.DurationDays)

	return r.apply(ctx, &mutation{
		table:    models.TableMedicines,
		recordID: m.ID,
		op:       models.OperationInsert,
		record:   m,
		write: func(tx *sql.Tx) error {
			if err := requireParent(ctx, tx, models.TablePatients, m.PatientID, "patient"); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO medicines (`+medicineColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				m.ID, m.PatientID, m.Name, nullString(m.ImageRef), m.Color, string(m.TimeSlot),
				m.ScheduledTime, m.DurationDays, m.StartDate, m.EndDate, m.PillsPerDose,
				nullInt(m.TotalPills), m.CreatedAt, m.UpdatedAt)
			if err != nil {
				return classify(err, "failed to create medicine")
			}
			return nil
		},
	})
}

// GetMedicine retrieves a medicine by ID.
func (r *Repository) GetMedicine(ctx context.Context, id string) (*models.Medicine, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+medicineColumns+` FROM medicines WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	m, err := scanMedicine(stmt.QueryRowContext(ctx, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "medicine %s not found", id)
	}
	return m, err
}

// ListMedicines returns a patient's medicines ordered by time of day.
func (r *Repository) ListMedicines(ctx context.Context, patientID string) ([]*models.Medicine, error) {
	return r.queryMedicines(ctx, `SELECT `+medicineColumns+` FROM medicines
		WHERE patient_id = ? ORDER BY scheduled_time, name`, patientID)
}

// UpdateMedicine overwrites a medicine's mutable fields. The start date is
// kept; the end date is recomputed from DurationDays.
func (r *Repository) UpdateMedicine(ctx context.Context, m *models.Medicine) error {
	if m.Color == "" {
		m.Color = models.DefaultMedicineColor
	}
	if m.PillsPerDose == 0 {
		m.PillsPerDose = models.DefaultPillsPerDose
	}
	if err := validateMedicine(m); err != nil {
		return err
	}
	m.UpdatedAt = r.now().Unix()

	return r.apply(ctx, &mutation{
		table:    models.TableMedicines,
		recordID: m.ID,
		op:       models.OperationUpdate,
		record:   m,
		write: func(tx *sql.Tx) error {
			var patientID string
			err := tx.QueryRowContext(ctx, `SELECT patient_id, start_date, created_at FROM medicines WHERE id = ?`, m.ID).
				Scan(&patientID, &m.StartDate, &m.CreatedAt)
			if err == sql.ErrNoRows {
				return apperrors.Newf(apperrors.ErrNotFound, "medicine %s not found", m.ID)
			}
			if err != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, "failed to load medicine", err)
			}
			if patientID != m.PatientID {
				return apperrors.New(apperrors.ErrValidation, "medicine cannot move to another patient")
			}
			m.StartDate, m.EndDate = models.ScheduleWindow(time.Unix(m.StartDate, 0).In(r.loc), m.DurationDays)

			_, err = tx.ExecContext(ctx, `UPDATE medicines SET name = ?, image_ref = ?, color = ?,
				time_slot = ?, scheduled_time = ?, duration_days = ?, end_date = ?,
				pills_per_dose = ?, total_pills = ?, updated_at = ?
				WHERE id = ?`,
				m.Name, nullString(m.ImageRef), m.Color, string(m.TimeSlot), m.ScheduledTime,
				m.DurationDays, m.EndDate, m.PillsPerDose, nullInt(m.TotalPills), m.UpdatedAt, m.ID)
			if err != nil {
				return classify(err, "failed to update medicine")
			}
			return nil
		},
	})
}

// DeleteMedicine removes a medicine and, by cascade, its logs and symptoms.
func (r *Repository) DeleteMedicine(ctx context.Context, id string) error {
	return r.apply(ctx, &mutation{
		table:    models.TableMedicines,
		recordID: id,
		op:       models.OperationDelete,
		cascade: func(tx *sql.Tx) ([]models.DocumentRef, error) {
			return cascadeRefs(ctx, tx, medicineChildren, id)
		},
		write: func(tx *sql.Tx) error {
			if err := requireRow(ctx, tx, models.TableMedicines, id, "medicine"); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM medicines WHERE id = ?`, id); err != nil {
				return classify(err, "failed to delete medicine")
			}
			return nil
		},
	})
}

// GetTodaysMedicines returns the patient's medicines whose schedule window
// contains the current instant, ordered by time of day.
func (r *Repository) GetTodaysMedicines(ctx context.Context, patientID string) ([]*models.Medicine, error) {
	if err := requireRow(ctx, r.db, models.TablePatients, patientID, "patient"); err != nil {
		return nil, err
	}
	now := r.now().Unix()
	return r.queryMedicines(ctx, `SELECT `+medicineColumns+` FROM medicines
		WHERE patient_id = ? AND start_date <= ? AND end_date >= ?
		ORDER BY scheduled_time, name`, patientID, now, now)
}

func (r *Repository) queryMedicines(ctx context.Context, query string, args ...interface{}) ([]*models.Medicine, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list medicines", err)
	}
	defer rows.Close()

	var medicines []*models.Medicine
	for rows.Next() {
		m, err := scanMedicine(rows)
		if err != nil {
			return nil, err
		}
		medicines = append(medicines, m)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to iterate medicines", err)
	}
	return medicines, nil
}

func scanMedicine(s scanner) (*models.Medicine, error) {
	var (
		m        models.Medicine
		imageRef sql.NullString
		slot     string
		total    sql.NullInt64
	)
	err := s.Scan(&m.ID, &m.PatientID, &m.Name, &imageRef, &m.Color, &slot, &m.ScheduledTime,
		&m.DurationDays, &m.StartDate, &m.EndDate, &m.PillsPerDose, &total, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan medicine", err)
	}
	m.ImageRef = imageRef.String
	m.TimeSlot = models.TimeSlot(slot)
	m.TotalPills = intPtr(total)
	return &m, nil
}
