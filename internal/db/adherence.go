package db

import (
	"context"
	"database/sql"
	"time"

	apperrors "github.com/kimhsiao/adherence/backend/internal/errors"
	"github.com/kimhsiao/adherence/backend/internal/models"
	"github.com/kimhsiao/adherence/backend/internal/uuid"
)

// StreakWindowDays bounds how far back GetAdherenceStreak looks.
const StreakWindowDays = 30

// ===== Adherence Log Operations =====

const logColumns = `id, medicine_id, patient_id, scheduled_time, actual_time, status, notes, created_at`

// CreateAdherenceLog appends a log for an existing medicine. PatientID is
// taken from the medicine; a conflicting value is an integrity error. A
// taken dose without ActualTime is stamped with the current time.
func (r *Repository) CreateAdherenceLog(ctx context.Context, l *models.AdherenceLog) error {
	if l.ID == "" {
		l.ID = uuid.New()
	}
	now := r.now().Unix()
	l.CreatedAt = now
	if l.Status == models.StatusTaken && l.ActualTime == nil {
		l.ActualTime = &now
	}

	if err := validateAdherenceLog(l); err != nil {
		return err
	}

	return r.apply(ctx, &mutation{
		table:    models.TableAdherenceLogs,
		recordID: l.ID,
		op:       models.OperationInsert,
		record:   l,
		write: func(tx *sql.Tx) error {
			var owner string
			err := tx.QueryRowContext(ctx, `SELECT patient_id FROM medicines WHERE id = ?`, l.MedicineID).Scan(&owner)
			if err == sql.ErrNoRows {
				return apperrors.Integrity("medicine " + l.MedicineID + " does not exist")
			}
			if err != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, "failed to load medicine", err)
			}
			if l.PatientID != "" && l.PatientID != owner {
				return apperrors.Integrity("medicine " + l.MedicineID + " belongs to another patient")
			}
			l.PatientID = owner

			_, err = tx.ExecContext(ctx, `INSERT INTO adherence_logs (`+logColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				l.ID, l.MedicineID, l.PatientID, l.ScheduledTime, nullInt64(l.ActualTime),
				string(l.Status), nullString(l.Notes), l.CreatedAt)
			if err != nil {
				return classify(err, "failed to create adherence log")
			}
			return nil
		},
	})
}

// GetAdherenceLog retrieves a log by ID.
func (r *Repository) GetAdherenceLog(ctx context.Context, id string) (*models.AdherenceLog, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+logColumns+` FROM adherence_logs WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	l, err := scanLog(stmt.QueryRowContext(ctx, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "adherence log %s not found", id)
	}
	return l, err
}

// GetAdherenceLogs returns the patient's logs scheduled within [start, end],
// newest first, joined with medicine display fields.
func (r *Repository) GetAdherenceLogs(ctx context.Context, patientID string, start, end time.Time) ([]*models.AdherenceLogView, error) {
	if end.Before(start) {
		return nil, apperrors.New(apperrors.ErrValidation, "end must not be before start")
	}
	if err := requireRow(ctx, r.db, models.TablePatients, patientID, "patient"); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT l.id, l.medicine_id, l.patient_id, l.scheduled_time, l.actual_time, l.status, l.notes, l.created_at,
			m.name, m.color
		FROM adherence_logs l
		JOIN medicines m ON m.id = l.medicine_id
		WHERE l.patient_id = ? AND l.scheduled_time BETWEEN ? AND ?
		ORDER BY l.scheduled_time DESC, l.created_at DESC, l.id`,
		patientID, start.Unix(), end.Unix())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to query adherence logs", err)
	}
	defer rows.Close()

	var views []*models.AdherenceLogView
	for rows.Next() {
		var (
			v      models.AdherenceLogView
			actual sql.NullInt64
			status string
			notes  sql.NullString
		)
		if err := rows.Scan(&v.ID, &v.MedicineID, &v.PatientID, &v.ScheduledTime, &actual, &status, &notes,
			&v.CreatedAt, &v.MedicineName, &v.MedicineColor); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan adherence log", err)
		}
		v.ActualTime = int64Ptr(actual)
		v.Status = models.LogStatus(status)
		v.Notes = notes.String
		views = append(views, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to iterate adherence logs", err)
	}
	return views, nil
}

// ListLogsSince returns the patient's logs scheduled at or after since,
// oldest first.
func (r *Repository) ListLogsSince(ctx context.Context, patientID string, since time.Time) ([]models.AdherenceLog, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+logColumns+` FROM adherence_logs
		WHERE patient_id = ? AND scheduled_time >= ?
		ORDER BY scheduled_time ASC, created_at ASC, id`, patientID, since.Unix())
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to query adherence logs", err)
	}
	defer rows.Close()

	var logs []models.AdherenceLog
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to iterate adherence logs", err)
	}
	return logs, nil
}

// LatestLogCreatedAt returns the creation time of the patient's most recent
// log. ok is false when the patient has never logged.
func (r *Repository) LatestLogCreatedAt(ctx context.Context, patientID string) (time.Time, bool, error) {
	var latest sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT MAX(created_at) FROM adherence_logs WHERE patient_id = ?`, patientID).Scan(&latest)
	if err != nil {
		return time.Time{}, false, apperrors.Wrap(apperrors.ErrDatabase, "failed to query latest log", err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(latest.Int64, 0), true, nil
}

// GetAdherenceStreak counts consecutive calendar days, ending at the most
// recent day with any log in the last StreakWindowDays days, on which every
// log was taken. A day without logs or with any missed/unwell log ends the
// streak.
func (r *Repository) GetAdherenceStreak(ctx context.Context, patientID string) (int, error) {
	if err := requireRow(ctx, r.db, models.TablePatients, patientID, "patient"); err != nil {
		return 0, err
	}

	today := startOfDay(r.now().In(r.loc))
	windowStart := today.AddDate(0, 0, -(StreakWindowDays - 1))
	windowEnd := today.AddDate(0, 0, 1)

	rows, err := r.db.QueryContext(ctx, `SELECT scheduled_time, status FROM adherence_logs
		WHERE patient_id = ? AND scheduled_time >= ? AND scheduled_time < ?`,
		patientID, windowStart.Unix(), windowEnd.Unix())
	if err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to query adherence streak", err)
	}
	defer rows.Close()

	type dayCount struct{ total, taken int }
	days := make(map[string]*dayCount)
	for rows.Next() {
		var (
			scheduled int64
			status    string
		)
		if err := rows.Scan(&scheduled, &status); err != nil {
			return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan adherence streak", err)
		}
		key := time.Unix(scheduled, 0).In(r.loc).Format("2006-01-02")
		dc, ok := days[key]
		if !ok {
			dc = &dayCount{}
			days[key] = dc
		}
		dc.total++
		if models.LogStatus(status) == models.StatusTaken {
			dc.taken++
		}
	}
	if err := rows.Err(); err != nil {
		return 0, apperrors.Wrap(apperrors.ErrDatabase, "failed to iterate adherence streak", err)
	}

	day := today
	for !day.Before(windowStart) {
		if _, ok := days[day.Format("2006-01-02")]; ok {
			break
		}
		day = day.AddDate(0, 0, -1)
	}

	streak := 0
	for !day.Before(windowStart) {
		dc, ok := days[day.Format("2006-01-02")]
		if !ok || dc.taken != dc.total {
			break
		}
		streak++
		day = day.AddDate(0, 0, -1)
	}
	return streak, nil
}

func scanLog(s scanner) (*models.AdherenceLog, error) {
	var (
		l      models.AdherenceLog
		actual sql.NullInt64
		status string
		notes  sql.NullString
	)
	err := s.Scan(&l.ID, &l.MedicineID, &l.PatientID, &l.ScheduledTime, &actual, &status, &notes, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan adherence log", err)
	}
	l.ActualTime = int64Ptr(actual)
	l.Status = models.LogStatus(status)
	l.Notes = notes.String
	return &l, nil
}

// ===== Symptom Operations =====

const symptomColumns = `id, log_id, patient_id, symptom_type, audio_ref, created_at`

// CreateSymptom appends a symptom to an existing log. PatientID is taken
// from the log.
func (r *Repository) CreateSymptom(ctx context.Context, s *models.Symptom) error {
	if s.ID == "" {
		s.ID = uuid.New()
	}
	s.CreatedAt = r.now().Unix()

	if err := validateSymptom(s); err != nil {
		return err
	}

	return r.apply(ctx, &mutation{
		table:    models.TableSymptoms,
		recordID: s.ID,
		op:       models.OperationInsert,
		record:   s,
		write: func(tx *sql.Tx) error {
			var owner string
			err := tx.QueryRowContext(ctx, `SELECT patient_id FROM adherence_logs WHERE id = ?`, s.LogID).Scan(&owner)
			if err == sql.ErrNoRows {
				return apperrors.Integrity("adherence log " + s.LogID + " does not exist")
			}
			if err != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, "failed to load adherence log", err)
			}
			if s.PatientID != "" && s.PatientID != owner {
				return apperrors.Integrity("adherence log " + s.LogID + " belongs to another patient")
			}
			s.PatientID = owner

			_, err = tx.ExecContext(ctx, `INSERT INTO symptoms (`+symptomColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
				s.ID, s.LogID, s.PatientID, s.SymptomType, nullString(s.AudioRef), s.CreatedAt)
			if err != nil {
				return classify(err, "failed to create symptom")
			}
			return nil
		},
	})
}

// ListSymptoms returns the symptoms recorded against one log.
func (r *Repository) ListSymptoms(ctx context.Context, logID string) ([]*models.Symptom, error) {
	return r.querySymptoms(ctx, `SELECT `+symptomColumns+` FROM symptoms
		WHERE log_id = ? ORDER BY created_at, id`, logID)
}

// GetRecentSymptoms returns the patient's symptoms created at or after
// since, newest first.
func (r *Repository) GetRecentSymptoms(ctx context.Context, patientID string, since time.Time) ([]*models.Symptom, error) {
	return r.querySymptoms(ctx, `SELECT `+symptomColumns+` FROM symptoms
		WHERE patient_id = ? AND created_at >= ? ORDER BY created_at DESC, id`, patientID, since.Unix())
}

// ListSymptomsSince is GetRecentSymptoms by value, for the risk detectors.
func (r *Repository) ListSymptomsSince(ctx context.Context, patientID string, since time.Time) ([]models.Symptom, error) {
	symptoms, err := r.GetRecentSymptoms(ctx, patientID, since)
	if err != nil {
		return nil, err
	}
	out := make([]models.Symptom, len(symptoms))
	for i, s := range symptoms {
		out[i] = *s
	}
	return out, nil
}

func (r *Repository) querySymptoms(ctx context.Context, query string, args ...interface{}) ([]*models.Symptom, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to query symptoms", err)
	}
	defer rows.Close()

	var symptoms []*models.Symptom
	for rows.Next() {
		s, err := scanSymptom(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan symptom", err)
		}
		symptoms = append(symptoms, s)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to iterate symptoms", err)
	}
	return symptoms, nil
}
