package db

import (
	"context"
	"database/sql"
	"encoding/json"

	apperrors "github.com/kimhsiao/adherence/backend/internal/errors"
	"github.com/kimhsiao/adherence/backend/internal/logging"
	"github.com/kimhsiao/adherence/backend/internal/models"
)

// Snapshot is every row of the event store, parents before children. The
// outbox is not part of it.
type Snapshot struct {
	Patients      []*models.Patient       `json:"patients"`
	Medicines     []*models.Medicine      `json:"medicines"`
	Logs          []*models.AdherenceLog  `json:"adherence_logs"`
	Symptoms      []*models.Symptom       `json:"symptoms"`
	Caregivers    []*models.Caregiver     `json:"caregivers"`
	Links         []*models.CaregiverLink `json:"patient_caregivers"`
	Interventions []*models.Intervention  `json:"interventions"`
}

// Counts returns the number of rows per table.
func (s *Snapshot) Counts() map[string]int {
	return map[string]int{
		models.TablePatients:          len(s.Patients),
		models.TableMedicines:         len(s.Medicines),
		models.TableAdherenceLogs:     len(s.Logs),
		models.TableSymptoms:          len(s.Symptoms),
		models.TableCaregivers:        len(s.Caregivers),
		models.TablePatientCaregivers: len(s.Links),
		models.TableInterventions:     len(s.Interventions),
	}
}

// RestoreOptions controls Restore.
type RestoreOptions struct {
	// Requeue enqueues an insert for every restored row so the remote is
	// rebuilt as well.
	Requeue bool
}

// Snapshot reads the whole event store in one read transaction.
func (r *Repository) Snapshot(ctx context.Context) (*Snapshot, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin snapshot", err)
	}
	defer tx.Rollback()

	s := &Snapshot{}
	if s.Patients, err = collect(ctx, tx, `SELECT `+patientColumns+` FROM patients ORDER BY created_at, id`, scanPatient); err != nil {
		return nil, err
	}
	if s.Medicines, err = collect(ctx, tx, `SELECT `+medicineColumns+` FROM medicines ORDER BY created_at, id`, scanMedicine); err != nil {
		return nil, err
	}
	if s.Logs, err = collect(ctx, tx, `SELECT `+logColumns+` FROM adherence_logs ORDER BY created_at, id`, scanLog); err != nil {
		return nil, err
	}
	if s.Symptoms, err = collect(ctx, tx, `SELECT `+symptomColumns+` FROM symptoms ORDER BY created_at, id`, scanSymptom); err != nil {
		return nil, err
	}
	if s.Caregivers, err = collect(ctx, tx, `SELECT `+caregiverColumns+` FROM caregivers ORDER BY created_at, id`, scanCaregiver); err != nil {
		return nil, err
	}
	if s.Links, err = collect(ctx, tx, `SELECT patient_id, caregiver_id, relationship, can_edit, created_at
		FROM patient_caregivers ORDER BY created_at, patient_id, caregiver_id`, scanLink); err != nil {
		return nil, err
	}
	if s.Interventions, err = collect(ctx, tx, `SELECT `+interventionColumns+` FROM interventions ORDER BY created_at, id`, scanIntervention); err != nil {
		return nil, err
	}
	return s, nil
}

// Restore inserts the snapshot's rows that are not already present, keeping
// their ids and timestamps. Existing rows are left untouched. It returns the
// number of rows inserted per table.
func (r *Repository) Restore(ctx context.Context, s *Snapshot, opts RestoreOptions) (map[string]int, error) {
	if err := validateSnapshot(s); err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to begin restore", err)
	}
	defer tx.Rollback()

	inserted := make(map[string]int)
	put := func(table, recordID string, record interface{}, query string, args ...interface{}) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return classify(err, "failed to restore "+table)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to restore "+table, err)
		}
		if n == 0 {
			return nil
		}
		inserted[table]++
		if !opts.Requeue {
			return nil
		}
		payload, err := json.Marshal(record)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, "failed to encode outbox payload", err)
		}
		_, err = r.outbox.EnqueueTx(ctx, tx, table, recordID, models.OperationInsert, payload)
		return err
	}

	for _, p := range s.Patients {
		if err := put(models.TablePatients, p.ID, p, `INSERT OR IGNORE INTO patients (`+patientColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, nullString(p.Phone), p.Language,
			nullString(p.EmergencyContactName), nullString(p.EmergencyContactPhone),
			p.CreatedAt, p.UpdatedAt); err != nil {
			return nil, err
		}
	}
	for _, m := range s.Medicines {
		if err := put(models.TableMedicines, m.ID, m, `INSERT OR IGNORE INTO medicines (`+medicineColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.PatientID, m.Name, nullString(m.ImageRef), m.Color, string(m.TimeSlot), m.ScheduledTime,
			m.DurationDays, m.StartDate, m.EndDate, m.PillsPerDose, nullInt(m.TotalPills),
			m.CreatedAt, m.UpdatedAt); err != nil {
			return nil, err
		}
	}
	for _, l := range s.Logs {
		if err := put(models.TableAdherenceLogs, l.ID, l, `INSERT OR IGNORE INTO adherence_logs (`+logColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID, l.MedicineID, l.PatientID, l.ScheduledTime, nullInt64(l.ActualTime),
			string(l.Status), nullString(l.Notes), l.CreatedAt); err != nil {
			return nil, err
		}
	}
	for _, sy := range s.Symptoms {
		if err := put(models.TableSymptoms, sy.ID, sy, `INSERT OR IGNORE INTO symptoms (`+symptomColumns+`)
			VALUES (?, ?, ?, ?, ?, ?)`,
			sy.ID, sy.LogID, sy.PatientID, sy.SymptomType, nullString(sy.AudioRef), sy.CreatedAt); err != nil {
			return nil, err
		}
	}
	for _, c := range s.Caregivers {
		if err := put(models.TableCaregivers, c.ID, c, `INSERT OR IGNORE INTO caregivers (`+caregiverColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.Name, nullString(c.Phone), nullString(c.Email), nullString(c.Role),
			nullString(c.ExternalID), c.CreatedAt, c.UpdatedAt); err != nil {
			return nil, err
		}
	}
	for _, l := range s.Links {
		if err := put(models.TablePatientCaregivers, l.RecordID(), l, `INSERT OR IGNORE INTO patient_caregivers
			(patient_id, caregiver_id, relationship, can_edit, created_at) VALUES (?, ?, ?, ?, ?)`,
			l.PatientID, l.CaregiverID, nullString(l.Relationship), l.CanEdit, l.CreatedAt); err != nil {
			return nil, err
		}
	}
	for _, i := range s.Interventions {
		if err := put(models.TableInterventions, i.ID, i, `INSERT OR IGNORE INTO interventions (`+interventionColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			i.ID, i.PatientID, i.CaregiverID, string(i.Type), nullString(i.Notes),
			nullInt64(i.FollowUpDate), i.CreatedAt); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to commit restore", err)
	}

	logging.Info("Snapshot restored", map[string]interface{}{
		"inserted": inserted,
		"requeue":  opts.Requeue,
	})

	if opts.Requeue && len(inserted) > 0 {
		r.notifyMu.RLock()
		fn := r.notify
		r.notifyMu.RUnlock()
		if fn != nil {
			fn()
		}
	}
	return inserted, nil
}

// validateSnapshot runs the per-entity rules on every row so a malformed
// backup fails before anything is written.
func validateSnapshot(s *Snapshot) error {
	if s == nil {
		return apperrors.New(apperrors.ErrValidation, "snapshot is empty")
	}
	for _, p := range s.Patients {
		if err := validatePatient(p); err != nil {
			return err
		}
	}
	for _, m := range s.Medicines {
		if err := validateMedicine(m); err != nil {
			return err
		}
	}
	for _, l := range s.Logs {
		if err := validateAdherenceLog(l); err != nil {
			return err
		}
	}
	for _, sy := range s.Symptoms {
		if err := validateSymptom(sy); err != nil {
			return err
		}
	}
	for _, c := range s.Caregivers {
		if err := validateCaregiver(c); err != nil {
			return err
		}
	}
	for _, l := range s.Links {
		if err := validateLink(l); err != nil {
			return err
		}
	}
	for _, i := range s.Interventions {
		if err := validateIntervention(i); err != nil {
			return err
		}
	}
	return nil
}

func collect[T any](ctx context.Context, tx *sql.Tx, query string, scan func(scanner) (*T, error)) ([]*T, error) {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read snapshot", err)
	}
	defer rows.Close()

	var out []*T
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan snapshot row", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to iterate snapshot", err)
	}
	return out, nil
}

func scanSymptom(s scanner) (*models.Symptom, error) {
	var (
		sy    models.Symptom
		audio sql.NullString
	)
	if err := s.Scan(&sy.ID, &sy.LogID, &sy.PatientID, &sy.SymptomType, &audio, &sy.CreatedAt); err != nil {
		return nil, err
	}
	sy.AudioRef = audio.String
	return &sy, nil
}

func scanLink(s scanner) (*models.CaregiverLink, error) {
	var (
		l            models.CaregiverLink
		relationship sql.NullString
	)
	if err := s.Scan(&l.PatientID, &l.CaregiverID, &relationship, &l.CanEdit, &l.CreatedAt); err != nil {
		return nil, err
	}
	l.Relationship = relationship.String
	return &l, nil
}

func scanIntervention(s scanner) (*models.Intervention, error) {
	var (
		i        models.Intervention
		typ      string
		notes    sql.NullString
		followUp sql.NullInt64
	)
	if err := s.Scan(&i.ID, &i.PatientID, &i.CaregiverID, &typ, &notes, &followUp, &i.CreatedAt); err != nil {
		return nil, err
	}
	i.Type = models.InterventionType(typ)
	i.Notes = notes.String
	i.FollowUpDate = int64Ptr(followUp)
	return &i, nil
}
