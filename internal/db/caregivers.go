package db

import (
	"context"
	"database/sql"

	apperrors "github.com/kimhsiao/adherence/backend/internal/errors"
	"github.com/kimhsiao/adherence/backend/internal/models"
	"github.com/kimhsiao/adherence/backend/internal/uuid"
)

// ===== Caregiver Operations =====

const caregiverColumns = `id, name, phone, email, role, external_id, created_at, updated_at`

// CreateCaregiver inserts a caregiver. ExternalID, when set, must be unique.
func (r *Repository) CreateCaregiver(ctx context.Context, c *models.Caregiver) error {
	if c.ID == "" {
		c.ID = uuid.New()
	}
	now := r.now().Unix()
	c.CreatedAt, c.UpdatedAt = now, now

	if err := validateCaregiver(c); err != nil {
		return err
	}

	return r.apply(ctx, &mutation{
		table:    models.TableCaregivers,
		recordID: c.ID,
		op:       models.OperationInsert,
		record:   c,
		write: func(tx *sql.Tx) error {
			if err := checkExternalID(ctx, tx, c); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO caregivers (`+caregiverColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				c.ID, c.Name, nullString(c.Phone), nullString(c.Email), nullString(c.Role),
				nullString(c.ExternalID), c.CreatedAt, c.UpdatedAt)
			if err != nil {
				return classify(err, "failed to create caregiver")
			}
			return nil
		},
	})
}

// GetCaregiver retrieves a caregiver by ID.
func (r *Repository) GetCaregiver(ctx context.Context, id string) (*models.Caregiver, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+caregiverColumns+` FROM caregivers WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	c, err := scanCaregiver(stmt.QueryRowContext(ctx, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "caregiver %s not found", id)
	}
	return c, err
}

// ListCaregivers returns all caregivers ordered by name.
func (r *Repository) ListCaregivers(ctx context.Context) ([]*models.Caregiver, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+caregiverColumns+` FROM caregivers ORDER BY name, id`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list caregivers", err)
	}
	defer rows.Close()

	var caregivers []*models.Caregiver
	for rows.Next() {
		c, err := scanCaregiver(rows)
		if err != nil {
			return nil, err
		}
		caregivers = append(caregivers, c)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to iterate caregivers", err)
	}
	return caregivers, nil
}

// UpdateCaregiver overwrites a caregiver's mutable fields.
func (r *Repository) UpdateCaregiver(ctx context.Context, c *models.Caregiver) error {
	if err := validateCaregiver(c); err != nil {
		return err
	}
	c.UpdatedAt = r.now().Unix()

	return r.apply(ctx, &mutation{
		table:    models.TableCaregivers,
		recordID: c.ID,
		op:       models.OperationUpdate,
		record:   c,
		write: func(tx *sql.Tx) error {
			err := tx.QueryRowContext(ctx, `SELECT created_at FROM caregivers WHERE id = ?`, c.ID).Scan(&c.CreatedAt)
			if err == sql.ErrNoRows {
				return apperrors.Newf(apperrors.ErrNotFound, "caregiver %s not found", c.ID)
			}
			if err != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, "failed to load caregiver", err)
			}
			if err := checkExternalID(ctx, tx, c); err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, `UPDATE caregivers SET name = ?, phone = ?, email = ?, role = ?,
				external_id = ?, updated_at = ? WHERE id = ?`,
				c.Name, nullString(c.Phone), nullString(c.Email), nullString(c.Role),
				nullString(c.ExternalID), c.UpdatedAt, c.ID)
			if err != nil {
				return classify(err, "failed to update caregiver")
			}
			return nil
		},
	})
}

// DeleteCaregiver removes a caregiver, its links and its interventions.
func (r *Repository) DeleteCaregiver(ctx context.Context, id string) error {
	return r.apply(ctx, &mutation{
		table:    models.TableCaregivers,
		recordID: id,
		op:       models.OperationDelete,
		cascade: func(tx *sql.Tx) ([]models.DocumentRef, error) {
			return cascadeRefs(ctx, tx, caregiverChildren, id)
		},
		write: func(tx *sql.Tx) error {
			if err := requireRow(ctx, tx, models.TableCaregivers, id, "caregiver"); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM caregivers WHERE id = ?`, id); err != nil {
				return classify(err, "failed to delete caregiver")
			}
			return nil
		},
	})
}

func checkExternalID(ctx context.Context, tx *sql.Tx, c *models.Caregiver) error {
	if c.ExternalID == "" {
		return nil
	}
	var other string
	err := tx.QueryRowContext(ctx, `SELECT id FROM caregivers WHERE external_id = ? AND id != ?`, c.ExternalID, c.ID).Scan(&other)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to check external id", err)
	}
	return apperrors.Newf(apperrors.ErrValidation, "external id %q is already used by caregiver %s", c.ExternalID, other)
}

func scanCaregiver(s scanner) (*models.Caregiver, error) {
	var (
		c                              models.Caregiver
		phone, email, role, externalID sql.NullString
	)
	err := s.Scan(&c.ID, &c.Name, &phone, &email, &role, &externalID, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan caregiver", err)
	}
	c.Phone = phone.String
	c.Email = email.String
	c.Role = role.String
	c.ExternalID = externalID.String
	return &c, nil
}

// ===== Patient/Caregiver Links =====

// LinkCaregiver creates or updates the link between a patient and a
// caregiver. Both must exist.
func (r *Repository) LinkCaregiver(ctx context.Context, l *models.CaregiverLink) error {
	if err := validateLink(l); err != nil {
		return err
	}

	m := &mutation{
		table:    models.TablePatientCaregivers,
		recordID: l.RecordID(),
		op:       models.OperationInsert,
		record:   l,
	}
	m.write = func(tx *sql.Tx) error {
		if err := requireParent(ctx, tx, models.TablePatients, l.PatientID, "patient"); err != nil {
			return err
		}
		if err := requireParent(ctx, tx, models.TableCaregivers, l.CaregiverID, "caregiver"); err != nil {
			return err
		}

		err := tx.QueryRowContext(ctx, `SELECT created_at FROM patient_caregivers
			WHERE patient_id = ? AND caregiver_id = ?`, l.PatientID, l.CaregiverID).Scan(&l.CreatedAt)
		switch {
		case err == sql.ErrNoRows:
			l.CreatedAt = r.now().Unix()
			_, err = tx.ExecContext(ctx, `INSERT INTO patient_caregivers
				(patient_id, caregiver_id, relationship, can_edit, created_at) VALUES (?, ?, ?, ?, ?)`,
				l.PatientID, l.CaregiverID, nullString(l.Relationship), l.CanEdit, l.CreatedAt)
		case err == nil:
			m.op = models.OperationUpdate
			_, err = tx.ExecContext(ctx, `UPDATE patient_caregivers SET relationship = ?, can_edit = ?
				WHERE patient_id = ? AND caregiver_id = ?`,
				nullString(l.Relationship), l.CanEdit, l.PatientID, l.CaregiverID)
		}
		if err != nil {
			return classify(err, "failed to link caregiver")
		}
		return nil
	}
	return r.apply(ctx, m)
}

// UnlinkCaregiver removes a patient/caregiver link.
func (r *Repository) UnlinkCaregiver(ctx context.Context, patientID, caregiverID string) error {
	link := models.CaregiverLink{PatientID: patientID, CaregiverID: caregiverID}
	return r.apply(ctx, &mutation{
		table:    models.TablePatientCaregivers,
		recordID: link.RecordID(),
		op:       models.OperationDelete,
		write: func(tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `DELETE FROM patient_caregivers WHERE patient_id = ? AND caregiver_id = ?`,
				patientID, caregiverID)
			if err != nil {
				return classify(err, "failed to unlink caregiver")
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return apperrors.Newf(apperrors.ErrNotFound, "caregiver %s is not linked to patient %s", caregiverID, patientID)
			}
			return nil
		},
	})
}

// ListCaregiversForPatient returns the caregivers linked to a patient.
func (r *Repository) ListCaregiversForPatient(ctx context.Context, patientID string) ([]*models.LinkedCaregiver, error) {
	if err := requireRow(ctx, r.db, models.TablePatients, patientID, "patient"); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.phone, c.email, c.role, c.external_id, c.created_at, c.updated_at,
			pc.relationship, pc.can_edit
		FROM patient_caregivers pc
		JOIN caregivers c ON c.id = pc.caregiver_id
		WHERE pc.patient_id = ?
		ORDER BY c.name, c.id`, patientID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list linked caregivers", err)
	}
	defer rows.Close()

	var linked []*models.LinkedCaregiver
	for rows.Next() {
		var (
			lc                                      models.LinkedCaregiver
			phone, email, role, extID, relationship sql.NullString
		)
		if err := rows.Scan(&lc.ID, &lc.Name, &phone, &email, &role, &extID, &lc.CreatedAt, &lc.UpdatedAt,
			&relationship, &lc.CanEdit); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan linked caregiver", err)
		}
		lc.Phone, lc.Email, lc.Role, lc.ExternalID = phone.String, email.String, role.String, extID.String
		lc.Relationship = relationship.String
		linked = append(linked, &lc)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to iterate linked caregivers", err)
	}
	return linked, nil
}

// ===== Intervention Operations =====

const interventionColumns = `id, patient_id, caregiver_id, type, notes, follow_up_date, created_at`

// CreateIntervention appends an intervention. Patient and caregiver must
// exist.
func (r *Repository) CreateIntervention(ctx context.Context, i *models.Intervention) error {
	if i.ID == "" {
		i.ID = uuid.New()
	}
	i.CreatedAt = r.now().Unix()

	if err := validateIntervention(i); err != nil {
		return err
	}

	return r.apply(ctx, &mutation{
		table:    models.TableInterventions,
		recordID: i.ID,
		op:       models.OperationInsert,
		record:   i,
		write: func(tx *sql.Tx) error {
			if err := requireParent(ctx, tx, models.TablePatients, i.PatientID, "patient"); err != nil {
				return err
			}
			if err := requireParent(ctx, tx, models.TableCaregivers, i.CaregiverID, "caregiver"); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO interventions (`+interventionColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				i.ID, i.PatientID, i.CaregiverID, string(i.Type), nullString(i.Notes),
				nullInt64(i.FollowUpDate), i.CreatedAt)
			if err != nil {
				return classify(err, "failed to create intervention")
			}
			return nil
		},
	})
}

// ListInterventions returns a patient's interventions, newest first.
func (r *Repository) ListInterventions(ctx context.Context, patientID string) ([]*models.Intervention, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+interventionColumns+` FROM interventions
		WHERE patient_id = ? ORDER BY created_at DESC, id`, patientID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list interventions", err)
	}
	defer rows.Close()

	var interventions []*models.Intervention
	for rows.Next() {
		i, err := scanIntervention(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan intervention", err)
		}
		interventions = append(interventions, i)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to iterate interventions", err)
	}
	return interventions, nil
}
