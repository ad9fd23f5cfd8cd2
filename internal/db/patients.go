package db

import (
	"context"
	"database/sql"

	apperrors "github.com/kimhsiao/adherence/backend/internal/errors"
	"github.com/kimhsiao/adherence/backend/internal/models"
	"github.com/kimhsiao/adherence/backend/internal/uuid"
)

// ===== Patient Operations =====

const patientColumns = `id, name, phone, language, emergency_contact_name, emergency_contact_phone, created_at, updated_at`

// CreatePatient inserts a patient. Empty ID and language are filled in.
func (r *Repository) CreatePatient(ctx context.Context, p *models.Patient) error {
	if p.ID == "" {
		p.ID = uuid.New()
	}
	if p.Language == "" {
		p.Language = models.DefaultLanguage
	}
	now := r.now().Unix()
	p.CreatedAt, p.UpdatedAt = now, now

	if err := validatePatient(p); err != nil {
		return err
	}

	return r.apply(ctx, &mutation{
		table:    models.TablePatients,
		recordID: p.ID,
		op:       models.OperationInsert,
		record:   p,
		write: func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO patients (`+patientColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				p.ID, p.Name, nullString(p.Phone), p.Language,
				nullString(p.EmergencyContactName), nullString(p.EmergencyContactPhone),
				p.CreatedAt, p.UpdatedAt)
			if err != nil {
				return classify(err, "failed to create patient")
			}
			return nil
		},
	})
}

// GetPatient retrieves a patient by ID.
func (r *Repository) GetPatient(ctx context.Context, id string) (*models.Patient, error) {
	stmt, err := r.PrepareStmt(ctx, `SELECT `+patientColumns+` FROM patients WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	p, err := scanPatient(stmt.QueryRowContext(ctx, id))
	if err == sql.ErrNoRows {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "patient %s not found", id)
	}
	return p, err
}

// ListPatients returns all patients ordered by name.
func (r *Repository) ListPatients(ctx context.Context) ([]*models.Patient, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+patientColumns+` FROM patients ORDER BY name, id`)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list patients", err)
	}
	defer rows.Close()

	var patients []*models.Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, err
		}
		patients = append(patients, p)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to iterate patients", err)
	}
	return patients, nil
}

// UpdatePatient overwrites the mutable fields of an existing patient.
func (r *Repository) UpdatePatient(ctx context.Context, p *models.Patient) error {
	if p.Language == "" {
		p.Language = models.DefaultLanguage
	}
	if err := validatePatient(p); err != nil {
		return err
	}
	p.UpdatedAt = r.now().Unix()

	return r.apply(ctx, &mutation{
		table:    models.TablePatients,
		recordID: p.ID,
		op:       models.OperationUpdate,
		record:   p,
		write: func(tx *sql.Tx) error {
			if err := tx.QueryRowContext(ctx, `SELECT created_at FROM patients WHERE id = ?`, p.ID).Scan(&p.CreatedAt); err != nil {
				if err == sql.ErrNoRows {
					return apperrors.Newf(apperrors.ErrNotFound, "patient %s not found", p.ID)
				}
				return apperrors.Wrap(apperrors.ErrDatabase, "failed to load patient", err)
			}
			_, err := tx.ExecContext(ctx, `UPDATE patients SET name = ?, phone = ?, language = ?,
				emergency_contact_name = ?, emergency_contact_phone = ?, updated_at = ?
				WHERE id = ?`,
				p.Name, nullString(p.Phone), p.Language,
				nullString(p.EmergencyContactName), nullString(p.EmergencyContactPhone),
				p.UpdatedAt, p.ID)
			if err != nil {
				return classify(err, "failed to update patient")
			}
			return nil
		},
	})
}

// DeletePatient removes a patient and, by cascade, everything it owns. A
// single delete item is queued for the patient record; its payload lists
// the owned documents so the remote drops them too.
func (r *Repository) DeletePatient(ctx context.Context, id string) error {
	return r.apply(ctx, &mutation{
		table:    models.TablePatients,
		recordID: id,
		op:       models.OperationDelete,
		cascade: func(tx *sql.Tx) ([]models.DocumentRef, error) {
			return cascadeRefs(ctx, tx, patientChildren, id)
		},
		write: func(tx *sql.Tx) error {
			if err := requireRow(ctx, tx, models.TablePatients, id, "patient"); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM patients WHERE id = ?`, id); err != nil {
				return classify(err, "failed to delete patient")
			}
			return nil
		},
	})
}

func scanPatient(s scanner) (*models.Patient, error) {
	var (
		p                      models.Patient
		phone, ecName, ecPhone sql.NullString
	)
	err := s.Scan(&p.ID, &p.Name, &phone, &p.Language, &ecName, &ecPhone, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan patient", err)
	}
	p.Phone = phone.String
	p.EmergencyContactName = ecName.String
	p.EmergencyContactPhone = ecPhone.String
	return &p, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}
