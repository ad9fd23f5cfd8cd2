package db

import (
	"context"
	"database/sql"

	apperrors "github.com/kimhsiao/adherence/backend/internal/errors"
	"github.com/kimhsiao/adherence/backend/internal/models"
)

// childQuery selects the remote keys of rows removed by a cascade. Each
// query takes the parent id once and yields record ids.
type childQuery struct {
	table string
	query string
}

// Children come before parents so a partially applied cascade never leaves
// a remote child without a parent.
var (
	patientChildren = []childQuery{
		{models.TableSymptoms, `SELECT id FROM symptoms WHERE patient_id = ? ORDER BY id`},
		{models.TableAdherenceLogs, `SELECT id FROM adherence_logs WHERE patient_id = ? ORDER BY id`},
		{models.TableMedicines, `SELECT id FROM medicines WHERE patient_id = ? ORDER BY id`},
		{models.TableInterventions, `SELECT id FROM interventions WHERE patient_id = ? ORDER BY id`},
		{models.TablePatientCaregivers, `SELECT patient_id || ':' || caregiver_id FROM patient_caregivers
			WHERE patient_id = ? ORDER BY caregiver_id`},
	}
	medicineChildren = []childQuery{
		{models.TableSymptoms, `SELECT s.id FROM symptoms s JOIN adherence_logs l ON l.id = s.log_id
			WHERE l.medicine_id = ? ORDER BY s.id`},
		{models.TableAdherenceLogs, `SELECT id FROM adherence_logs WHERE medicine_id = ? ORDER BY id`},
	}
	caregiverChildren = []childQuery{
		{models.TableInterventions, `SELECT id FROM interventions WHERE caregiver_id = ? ORDER BY id`},
		{models.TablePatientCaregivers, `SELECT patient_id || ':' || caregiver_id FROM patient_caregivers
			WHERE caregiver_id = ? ORDER BY patient_id`},
	}
)

// cascadeRefs lists the documents that deleting parentID removes locally.
func cascadeRefs(ctx context.Context, tx *sql.Tx, queries []childQuery, parentID string) ([]models.DocumentRef, error) {
	var refs []models.DocumentRef
	for _, q := range queries {
		rows, err := tx.QueryContext(ctx, q.query, parentID)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list cascaded "+q.table, err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan cascaded "+q.table, err)
			}
			refs = append(refs, models.DocumentRef{Table: q.table, RecordID: id})
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to iterate cascaded "+q.table, err)
		}
	}
	return refs, nil
}
