package models

// InterventionType is the kind of contact a caregiver made.
type InterventionType string

const (
	InterventionCall  InterventionType = "call"
	InterventionVisit InterventionType = "visit"
	InterventionSMS   InterventionType = "sms"
	InterventionOther InterventionType = "other"
)

// Valid reports whether t is a known intervention type.
func (t InterventionType) Valid() bool {
	switch t {
	case InterventionCall, InterventionVisit, InterventionSMS, InterventionOther:
		return true
	}
	return false
}

// Intervention records a caregiver's action for a patient.
type Intervention struct {
	ID           string           `db:"id" json:"id"`
	PatientID    string           `db:"patient_id" json:"patient_id"`
	CaregiverID  string           `db:"caregiver_id" json:"caregiver_id"`
	Type         InterventionType `db:"type" json:"type"`
	Notes        string           `db:"notes" json:"notes,omitempty"`
	FollowUpDate *int64           `db:"follow_up_date" json:"follow_up_date,omitempty"`
	CreatedAt    int64            `db:"created_at" json:"created_at"`
}

// TableName returns the table name for Intervention.
func (Intervention) TableName() string {
	return TableInterventions
}
