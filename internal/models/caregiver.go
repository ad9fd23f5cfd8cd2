package models

// Caregiver monitors one or more patients through CaregiverLinks.
type Caregiver struct {
	ID         string `db:"id" json:"id"`
	Name       string `db:"name" json:"name"`
	Phone      string `db:"phone" json:"phone,omitempty"`
	Email      string `db:"email" json:"email,omitempty"`
	Role       string `db:"role" json:"role,omitempty"`
	ExternalID string `db:"external_id" json:"external_id,omitempty"`
	CreatedAt  int64  `db:"created_at" json:"created_at"`
	UpdatedAt  int64  `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Caregiver.
func (Caregiver) TableName() string {
	return TableCaregivers
}

// CaregiverLink joins a patient and a caregiver.
type CaregiverLink struct {
	PatientID    string `db:"patient_id" json:"patient_id"`
	CaregiverID  string `db:"caregiver_id" json:"caregiver_id"`
	Relationship string `db:"relationship" json:"relationship,omitempty"`
	CanEdit      bool   `db:"can_edit" json:"can_edit"`
	CreatedAt    int64  `db:"created_at" json:"created_at"`
}

// TableName returns the table name for CaregiverLink.
func (CaregiverLink) TableName() string {
	return TablePatientCaregivers
}

// RecordID is the outbox/remote key of the link.
func (l *CaregiverLink) RecordID() string {
	return l.PatientID + ":" + l.CaregiverID
}

// LinkedCaregiver is a caregiver together with its link to a patient.
type LinkedCaregiver struct {
	Caregiver
	Relationship string `json:"relationship,omitempty"`
	CanEdit      bool   `json:"can_edit"`
}
