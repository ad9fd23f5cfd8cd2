package models

import "time"

// Patient owns medicines, adherence logs, symptoms, interventions and
// caregiver links. Deleting a patient cascades to all of them.
type Patient struct {
	ID                    string `db:"id" json:"id"`
	Name                  string `db:"name" json:"name"`
	Phone                 string `db:"phone" json:"phone,omitempty"`
	Language              string `db:"language" json:"language"`
	EmergencyContactName  string `db:"emergency_contact_name" json:"emergency_contact_name,omitempty"`
	EmergencyContactPhone string `db:"emergency_contact_phone" json:"emergency_contact_phone,omitempty"`
	CreatedAt             int64  `db:"created_at" json:"created_at"`
	UpdatedAt             int64  `db:"updated_at" json:"updated_at"`
}

// DefaultLanguage is assigned when a patient is created without one.
const DefaultLanguage = "en"

// TableName returns the table name for Patient.
func (Patient) TableName() string {
	return TablePatients
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (p *Patient) CreatedAtTime() time.Time {
	return unixTime(p.CreatedAt)
}
