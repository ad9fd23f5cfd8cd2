package models

// Common symptom vocabulary. The set is open: other words are accepted.
const (
	SymptomNausea   = "nausea"
	SymptomDizzy    = "dizzy"
	SymptomRash     = "rash"
	SymptomWeakness = "weakness"
	SymptomOther    = "other"
)

// Symptom is reported against exactly one adherence log.
type Symptom struct {
	ID          string `db:"id" json:"id"`
	LogID       string `db:"log_id" json:"log_id"`
	PatientID   string `db:"patient_id" json:"patient_id"`
	SymptomType string `db:"symptom_type" json:"symptom_type"`
	AudioRef    string `db:"audio_ref" json:"audio_ref,omitempty"`
	CreatedAt   int64  `db:"created_at" json:"created_at"`
}

// TableName returns the table name for Symptom.
func (Symptom) TableName() string {
	return TableSymptoms
}
