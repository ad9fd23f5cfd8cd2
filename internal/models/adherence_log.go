package models

import "time"

// LogStatus is the closed set of outcomes for a scheduled dose.
type LogStatus string

const (
	StatusTaken  LogStatus = "taken"
	StatusMissed LogStatus = "missed"
	StatusUnwell LogStatus = "unwell"
)

// Valid reports whether s is one of the three allowed statuses.
func (s LogStatus) Valid() bool {
	switch s {
	case StatusTaken, StatusMissed, StatusUnwell:
		return true
	}
	return false
}

// NonAdherent reports whether the dose was not taken.
func (s LogStatus) NonAdherent() bool {
	return s == StatusMissed || s == StatusUnwell
}

// AdherenceLog is an immutable record of a patient's response to one
// scheduled dose. Corrections are recorded as new logs.
type AdherenceLog struct {
	ID            string    `db:"id" json:"id"`
	MedicineID    string    `db:"medicine_id" json:"medicine_id"`
	PatientID     string    `db:"patient_id" json:"patient_id"`
	ScheduledTime int64     `db:"scheduled_time" json:"scheduled_time"`
	ActualTime    *int64    `db:"actual_time" json:"actual_time,omitempty"`
	Status        LogStatus `db:"status" json:"status"`
	Notes         string    `db:"notes" json:"notes,omitempty"`
	CreatedAt     int64     `db:"created_at" json:"created_at"`
}

// TableName returns the table name for AdherenceLog.
func (AdherenceLog) TableName() string {
	return TableAdherenceLogs
}

// ScheduledAt returns the scheduled time as time.Time.
func (l *AdherenceLog) ScheduledAt() time.Time {
	return unixTime(l.ScheduledTime)
}

// AdherenceLogView is a log joined with its medicine's display fields.
type AdherenceLogView struct {
	AdherenceLog
	MedicineName  string `db:"medicine_name" json:"medicine_name"`
	MedicineColor string `db:"medicine_color" json:"medicine_color"`
}
