package models

import (
	"fmt"
	"time"
)

// TimeSlot is the part of day a medicine is scheduled for.
type TimeSlot string

const (
	TimeSlotMorning   TimeSlot = "morning"
	TimeSlotAfternoon TimeSlot = "afternoon"
	TimeSlotEvening   TimeSlot = "evening"
	TimeSlotNight     TimeSlot = "night"
)

// TimeSlots lists the valid slots in day order.
var TimeSlots = []TimeSlot{TimeSlotMorning, TimeSlotAfternoon, TimeSlotEvening, TimeSlotNight}

// Defaults applied by the store on creation.
const (
	DefaultMedicineColor = "#4CAF50"
	DefaultPillsPerDose  = 1
)

// Medicine belongs to one patient. EndDate is derived as StartDate plus
// DurationDays and is never earlier than StartDate.
type Medicine struct {
	ID            string   `db:"id" json:"id"`
	PatientID     string   `db:"patient_id" json:"patient_id"`
	Name          string   `db:"name" json:"name"`
	ImageRef      string   `db:"image_ref" json:"image_ref,omitempty"`
	Color         string   `db:"color" json:"color"`
	TimeSlot      TimeSlot `db:"time_slot" json:"time_slot"`
	ScheduledTime string   `db:"scheduled_time" json:"scheduled_time"` // HH:MM
	DurationDays  int      `db:"duration_days" json:"duration_days"`
	StartDate     int64    `db:"start_date" json:"start_date"`
	EndDate       int64    `db:"end_date" json:"end_date"`
	PillsPerDose  int      `db:"pills_per_dose" json:"pills_per_dose"`
	TotalPills    *int     `db:"total_pills" json:"total_pills,omitempty"`
	CreatedAt     int64    `db:"created_at" json:"created_at"`
	UpdatedAt     int64    `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Medicine.
func (Medicine) TableName() string {
	return TableMedicines
}

// ActiveAt reports whether t falls inside the [start, end] window.
func (m *Medicine) ActiveAt(t time.Time) bool {
	sec := t.Unix()
	return sec >= m.StartDate && sec <= m.EndDate
}

// ScheduleWindow derives the start and end timestamps from a creation time
// and a duration in days.
func ScheduleWindow(start time.Time, durationDays int) (int64, int64) {
	end := start.AddDate(0, 0, durationDays)
	return start.Unix(), end.Unix()
}

// ParseClock parses an "HH:MM" time of day into hour and minute.
func ParseClock(s string) (int, int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}
