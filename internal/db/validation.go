package db

import (
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	apperrors "github.com/kimhsiao/adherence/backend/internal/errors"
	"github.com/kimhsiao/adherence/backend/internal/models"
	"github.com/kimhsiao/adherence/backend/internal/uuid"
)

var (
	phoneRule = validation.Match(regexp.MustCompile(`^\+?[0-9 ()\-]{3,32}$`)).Error("must be a phone number")
	colorRule = validation.Match(regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)).Error("must be a #RRGGBB color")
	clockRule = validation.By(func(value interface{}) error {
		s, _ := value.(string)
		if _, _, err := models.ParseClock(s); err != nil {
			return validation.NewError("validation_clock", "must be HH:MM")
		}
		return nil
	})
)

func validatePatient(p *models.Patient) error {
	err := validation.ValidateStruct(p,
		validation.Field(&p.ID, validation.Required, uuid.Rule),
		validation.Field(&p.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&p.Phone, phoneRule),
		validation.Field(&p.Language, validation.Required, validation.Length(2, 16)),
		validation.Field(&p.EmergencyContactName, validation.Length(0, 200)),
		validation.Field(&p.EmergencyContactPhone, phoneRule),
	)
	if err != nil {
		return apperrors.Validation("invalid patient", err)
	}
	return nil
}

func validateMedicine(m *models.Medicine) error {
	err := validation.ValidateStruct(m,
		validation.Field(&m.ID, validation.Required, uuid.Rule),
		validation.Field(&m.PatientID, validation.Required, uuid.Rule),
		validation.Field(&m.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&m.Color, validation.Required, colorRule),
		validation.Field(&m.TimeSlot, validation.Required, validation.In(
			models.TimeSlotMorning, models.TimeSlotAfternoon, models.TimeSlotEvening, models.TimeSlotNight)),
		validation.Field(&m.ScheduledTime, validation.Required, clockRule),
		validation.Field(&m.DurationDays, validation.Required, validation.Min(1)),
		validation.Field(&m.PillsPerDose, validation.Required, validation.Min(1)),
		validation.Field(&m.TotalPills, validation.Min(0)),
	)
	if err != nil {
		return apperrors.Validation("invalid medicine", err)
	}
	return nil
}

func validateAdherenceLog(l *models.AdherenceLog) error {
	err := validation.ValidateStruct(l,
		validation.Field(&l.ID, validation.Required, uuid.Rule),
		validation.Field(&l.MedicineID, validation.Required, uuid.Rule),
		validation.Field(&l.PatientID, uuid.Rule),
		validation.Field(&l.ScheduledTime, validation.Required, validation.Min(int64(1))),
		validation.Field(&l.Status, validation.Required, validation.In(
			models.StatusTaken, models.StatusMissed, models.StatusUnwell)),
		validation.Field(&l.Notes, validation.Length(0, 2000)),
	)
	if err != nil {
		return apperrors.Validation("invalid adherence log", err)
	}
	return nil
}

func validateSymptom(s *models.Symptom) error {
	s.SymptomType = strings.ToLower(strings.TrimSpace(s.SymptomType))
	err := validation.ValidateStruct(s,
		validation.Field(&s.ID, validation.Required, uuid.Rule),
		validation.Field(&s.LogID, validation.Required, uuid.Rule),
		validation.Field(&s.SymptomType, validation.Required, validation.Length(1, 64)),
	)
	if err != nil {
		return apperrors.Validation("invalid symptom", err)
	}
	return nil
}

func validateCaregiver(c *models.Caregiver) error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.ID, validation.Required, uuid.Rule),
		validation.Field(&c.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&c.Phone, phoneRule),
		validation.Field(&c.Email, is.EmailFormat),
		validation.Field(&c.Role, validation.Length(0, 64)),
		validation.Field(&c.ExternalID, validation.Length(0, 128)),
	)
	if err != nil {
		return apperrors.Validation("invalid caregiver", err)
	}
	return nil
}

func validateLink(l *models.CaregiverLink) error {
	err := validation.ValidateStruct(l,
		validation.Field(&l.PatientID, validation.Required, uuid.Rule),
		validation.Field(&l.CaregiverID, validation.Required, uuid.Rule),
		validation.Field(&l.Relationship, validation.Length(0, 64)),
	)
	if err != nil {
		return apperrors.Validation("invalid caregiver link", err)
	}
	return nil
}

func validateIntervention(i *models.Intervention) error {
	err := validation.ValidateStruct(i,
		validation.Field(&i.ID, validation.Required, uuid.Rule),
		validation.Field(&i.PatientID, validation.Required, uuid.Rule),
		validation.Field(&i.CaregiverID, validation.Required, uuid.Rule),
		validation.Field(&i.Type, validation.Required, validation.In(
			models.InterventionCall, models.InterventionVisit, models.InterventionSMS, models.InterventionOther)),
		validation.Field(&i.Notes, validation.Length(0, 2000)),
	)
	if err != nil {
		return apperrors.Validation("invalid intervention", err)
	}
	return nil
}
