package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kimhsiao/adherence/backend/internal/db"
	"github.com/kimhsiao/adherence/backend/internal/models"
)

// PatientHandler handles patient and medicine operations.
type PatientHandler struct {
	patients  db.PatientRepository
	medicines db.MedicineRepository
}

// NewPatientHandler creates a new PatientHandler.
func NewPatientHandler(patients db.PatientRepository, medicines db.MedicineRepository) *PatientHandler {
	return &PatientHandler{patients: patients, medicines: medicines}
}

// Register mounts the routes on g.
func (h *PatientHandler) Register(g *echo.Group) {
	g.GET("/patients", h.ListPatients)
	g.POST("/patients", h.CreatePatient)
	g.GET("/patients/:id", h.GetPatient)
	g.PUT("/patients/:id", h.UpdatePatient)
	g.DELETE("/patients/:id", h.DeletePatient)

	g.GET("/patients/:id/medicines", h.ListMedicines)
	g.GET("/patients/:id/medicines/today", h.TodaysMedicines)
	g.POST("/medicines", h.CreateMedicine)
	g.GET("/medicines/:id", h.GetMedicine)
	g.PUT("/medicines/:id", h.UpdateMedicine)
	g.DELETE("/medicines/:id", h.DeleteMedicine)
}

// ListPatients handles GET /patients
func (h *PatientHandler) ListPatients(c echo.Context) error {
	patients, err := h.patients.ListPatients(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": patients, "total": len(patients)})
}

// CreatePatient handles POST /patients
func (h *PatientHandler) CreatePatient(c echo.Context) error {
	var p models.Patient
	if err := bind(c, &p); err != nil {
		return respondError(c, err)
	}
	if err := h.patients.CreatePatient(c.Request().Context(), &p); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, p)
}

// GetPatient handles GET /patients/:id
func (h *PatientHandler) GetPatient(c echo.Context) error {
	p, err := h.patients.GetPatient(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// UpdatePatient handles PUT /patients/:id
func (h *PatientHandler) UpdatePatient(c echo.Context) error {
	var p models.Patient
	if err := bind(c, &p); err != nil {
		return respondError(c, err)
	}
	p.ID = c.Param("id")
	if err := h.patients.UpdatePatient(c.Request().Context(), &p); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

// DeletePatient handles DELETE /patients/:id
func (h *PatientHandler) DeletePatient(c echo.Context) error {
	if err := h.patients.DeletePatient(c.Request().Context(), c.Param("id")); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ListMedicines handles GET /patients/:id/medicines
func (h *PatientHandler) ListMedicines(c echo.Context) error {
	meds, err := h.medicines.ListMedicines(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": meds, "total": len(meds)})
}

// TodaysMedicines handles GET /patients/:id/medicines/today
func (h *PatientHandler) TodaysMedicines(c echo.Context) error {
	meds, err := h.medicines.GetTodaysMedicines(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": meds, "total": len(meds)})
}

// CreateMedicine handles POST /medicines
func (h *PatientHandler) CreateMedicine(c echo.Context) error {
	var m models.Medicine
	if err := bind(c, &m); err != nil {
		return respondError(c, err)
	}
	if err := h.medicines.CreateMedicine(c.Request().Context(), &m); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, m)
}

// GetMedicine handles GET /medicines/:id
func (h *PatientHandler) GetMedicine(c echo.Context) error {
	m, err := h.medicines.GetMedicine(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, m)
}

// UpdateMedicine handles PUT /medicines/:id
func (h *PatientHandler) UpdateMedicine(c echo.Context) error {
	var m models.Medicine
	if err := bind(c, &m); err != nil {
		return respondError(c, err)
	}
	m.ID = c.Param("id")
	if err := h.medicines.UpdateMedicine(c.Request().Context(), &m); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, m)
}

// DeleteMedicine handles DELETE /medicines/:id
func (h *PatientHandler) DeleteMedicine(c echo.Context) error {
	if err := h.medicines.DeleteMedicine(c.Request().Context(), c.Param("id")); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
