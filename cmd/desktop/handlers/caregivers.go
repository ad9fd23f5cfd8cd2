package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kimhsiao/adherence/backend/internal/db"
	"github.com/kimhsiao/adherence/backend/internal/models"
)

// CaregiverHandler handles caregivers, their links to patients and
// interventions.
type CaregiverHandler struct {
	store db.CaregiverRepository
}

// NewCaregiverHandler creates a new CaregiverHandler.
func NewCaregiverHandler(store db.CaregiverRepository) *CaregiverHandler {
	return &CaregiverHandler{store: store}
}

// Register mounts the routes on g.
func (h *CaregiverHandler) Register(g *echo.Group) {
	g.GET("/caregivers", h.ListCaregivers)
	g.POST("/caregivers", h.CreateCaregiver)
	g.GET("/caregivers/:id", h.GetCaregiver)
	g.PUT("/caregivers/:id", h.UpdateCaregiver)
	g.DELETE("/caregivers/:id", h.DeleteCaregiver)

	g.GET("/patients/:id/caregivers", h.ListForPatient)
	g.PUT("/patients/:id/caregivers/:caregiverId", h.Link)
	g.DELETE("/patients/:id/caregivers/:caregiverId", h.Unlink)

	g.GET("/patients/:id/interventions", h.ListInterventions)
	g.POST("/interventions", h.CreateIntervention)
}

// ListCaregivers handles GET /caregivers
func (h *CaregiverHandler) ListCaregivers(c echo.Context) error {
	caregivers, err := h.store.ListCaregivers(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": caregivers, "total": len(caregivers)})
}

// CreateCaregiver handles POST /caregivers
func (h *CaregiverHandler) CreateCaregiver(c echo.Context) error {
	var cg models.Caregiver
	if err := bind(c, &cg); err != nil {
		return respondError(c, err)
	}
	if err := h.store.CreateCaregiver(c.Request().Context(), &cg); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, cg)
}

// GetCaregiver handles GET /caregivers/:id
func (h *CaregiverHandler) GetCaregiver(c echo.Context) error {
	cg, err := h.store.GetCaregiver(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, cg)
}

// UpdateCaregiver handles PUT /caregivers/:id
func (h *CaregiverHandler) UpdateCaregiver(c echo.Context) error {
	var cg models.Caregiver
	if err := bind(c, &cg); err != nil {
		return respondError(c, err)
	}
	cg.ID = c.Param("id")
	if err := h.store.UpdateCaregiver(c.Request().Context(), &cg); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, cg)
}

// DeleteCaregiver handles DELETE /caregivers/:id
func (h *CaregiverHandler) DeleteCaregiver(c echo.Context) error {
	if err := h.store.DeleteCaregiver(c.Request().Context(), c.Param("id")); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ListForPatient handles GET /patients/:id/caregivers
func (h *CaregiverHandler) ListForPatient(c echo.Context) error {
	linked, err := h.store.ListCaregiversForPatient(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": linked, "total": len(linked)})
}

// Link handles PUT /patients/:id/caregivers/:caregiverId
// The body may carry relationship and can_edit.
func (h *CaregiverHandler) Link(c echo.Context) error {
	var l models.CaregiverLink
	if err := bind(c, &l); err != nil {
		return respondError(c, err)
	}
	l.PatientID = c.Param("id")
	l.CaregiverID = c.Param("caregiverId")
	if err := h.store.LinkCaregiver(c.Request().Context(), &l); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, l)
}

// Unlink handles DELETE /patients/:id/caregivers/:caregiverId
func (h *CaregiverHandler) Unlink(c echo.Context) error {
	if err := h.store.UnlinkCaregiver(c.Request().Context(), c.Param("id"), c.Param("caregiverId")); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// CreateIntervention handles POST /interventions
func (h *CaregiverHandler) CreateIntervention(c echo.Context) error {
	var i models.Intervention
	if err := bind(c, &i); err != nil {
		return respondError(c, err)
	}
	if err := h.store.CreateIntervention(c.Request().Context(), &i); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, i)
}

// ListInterventions handles GET /patients/:id/interventions
func (h *CaregiverHandler) ListInterventions(c echo.Context) error {
	items, err := h.store.ListInterventions(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": items, "total": len(items)})
}
