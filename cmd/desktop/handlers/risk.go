package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/kimhsiao/adherence/backend/internal/models"
)

// RiskRunner is the part of the risk service the API needs.
type RiskRunner interface {
	Assess(ctx context.Context, patientID string) (*models.RiskAssessment, error)
	AssessAll(ctx context.Context) ([]*models.RiskAssessment, error)
	Latest(patientID string) (*models.RiskAssessment, bool)
}

// RiskHandler exposes risk assessments.
type RiskHandler struct {
	risk RiskRunner
}

// NewRiskHandler creates a new RiskHandler.
func NewRiskHandler(risk RiskRunner) *RiskHandler {
	return &RiskHandler{risk: risk}
}

// Register mounts the routes on g.
func (h *RiskHandler) Register(g *echo.Group) {
	g.GET("/patients/:id/risk", h.GetRisk)
	g.POST("/risk/assess", h.AssessAll)
}

// GetRisk handles GET /patients/:id/risk
// ?cached=true returns the last scheduled result without recomputing.
func (h *RiskHandler) GetRisk(c echo.Context) error {
	id := c.Param("id")
	if c.QueryParam("cached") == "true" {
		if a, ok := h.risk.Latest(id); ok {
			return c.JSON(http.StatusOK, a)
		}
	}
	a, err := h.risk.Assess(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

// AssessAll handles POST /risk/assess
// Partial results are returned even when some patients failed.
func (h *RiskHandler) AssessAll(c echo.Context) error {
	results, err := h.risk.AssessAll(c.Request().Context())
	resp := map[string]interface{}{
		"items": results,
		"total": len(results),
	}
	if err != nil {
		if results == nil {
			return respondError(c, err)
		}
		resp["error"] = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}
