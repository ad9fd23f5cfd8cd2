package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/kimhsiao/adherence/backend/internal/db"
	"github.com/kimhsiao/adherence/backend/internal/models"
)

// defaultLogRange is the look-back of GET /patients/:id/logs without a start.
const defaultLogRange = 7 * 24 * time.Hour

// AdherenceHandler handles adherence logs and symptoms.
type AdherenceHandler struct {
	store db.AdherenceRepository
	now   func() time.Time
}

// NewAdherenceHandler creates a new AdherenceHandler.
func NewAdherenceHandler(store db.AdherenceRepository) *AdherenceHandler {
	return &AdherenceHandler{store: store, now: time.Now}
}

// Register mounts the routes on g.
func (h *AdherenceHandler) Register(g *echo.Group) {
	g.POST("/logs", h.CreateLog)
	g.GET("/logs/:id", h.GetLog)
	g.GET("/logs/:id/symptoms", h.ListSymptoms)
	g.GET("/patients/:id/logs", h.ListLogs)
	g.GET("/patients/:id/streak", h.GetStreak)
	g.GET("/patients/:id/symptoms", h.RecentSymptoms)
	g.POST("/symptoms", h.CreateSymptom)
}

// CreateLog handles POST /logs
func (h *AdherenceHandler) CreateLog(c echo.Context) error {
	var l models.AdherenceLog
	if err := bind(c, &l); err != nil {
		return respondError(c, err)
	}
	if err := h.store.CreateAdherenceLog(c.Request().Context(), &l); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, l)
}

// GetLog handles GET /logs/:id
func (h *AdherenceHandler) GetLog(c echo.Context) error {
	l, err := h.store.GetAdherenceLog(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, l)
}

// ListLogs handles GET /patients/:id/logs?start=&end=
// Both bounds accept unix seconds or RFC3339; the default is the last week.
func (h *AdherenceHandler) ListLogs(c echo.Context) error {
	now := h.now()
	end, err := queryTime(c, "end", now)
	if err != nil {
		return respondError(c, err)
	}
	start, err := queryTime(c, "start", end.Add(-defaultLogRange))
	if err != nil {
		return respondError(c, err)
	}

	logs, err := h.store.GetAdherenceLogs(c.Request().Context(), c.Param("id"), start, end)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"items": logs,
		"total": len(logs),
		"start": start.Unix(),
		"end":   end.Unix(),
	})
}

// GetStreak handles GET /patients/:id/streak
func (h *AdherenceHandler) GetStreak(c echo.Context) error {
	streak, err := h.store.GetAdherenceStreak(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"patient_id": c.Param("id"),
		"streak":     streak,
	})
}

// CreateSymptom handles POST /symptoms
func (h *AdherenceHandler) CreateSymptom(c echo.Context) error {
	var s models.Symptom
	if err := bind(c, &s); err != nil {
		return respondError(c, err)
	}
	if err := h.store.CreateSymptom(c.Request().Context(), &s); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, s)
}

// ListSymptoms handles GET /logs/:id/symptoms
func (h *AdherenceHandler) ListSymptoms(c echo.Context) error {
	symptoms, err := h.store.ListSymptoms(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": symptoms, "total": len(symptoms)})
}

// RecentSymptoms handles GET /patients/:id/symptoms?since=
func (h *AdherenceHandler) RecentSymptoms(c echo.Context) error {
	since, err := queryTime(c, "since", h.now().Add(-defaultLogRange))
	if err != nil {
		return respondError(c, err)
	}
	symptoms, err := h.store.GetRecentSymptoms(c.Request().Context(), c.Param("id"), since)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": symptoms, "total": len(symptoms)})
}
