package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	apperrors "github.com/kimhsiao/adherence/backend/internal/errors"
	"github.com/kimhsiao/adherence/backend/internal/logging"
	"github.com/kimhsiao/adherence/backend/internal/sync"
	"github.com/kimhsiao/adherence/backend/internal/sync/queue"
)

// ConnectivitySetter accepts connectivity reports from the platform.
type ConnectivitySetter interface {
	Set(online bool) bool
}

// QueueInspector reports on and trims the outbox.
type QueueInspector interface {
	Stats(ctx context.Context) (queue.Stats, error)
	PurgeSynced(ctx context.Context, before time.Time) (int64, error)
}

// SyncHandler handles sync status and operations.
type SyncHandler struct {
	engine       sync.SyncEngineInterface
	connectivity ConnectivitySetter
	queue        QueueInspector
	now          func() time.Time
}

// NewSyncHandler creates a new SyncHandler. connectivity may be nil when
// reachability is only probed.
func NewSyncHandler(engine sync.SyncEngineInterface, connectivity ConnectivitySetter, q QueueInspector) *SyncHandler {
	return &SyncHandler{
		engine:       engine,
		connectivity: connectivity,
		queue:        q,
		now:          time.Now,
	}
}

// Register mounts the routes on g.
func (h *SyncHandler) Register(g *echo.Group) {
	g.GET("/sync/status", h.GetStatus)
	g.POST("/sync", h.ForceSync)
	g.POST("/sync/connectivity", h.ReportConnectivity)
	g.GET("/sync/errors", h.GetErrors)
	g.DELETE("/sync/errors", h.ClearErrors)
	g.GET("/sync/queue", h.GetQueueStats)
	g.POST("/sync/queue/purge", h.PurgeQueue)
}

// GetStatus handles GET /sync/status
func (h *SyncHandler) GetStatus(c echo.Context) error {
	status, err := h.engine.Status(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, status)
}

// ForceSync handles POST /sync
func (h *SyncHandler) ForceSync(c echo.Context) error {
	result, err := h.engine.ForceSync(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

type connectivityRequest struct {
	Online *bool `json:"online"`
}

// ReportConnectivity handles POST /sync/connectivity
func (h *SyncHandler) ReportConnectivity(c echo.Context) error {
	if h.connectivity == nil {
		return respondError(c, apperrors.New(apperrors.ErrValidation, "connectivity is not reported by clients"))
	}
	var req connectivityRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	if req.Online == nil {
		return respondError(c, apperrors.New(apperrors.ErrValidation, "online is required"))
	}

	changed := h.connectivity.Set(*req.Online)
	logging.Debug("Connectivity reported", map[string]interface{}{
		"online":  *req.Online,
		"changed": changed,
	})
	return c.JSON(http.StatusOK, map[string]interface{}{
		"online":  *req.Online,
		"changed": changed,
	})
}

// GetErrors handles GET /sync/errors
func (h *SyncHandler) GetErrors(c echo.Context) error {
	errs := h.engine.GetErrorHistory()
	return c.JSON(http.StatusOK, map[string]interface{}{"items": errs, "total": len(errs)})
}

// ClearErrors handles DELETE /sync/errors
func (h *SyncHandler) ClearErrors(c echo.Context) error {
	h.engine.ClearErrorHistory()
	return c.NoContent(http.StatusNoContent)
}

// GetQueueStats handles GET /sync/queue
func (h *SyncHandler) GetQueueStats(c echo.Context) error {
	stats, err := h.queue.Stats(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, stats)
}

// PurgeQueue handles POST /sync/queue/purge?older_than_days=N
// Only synced items are removed. The default keeps a week.
func (h *SyncHandler) PurgeQueue(c echo.Context) error {
	days := 7
	if raw := c.QueryParam("older_than_days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return respondError(c, apperrors.New(apperrors.ErrValidation, "older_than_days must be a non-negative integer"))
		}
		days = n
	}
	before := h.now().AddDate(0, 0, -days)
	purged, err := h.queue.PurgeSynced(c.Request().Context(), before)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"purged": purged})
}
