package handlers

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/labstack/echo/v4"

	apperrors "github.com/kimhsiao/adherence/backend/internal/errors"
	"github.com/kimhsiao/adherence/backend/internal/export"
	backupsched "github.com/kimhsiao/adherence/backend/internal/export/scheduler"
)

// Backuper writes and restores backups.
type Backuper interface {
	Export(ctx context.Context, config *export.ExportConfig) (*export.ExportResult, error)
	Import(ctx context.Context, config *export.ImportConfig) (*export.ImportResult, error)
}

// BackupHandler handles backup archives. Archives are addressed by file
// name and always live in dir.
type BackupHandler struct {
	backup   Backuper
	dir      string
	password string
	now      func() time.Time
}

// NewBackupHandler creates a new BackupHandler. password is used when a
// request does not carry one.
func NewBackupHandler(backup Backuper, dir, password string) *BackupHandler {
	return &BackupHandler{backup: backup, dir: dir, password: password, now: time.Now}
}

// Register mounts the routes on g.
func (h *BackupHandler) Register(g *echo.Group) {
	g.GET("/backups", h.List)
	g.POST("/backups", h.Create)
	g.POST("/backups/restore", h.Restore)
}

// BackupRequest is the body of POST /backups.
type BackupRequest struct {
	Password string `json:"password"`
}

// RestoreRequest is the body of POST /backups/restore.
type RestoreRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
	Requeue  bool   `json:"requeue"`
}

// List handles GET /backups
func (h *BackupHandler) List(c echo.Context) error {
	archives, err := backupsched.ListArchives(h.dir)
	if err != nil {
		return respondError(c, err)
	}
	items := make([]map[string]interface{}, len(archives))
	for i, a := range archives {
		items[i] = map[string]interface{}{
			"name":       filepath.Base(a.Path),
			"size_bytes": a.SizeBytes,
			"created_at": a.CreatedAt.Unix(),
			"encrypted":  a.Encrypted,
		}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"items": items, "total": len(items)})
}

// Create handles POST /backups
func (h *BackupHandler) Create(c echo.Context) error {
	var req BackupRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	password := req.Password
	if password == "" {
		password = h.password
	}

	result, err := h.backup.Export(c.Request().Context(), &export.ExportConfig{
		OutputPath: filepath.Join(h.dir, export.FileName(h.now(), password != "")),
		Password:   password,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"name":       filepath.Base(result.FilePath),
		"size_bytes": result.SizeBytes,
		"counts":     result.Counts,
		"checksum":   result.Checksum,
		"encrypted":  result.Encrypted,
	})
}

// Restore handles POST /backups/restore
func (h *BackupHandler) Restore(c echo.Context) error {
	var req RestoreRequest
	if err := bind(c, &req); err != nil {
		return respondError(c, err)
	}
	if req.Name == "" || filepath.Base(req.Name) != req.Name {
		return respondError(c, apperrors.New(apperrors.ErrValidation, "name must be a backup file name"))
	}
	password := req.Password
	if password == "" {
		password = h.password
	}

	result, err := h.backup.Import(c.Request().Context(), &export.ImportConfig{
		ArchivePath: filepath.Join(h.dir, req.Name),
		Password:    password,
		Requeue:     req.Requeue,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}
