package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/kimhsiao/adherence/backend/cmd/desktop/handlers"
	"github.com/kimhsiao/adherence/backend/internal/app"
	"github.com/kimhsiao/adherence/backend/internal/logging"
	"github.com/kimhsiao/adherence/backend/internal/models"
)

const shutdownTimeout = 10 * time.Second

// Server is the localhost REST and WebSocket API of the desktop companion.
type Server struct {
	echo *echo.Echo
	app  *app.App
	hub  *WSHub
}

// NewServer builds the router and connects engine and risk events to the
// WebSocket hub.
func NewServer(a *app.App) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"http://localhost", "http://127.0.0.1"},
	}))

	hub := NewWSHub()
	a.Engine.SetEventHandler(hub)
	a.Risk.SetCallbacks(hub.BroadcastRiskAssessed, hub.BroadcastRiskFailed)

	s := &Server{echo: e, app: a, hub: hub}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.echo.GET("/ws", HandleWebSocket(s.hub))

	api := s.echo.Group("/api")
	api.Use(NewRateLimiterMiddleware(RateLimiterConfig{
		RequestsPerSecond: s.app.Config.APIRateLimit,
		Burst:             int(s.app.Config.APIRateLimit * 2),
	}))
	api.GET("/health", s.handleHealth)

	repo := s.app.Repo
	handlers.NewPatientHandler(repo, repo).Register(api)
	handlers.NewAdherenceHandler(repo).Register(api)
	handlers.NewCaregiverHandler(repo).Register(api)
	handlers.NewRiskHandler(s.app.Risk).Register(api)
	handlers.NewSyncHandler(s.app.Engine, s.reportableConnectivity(), s.app.Outbox).Register(api)
	handlers.NewBackupHandler(s.app.Backup, s.app.Config.BackupDir, s.app.Config.BackupPassword).Register(api)
}

// reportableConnectivity returns the switch when clients own the
// connectivity signal, and nil when a prober does.
func (s *Server) reportableConnectivity() handlers.ConnectivitySetter {
	if s.app.Prober != nil {
		return nil
	}
	return s.app.Connectivity
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	components := map[string]string{}
	status := "healthy"

	if err := s.app.DB.PingContext(ctx); err != nil {
		components["database"] = "unhealthy: " + err.Error()
		status = "unhealthy"
	} else {
		components["database"] = "healthy"
	}

	sync, err := s.app.Engine.Status(ctx)
	if err != nil {
		components["outbox"] = "unhealthy: " + err.Error()
		status = "unhealthy"
	} else {
		components["sync"] = string(sync.State)
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, map[string]interface{}{
		"status":     status,
		"service":    "adherence-desktop",
		"components": components,
		"pending":    sync.Pending,
		"clients":    s.hub.ClientCount(),
	})
}

// ServeHTTP lets tests drive the router directly.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

// Start listens on port until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, port int) error {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	logging.Info("Desktop server starting", map[string]interface{}{"addr": addr})

	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		s.hub.Stop()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.hub.Stop()
	return s.echo.Shutdown(shutdownCtx)
}

// riskSummary is logged after each scheduled risk pass.
func riskSummary(results []*models.RiskAssessment) map[string]interface{} {
	levels := map[models.RiskLevel]int{}
	for _, r := range results {
		levels[r.RiskLevel]++
	}
	return map[string]interface{}{
		"patients": len(results),
		"green":    levels[models.RiskGreen],
		"yellow":   levels[models.RiskYellow],
		"red":      levels[models.RiskRed],
	}
}
