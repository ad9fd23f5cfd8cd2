// Package handlers provides the REST API handlers of the desktop companion
// server.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	apperrors "github.com/kimhsiao/adherence/backend/internal/errors"
	"github.com/kimhsiao/adherence/backend/internal/logging"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

// StatusFor maps an error code to an HTTP status.
func StatusFor(code apperrors.ErrorCode) int {
	switch code {
	case apperrors.ErrValidation:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrIntegrity:
		return http.StatusUnprocessableEntity
	case apperrors.ErrRateLimited:
		return http.StatusTooManyRequests
	case apperrors.ErrSyncInProgress:
		return http.StatusConflict
	case apperrors.ErrConnectivity:
		return http.StatusServiceUnavailable
	case apperrors.ErrRemoteUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as an ErrorBody. Internal errors are logged and
// their details hidden.
func respondError(c echo.Context, err error) error {
	code := apperrors.CodeOf(err)
	status := StatusFor(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logging.Error("Request failed", err, map[string]interface{}{
			"method": c.Request().Method,
			"path":   c.Path(),
		})
		msg = "internal error"
	}
	return c.JSON(status, ErrorBody{Code: code, Message: msg})
}

// bind decodes the request body into v.
func bind(c echo.Context, v interface{}) error {
	if err := c.Bind(v); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "invalid request body", err)
	}
	return nil
}

// queryTime parses a unix-seconds or RFC3339 query parameter. def is
// returned when the parameter is absent.
func queryTime(c echo.Context, name string, def time.Time) (time.Time, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	if sec, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(sec, 0), nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, apperrors.Newf(apperrors.ErrValidation, "%s must be unix seconds or RFC3339", name)
	}
	return t, nil
}
