package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/lumenhealth/lumen/internal/platform/phi"
)

// auditedPrefixes are the route trees whose access gets an audit event. The
// ops endpoints (/healthz, /metrics) stay out; they carry no PHI and would
// drown the trail.
var auditedPrefixes = []string{"/phi/", "/audit/", "/admin/"}

// Audit records one audit event per request to a PHI-bearing route. The
// handler runs first so the response status is known; a failing handler is
// still an access attempt and is still recorded.
func Audit(ledger phi.Recorder, logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			path := req.URL.Path
			if !isAuditablePath(path) {
				return next(c)
			}

			err := next(c)

			actor := ActorFromContext(req.Context())
			status := c.Response().Status

			action := httpMethodToAction(req.Method)
			if status == http.StatusUnauthorized || status == http.StatusForbidden {
				action = phi.ActionUnauthorizedAccess
			}

			event := &phi.Event{
				ActorID:      actor.ID,
				ActorType:    actor.Type,
				SessionID:    actor.SessionID,
				SourceAddr:   c.RealIP(),
				Action:       action,
				ResourceType: resourceTypeFromPath(path),
				ResourceID:   c.Param("subjectID"),
				PHIAccessed:  strings.HasPrefix(path, "/phi/"),
				Details: map[string]any{
					"method": req.Method,
					"path":   path,
					"status": status,
				},
			}
			if _, logErr := ledger.Log(event); logErr != nil {
				logger.Error().Err(logErr).Str("path", path).Msg("failed to record access audit event")
			}

			return err
		}
	}
}

func isAuditablePath(path string) bool {
	for _, prefix := range auditedPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func httpMethodToAction(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead:
		return phi.ActionPHIRead
	case http.MethodPost:
		return phi.ActionPHICreated
	case http.MethodPut, http.MethodPatch:
		return phi.ActionPHIUpdated
	case http.MethodDelete:
		return phi.ActionPHIDeleted
	default:
		return phi.ActionPHIRead
	}
}

// resourceTypeFromPath takes the first path segment after the route prefix:
// /phi/records/123 -> records.
func resourceTypeFromPath(path string) string {
	for _, prefix := range auditedPrefixes {
		if strings.HasPrefix(path, prefix) {
			rest := strings.TrimPrefix(path, prefix)
			if idx := strings.Index(rest, "/"); idx > 0 {
				return rest[:idx]
			}
			if rest != "" {
				return rest
			}
		}
	}
	return "unknown"
}
