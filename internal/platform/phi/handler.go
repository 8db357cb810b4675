package phi

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// ActorFunc resolves the acting caller's id for a request. Injected so the
// handlers stay decoupled from whichever identity middleware is in front.
type ActorFunc func(c echo.Context) string

// Handler exposes the audit ledger and key manager over HTTP.
type Handler struct {
	ledger  *Ledger
	keys    *KeyManager
	actorID ActorFunc
	logger  zerolog.Logger
}

// NewHandler creates a handler backed by the given ledger and key manager.
func NewHandler(ledger *Ledger, keys *KeyManager, actorID ActorFunc, logger zerolog.Logger) *Handler {
	if actorID == nil {
		actorID = func(echo.Context) string { return "anonymous" }
	}
	return &Handler{
		ledger:  ledger,
		keys:    keys,
		actorID: actorID,
		logger:  logger.With().Str("component", "phi-handler").Logger(),
	}
}

// RegisterRoutes registers the audit and admin routes on the provided group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/audit/search", h.HandleSearch)
	g.GET("/audit/export/csv", h.HandleExportCSV)
	g.GET("/audit/export/json", h.HandleExportJSON)
	g.GET("/audit/summary", h.HandleSummary)
	g.GET("/audit/:id", h.HandleGetEntry)
	g.POST("/admin/keys/:subjectID/rotate", h.HandleRotateKey)
	g.POST("/admin/retention/purge", h.HandlePurge)
}

// parseFilters extracts ledger query filters from Echo query parameters.
func parseFilters(c echo.Context) Filters {
	f := Filters{
		ActorID:      c.QueryParam("actor_id"),
		Action:       c.QueryParam("action"),
		ResourceType: c.QueryParam("resource_type"),
		ResourceID:   c.QueryParam("resource_id"),
	}

	if v := c.QueryParam("phi_accessed"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			f.PHIAccessed = &b
		}
	}
	if v := c.QueryParam("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	if v := c.QueryParam("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Offset = n
		}
	}
	if v := c.QueryParam("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Start = &t
		}
	}
	if v := c.QueryParam("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.End = &t
		}
	}

	return f
}

// HandleSearch handles GET /audit/search.
func (h *Handler) HandleSearch(c echo.Context) error {
	f := parseFilters(c)
	records, err := h.ledger.Query(c.Request().Context(), f)
	if err != nil {
		h.logger.Error().Err(err).Msg("audit search failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "audit query failed"})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"total":   len(records),
		"records": records,
	})
}

// HandleExportCSV handles GET /audit/export/csv.
func (h *Handler) HandleExportCSV(c echo.Context) error {
	return h.export(c, "csv", "text/csv")
}

// HandleExportJSON handles GET /audit/export/json.
func (h *Handler) HandleExportJSON(c echo.Context) error {
	return h.export(c, "json", "application/json")
}

// export buffers the serialized records before touching the response, so a
// store failure surfaces as a 500 instead of a truncated 200.
func (h *Handler) export(c echo.Context, format, contentType string) error {
	f := parseFilters(c)

	var buf bytes.Buffer
	if err := h.ledger.Export(c.Request().Context(), f, format, h.actorID(c), &buf); err != nil {
		h.logger.Error().Err(err).Str("format", format).Msg("audit export failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "audit export failed"})
	}

	c.Response().Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=\"audit_export_%s.%s\"", time.Now().UTC().Format("20060102_150405"), format))
	return c.Blob(http.StatusOK, contentType, buf.Bytes())
}

// HandleSummary handles GET /audit/summary. The reporting window defaults to
// the trailing 30 days.
func (h *Handler) HandleSummary(c echo.Context) error {
	end := time.Now().UTC()
	start := end.AddDate(0, 0, -30)
	if v := c.QueryParam("start"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			start = t
		}
	}
	if v := c.QueryParam("end"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			end = t
		}
	}
	opts := ReportOptions{}
	if v := c.QueryParam("include_security"); v != "" {
		opts.IncludeSecurityEvents, _ = strconv.ParseBool(v)
	}

	report, err := h.ledger.ComplianceReport(c.Request().Context(), start, end, opts)
	if err != nil {
		h.logger.Error().Err(err).Msg("compliance report failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "report generation failed"})
	}
	return c.JSON(http.StatusOK, report)
}

// HandleGetEntry handles GET /audit/:id.
func (h *Handler) HandleGetEntry(c echo.Context) error {
	id := c.Param("id")
	records, err := h.ledger.Query(c.Request().Context(), Filters{})
	if err != nil {
		h.logger.Error().Err(err).Msg("audit lookup failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "audit query failed"})
	}
	for _, r := range records {
		if r.Event.ID.String() == id {
			return c.JSON(http.StatusOK, r)
		}
	}
	return c.JSON(http.StatusNotFound, map[string]string{"error": "entry not found"})
}

// HandleRotateKey handles POST /admin/keys/:subjectID/rotate. The response
// carries key metadata only, never key material.
func (h *Handler) HandleRotateKey(c echo.Context) error {
	subjectID := c.Param("subjectID")
	key, err := h.keys.RotateSubjectKey(c.Request().Context(), subjectID)
	if err != nil {
		h.logger.Error().Err(err).Msg("key rotation failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "key rotation failed"})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"key_id":     key.KeyID,
		"created_at": key.CreatedAt,
		"expires_at": key.ExpiresAt,
	})
}

// HandlePurge handles POST /admin/retention/purge.
func (h *Handler) HandlePurge(c echo.Context) error {
	deleted, err := h.ledger.PurgeExpired(c.Request().Context(), h.actorID(c))
	if err != nil {
		h.logger.Error().Err(err).Msg("retention purge failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "retention purge failed"})
	}
	return c.JSON(http.StatusOK, map[string]any{"deleted": deleted})
}
