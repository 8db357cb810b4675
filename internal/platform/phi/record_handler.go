package phi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// RecordHandler exposes the cipher and sharing filter to sibling services
// that hold PHI but must not hold key material.
type RecordHandler struct {
	cipher  *Cipher
	sharing *SharingFilter
	logger  zerolog.Logger
}

// NewRecordHandler creates a handler backed by the given cipher and filter.
func NewRecordHandler(cipher *Cipher, sharing *SharingFilter, logger zerolog.Logger) *RecordHandler {
	return &RecordHandler{
		cipher:  cipher,
		sharing: sharing,
		logger:  logger.With().Str("component", "record-handler").Logger(),
	}
}

// RegisterRoutes registers the PHI record routes on the provided group.
func (h *RecordHandler) RegisterRoutes(g *echo.Group) {
	g.POST("/phi/records/:subjectID", h.HandleEncrypt)
	g.POST("/phi/records/:subjectID/decrypt", h.HandleDecrypt)
	g.POST("/phi/records/:subjectID/reencrypt", h.HandleReEncrypt)
	g.POST("/phi/share/:subjectID", h.HandleShare)
	g.GET("/phi/sharing/levels/:level", h.HandleAllowedFields)
}

type encryptRequest struct {
	DataType string         `json:"data_type"`
	Payload  map[string]any `json:"payload"`
}

type decryptRequest struct {
	Envelope *Envelope `json:"envelope"`
	Purpose  string    `json:"purpose"`
}

type reencryptRequest struct {
	Envelope *Envelope `json:"envelope"`
	DataType string    `json:"data_type"`
}

type shareRequest struct {
	Platform string         `json:"platform"`
	Level    string         `json:"level"`
	Payload  map[string]any `json:"payload"`
}

// HandleEncrypt handles POST /phi/records/:subjectID.
func (h *RecordHandler) HandleEncrypt(c echo.Context) error {
	var req encryptRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed request body"})
	}

	env, err := h.cipher.Encrypt(c.Request().Context(), req.Payload, c.Param("subjectID"), req.DataType)
	if err != nil {
		return h.fail(c, err, "encrypt failed")
	}
	return c.JSON(http.StatusOK, env)
}

// HandleDecrypt handles POST /phi/records/:subjectID/decrypt.
func (h *RecordHandler) HandleDecrypt(c echo.Context) error {
	var req decryptRequest
	if err := c.Bind(&req); err != nil || req.Envelope == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed request body"})
	}

	data, err := h.cipher.Decrypt(c.Request().Context(), req.Envelope, c.Param("subjectID"), req.Purpose)
	if err != nil {
		return h.fail(c, err, "decrypt failed")
	}
	return c.JSON(http.StatusOK, map[string]any{"payload": data})
}

// HandleReEncrypt handles POST /phi/records/:subjectID/reencrypt.
func (h *RecordHandler) HandleReEncrypt(c echo.Context) error {
	var req reencryptRequest
	if err := c.Bind(&req); err != nil || req.Envelope == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed request body"})
	}

	env, err := h.cipher.ReEncrypt(c.Request().Context(), req.Envelope, c.Param("subjectID"), req.DataType)
	if err != nil {
		return h.fail(c, err, "re-encrypt failed")
	}
	return c.JSON(http.StatusOK, env)
}

// HandleShare handles POST /phi/share/:subjectID.
func (h *RecordHandler) HandleShare(c echo.Context) error {
	var req shareRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "malformed request body"})
	}

	env, err := h.sharing.EncryptForSharing(c.Request().Context(), req.Payload, c.Param("subjectID"), req.Platform, req.Level)
	if err != nil {
		return h.fail(c, err, "share failed")
	}
	return c.JSON(http.StatusOK, env)
}

// HandleAllowedFields handles GET /phi/sharing/levels/:level.
func (h *RecordHandler) HandleAllowedFields(c echo.Context) error {
	level := c.Param("level")
	return c.JSON(http.StatusOK, map[string]any{
		"level":  level,
		"fields": AllowedFields(level),
	})
}

// fail maps core errors to HTTP statuses. Error bodies carry reasons, never
// plaintext or key material; the typed errors are built that way.
func (h *RecordHandler) fail(c echo.Context, err error, msg string) error {
	h.logger.Error().Err(err).Msg(msg)

	var rotation *KeyRotationRequired
	if errors.As(err, &rotation) {
		return c.JSON(http.StatusConflict, map[string]string{
			"error":  "key rotation required",
			"key_id": rotation.KeyID,
		})
	}
	var encErr *EncryptionError
	if errors.As(err, &encErr) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": encErr.Error()})
	}
	var decErr *DecryptionError
	if errors.As(err, &decErr) {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": decErr.Error()})
	}
	if errors.Is(err, ErrUnavailable) {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "temporarily unavailable"})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": msg})
}
