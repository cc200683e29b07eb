package phi

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Handler exposes key management and encryption health endpoints over HTTP.
// These routes are operator-facing and must be mounted behind admin
// authorization.
type Handler struct {
	keys    *KeyStore
	rotator *Rotator
	service *Service
	audit   AuditRepository
}

// NewHandler creates a Handler.
func NewHandler(keys *KeyStore, rotator *Rotator, service *Service, audit AuditRepository) *Handler {
	return &Handler{keys: keys, rotator: rotator, service: service, audit: audit}
}

// RegisterRoutes registers the key management routes on the given group.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/encryption/keys", h.HandleListKeys)
	g.POST("/encryption/rotate", h.HandleRotate)
	g.GET("/encryption/health", h.HandleHealth)
	g.GET("/encryption/audit", h.HandleListAudit)
}

// HandleListKeys handles GET /encryption/keys.
func (h *Handler) HandleListKeys(c echo.Context) error {
	keys := h.keys.Keys()

	active := "none"
	if v, err := h.keys.ActiveVersion(); err == nil {
		active = v
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"keys":               keys,
		"active_key_version": active,
		"total_keys":         len(keys),
	})
}

// rotateRequest is the JSON body for POST /encryption/rotate.
type rotateRequest struct {
	NewKeyVersion string `json:"new_key_version"`
	Algorithm     string `json:"algorithm"`
}

// HandleRotate handles POST /encryption/rotate. Rotation is all-or-nothing:
// on any error the key set remains in its prior stable state.
func (h *Handler) HandleRotate(c echo.Context) error {
	var req rotateRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.NewKeyVersion == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "new_key_version is required"})
	}

	result, err := h.rotator.Rotate(c.Request().Context(), req.NewKeyVersion, req.Algorithm)
	switch {
	case errors.Is(err, ErrKeyVersionConflict):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrNoActiveKey):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	return c.JSON(http.StatusOK, result)
}

// HandleHealth handles GET /encryption/health. It verifies that an active
// key exists, that a round trip through the cipher works, and reports the
// number of failed operations in the last hour.
func (h *Handler) HandleHealth(c echo.Context) error {
	ctx := c.Request().Context()
	status := "healthy"
	checks := make([]map[string]interface{}, 0, 3)

	active, err := h.keys.ActiveVersion()
	if err != nil {
		status = "unhealthy"
		checks = append(checks, map[string]interface{}{
			"name": "active_encryption_key", "status": "fail",
			"message": "no active encryption key",
		})
	} else {
		checks = append(checks, map[string]interface{}{
			"name": "active_encryption_key", "status": "pass",
			"message": "active key: " + active,
		})
	}

	const probe = "encryption-health-probe"
	ciphertext, encErr := h.service.Encrypt(ctx, probe, "health_check", Context{})
	var plaintext string
	var decErr error
	if encErr == nil {
		plaintext, decErr = h.service.Decrypt(ctx, ciphertext, "health_check", Context{})
	}
	if encErr != nil || decErr != nil || plaintext != probe {
		status = "unhealthy"
		checks = append(checks, map[string]interface{}{
			"name": "round_trip", "status": "fail",
			"message": "encrypt/decrypt round trip failed",
		})
	} else {
		checks = append(checks, map[string]interface{}{
			"name": "round_trip", "status": "pass",
			"message": "encrypt/decrypt round trip succeeded",
		})
	}

	failures, err := h.audit.CountFailuresSince(ctx, time.Now().UTC().Add(-time.Hour))
	switch {
	case err != nil:
		checks = append(checks, map[string]interface{}{
			"name": "recent_failures", "status": "error",
			"message": err.Error(),
		})
	case failures >= 10:
		if status == "healthy" {
			status = "degraded"
		}
		checks = append(checks, map[string]interface{}{
			"name": "recent_failures", "status": "fail",
			"message": "high failure count in last hour", "count": failures,
		})
	default:
		checks = append(checks, map[string]interface{}{
			"name": "recent_failures", "status": "pass", "count": failures,
		})
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, map[string]interface{}{
		"overall_status": status,
		"checks":         checks,
		"timestamp":      time.Now().UTC(),
	})
}

// HandleListAudit handles GET /encryption/audit?limit=N.
func (h *Handler) HandleListAudit(c echo.Context) error {
	limit := 50
	if err := echo.QueryParamsBinder(c).Int("limit", &limit).BindError(); err != nil || limit <= 0 || limit > 500 {
		limit = 50
	}

	records, err := h.audit.ListRecent(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}
