package patient

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/internal/platform/phi"
	"github.com/medvault/medvault/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/patients", h.CreatePatient)
	api.GET("/patients", h.ListPatients)
	api.GET("/patients/:id", h.GetPatient)
	api.PUT("/patients/:id", h.UpdatePatient)
	api.DELETE("/patients/:id", h.DeletePatient)
	api.POST("/patients/import", h.ImportPatients)
}

// createPatientRequest is the JSON body for create and update.
type createPatientRequest struct {
	ExternalID  string `json:"external_id"`
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	DateOfBirth string `json:"date_of_birth"`
	Gender      string `json:"gender"`
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var req createPatientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.FirstName == "" || req.LastName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "first_name and last_name are required")
	}

	actor := actorFromContext(c)
	p := &Patient{
		ExternalID:  req.ExternalID,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		DateOfBirth: req.DateOfBirth,
		Gender:      req.Gender,
	}
	if actor.UserID != nil {
		p.UploadedBy = *actor.UserID
	}

	created, err := h.svc.Create(c.Request().Context(), p, actor)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	p, err := h.svc.Get(c.Request().Context(), id, actorFromContext(c))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPatients(c echo.Context) error {
	pg := pagination.FromContext(c)
	patients, total, skipped, err := h.svc.List(c.Request().Context(), pg.Limit, pg.Offset, actorFromContext(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	resp := pagination.NewResponse(patients, total, pg.Limit, pg.Offset)
	if skipped > 0 {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"data": resp.Data, "total": resp.Total, "limit": resp.Limit,
			"offset": resp.Offset, "has_more": resp.HasMore,
			"skipped": skipped,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var req createPatientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	p := &Patient{
		ID:          id,
		ExternalID:  req.ExternalID,
		FirstName:   req.FirstName,
		LastName:    req.LastName,
		DateOfBirth: req.DateOfBirth,
		Gender:      req.Gender,
	}
	updated, err := h.svc.Update(c.Request().Context(), p, actorFromContext(c))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *Handler) DeletePatient(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	err = h.svc.Delete(c.Request().Context(), id, actorFromContext(c))
	if errors.Is(err, ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// importRequest is the JSON body for POST /patients/import.
type importRequest struct {
	Patients []createPatientRequest `json:"patients"`
}

func (h *Handler) ImportPatients(c echo.Context) error {
	var req importRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if len(req.Patients) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "patients is required")
	}

	patients := make([]*Patient, len(req.Patients))
	for i, r := range req.Patients {
		patients[i] = &Patient{
			ExternalID:  r.ExternalID,
			FirstName:   r.FirstName,
			LastName:    r.LastName,
			DateOfBirth: r.DateOfBirth,
			Gender:      r.Gender,
		}
	}

	batchID, successful, failed := h.svc.ImportBatch(c.Request().Context(), patients, actorFromContext(c))
	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"batch_id":   batchID,
		"total":      len(patients),
		"successful": successful,
		"failed":     failed,
	})
}

// actorFromContext builds the audit attribution for the current request.
func actorFromContext(c echo.Context) phi.Context {
	return phi.Context{
		UserID:    auth.UserIDFromContext(c.Request().Context()),
		IPAddress: c.RealIP(),
	}
}
