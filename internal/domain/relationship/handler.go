package relationship

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/livelink/livelink/internal/domain/principal"
	"github.com/livelink/livelink/internal/platform/auth"
	"github.com/livelink/livelink/pkg/pagination"
)

type Handler struct {
	svc        *Service
	principals *principal.Service
}

func NewHandler(svc *Service, principals *principal.Service) *Handler {
	return &Handler{svc: svc, principals: principals}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	patient := api.Group("", auth.RequireRole(auth.RolePatient))
	patient.POST("/patients/me/primary-doctor", h.AddPrimaryDoctor)
	patient.DELETE("/patients/me/primary-doctor", h.RemovePrimaryDoctor)
	patient.GET("/patients/me/primary-doctor", h.GetPrimaryDoctor)

	doctor := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctor.GET("/doctors/me/patients", h.ListPrimaryPatients)
}

func callerID(c echo.Context) (uuid.UUID, error) {
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	}
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid principal")
	}
	return id, nil
}

type addPrimaryRequest struct {
	MedicalID string `json:"medical_id"`
}

func (h *Handler) AddPrimaryDoctor(c echo.Context) error {
	patientID, err := callerID(c)
	if err != nil {
		return err
	}

	var req addPrimaryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	doc, err := h.principals.FindDoctorByMedicalID(c.Request().Context(), req.MedicalID)
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "doctor not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	rel, err := h.svc.SetPrimary(c.Request().Context(), patientID, doc.ID)
	if err != nil {
		switch {
		case errors.Is(err, ErrConflict):
			return echo.NewHTTPError(http.StatusConflict, "a primary doctor is already attached")
		case errors.Is(err, ErrSelfReference):
			return echo.NewHTTPError(http.StatusBadRequest, "patient and doctor must differ")
		case errors.Is(err, ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "doctor not found")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusCreated, rel)
}

func (h *Handler) RemovePrimaryDoctor(c echo.Context) error {
	patientID, err := callerID(c)
	if err != nil {
		return err
	}
	if err := h.svc.ClearPrimary(c.Request().Context(), patientID); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetPrimaryDoctor(c echo.Context) error {
	patientID, err := callerID(c)
	if err != nil {
		return err
	}

	rel, err := h.svc.GetPrimary(c.Request().Context(), patientID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "no primary doctor attached")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	doc, err := h.principals.GetByID(c.Request().Context(), rel.DoctorID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"relationship": rel,
		"doctor":       doc,
	})
}

func (h *Handler) ListPrimaryPatients(c echo.Context) error {
	doctorID, err := callerID(c)
	if err != nil {
		return err
	}

	pg := pagination.FromContext(c)
	rels, total, err := h.svc.ListPrimaryPatients(c.Request().Context(), doctorID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	type entry struct {
		Relationship *Primary        `json:"relationship"`
		Patient      *principal.User `json:"patient,omitempty"`
	}
	items := make([]entry, 0, len(rels))
	for _, rel := range rels {
		e := entry{Relationship: rel}
		if pat, err := h.principals.GetByID(c.Request().Context(), rel.PatientID); err == nil {
			e.Patient = pat
		}
		items = append(items, e)
	}

	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}
