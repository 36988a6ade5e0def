package grant

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/livelink/livelink/internal/domain/principal"
	"github.com/livelink/livelink/internal/domain/tier"
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
	doctor := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctor.POST("/access-requests", h.CreateAccessRequest)
	doctor.GET("/access-requests/mine", h.ListMine)
	doctor.GET("/critical-requests/pending", h.ListPendingCritical)
	doctor.POST("/critical-requests/:id/approve", h.ApproveCritical)
	doctor.POST("/critical-requests/:id/reject", h.RejectCritical)

	patient := api.Group("", auth.RequireRole(auth.RolePatient))
	patient.GET("/patients/me/access-requests", h.ListForPatient)
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

type proofPayload struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        string `json:"data"` // base64
}

type accessRequest struct {
	PatientID  string         `json:"patient_id"`
	CardNumber string         `json:"card_number"`
	Tier       string         `json:"tier"`
	Reason     string         `json:"reason"`
	Proofs     []proofPayload `json:"proofs"`
}

func (h *Handler) CreateAccessRequest(c echo.Context) error {
	doctorID, err := callerID(c)
	if err != nil {
		return err
	}

	var req accessRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	patientID, err := h.resolvePatient(c, req.PatientID, req.CardNumber)
	if err != nil {
		return err
	}

	t, err := tier.Parse(req.Tier)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "tier must be emergency or critical")
	}

	uploads := make([]ProofUpload, 0, len(req.Proofs))
	for _, p := range req.Proofs {
		content, err := base64.StdEncoding.DecodeString(p.Data)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "proof data must be base64")
		}
		uploads = append(uploads, ProofUpload{
			Name:        p.Name,
			ContentType: p.ContentType,
			Content:     content,
		})
	}

	g, err := h.svc.CreateGrant(c.Request().Context(), doctorID, patientID, t, req.Reason, uploads)
	if err != nil {
		return mapGrantError(err)
	}
	return c.JSON(http.StatusCreated, g)
}

func (h *Handler) ApproveCritical(c echo.Context) error {
	return h.decide(c, h.svc.ApproveCriticalGrant)
}

func (h *Handler) RejectCritical(c echo.Context) error {
	return h.decide(c, h.svc.RejectCriticalGrant)
}

func (h *Handler) decide(c echo.Context, fn func(ctx context.Context, grantID, approverID uuid.UUID) (*Grant, error)) error {
	approverID, err := callerID(c)
	if err != nil {
		return err
	}
	grantID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	g, err := fn(c.Request().Context(), grantID, approverID)
	if err != nil {
		return mapGrantError(err)
	}
	return c.JSON(http.StatusOK, g)
}

func (h *Handler) ListPendingCritical(c echo.Context) error {
	doctorID, err := callerID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPendingCritical(c.Request().Context(), doctorID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListMine(c echo.Context) error {
	doctorID, err := callerID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByDoctor(c.Request().Context(), doctorID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) ListForPatient(c echo.Context) error {
	patientID, err := callerID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByPatient(c.Request().Context(), patientID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) resolvePatient(c echo.Context, patientID, cardNumber string) (uuid.UUID, error) {
	if patientID != "" {
		id, err := uuid.Parse(patientID)
		if err != nil {
			return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		return id, nil
	}
	if cardNumber != "" {
		u, err := h.principals.FindPatientByCardNumber(c.Request().Context(), cardNumber)
		if err != nil {
			if errors.Is(err, principal.ErrNotFound) {
				return uuid.Nil, echo.NewHTTPError(http.StatusNotFound, "patient not found")
			}
			return uuid.Nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return u.ID, nil
	}
	return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "patient_id or card_number is required")
}

func mapGrantError(err error) error {
	switch {
	case errors.Is(err, ErrInsufficientProof), errors.Is(err, ErrInvalidProofCount), errors.Is(err, ErrInvalidTier):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrInvalidState):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, principal.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
