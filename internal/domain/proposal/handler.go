package proposal

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/livelink/livelink/internal/domain/principal"
	"github.com/livelink/livelink/internal/domain/record"
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
	doctor.POST("/edit-proposals", h.Submit)
	doctor.GET("/edit-proposals/mine", h.ListMine)
	doctor.GET("/edit-proposals/pending", h.ListPending)
	doctor.POST("/edit-proposals/:id/approve", h.Approve)
	doctor.POST("/edit-proposals/:id/reject", h.Reject)

	patient := api.Group("", auth.RequireRole(auth.RolePatient))
	patient.GET("/patients/me/edit-proposals", h.ListForPatient)
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

type filePayload struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        string `json:"data"` // base64
}

type submitRequest struct {
	PatientID  string                 `json:"patient_id"`
	CardNumber string                 `json:"card_number"`
	Tier       string                 `json:"tier"`
	Reason     string                 `json:"reason"`
	Payload    map[string]interface{} `json:"payload"`
	Files      []filePayload          `json:"files"`
}

func (h *Handler) Submit(c echo.Context) error {
	proposerID, err := callerID(c)
	if err != nil {
		return err
	}

	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	patientID, err := h.resolvePatient(c, req.PatientID, req.CardNumber)
	if err != nil {
		return err
	}
	t, err := tier.Parse(req.Tier)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown tier")
	}

	uploads := make([]record.FileUpload, 0, len(req.Files))
	for _, f := range req.Files {
		content, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "file data must be base64")
		}
		uploads = append(uploads, record.FileUpload{
			Name:        f.Name,
			ContentType: f.ContentType,
			Content:     content,
		})
	}

	p, err := h.svc.Submit(c.Request().Context(), proposerID, patientID, t, req.Reason,
		record.ShapePayload(t, req.Payload), uploads)
	if err != nil {
		return mapProposalError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) Approve(c echo.Context) error {
	return h.decide(c, h.svc.Approve)
}

func (h *Handler) Reject(c echo.Context) error {
	return h.decide(c, h.svc.Reject)
}

func (h *Handler) decide(c echo.Context, fn func(ctx context.Context, proposalID, approverID uuid.UUID) (*Proposal, error)) error {
	approverID, err := callerID(c)
	if err != nil {
		return err
	}
	proposalID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	p, err := fn(c.Request().Context(), proposalID, approverID)
	if err != nil {
		return mapProposalError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPending(c echo.Context) error {
	doctorID, err := callerID(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPending(c.Request().Context(), doctorID, pg.Limit, pg.Offset)
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
	items, total, err := h.svc.ListByProposer(c.Request().Context(), doctorID, pg.Limit, pg.Offset)
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

func mapProposalError(err error) error {
	switch {
	case errors.Is(err, ErrNoPrimary), errors.Is(err, ErrIsPrimary), errors.Is(err, ErrInvalidState):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, principal.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
