package record

import (
	"encoding/base64"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/livelink/livelink/internal/domain/policy"
	"github.com/livelink/livelink/internal/domain/principal"
	"github.com/livelink/livelink/internal/domain/tier"
	"github.com/livelink/livelink/internal/platform/auth"
	"github.com/livelink/livelink/pkg/pagination"
)

// pinHeader carries the patient's record PIN on guarded reads. A header
// keeps the PIN out of URLs and access logs.
const pinHeader = "X-Record-Pin"

type Handler struct {
	svc        *Service
	engine     *policy.Engine
	principals *principal.Service
}

func NewHandler(svc *Service, engine *policy.Engine, principals *principal.Service) *Handler {
	return &Handler{svc: svc, engine: engine, principals: principals}
}

// RegisterRoutes wires the authenticated surface onto api and the
// unauthenticated early-tier surface onto public. Nothing on the public
// group consults the policy engine; it is hard-limited to the early tier.
func (h *Handler) RegisterRoutes(api, public *echo.Group) {
	doctor := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctor.POST("/records", h.Create)
	doctor.GET("/patients/:patientId/records", h.ListForPatient)
	doctor.POST("/records/:id/sections", h.AppendSection)
	doctor.PUT("/records/:id/sections/:sectionId", h.UpdateSection)

	api.GET("/records/:id", h.Get)
	api.GET("/records/:id/files/:fileId", h.GetFile)

	patient := api.Group("", auth.RequireRole(auth.RolePatient))
	patient.GET("/patients/me/records", h.ListMine)

	public.GET("/patients/:cardNumber/early", h.PublicEarly)
	public.GET("/patients/:cardNumber/version", h.PublicVersion)
}

func caller(c echo.Context) (auth.Principal, uuid.UUID, error) {
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return auth.Principal{}, uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	}
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return auth.Principal{}, uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "invalid principal")
	}
	return p, id, nil
}

type filePayload struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Data        string `json:"data"` // base64
}

type createRequest struct {
	PatientID  string                 `json:"patient_id"`
	CardNumber string                 `json:"card_number"`
	Tier       string                 `json:"tier"`
	Payload    map[string]interface{} `json:"payload"`
	Files      []filePayload          `json:"files"`
}

func (h *Handler) Create(c echo.Context) error {
	p, doctorID, err := caller(c)
	if err != nil {
		return err
	}

	var req createRequest
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
	uploads, err := decodeFiles(req.Files)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	if err := h.engine.AuthorizeWrite(ctx, p, patientID, t); err != nil {
		return mapPolicyError(err)
	}

	rec, err := h.svc.Upsert(ctx, doctorID, patientID, t, ShapePayload(t, req.Payload), uploads)
	if err != nil {
		return mapRecordError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) Get(c echo.Context) error {
	p, _, err := caller(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	ctx := c.Request().Context()
	rec, err := h.svc.GetByID(ctx, id)
	if err != nil {
		return mapRecordError(err)
	}
	if err := h.engine.AuthorizeRead(ctx, p, rec.PatientID, rec.Tier, c.Request().Header.Get(pinHeader)); err != nil {
		return mapPolicyError(err)
	}

	d, err := h.svc.Decrypt(rec)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) GetFile(c echo.Context) error {
	p, _, err := caller(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	ctx := c.Request().Context()
	rec, err := h.svc.GetByID(ctx, id)
	if err != nil {
		return mapRecordError(err)
	}
	if err := h.engine.AuthorizeRead(ctx, p, rec.PatientID, rec.Tier, c.Request().Header.Get(pinHeader)); err != nil {
		return mapPolicyError(err)
	}

	file, ok := findFile(rec, c.Param("fileId"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "file not found")
	}
	content, err := h.svc.OpenFile(ctx, file)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return c.Blob(http.StatusOK, contentType, content)
}

type sectionRequest struct {
	Label   string                 `json:"label"`
	Payload map[string]interface{} `json:"payload"`
	Files   []filePayload          `json:"files"`
}

func (h *Handler) AppendSection(c echo.Context) error {
	p, _, err := caller(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var req sectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	uploads, err := decodeFiles(req.Files)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	rec, err := h.svc.GetByID(ctx, id)
	if err != nil {
		return mapRecordError(err)
	}
	if err := h.engine.AuthorizeWrite(ctx, p, rec.PatientID, rec.Tier); err != nil {
		return mapPolicyError(err)
	}

	updated, err := h.svc.AppendSection(ctx, id, req.Label, req.Payload, uploads)
	if err != nil {
		return mapRecordError(err)
	}
	return c.JSON(http.StatusCreated, updated)
}

func (h *Handler) UpdateSection(c echo.Context) error {
	p, _, err := caller(c)
	if err != nil {
		return err
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}

	var req sectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	uploads, err := decodeFiles(req.Files)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	rec, err := h.svc.GetByID(ctx, id)
	if err != nil {
		return mapRecordError(err)
	}
	if err := h.engine.AuthorizeWrite(ctx, p, rec.PatientID, rec.Tier); err != nil {
		return mapPolicyError(err)
	}

	updated, err := h.svc.UpdateSection(ctx, id, c.Param("sectionId"), req.Label, req.Payload, uploads)
	if err != nil {
		return mapRecordError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

// ListForPatient returns the records a doctor may currently see for one
// patient, filtered to their visible tiers.
func (h *Handler) ListForPatient(c echo.Context) error {
	p, _, err := caller(c)
	if err != nil {
		return err
	}
	patientID, err := uuid.Parse(c.Param("patientId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid patientId")
	}

	ctx := c.Request().Context()
	visible, err := h.engine.VisibleTiers(ctx, p, patientID, "")
	if err != nil {
		return mapPolicyError(err)
	}

	return h.listVisible(c, patientID, visible)
}

// ListMine returns the patient's own records. Without a PIN only the early
// tier comes back; a verified PIN opens all tiers.
func (h *Handler) ListMine(c echo.Context) error {
	p, patientID, err := caller(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	visible, err := h.engine.VisibleTiers(ctx, p, patientID, c.Request().Header.Get(pinHeader))
	if err != nil {
		return mapPolicyError(err)
	}

	return h.listVisible(c, patientID, visible)
}

func (h *Handler) listVisible(c echo.Context, patientID uuid.UUID, visible []tier.Tier) error {
	ctx := c.Request().Context()
	pg := pagination.FromContext(c)

	want := c.QueryParam("tier")
	if want != "" {
		t, err := tier.Parse(want)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "unknown tier")
		}
		allowed := false
		for _, vt := range visible {
			if vt == t {
				allowed = true
				break
			}
		}
		if !allowed {
			return echo.NewHTTPError(http.StatusForbidden, "tier not accessible")
		}
		items, total, err := h.svc.ListByPatientTier(ctx, patientID, t, pg.Limit, pg.Offset)
		if err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(h.decryptAll(items), total, pg.Limit, pg.Offset))
	}

	items, total, err := h.svc.ListByPatient(ctx, patientID, pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	allowed := make(map[tier.Tier]bool, len(visible))
	for _, vt := range visible {
		allowed[vt] = true
	}
	var filtered []*Record
	for _, rec := range items {
		if allowed[rec.Tier] {
			filtered = append(filtered, rec)
		}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(h.decryptAll(filtered), total, pg.Limit, pg.Offset))
}

func (h *Handler) decryptAll(items []*Record) []*Decrypted {
	out := make([]*Decrypted, 0, len(items))
	for _, rec := range items {
		d, err := h.svc.Decrypt(rec)
		if err != nil {
			continue
		}
		out = append(out, d)
	}
	return out
}

// PublicEarly serves the early tier by card number with no authentication.
// This is the surface behind the printed card and QR code.
func (h *Handler) PublicEarly(c echo.Context) error {
	recs, err := h.svc.GetEarlyByCardNumber(c.Request().Context(), c.Param("cardNumber"))
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "patient not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"records": recs})
}

func (h *Handler) PublicVersion(c echo.Context) error {
	version, err := h.svc.VersionByCardNumber(c.Request().Context(), c.Param("cardNumber"))
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "patient not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"version": version})
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

func decodeFiles(payloads []filePayload) ([]FileUpload, error) {
	uploads := make([]FileUpload, 0, len(payloads))
	for _, f := range payloads {
		content, err := base64.StdEncoding.DecodeString(f.Data)
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "file data must be base64")
		}
		uploads = append(uploads, FileUpload{
			Name:        f.Name,
			ContentType: f.ContentType,
			Content:     content,
		})
	}
	return uploads, nil
}

func findFile(rec *Record, fileID string) (File, bool) {
	for _, f := range rec.Files {
		if f.ID == fileID {
			return f, true
		}
	}
	for _, sec := range rec.Sections {
		for _, f := range sec.Files {
			if f.ID == fileID {
				return f, true
			}
		}
	}
	return File{}, false
}

func mapRecordError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrSectionNotFound), errors.Is(err, principal.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func mapPolicyError(err error) error {
	switch {
	case errors.Is(err, policy.ErrRequiresProposal):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, policy.ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
