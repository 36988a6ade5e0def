package principal

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/livelink/livelink/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts registration/login on the public group and the
// authenticated account routes on the api group.
func (h *Handler) RegisterRoutes(public, api *echo.Group) {
	public.POST("/auth/register", h.Register)
	public.POST("/auth/login", h.Login)

	api.GET("/me", h.Me)
	api.POST("/me/record-pin", h.SetRecordPin, auth.RequireRole(auth.RolePatient))
	api.GET("/doctors/:medicalId", h.GetDoctorByMedicalID)
	api.GET("/patients/by-card/:cardNumber", h.GetPatientByCardNumber, auth.RequireRole(auth.RoleDoctor))
}

type registerRequest struct {
	Role      string `json:"role"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Password  string `json:"password"`
	MedicalID string `json:"medical_id"`
}

type authResponse struct {
	User  *User  `json:"user"`
	Token string `json:"token"`
}

func (h *Handler) Register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var (
		u     *User
		token string
		err   error
	)
	switch req.Role {
	case auth.RolePatient:
		u, token, err = h.svc.RegisterPatient(c.Request().Context(), req.Name, req.Email, req.Password)
	case auth.RoleDoctor:
		u, token, err = h.svc.RegisterDoctor(c.Request().Context(), req.Name, req.Email, req.Password, req.MedicalID)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "role must be patient or doctor")
	}
	if err != nil {
		if errors.Is(err, ErrConflict) {
			return echo.NewHTTPError(http.StatusConflict, "account already exists")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	return c.JSON(http.StatusCreated, authResponse{User: u, Token: token})
}

type loginRequest struct {
	Role     string `json:"role"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Role != auth.RolePatient && req.Role != auth.RoleDoctor {
		return echo.NewHTTPError(http.StatusBadRequest, "role must be patient or doctor")
	}

	u, token, err := h.svc.Login(c.Request().Context(), req.Email, req.Password, req.Role)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "login failed")
	}

	return c.JSON(http.StatusOK, authResponse{User: u, Token: token})
}

func (h *Handler) Me(c echo.Context) error {
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return echo.NewHTTPError(http.StatusUnauthorized, "not authenticated")
	}
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid principal")
	}

	u, err := h.svc.GetByID(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "account not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, u)
}

type setPinRequest struct {
	Pin string `json:"pin"`
}

func (h *Handler) SetRecordPin(c echo.Context) error {
	p, _ := auth.PrincipalFromContext(c.Request().Context())
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid principal")
	}

	var req setPinRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.SetRecordPin(c.Request().Context(), id, req.Pin); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "account not found")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) GetDoctorByMedicalID(c echo.Context) error {
	u, err := h.svc.FindDoctorByMedicalID(c.Request().Context(), c.Param("medicalId"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "doctor not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) GetPatientByCardNumber(c echo.Context) error {
	u, err := h.svc.FindPatientByCardNumber(c.Request().Context(), c.Param("cardNumber"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "patient not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, u)
}
