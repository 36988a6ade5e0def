package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
)

func newTestService() *TokenService {
	return NewTokenService([]byte("test-secret"), time.Hour)
}

func TestIssueValidate_RoundTrip(t *testing.T) {
	svc := newTestService()

	token, err := svc.Issue("user-123", RoleDoctor)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	claims, err := svc.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.Subject != "user-123" {
		t.Errorf("expected subject user-123, got %s", claims.Subject)
	}
	if claims.Role != RoleDoctor {
		t.Errorf("expected role doctor, got %s", claims.Role)
	}
}

func TestValidate_WrongSecret(t *testing.T) {
	token, err := newTestService().Issue("user-123", RolePatient)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	other := NewTokenService([]byte("different-secret"), time.Hour)
	if _, err := other.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidate_Expired(t *testing.T) {
	svc := NewTokenService([]byte("test-secret"), -time.Minute)
	token, err := svc.Issue("user-123", RolePatient)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if _, err := svc.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestValidate_Garbage(t *testing.T) {
	if _, err := newTestService().Validate("not.a.token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestMiddleware_ValidToken(t *testing.T) {
	svc := newTestService()
	token, _ := svc.Issue("user-123", RoleDoctor)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var got Principal
	handler := Middleware(svc)(func(c echo.Context) error {
		got, _ = PrincipalFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})

	if err := handler(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.ID != "user-123" || got.Role != RoleDoctor {
		t.Errorf("principal mismatch: %+v", got)
	}
	if !got.IsDoctor() || got.IsPatient() {
		t.Error("role predicates wrong")
	}
}

func TestMiddleware_Rejections(t *testing.T) {
	svc := newTestService()
	e := echo.New()

	cases := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic abc"},
		{"bad token", "Bearer garbage"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			c := e.NewContext(req, httptest.NewRecorder())

			handler := Middleware(svc)(func(c echo.Context) error {
				return c.NoContent(http.StatusOK)
			})
			err := handler(c)
			he, ok := err.(*echo.HTTPError)
			if !ok || he.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %v", err)
			}
		})
	}
}

func TestRequireRole(t *testing.T) {
	e := echo.New()

	run := func(p *Principal, role string) error {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if p != nil {
			req = req.WithContext(ContextWithPrincipal(req.Context(), *p))
		}
		c := e.NewContext(req, httptest.NewRecorder())
		return RequireRole(role)(func(c echo.Context) error {
			return c.NoContent(http.StatusOK)
		})(c)
	}

	if err := run(&Principal{ID: "d1", Role: RoleDoctor}, RoleDoctor); err != nil {
		t.Errorf("matching role should pass: %v", err)
	}

	err := run(&Principal{ID: "p1", Role: RolePatient}, RoleDoctor)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusForbidden {
		t.Errorf("expected 403 for wrong role, got %v", err)
	}

	err = run(nil, RoleDoctor)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without principal, got %v", err)
	}
}
