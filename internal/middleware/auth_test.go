package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/datashelf/gateway/internal/auth"
)

const testSecret = "test-jwt-secret-that-is-32-chars!!"

type recordingProvisioner struct {
	calls []uuid.UUID
	err   error
}

func (p *recordingProvisioner) EnsureAccount(_ context.Context, id uuid.UUID) error {
	p.calls = append(p.calls, id)
	return p.err
}

func newAuthRouter(t *testing.T, accounts AccountProvisioner) (*gin.Engine, *auth.TokenService) {
	t.Helper()
	tokens, err := auth.NewTokenService(testSecret, "datashelf")
	if err != nil {
		t.Fatalf("NewTokenService() error: %v", err)
	}
	r := gin.New()
	r.Use(AuthMiddleware(tokens, accounts))
	r.GET("/", func(c *gin.Context) {
		id, ok := GetUserID(c)
		if !ok {
			c.Status(http.StatusTeapot)
			return
		}
		c.String(http.StatusOK, id.String())
	})
	return r, tokens
}

func doAuth(r *gin.Engine, header string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// ---------------------------------------------------------------------------
// AuthMiddleware
// ---------------------------------------------------------------------------

func TestAuthMiddleware_Rejections(t *testing.T) {
	r, tokens := newAuthRouter(t, nil)

	expired, _ := tokens.Generate(uuid.New().String(), "", -time.Minute)
	noUser, _ := tokens.Generate("not-a-uuid", "", time.Hour)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"basic scheme", "Basic dXNlcjpwYXNz"},
		{"empty bearer", "Bearer   "},
		{"garbage token", "Bearer not.a.token"},
		{"expired token", "Bearer " + expired},
		{"non-uuid subject", "Bearer " + noUser},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doAuth(r, tt.header)
			if w.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", w.Code)
			}
			var body map[string]any
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("invalid JSON body: %v", err)
			}
			if body["kind"] != "unauthorized" {
				t.Errorf("kind = %v, want unauthorized", body["kind"])
			}
			if body["error"] == "" || body["error"] == nil {
				t.Error("expected an error message")
			}
		})
	}
}

func TestAuthMiddleware_ValidToken(t *testing.T) {
	accounts := &recordingProvisioner{}
	r, tokens := newAuthRouter(t, accounts)

	owner := uuid.New()
	token, err := tokens.Generate(owner.String(), "owner@example.com", time.Hour)
	if err != nil {
		t.Fatalf("Generate() error: %v", err)
	}

	w := doAuth(r, "Bearer "+token)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", w.Code, w.Body.String())
	}
	if w.Body.String() != owner.String() {
		t.Errorf("user id = %q, want %q", w.Body.String(), owner)
	}
	if len(accounts.calls) != 1 || accounts.calls[0] != owner {
		t.Errorf("EnsureAccount calls = %v, want [%s]", accounts.calls, owner)
	}
}

func TestAuthMiddleware_ProvisioningFailure(t *testing.T) {
	accounts := &recordingProvisioner{err: errors.New("db down")}
	r, tokens := newAuthRouter(t, accounts)

	token, _ := tokens.Generate(uuid.New().String(), "", time.Hour)
	w := doAuth(r, "Bearer "+token)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if got := w.Body.String(); got == "" || strings.Contains(got, "db down") {
		t.Errorf("body %q must not leak the underlying error", got)
	}
}

func TestGetUserID_Unset(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if _, ok := GetUserID(c); ok {
		t.Error("GetUserID() ok = true on a fresh context")
	}
	c.Set(UserIDKey, "a-string")
	if _, ok := GetUserID(c); ok {
		t.Error("GetUserID() ok = true for a non-UUID value")
	}
	c.Set(UserIDKey, uuid.Nil)
	if _, ok := GetUserID(c); ok {
		t.Error("GetUserID() ok = true for uuid.Nil")
	}
}
