package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datashelf/gateway/internal/adapter"
	"github.com/datashelf/gateway/internal/db/models"
	"github.com/datashelf/gateway/internal/gateway"
	"github.com/datashelf/gateway/internal/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var testOwner = uuid.MustParse("0b0c2a8e-5a0c-4c1e-9a8e-0f3d2b7c6a11")

// stubService records inputs and returns canned results.
type stubService struct {
	configs   map[uuid.UUID]*models.AdapterConfig
	createIn  *gateway.CreateAdapterInput
	updateIn  *gateway.UpdateAdapterInput
	createErr error
	testErr   error
	owners    []uuid.UUID
}

func newStub() *stubService {
	return &stubService{configs: map[uuid.UUID]*models.AdapterConfig{}}
}

func (s *stubService) add(name string) *models.AdapterConfig {
	cfg := &models.AdapterConfig{
		ID:                   uuid.New(),
		OwnerID:              testOwner,
		DisplayName:          name,
		BackendType:          "aws-s3",
		EncryptedCredentials: "v1.c2VjcmV0",
		IsActive:             true,
		CreatedAt:            time.Now(),
		UpdatedAt:            time.Now(),
	}
	_ = cfg.SetConfigMap(map[string]any{"endpoint": "http://minio:9000"})
	s.configs[cfg.ID] = cfg
	return cfg
}

func (s *stubService) get(ownerID, id uuid.UUID) (*models.AdapterConfig, error) {
	s.owners = append(s.owners, ownerID)
	cfg, ok := s.configs[id]
	if !ok || cfg.OwnerID != ownerID {
		return nil, &gateway.Error{Kind: gateway.KindNotFound, Message: "adapter not found", Err: gateway.ErrAdapterNotFound}
	}
	return cfg, nil
}

func (s *stubService) AdapterTypes() []adapter.TypeInfo {
	return []adapter.TypeInfo{
		{Type: "aws-s3", Name: "Amazon S3", RequiredCredentials: []string{"accessKeyId"}, Implemented: true},
		{Type: "ftp", Name: "FTP"},
	}
}

func (s *stubService) CreateAdapter(_ context.Context, ownerID uuid.UUID, in gateway.CreateAdapterInput) (*models.AdapterConfig, error) {
	s.owners = append(s.owners, ownerID)
	s.createIn = &in
	if s.createErr != nil {
		return nil, s.createErr
	}
	cfg := s.add(in.Name)
	cfg.IsDefault = in.IsDefault
	return cfg, nil
}

func (s *stubService) GetAdapter(_ context.Context, ownerID, id uuid.UUID) (*models.AdapterConfig, error) {
	return s.get(ownerID, id)
}

func (s *stubService) ListAdapters(_ context.Context, ownerID uuid.UUID) ([]*models.AdapterConfig, error) {
	var out []*models.AdapterConfig
	for _, cfg := range s.configs {
		if cfg.OwnerID == ownerID {
			out = append(out, cfg)
		}
	}
	return out, nil
}

func (s *stubService) UpdateAdapter(_ context.Context, ownerID, id uuid.UUID, in gateway.UpdateAdapterInput) (*models.AdapterConfig, error) {
	s.updateIn = &in
	cfg, err := s.get(ownerID, id)
	if err != nil {
		return nil, err
	}
	if in.Name != nil {
		cfg.DisplayName = *in.Name
	}
	return cfg, nil
}

func (s *stubService) DeleteAdapter(_ context.Context, ownerID, id uuid.UUID) error {
	if _, err := s.get(ownerID, id); err != nil {
		return err
	}
	delete(s.configs, id)
	return nil
}

func (s *stubService) TestAdapter(_ context.Context, ownerID, id uuid.UUID) error {
	if _, err := s.get(ownerID, id); err != nil {
		return err
	}
	return s.testErr
}

func (s *stubService) SetDefaultAdapter(_ context.Context, ownerID, id uuid.UUID) (*models.AdapterConfig, error) {
	cfg, err := s.get(ownerID, id)
	if err != nil {
		return nil, err
	}
	cfg.IsDefault = true
	return cfg, nil
}

// ---------------------------------------------------------------------------
// Router helper
// ---------------------------------------------------------------------------

func newRouter(svc Service, authenticated bool) *gin.Engine {
	r := gin.New()
	r.GET("/api/v1/adapters/types", NewHandlers(svc).ListTypes)
	g := r.Group("/api/v1/adapters")
	if authenticated {
		g.Use(func(c *gin.Context) { c.Set(middleware.UserIDKey, testOwner) })
	}
	NewHandlers(svc).RegisterRoutes(g)
	return r
}

func do(r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &m), "body: %s", w.Body.String())
	return m
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestListTypes(t *testing.T) {
	w := do(newRouter(newStub(), false), http.MethodGet, "/api/v1/adapters/types", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decode(t, w)
	types, ok := body["supportedTypes"].([]any)
	require.True(t, ok)
	assert.Len(t, types, 2)
}

func TestUnauthenticatedRequestsAreRejected(t *testing.T) {
	w := do(newRouter(newStub(), false), http.MethodGet, "/api/v1/adapters", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListAdapters_OmitsCredentials(t *testing.T) {
	svc := newStub()
	svc.add("primary")

	w := do(newRouter(svc, true), http.MethodGet, "/api/v1/adapters", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "v1.c2VjcmV0")
	assert.NotContains(t, w.Body.String(), "credentials")

	body := decode(t, w)
	list := body["adapters"].([]any)
	require.Len(t, list, 1)
	first := list[0].(map[string]any)
	assert.Equal(t, "primary", first["name"])
	assert.Equal(t, "aws-s3", first["type"])
}

func TestCreateAdapter(t *testing.T) {
	svc := newStub()
	r := newRouter(svc, true)

	w := do(r, http.MethodPost, "/api/v1/adapters", map[string]any{
		"name":        "archive",
		"type":        "aws-s3",
		"credentials": map[string]string{"accessKeyId": "AKIA", "secretAccessKey": "s3cr3t"},
		"config":      map[string]any{"endpoint": "http://minio:9000"},
		"isDefault":   true,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	require.NotNil(t, svc.createIn)
	assert.Equal(t, "archive", svc.createIn.Name)
	assert.Equal(t, "s3cr3t", svc.createIn.Credentials["secretAccessKey"])
	assert.True(t, svc.createIn.IsDefault)
	assert.Equal(t, []uuid.UUID{testOwner}, svc.owners)
	assert.NotContains(t, w.Body.String(), "s3cr3t")

	adapterBody := decode(t, w)["adapter"].(map[string]any)
	assert.Equal(t, true, adapterBody["isDefault"])
}

func TestCreateAdapter_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantKind   string
	}{
		{"unsupported", &adapter.UnsupportedAdapterError{Type: "ftp", Reason: "not implemented"}, http.StatusBadRequest, "unsupported_adapter"},
		{"missing credentials", &adapter.MissingCredentialError{Type: "aws-s3", Fields: []string{"accessKeyId", "secretAccessKey", "region"}}, http.StatusBadRequest, "missing_credentials"},
		{"duplicate", &gateway.Error{Kind: gateway.KindConflict, Message: "an adapter named archive already exists", Err: gateway.ErrConflict}, http.StatusConflict, "conflict"},
		{"probe failed", &gateway.Error{Kind: gateway.KindConnectionFailure, Message: "list: connection failure", Err: adapter.ErrConnectionFailure}, http.StatusBadGateway, "connection_failure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newStub()
			svc.createErr = tt.err
			w := do(newRouter(svc, true), http.MethodPost, "/api/v1/adapters", map[string]any{"name": "x", "type": "aws-s3"})
			require.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantKind, decode(t, w)["kind"])
		})
	}

	t.Run("missing credential fields are listed", func(t *testing.T) {
		svc := newStub()
		svc.createErr = &adapter.MissingCredentialError{Type: "aws-s3", Fields: []string{"accessKeyId", "secretAccessKey", "region"}}
		w := do(newRouter(svc, true), http.MethodPost, "/api/v1/adapters", map[string]any{"name": "x", "type": "aws-s3"})
		assert.ElementsMatch(t, []any{"accessKeyId", "secretAccessKey", "region"}, decode(t, w)["missing"])
	})
}

func TestCreateAdapter_InvalidJSON(t *testing.T) {
	r := newRouter(newStub(), true)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/adapters", bytes.NewBufferString("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation", decode(t, w)["kind"])
}

func TestGetAdapter(t *testing.T) {
	svc := newStub()
	cfg := svc.add("primary")
	r := newRouter(svc, true)

	w := do(r, http.MethodGet, "/api/v1/adapters/"+cfg.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, cfg.ID.String(), decode(t, w)["adapter"].(map[string]any)["id"])

	w = do(r, http.MethodGet, "/api/v1/adapters/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", decode(t, w)["kind"])

	w = do(r, http.MethodGet, "/api/v1/adapters/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetAdapter_OtherOwner(t *testing.T) {
	svc := newStub()
	cfg := svc.add("theirs")
	cfg.OwnerID = uuid.New()

	w := do(newRouter(svc, true), http.MethodGet, "/api/v1/adapters/"+cfg.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateAdapter(t *testing.T) {
	svc := newStub()
	cfg := svc.add("old")

	w := do(newRouter(svc, true), http.MethodPut, "/api/v1/adapters/"+cfg.ID.String(), map[string]any{
		"name":     "new",
		"isActive": false,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NotNil(t, svc.updateIn)
	require.NotNil(t, svc.updateIn.Name)
	assert.Equal(t, "new", *svc.updateIn.Name)
	require.NotNil(t, svc.updateIn.IsActive)
	assert.False(t, *svc.updateIn.IsActive)
	assert.Nil(t, svc.updateIn.IsDefault)
	assert.Nil(t, svc.updateIn.Credentials)
	assert.Equal(t, "new", decode(t, w)["adapter"].(map[string]any)["name"])
}

func TestDeleteAdapter(t *testing.T) {
	svc := newStub()
	cfg := svc.add("doomed")
	r := newRouter(svc, true)

	w := do(r, http.MethodDelete, "/api/v1/adapters/"+cfg.ID.String(), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, svc.configs)

	w = do(r, http.MethodDelete, "/api/v1/adapters/"+cfg.ID.String(), nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTestAdapter(t *testing.T) {
	svc := newStub()
	cfg := svc.add("probe")
	r := newRouter(svc, true)

	w := do(r, http.MethodPost, "/api/v1/adapters/"+cfg.ID.String()+"/test", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "Connection test successful", body["message"])

	svc.testErr = &gateway.Error{Kind: gateway.KindDecryption, Message: "vault: decryption failed", Err: errors.New("tampered")}
	w = do(r, http.MethodPost, "/api/v1/adapters/"+cfg.ID.String()+"/test", nil)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body = decode(t, w)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "decryption", body["kind"])

	svc.testErr = &gateway.Error{Kind: gateway.KindConnectionFailure, Message: "list: connection failure", Err: adapter.ErrConnectionFailure}
	w = do(r, http.MethodPost, "/api/v1/adapters/"+cfg.ID.String()+"/test", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestSetDefaultAdapter(t *testing.T) {
	svc := newStub()
	cfg := svc.add("main")
	r := newRouter(svc, true)

	w := do(r, http.MethodPost, "/api/v1/adapters/"+cfg.ID.String()+"/set-default", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode(t, w)["adapter"].(map[string]any)["isDefault"])

	w = do(r, http.MethodPost, "/api/v1/adapters/"+uuid.NewString()+"/set-default", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
