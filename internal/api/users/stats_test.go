package users

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datashelf/gateway/internal/db/models"
	"github.com/datashelf/gateway/internal/gateway"
	"github.com/datashelf/gateway/internal/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubStats struct {
	owner uuid.UUID
	err   error
}

func (s *stubStats) Stats(_ context.Context, ownerID uuid.UUID) (*gateway.Stats, error) {
	s.owner = ownerID
	if s.err != nil {
		return nil, s.err
	}
	return &gateway.Stats{
		AdapterCount:     2,
		RecentOperations: 7,
		OperationsByKind: map[models.OperationKind]int{models.OpUpload: 5, models.OpDelete: 2},
		Storage:          gateway.StorageStats{Used: 250, Limit: 1000, Percentage: 25},
	}, nil
}

func newStatsRouter(svc StatsService, owner uuid.UUID) *gin.Engine {
	r := gin.New()
	r.GET("/api/v1/users/stats", func(c *gin.Context) {
		if owner != uuid.Nil {
			c.Set(middleware.UserIDKey, owner)
			c.Set(middleware.EmailKey, "owner@example.com")
		}
	}, NewStatsHandler(svc).GetStats)
	return r
}

func TestGetStats(t *testing.T) {
	owner := uuid.New()
	svc := &stubStats{}
	w := httptest.NewRecorder()
	newStatsRouter(svc, owner).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/users/stats", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, owner, svc.owner)

	var body struct {
		User  map[string]any `json:"user"`
		Stats struct {
			AdapterCount     int            `json:"adapterCount"`
			RecentOperations int            `json:"recentOperations"`
			OperationsByKind map[string]int `json:"operationsByKind"`
		} `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, owner.String(), body.User["id"])
	assert.Equal(t, "owner@example.com", body.User["email"])
	assert.Equal(t, float64(25), body.User["storagePercentage"])
	assert.Equal(t, 2, body.Stats.AdapterCount)
	assert.Equal(t, 7, body.Stats.RecentOperations)
	assert.Equal(t, 5, body.Stats.OperationsByKind["upload"])
}

func TestGetStats_Errors(t *testing.T) {
	w := httptest.NewRecorder()
	newStatsRouter(&stubStats{}, uuid.Nil).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/users/stats", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	newStatsRouter(&stubStats{err: errors.New("db down")}, uuid.New()).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/users/stats", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "db down")
}
