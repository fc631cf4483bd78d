package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func newLoggingRouter(buf *bytes.Buffer, status int) *gin.Engine {
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	r := gin.New()
	r.Use(RequestIDMiddleware(), LoggerMiddleware(logger, "/health"))
	handler := func(c *gin.Context) {
		RequestLogger(c).Info("handler ran")
		c.Set(UserIDKey, uuid.MustParse("7f0c2c7a-8f55-4c56-9d3a-0a2a8a6a6c11"))
		c.Status(status)
	}
	r.GET("/health", handler)
	r.GET("/api/v1/adapters", handler)
	return r
}

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("log line is not JSON: %q", line)
		}
		out = append(out, m)
	}
	return out
}

func TestLoggerMiddleware_WritesRequestLine(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "INFO"},
		{http.StatusNotFound, "WARN"},
		{http.StatusBadGateway, "ERROR"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			var buf bytes.Buffer
			r := newLoggingRouter(&buf, tt.status)

			req := httptest.NewRequest(http.MethodGet, "/api/v1/adapters", nil)
			req.Header.Set(RequestIDHeader, "req-abc")
			r.ServeHTTP(httptest.NewRecorder(), req)

			lines := logLines(t, &buf)
			if len(lines) != 2 {
				t.Fatalf("got %d log lines, want 2: %s", len(lines), buf.String())
			}
			for _, l := range lines {
				if l["request_id"] != "req-abc" {
					t.Errorf("request_id = %v, want req-abc", l["request_id"])
				}
			}
			access := lines[1]
			if access["level"] != tt.level {
				t.Errorf("level = %v, want %s", access["level"], tt.level)
			}
			if access["status"] != float64(tt.status) {
				t.Errorf("status = %v, want %d", access["status"], tt.status)
			}
			if access["path"] != "/api/v1/adapters" || access["method"] != "GET" {
				t.Errorf("unexpected method/path: %v %v", access["method"], access["path"])
			}
			if access["user_id"] != "7f0c2c7a-8f55-4c56-9d3a-0a2a8a6a6c11" {
				t.Errorf("user_id = %v", access["user_id"])
			}
		})
	}
}

func TestLoggerMiddleware_SkipsPaths(t *testing.T) {
	var buf bytes.Buffer
	r := newLoggingRouter(&buf, http.StatusOK)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	lines := logLines(t, &buf)
	if len(lines) != 1 || lines[0]["msg"] != "handler ran" {
		t.Errorf("skipped path should only carry handler logs, got %v", lines)
	}
}

func TestRequestLogger_Fallback(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	if RequestLogger(c) == nil {
		t.Fatal("RequestLogger() returned nil without middleware")
	}
	c.Set(RequestIDKey, "abc")
	if RequestLogger(c) == nil {
		t.Fatal("RequestLogger() returned nil with a request id")
	}
}
