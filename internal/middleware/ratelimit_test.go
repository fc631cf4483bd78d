package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/datashelf/gateway/internal/config"
)

// ---------------------------------------------------------------------------
// Config constructors
// ---------------------------------------------------------------------------

func TestRateLimitConfigFrom(t *testing.T) {
	def := DefaultRateLimitConfig()

	got := RateLimitConfigFrom(config.RateLimitConfig{})
	if got != def {
		t.Errorf("RateLimitConfigFrom(zero) = %+v, want defaults %+v", got, def)
	}

	got = RateLimitConfigFrom(config.RateLimitConfig{RequestsPerMinute: 10, Burst: 3})
	if got.RequestsPerMinute != 10 || got.BurstSize != 3 {
		t.Errorf("RateLimitConfigFrom() = %+v, want rpm=10 burst=3", got)
	}
}

func TestUploadRateLimitConfigFrom(t *testing.T) {
	got := UploadRateLimitConfigFrom(config.RateLimitConfig{UploadsPerMinute: 2})
	if got.RequestsPerMinute != 2 {
		t.Errorf("RequestsPerMinute = %d, want 2", got.RequestsPerMinute)
	}
	if got.BurstSize != 2 {
		t.Errorf("BurstSize = %d, want burst capped at 2", got.BurstSize)
	}

	if got := UploadRateLimitConfigFrom(config.RateLimitConfig{}); got != UploadRateLimitConfig() {
		t.Errorf("UploadRateLimitConfigFrom(zero) = %+v, want defaults", got)
	}
}

// ---------------------------------------------------------------------------
// RateLimiter
// ---------------------------------------------------------------------------

func newTestLimiter(rpm, burst int) *RateLimiter {
	return NewRateLimiter(RateLimitConfig{
		RequestsPerMinute: rpm,
		BurstSize:         burst,
		CleanupInterval:   time.Hour,
	})
}

func TestRateLimiter_AllowsUpToBurstSize(t *testing.T) {
	burst := 3
	rl := newTestLimiter(600, burst)
	defer rl.Stop()

	allowed := 0
	for i := 0; i < burst+2; i++ {
		if rl.Allow("burst-test") {
			allowed++
		}
	}
	if allowed != burst {
		t.Errorf("allowed %d requests at burst=%d, want exactly %d", allowed, burst, burst)
	}
}

func TestRateLimiter_TakeReportsRetryAfter(t *testing.T) {
	rl := newTestLimiter(60, 1) // one token per second
	defer rl.Stop()

	ctx := context.Background()
	d, err := rl.Take(ctx, "k")
	if err != nil || !d.Allowed {
		t.Fatalf("first Take() = %+v, %v; want allowed", d, err)
	}
	d, _ = rl.Take(ctx, "k")
	if d.Allowed {
		t.Fatal("second Take() allowed, want denied")
	}
	if d.RetryAfter <= 0 || d.RetryAfter > time.Second {
		t.Errorf("RetryAfter = %v, want (0, 1s]", d.RetryAfter)
	}
	if d.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", d.Remaining)
	}
}

func TestRateLimiter_TokensRefillOverTime(t *testing.T) {
	rl := newTestLimiter(600, 2) // 10 tokens/sec
	defer rl.Stop()

	for rl.Allow("refill-test") {
	}
	time.Sleep(120 * time.Millisecond)

	if !rl.Allow("refill-test") {
		t.Error("Allow() = false after token refill wait, want true")
	}
}

func TestRateLimiter_DifferentKeysAreIndependent(t *testing.T) {
	rl := newTestLimiter(60, 2)
	defer rl.Stop()

	for rl.Allow("key-a") {
	}
	if !rl.Allow("key-b") {
		t.Error("Allow() = false for independent key-b after exhausting key-a")
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := newTestLimiter(60, 5)
	rl.Stop()
	rl.Stop()
	StopLimiters(rl, nil)
}

func TestRateLimiter_RemainingTokens(t *testing.T) {
	rl := newTestLimiter(60, 5)
	defer rl.Stop()

	if got := rl.RemainingTokens("unknown"); got != 5 {
		t.Errorf("RemainingTokens(unknown) = %d, want 5", got)
	}
	rl.Allow("k")
	rl.Allow("k")
	if got := rl.RemainingTokens("k"); got != 3 {
		t.Errorf("RemainingTokens after two requests = %d, want 3", got)
	}
}

func TestRateLimiter_CleanupRemovesStaleEntries(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{
		RequestsPerMinute: 600,
		BurstSize:         10,
		CleanupInterval:   10 * time.Millisecond,
	})
	defer rl.Stop()

	rl.Allow("stale-client")
	rl.Allow("fresh-client")

	rl.mu.Lock()
	rl.entries["stale-client"].lastUpdate = time.Now().Add(-11 * time.Minute)
	rl.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		rl.mu.RLock()
		_, stale := rl.entries["stale-client"]
		_, fresh := rl.entries["fresh-client"]
		rl.mu.RUnlock()
		if !stale {
			if !fresh {
				t.Error("fresh-client entry was evicted")
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expected stale-client entry to be evicted by cleanup goroutine")
}

// ---------------------------------------------------------------------------
// RedisLimiter
// ---------------------------------------------------------------------------

func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewLimiter_SelectsBackend(t *testing.T) {
	cfg := DefaultRateLimitConfig()

	mem := NewLimiter(nil, "api:", cfg)
	if _, ok := mem.(*RateLimiter); !ok {
		t.Errorf("NewLimiter(nil) = %T, want *RateLimiter", mem)
	}
	StopLimiters(mem)

	shared := NewLimiter(unreachableRedis(t), "api:", cfg)
	if _, ok := shared.(*RedisLimiter); !ok {
		t.Errorf("NewLimiter(client) = %T, want *RedisLimiter", shared)
	}
	if shared.Limit() != cfg.RequestsPerMinute {
		t.Errorf("Limit() = %d, want %d", shared.Limit(), cfg.RequestsPerMinute)
	}
}

func TestNewRedisClient(t *testing.T) {
	if c := NewRedisClient(config.RedisConfig{}); c != nil {
		t.Error("NewRedisClient() without an address should return nil")
	}
	c := NewRedisClient(config.RedisConfig{Addr: "127.0.0.1:6379", DB: 2})
	if c == nil {
		t.Fatal("NewRedisClient() returned nil")
	}
	defer c.Close()
	if c.Options().DB != 2 {
		t.Errorf("DB = %d, want 2", c.Options().DB)
	}
}

func TestRedisLimiter_Unavailable(t *testing.T) {
	l := NewRedisLimiter(unreachableRedis(t), "api:", DefaultRateLimitConfig())

	d, err := l.Take(context.Background(), "ip:10.0.0.1")
	if err == nil {
		t.Fatal("Take() error = nil against an unreachable server")
	}
	if !d.Allowed {
		t.Error("Take() should allow when the backend is unavailable")
	}

	r := newRateLimitRouter(l)
	w := serveFrom(r, "10.0.0.9:1234")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 when the limiter backend is down", w.Code)
	}
}

// ---------------------------------------------------------------------------
// getRateLimitKey
// ---------------------------------------------------------------------------

func TestGetRateLimitKey(t *testing.T) {
	userID := uuid.New()

	tests := []struct {
		name string
		user any
		want string
	}{
		{"authenticated user", userID, "user:" + userID.String()},
		{"nil uuid falls back to ip", uuid.Nil, "ip:192.168.1.1"},
		{"string value falls back to ip", "user-123", "ip:192.168.1.1"},
		{"anonymous", nil, "ip:192.168.1.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			req, _ := http.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "192.168.1.1:12345"
			c.Request = req
			if tt.user != nil {
				c.Set(UserIDKey, tt.user)
			}
			if got := getRateLimitKey(c); got != tt.want {
				t.Errorf("getRateLimitKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// RateLimitMiddleware
// ---------------------------------------------------------------------------

func newRateLimitRouter(limiter Limiter) *gin.Engine {
	r := gin.New()
	r.Use(RateLimitMiddleware(limiter))
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func serveFrom(r *gin.Engine, remoteAddr string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remoteAddr
	r.ServeHTTP(w, req)
	return w
}

func TestRateLimitMiddleware_Allowed(t *testing.T) {
	rl := newTestLimiter(120, 10)
	defer rl.Stop()

	w := serveFrom(newRateLimitRouter(rl), "10.0.0.1:1234")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if got := w.Header().Get("X-RateLimit-Limit"); got != "120" {
		t.Errorf("X-RateLimit-Limit = %q, want 120", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "9" {
		t.Errorf("X-RateLimit-Remaining = %q, want 9", got)
	}
}

func TestRateLimitMiddleware_Blocked(t *testing.T) {
	rl := newTestLimiter(1, 1)
	defer rl.Stop()
	r := newRateLimitRouter(rl)

	if w := serveFrom(r, "10.0.0.3:1234"); w.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", w.Code)
	}

	w := serveFrom(r, "10.0.0.3:1234")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if retryAfter := w.Header().Get("Retry-After"); retryAfter != "60" {
		t.Errorf("Retry-After = %q, want 60", retryAfter)
	}
	if remaining, _ := strconv.Atoi(w.Header().Get("X-RateLimit-Remaining")); remaining != 0 {
		t.Errorf("X-RateLimit-Remaining = %d, want 0", remaining)
	}

	// A different client is unaffected.
	if w := serveFrom(r, "10.0.0.4:1234"); w.Code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", w.Code)
	}
}
