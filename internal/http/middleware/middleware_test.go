package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func newTestRouter(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	r.POST("/conversations/:id/messages", func(c *gin.Context) {
		key, _ := GetIdempotencyKey(c)
		c.JSON(http.StatusOK, gin.H{"key": key, "replay": IsReplay(c)})
	})
	return r
}

func TestSecurityHeaders_Baseline(t *testing.T) {
	r := newTestRouter(SecurityHeaders(SecurityOptions{}))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	h := w.Header()
	if h.Get("X-Content-Type-Options") != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", h.Get("X-Content-Type-Options"))
	}
	if h.Get("X-Frame-Options") != "DENY" {
		t.Errorf("X-Frame-Options = %q", h.Get("X-Frame-Options"))
	}
	if h.Get("Strict-Transport-Security") != "" {
		t.Errorf("HSTS must be off by default")
	}
}

func TestSecurityHeaders_HSTSOnlyOnHTTPS(t *testing.T) {
	r := newTestRouter(SecurityHeaders(SecurityOptions{EnableHSTS: true, HSTSMaxAge: time.Hour}))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Header().Get("Strict-Transport-Security") != "" {
		t.Fatalf("HSTS on plain HTTP")
	}

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	got := w.Header().Get("Strict-Transport-Security")
	if !strings.HasPrefix(got, "max-age=3600") {
		t.Fatalf("HSTS = %q", got)
	}
}

func TestRateLimiter_ExhaustionAnd429(t *testing.T) {
	rl := NewRateLimiter(0, 2, KeyByVisitorOrIP())
	r := newTestRouter(rl.Handler())

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i, w.Code)
		}
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Fatalf("Retry-After = %q", w.Header().Get("Retry-After"))
	}
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(0, 1, KeyByVisitorOrIP())
	r := newTestRouter(rl.Handler())

	reqA := httptest.NewRequest(http.MethodGet, "/ping", nil)
	reqA.Header.Set("X-Visitor-ID", "alice")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, reqA)
	if w.Code != http.StatusOK {
		t.Fatalf("alice first: %d", w.Code)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, reqA)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("alice second: %d, want 429", w.Code)
	}

	reqB := httptest.NewRequest(http.MethodGet, "/ping", nil)
	reqB.Header.Set("X-Visitor-ID", "bob")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, reqB)
	if w.Code != http.StatusOK {
		t.Fatalf("bob must have his own bucket: %d", w.Code)
	}
}

func TestIdempotencyValidator(t *testing.T) {
	lookup := func(_ context.Context, conversationID, key string, _ time.Time) (bool, error) {
		return conversationID == "c1" && key == "seen-before", nil
	}
	r := newTestRouter(IdempotencyValidator(IdempotencyOptions{}, lookup))

	// no header passes through untouched
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/conversations/c1/messages", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("no header: %d", w.Code)
	}

	// malformed keys are rejected at the edge
	req := httptest.NewRequest(http.MethodPost, "/conversations/c1/messages", nil)
	req.Header.Set(HeaderIdempotencyKey, "bad key with spaces")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("malformed key: %d, want 400", w.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/conversations/c1/messages", nil)
	req.Header.Set(HeaderIdempotencyKey, strings.Repeat("x", 201))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("oversized key: %d, want 400", w.Code)
	}

	// a known (conversation, key) pair is flagged as replay and rate-bypassed
	req = httptest.NewRequest(http.MethodPost, "/conversations/c1/messages", nil)
	req.Header.Set(HeaderIdempotencyKey, "seen-before")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("replay: %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"replay":true`) {
		t.Fatalf("replay flag not set: %s", w.Body.String())
	}

	// a fresh key is stashed but not a replay
	req = httptest.NewRequest(http.MethodPost, "/conversations/c1/messages", nil)
	req.Header.Set(HeaderIdempotencyKey, "fresh-key")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if !strings.Contains(w.Body.String(), `"key":"fresh-key"`) {
		t.Fatalf("key not stashed: %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"replay":false`) {
		t.Fatalf("fresh key flagged as replay: %s", w.Body.String())
	}
}

func TestIdempotencyReplayBypassesRateLimit(t *testing.T) {
	lookup := func(_ context.Context, _, key string, _ time.Time) (bool, error) {
		return key == "replayed", nil
	}
	rl := NewRateLimiter(0, 1, KeyByVisitorOrIP())
	r := newTestRouter(IdempotencyValidator(IdempotencyOptions{}, lookup), rl.Handler())

	// exhaust the bucket
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/conversations/c1/messages", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("first: %d", w.Code)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/conversations/c1/messages", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second: %d, want 429", w.Code)
	}

	// a replay is served even with the bucket dry
	req := httptest.NewRequest(http.MethodPost, "/conversations/c1/messages", nil)
	req.Header.Set(HeaderIdempotencyKey, "replayed")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("replay must bypass the limiter: %d", w.Code)
	}
}
