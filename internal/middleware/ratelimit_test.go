package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/hitoshi/todoman/internal/model"
)

func testRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		GeneralRate:     2,
		GeneralBurst:    5,
		AuthRate:        1,
		AuthBurst:       10,
		CleanupInterval: 1 * time.Minute,
	}
}

func requestAsUser(userID string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/todos", nil)
	return req.WithContext(context.WithValue(req.Context(), userIDContextKey, userID))
}

func requestFromIP(ip string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/auth/signin", nil)
	req.RemoteAddr = ip + ":54321"
	return req
}

// --- GeneralMiddleware のテスト ---

func TestRateLimitMiddleware_AllowsRequestsWithinLimit(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	handlerCallCount := 0
	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCallCount++
		w.WriteHeader(http.StatusOK)
	}))

	// バースト内の5リクエストは全て通る
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAsUser("user-1"))

		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	if handlerCallCount != 5 {
		t.Errorf("handler call count = %d, want 5", handlerCallCount)
	}
}

func TestRateLimitMiddleware_Returns429WithRetryAfterHeader(t *testing.T) {
	cfg := testRateLimiterConfig()
	cfg.GeneralRate = 1
	cfg.GeneralBurst = 2

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestAsUser("user-rate-limit"))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestAsUser("user-rate-limit"))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}

	retryAfter := w.Header().Get("Retry-After")
	sec, err := strconv.Atoi(retryAfter)
	if err != nil {
		t.Fatalf("Retry-After = %q, want integer seconds", retryAfter)
	}
	if sec < 1 {
		t.Errorf("Retry-After = %d, want >= 1", sec)
	}
}

func TestRateLimitMiddleware_429ResponseIsJSON(t *testing.T) {
	cfg := testRateLimiterConfig()
	cfg.GeneralBurst = 1

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	handler.ServeHTTP(httptest.NewRecorder(), requestAsUser("user-json"))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestAsUser("user-json"))

	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var body model.APIError
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body.Code != model.ErrCodeTooManyRequests {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeTooManyRequests)
	}
	if body.Category != "system" {
		t.Errorf("category = %q, want system", body.Category)
	}
	if body.Action == "" {
		t.Error("action should not be empty")
	}
}

func TestRateLimitMiddleware_IsolatesUserRateLimits(t *testing.T) {
	cfg := testRateLimiterConfig()
	cfg.GeneralBurst = 1

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// user-Aがバーストを使い切る
	handler.ServeHTTP(httptest.NewRecorder(), requestAsUser("user-A"))
	wA := httptest.NewRecorder()
	handler.ServeHTTP(wA, requestAsUser("user-A"))
	if wA.Code != http.StatusTooManyRequests {
		t.Errorf("user-A second request: status = %d, want %d", wA.Code, http.StatusTooManyRequests)
	}

	// user-Bは影響を受けない
	wB := httptest.NewRecorder()
	handler.ServeHTTP(wB, requestAsUser("user-B"))
	if wB.Code != http.StatusOK {
		t.Errorf("user-B first request: status = %d, want %d", wB.Code, http.StatusOK)
	}
}

func TestRateLimitMiddleware_NoUserID_Returns401(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	handler := rl.GeneralMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called without user ID")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/todos", nil))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	var body model.APIError
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body.Code != model.ErrCodeUnauthorized {
		t.Errorf("code = %q, want %q", body.Code, model.ErrCodeUnauthorized)
	}
}

// --- AuthMiddleware のテスト ---

func TestAuthRateLimit_LimitsPerIP(t *testing.T) {
	cfg := testRateLimiterConfig()
	cfg.AuthBurst = 3

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handlerCallCount := 0
	handler := rl.AuthMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCallCount++
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, requestFromIP("192.0.2.10"))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestFromIP("192.0.2.10"))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("4th request: status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}

	// 別IPは独立
	wOther := httptest.NewRecorder()
	handler.ServeHTTP(wOther, requestFromIP("192.0.2.20"))
	if wOther.Code != http.StatusOK {
		t.Errorf("other IP: status = %d, want %d", wOther.Code, http.StatusOK)
	}

	if handlerCallCount != 4 {
		t.Errorf("handler call count = %d, want 4", handlerCallCount)
	}
	if got := rl.AuthLimiterCount(); got != 2 {
		t.Errorf("AuthLimiterCount() = %d, want 2", got)
	}
}

func TestAuthRateLimit_IndependentFromGeneralLimit(t *testing.T) {
	cfg := testRateLimiterConfig()
	cfg.AuthBurst = 1

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	authHandler := rl.AuthMiddleware()(ok)
	generalHandler := rl.GeneralMiddleware()(ok)

	authHandler.ServeHTTP(httptest.NewRecorder(), requestFromIP("198.51.100.1"))
	wAuth := httptest.NewRecorder()
	authHandler.ServeHTTP(wAuth, requestFromIP("198.51.100.1"))
	if wAuth.Code != http.StatusTooManyRequests {
		t.Fatalf("auth second request: status = %d, want %d", wAuth.Code, http.StatusTooManyRequests)
	}

	req := requestAsUser("user-independent")
	req.RemoteAddr = "198.51.100.1:1234"
	wGeneral := httptest.NewRecorder()
	generalHandler.ServeHTTP(wGeneral, req)
	if wGeneral.Code != http.StatusOK {
		t.Errorf("general request: status = %d, want %d", wGeneral.Code, http.StatusOK)
	}
}

// --- IssueMiddleware のテスト ---

func TestIssueRateLimit_LimitsCookielessRequestsPerIP(t *testing.T) {
	cfg := testRateLimiterConfig()
	cfg.IssueRate = 1
	cfg.IssueBurst = 2

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	handler := rl.IssueMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	cookieless := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/auth", nil)
		req.RemoteAddr = ip + ":1234"
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w.Code
	}

	for i := 0; i < 2; i++ {
		if code := cookieless("192.0.2.30"); code != http.StatusOK {
			t.Errorf("request %d: status = %d, want %d", i, code, http.StatusOK)
		}
	}
	if code := cookieless("192.0.2.30"); code != http.StatusTooManyRequests {
		t.Errorf("3rd request: status = %d, want %d", code, http.StatusTooManyRequests)
	}

	// Cookieを持つブラウザは制限しない
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/todos", nil)
		req.RemoteAddr = "192.0.2.30:1234"
		req.AddCookie(&http.Cookie{Name: BrowserCookieName, Value: "known"})
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Errorf("with cookie %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}

	if code := cookieless("192.0.2.31"); code != http.StatusOK {
		t.Errorf("other IP: status = %d, want %d", code, http.StatusOK)
	}
}

func TestIssueRateLimit_DisabledWithoutBurst(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	defer rl.Stop()

	handler := rl.IssueMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	for i := 0; i < 50; i++ {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, want %d", i, w.Code, http.StatusOK)
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		want       string
	}{
		{"IPv4とポート", "203.0.113.5:8080", "203.0.113.5"},
		{"IPv6とポート", "[2001:db8::1]:443", "2001:db8::1"},
		{"ポートなし", "203.0.113.5", "203.0.113.5"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

// --- クリーンアップのテスト ---

func TestRateLimiter_CleanupRemovesExpiredEntries(t *testing.T) {
	cfg := testRateLimiterConfig()
	cfg.CleanupInterval = 50 * time.Millisecond

	rl := NewRateLimiter(cfg)
	defer rl.Stop()

	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	rl.GeneralMiddleware()(ok).ServeHTTP(httptest.NewRecorder(), requestAsUser("user-cleanup"))
	rl.AuthMiddleware()(ok).ServeHTTP(httptest.NewRecorder(), requestFromIP("192.0.2.99"))

	if rl.GeneralLimiterCount() == 0 || rl.AuthLimiterCount() == 0 {
		t.Fatal("expected limiter entries to exist")
	}

	// TTLはCleanupIntervalの2倍（100ms）。余裕をもって待つ
	time.Sleep(300 * time.Millisecond)

	if count := rl.GeneralLimiterCount(); count != 0 {
		t.Errorf("GeneralLimiterCount() = %d after cleanup, want 0", count)
	}
	if count := rl.AuthLimiterCount(); count != 0 {
		t.Errorf("AuthLimiterCount() = %d after cleanup, want 0", count)
	}
}

func TestRateLimiter_StopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(testRateLimiterConfig())
	rl.Stop()
	rl.Stop()
}

// --- デフォルト設定値のテスト ---

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig()

	if cfg.GeneralRate != 2.0 { // 120/60 = 2
		t.Errorf("GeneralRate = %f, want 2.0", cfg.GeneralRate)
	}
	if cfg.GeneralBurst != 120 {
		t.Errorf("GeneralBurst = %d, want 120", cfg.GeneralBurst)
	}
	if cfg.AuthRate == 0 {
		t.Error("AuthRate should not be 0")
	}
	if cfg.AuthBurst != 10 {
		t.Errorf("AuthBurst = %d, want 10", cfg.AuthBurst)
	}
	if cfg.IssueRate != 0.5 || cfg.IssueBurst != 30 {
		t.Errorf("Issue = %v/%d, want 0.5/30", cfg.IssueRate, cfg.IssueBurst)
	}
	if cfg.CleanupInterval != 5*time.Minute {
		t.Errorf("CleanupInterval = %v, want 5m", cfg.CleanupInterval)
	}
}
