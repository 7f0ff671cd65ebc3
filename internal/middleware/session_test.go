package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/hitoshi/todoman/internal/authclient"
	"github.com/hitoshi/todoman/internal/browser"
	"github.com/hitoshi/todoman/internal/model"
)

// --- モック定義 ---

// stubAPI は未サインインのブラウザのみを扱うため、どのメソッドも呼ばれない。
type stubAPI struct {
	authclient.API
}

type memorySessionStore struct {
	mu   sync.Mutex
	rows map[string]*model.BrowserSession
}

func (m *memorySessionStore) Save(_ context.Context, s *model.BrowserSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows == nil {
		m.rows = map[string]*model.BrowserSession{}
	}
	m.rows[s.ID] = s
	return nil
}

func (m *memorySessionStore) FindByID(_ context.Context, id string) (*model.BrowserSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id], nil
}

func (m *memorySessionStore) DeleteByID(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

type mockBrowserResolver struct {
	resolveFn func(ctx context.Context, id string) (*browser.Context, bool, error)
}

func (m *mockBrowserResolver) Resolve(ctx context.Context, id string) (*browser.Context, bool, error) {
	if m.resolveFn != nil {
		return m.resolveFn(ctx, id)
	}
	return nil, false, errors.New("not configured")
}

func newTestBrowserManager(t *testing.T) *browser.Manager {
	t.Helper()
	m := browser.NewManager(browser.Config{
		API:             stubAPI{},
		Sessions:        &memorySessionStore{},
		RefreshInterval: -1,
	})
	t.Cleanup(m.Close)
	return m
}

// --- テスト ---

func TestBrowserMiddleware_NoCookie_IssuesIDAndSetsCookie(t *testing.T) {
	manager := newTestBrowserManager(t)
	mw := NewBrowserMiddleware(manager, CookieConfig{Secure: true, MaxAge: 3600})

	var captured *browser.Context
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bc, ok := browser.FromContext(r.Context())
		if !ok {
			t.Error("browser context should be injected")
		}
		captured = bc
		w.WriteHeader(http.StatusOK)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/todos", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == BrowserCookieName {
			cookie = c
		}
	}
	if cookie == nil {
		t.Fatal("browser cookie should be set")
	}
	if captured == nil || cookie.Value != captured.ID() {
		t.Errorf("cookie value should match the issued browser ID")
	}
	if !cookie.HttpOnly {
		t.Error("cookie should be HttpOnly")
	}
	if !cookie.Secure {
		t.Error("cookie should be Secure")
	}
	if cookie.SameSite != http.SameSiteLaxMode {
		t.Errorf("SameSite = %v, want Lax", cookie.SameSite)
	}
	if cookie.MaxAge != 3600 {
		t.Errorf("MaxAge = %d, want 3600", cookie.MaxAge)
	}
}

func TestBrowserMiddleware_KnownCookie_ReusesContextWithoutCookie(t *testing.T) {
	manager := newTestBrowserManager(t)
	bc, _, err := manager.Resolve(context.Background(), "")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	mw := NewBrowserMiddleware(manager, CookieConfig{})

	var captured *browser.Context
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured, _ = browser.FromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/todos", nil)
	req.AddCookie(&http.Cookie{Name: BrowserCookieName, Value: bc.ID()})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if captured != bc {
		t.Error("middleware should inject the existing browser context")
	}
	if len(w.Result().Cookies()) != 0 {
		t.Error("no cookie should be set for a known browser")
	}
}

func TestBrowserMiddleware_PassesCookieValueToResolver(t *testing.T) {
	var gotID string
	resolver := &mockBrowserResolver{
		resolveFn: func(ctx context.Context, id string) (*browser.Context, bool, error) {
			gotID = id
			return nil, false, errors.New("stop")
		},
	}

	handler := NewBrowserMiddleware(resolver, CookieConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: BrowserCookieName, Value: "cookie-id"})
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if gotID != "cookie-id" {
		t.Errorf("resolver received id = %q, want %q", gotID, "cookie-id")
	}
}

func TestBrowserMiddleware_ResolverError_Returns500(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"予期しないエラー", errors.New("boom")},
		{"終了処理中", browser.ErrClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := &mockBrowserResolver{
				resolveFn: func(ctx context.Context, id string) (*browser.Context, bool, error) {
					return nil, false, tt.err
				},
			}
			handler := NewBrowserMiddleware(resolver, CookieConfig{})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			}))

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))

			if w.Code != http.StatusInternalServerError {
				t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
			}
		})
	}
}

func TestSetBrowserCookie(t *testing.T) {
	w := httptest.NewRecorder()
	SetBrowserCookie(w, "rotated-id", CookieConfig{Domain: "example.com", MaxAge: 60})

	cookies := w.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies = %d, want 1", len(cookies))
	}
	c := cookies[0]
	if c.Name != BrowserCookieName || c.Value != "rotated-id" {
		t.Errorf("cookie = %s=%s, want %s=rotated-id", c.Name, c.Value, BrowserCookieName)
	}
	if c.Path != "/" {
		t.Errorf("Path = %q, want /", c.Path)
	}
	if c.Domain != "example.com" {
		t.Errorf("Domain = %q, want example.com", c.Domain)
	}
}

func TestUserIDFromContext_Empty_ReturnsError(t *testing.T) {
	if _, err := UserIDFromContext(context.Background()); err == nil {
		t.Error("expected error for context without user ID")
	}
}

func TestContextWithUserID_RoundTrip(t *testing.T) {
	ctx := ContextWithUserID(context.Background(), "user-123")

	got, err := UserIDFromContext(ctx)
	if err != nil {
		t.Fatalf("UserIDFromContext() error = %v", err)
	}
	if got != "user-123" {
		t.Errorf("userID = %q, want %q", got, "user-123")
	}
}

func TestContextWithUserID_RecordsToRequestInfo(t *testing.T) {
	ri := &RequestInfo{ID: "req-1"}
	ctx := context.WithValue(context.Background(), requestInfoContextKey, ri)

	ContextWithUserID(ctx, "user-456")

	if got := ri.UserID(); got != "user-456" {
		t.Errorf("RequestInfo.UserID() = %q, want %q", got, "user-456")
	}
}
