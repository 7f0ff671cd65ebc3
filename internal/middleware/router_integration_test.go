package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/todoman/internal/browser"
)

// TestRouterIntegration_CSRFTokenEndpoint はCSRFトークン取得エンドポイントが
// chi.Routerで正しく動作することを検証する。
func TestRouterIntegration_CSRFTokenEndpoint(t *testing.T) {
	r := chi.NewRouter()

	csrfConfig := CSRFConfig{CookieSecure: false}
	r.Get("/api/csrf-token", NewCSRFTokenHandler(csrfConfig).ServeHTTP)

	req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
	w := httptest.NewRecorder()

	r.ServeHTTP(w, req)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Token == "" {
		t.Error("expected non-empty token")
	}
}

// TestRouterIntegration_BrowserAndCSRFGroup は
// Browser -> CSRF のミドルウェアチェーンがchi.Routerで正しく動作することを検証する。
func TestRouterIntegration_BrowserAndCSRFGroup(t *testing.T) {
	manager := newTestBrowserManager(t)

	r := chi.NewRouter()
	csrfConfig := CSRFConfig{CookieSecure: false}

	r.Get("/api/csrf-token", NewCSRFTokenHandler(csrfConfig).ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(NewBrowserMiddleware(manager, CookieConfig{}))
		r.Use(NewCSRFMiddleware(csrfConfig))

		r.Get("/api/browser", func(w http.ResponseWriter, r *http.Request) {
			bc, _ := browser.FromContext(r.Context())
			json.NewEncoder(w).Encode(map[string]string{"browser_id": bc.ID()})
		})

		r.Post("/api/action", func(w http.ResponseWriter, r *http.Request) {
			bc, _ := browser.FromContext(r.Context())
			json.NewEncoder(w).Encode(map[string]string{"browser_id": bc.ID(), "action": "done"})
		})
	})

	// 最初のGETでブラウザIDが発行される
	req := httptest.NewRequest(http.MethodGet, "/api/browser", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var browserID string
	for _, c := range w.Result().Cookies() {
		if c.Name == BrowserCookieName {
			browserID = c.Value
		}
	}
	if browserID == "" {
		t.Fatal("browser cookie should be issued")
	}

	t.Run("POST_action_with_browser_and_csrf", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/action", nil)
		req.AddCookie(&http.Cookie{Name: BrowserCookieName, Value: browserID})
		req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "test-csrf-token"})
		req.Header.Set(csrfHeaderName, "test-csrf-token")
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}

		var body map[string]string
		json.NewDecoder(w.Body).Decode(&body)
		if body["browser_id"] != browserID {
			t.Errorf("browser_id = %q, want %q", body["browser_id"], browserID)
		}
	})

	t.Run("POST_action_without_csrf", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/action", nil)
		req.AddCookie(&http.Cookie{Name: BrowserCookieName, Value: browserID})
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		if w.Code != http.StatusForbidden {
			t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("unknown_cookie_gets_new_id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/browser", nil)
		req.AddCookie(&http.Cookie{Name: BrowserCookieName, Value: "attacker-chosen"})
		w := httptest.NewRecorder()

		r.ServeHTTP(w, req)

		var body map[string]string
		json.NewDecoder(w.Body).Decode(&body)
		if body["browser_id"] == "attacker-chosen" {
			t.Error("unknown browser ID must not be adopted")
		}
	})
}
