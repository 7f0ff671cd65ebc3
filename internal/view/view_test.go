package view

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/todoman/internal/model"
)

func newTestRenderer(t *testing.T) *Renderer {
	t.Helper()
	r, err := NewRenderer(nil)
	if err != nil {
		t.Fatalf("NewRenderer() error = %v", err)
	}
	return r
}

func strPtr(s string) *string { return &s }

var testUser = &model.User{
	ID:        "user-1",
	Email:     "alice@example.com",
	CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
}

func TestRender_AuthPage_SignInForm(t *testing.T) {
	r := newTestRenderer(t)
	w := httptest.NewRecorder()

	r.Render(w, http.StatusOK, PageAuth, AuthPage{
		Page:  Page{Title: "Sign in", CSRFToken: "tok-123"},
		Email: "bob@example.com",
		Error: "Invalid login credentials",
	})

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	body := w.Body.String()
	for _, want := range []string{
		`action="/auth/signin"`,
		`value="tok-123"`,
		`value="bob@example.com"`,
		"Invalid login credentials",
		`minlength="6"`,
		`href="/auth?mode=signup"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body does not contain %q", want)
		}
	}
	// 未サインインではトップバーを出さない
	if strings.Contains(body, `class="topbar"`) {
		t.Error("topbar should not be rendered without user")
	}
}

func TestRender_AuthPage_SignUpMode(t *testing.T) {
	r := newTestRenderer(t)
	w := httptest.NewRecorder()

	r.Render(w, http.StatusOK, PageAuth, AuthPage{Page: Page{Title: "Sign up"}, SignUp: true})

	body := w.Body.String()
	if !strings.Contains(body, `action="/auth/signup"`) {
		t.Error("signup form should post to /auth/signup")
	}
	if !strings.Contains(body, "Already have an account?") {
		t.Error("signup page should link back to sign in")
	}
}

func TestRender_TodosPage_ListsItemsWithTopbar(t *testing.T) {
	r := newTestRenderer(t)
	w := httptest.NewRecorder()

	r.Render(w, http.StatusOK, PageTodos, TodosPage{
		Page: Page{Title: "Todos", CSRFToken: "tok", User: testUser, Live: true},
		Todos: []model.Todo{
			{ID: "t1", Title: "Buy milk", Description: strPtr("2 liters"), CreatedAt: time.Now()},
			{ID: "t2", Title: "Done thing", Completed: true, CreatedAt: time.Now()},
		},
	})

	body := w.Body.String()
	for _, want := range []string{
		"My Todos (2)",
		"Buy milk",
		"2 liters",
		`action="/todos/t1/toggle"`,
		`action="/todos/t2/delete"`,
		`class="todo done"`,
		`class="topbar"`,
		`<span class="avatar" title="alice@example.com">A</span>`,
		`data-user-id="user-1"`,
		`src="/static/live.js"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body does not contain %q", want)
		}
	}
}

func TestRender_TodosPage_Empty(t *testing.T) {
	r := newTestRenderer(t)
	w := httptest.NewRecorder()

	r.Render(w, http.StatusOK, PageTodos, TodosPage{Page: Page{Title: "Todos", User: testUser}})

	body := w.Body.String()
	if !strings.Contains(body, "No todos yet. Add one!") {
		t.Error("empty list message not rendered")
	}
	if !strings.Contains(body, "My Todos (0)") {
		t.Error("count not rendered")
	}
}

func TestRender_EscapesUserContent(t *testing.T) {
	r := newTestRenderer(t)
	w := httptest.NewRecorder()

	r.Render(w, http.StatusOK, PageTodos, TodosPage{
		Page:  Page{Title: "Todos", User: testUser},
		Todos: []model.Todo{{ID: "t1", Title: "<script>alert(1)</script>"}},
	})

	body := w.Body.String()
	if strings.Contains(body, "<script>alert(1)</script>") {
		t.Error("todo title must be escaped")
	}
}

func TestRender_ProfilePage(t *testing.T) {
	r := newTestRenderer(t)
	w := httptest.NewRecorder()

	r.Render(w, http.StatusOK, PageProfile, ProfilePage{
		Page:         Page{Title: "Profile", User: testUser},
		BackendURL:   "http://localhost:54321",
		LocalBackend: true,
	})

	body := w.Body.String()
	for _, want := range []string{"alice@example.com", "user-1", "March 1, 2024", "Local", "http://localhost:54321"} {
		if !strings.Contains(body, want) {
			t.Errorf("body does not contain %q", want)
		}
	}
}

func TestRender_Flash(t *testing.T) {
	r := newTestRenderer(t)
	w := httptest.NewRecorder()

	r.Render(w, http.StatusOK, PageTodos, TodosPage{
		Page: Page{Title: "Todos", User: testUser, Flash: &Flash{Kind: "error", Message: "Failed to add todo"}},
	})

	if !strings.Contains(w.Body.String(), `class="toast toast-error"`) {
		t.Error("flash should be rendered as error toast")
	}
}

func TestRender_LoadingPage_Refreshes(t *testing.T) {
	r := newTestRenderer(t)
	w := httptest.NewRecorder()

	r.Render(w, http.StatusServiceUnavailable, PageLoading, LoadingPage{Page: Page{Title: "Loading"}})

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	body := w.Body.String()
	if !strings.Contains(body, `http-equiv="refresh"`) {
		t.Error("loading page should refresh itself")
	}
	if !strings.Contains(body, "Loading...") {
		t.Error("loading text not rendered")
	}
}

func TestRender_UnknownPage_Returns500(t *testing.T) {
	r := newTestRenderer(t)
	w := httptest.NewRecorder()

	r.Render(w, http.StatusOK, "missing", nil)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestStaticHandler_ServesEmbeddedFiles(t *testing.T) {
	h := StaticHandler()

	for _, path := range []string{"/static/app.css", "/static/live.js"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Errorf("GET %s status = %d, want %d", path, w.Code, http.StatusOK)
			continue
		}
		b, _ := io.ReadAll(w.Body)
		if len(b) == 0 {
			t.Errorf("GET %s returned empty body", path)
		}
	}
}
