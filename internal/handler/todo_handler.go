package handler

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/todoman/internal/middleware"
	"github.com/hitoshi/todoman/internal/model"
	"github.com/hitoshi/todoman/internal/todo"
	"github.com/hitoshi/todoman/internal/view"
)

// トースト表示するメッセージ
const (
	msgLoadFailed    = "Failed to load todos"
	msgTitleRequired = "Title is required"
	msgTodoAdded     = "Todo added!"
	msgAddFailed     = "Failed to add todo"
	msgUpdateFailed  = "Failed to update todo"
	msgTodoDeleted   = "Todo deleted!"
	msgDeleteFailed  = "Failed to delete todo"
	msgNothingToSave = "Nothing to update"
)

const todosPath = "/todos"

// createTodoRequest はタスク作成APIのリクエストボディ。
type createTodoRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description"`
}

// todoListResponse はタスク一覧APIのレスポンス。
type todoListResponse struct {
	Todos []model.Todo `json:"todos"`
}

// TodoHandler はタスク画面とタスクAPIのHTTPハンドラー。
// ルートガードを通過したリクエストでのみ呼ばれる。
type TodoHandler struct {
	browsers BrowserSource
	pages    pageRenderer
}

// NewTodoHandler はTodoHandlerを生成する。
func NewTodoHandler(browsers BrowserSource, views *view.Renderer, cookieSecure bool) *TodoHandler {
	return &TodoHandler{
		browsers: browsers,
		pages:    pageRenderer{views: views, cookieSecure: cookieSecure},
	}
}

// --- ページ ---

// ListPage はタスク一覧画面を表示する。表示のたびにリモートから取得し直す。
// GET /todos
func (h *TodoHandler) ListPage(w http.ResponseWriter, r *http.Request) {
	b, ok := browserOr500(h.browsers, w, r)
	if !ok {
		return
	}

	data := view.TodosPage{Page: h.pages.page(w, r, "Todos", b.Session.Current().User)}

	todos, err := b.Todos.Load(r.Context())
	if err != nil {
		slog.Warn("failed to load todos",
			slog.String("error", err.Error()),
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
		)
		data.LoadError = true
		data.Todos = b.Todos.Items()
		data.Flash = &view.Flash{Kind: flashError, Message: msgLoadFailed}
	} else {
		data.Todos = todos
	}

	h.pages.views.Render(w, http.StatusOK, view.PageTodos, data)
}

// CreateForm はフォームからタスクを作成する。
// POST /todos
func (h *TodoHandler) CreateForm(w http.ResponseWriter, r *http.Request) {
	b, ok := browserOr500(h.browsers, w, r)
	if !ok {
		return
	}

	title := strings.TrimSpace(r.PostFormValue("title"))
	if title == "" {
		h.pages.redirect(w, r, todosPath, flashError, msgTitleRequired)
		return
	}

	in := model.CreateTodoInput{Title: title}
	if desc := strings.TrimSpace(r.PostFormValue("description")); desc != "" {
		in.Description = &desc
	}

	if _, err := b.Todos.Create(r.Context(), in); err != nil {
		msg := msgAddFailed
		if todo.IsInvalid(err) {
			msg = err.Error()
		}
		h.pages.redirect(w, r, todosPath, flashError, msg)
		return
	}
	h.pages.redirect(w, r, todosPath, flashSuccess, msgTodoAdded)
}

// ToggleForm はタスクの完了状態を反転する。
// POST /todos/{id}/toggle
func (h *TodoHandler) ToggleForm(w http.ResponseWriter, r *http.Request) {
	b, ok := browserOr500(h.browsers, w, r)
	if !ok {
		return
	}

	if _, err := h.toggle(r, b); err != nil {
		h.pages.redirect(w, r, todosPath, flashError, msgUpdateFailed)
		return
	}
	h.pages.redirect(w, r, todosPath, "", "")
}

// DeleteForm はタスクを削除する。
// POST /todos/{id}/delete
func (h *TodoHandler) DeleteForm(w http.ResponseWriter, r *http.Request) {
	b, ok := browserOr500(h.browsers, w, r)
	if !ok {
		return
	}

	if err := b.Todos.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.pages.redirect(w, r, todosPath, flashError, msgDeleteFailed)
		return
	}
	h.pages.redirect(w, r, todosPath, flashSuccess, msgTodoDeleted)
}

// --- JSON API ---

// List はタスク一覧を返す。
// GET /api/todos
func (h *TodoHandler) List(w http.ResponseWriter, r *http.Request) {
	b, ok := browserOr500(h.browsers, w, r)
	if !ok {
		return
	}

	todos, err := b.Todos.Load(r.Context())
	if err != nil {
		handleServiceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusOK, todoListResponse{Todos: todos})
}

// Create はタスクを作成する。
// POST /api/todos
func (h *TodoHandler) Create(w http.ResponseWriter, r *http.Request) {
	b, ok := browserOr500(h.browsers, w, r)
	if !ok {
		return
	}

	var req createTodoRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("リクエストボディが不正です。"))
		return
	}
	req.Title = strings.TrimSpace(req.Title)
	if req.Title == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError(msgTitleRequired))
		return
	}

	created, err := b.Todos.Create(r.Context(), model.CreateTodoInput{
		Title:       req.Title,
		Description: req.Description,
	})
	if err != nil {
		handleServiceError(w, r, err, "")
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// Update はタスクを部分更新する。
// PATCH /api/todos/{id}
func (h *TodoHandler) Update(w http.ResponseWriter, r *http.Request) {
	b, ok := browserOr500(h.browsers, w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	var in model.UpdateTodoInput
	if err := decodeJSON(w, r, &in); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError("リクエストボディが不正です。"))
		return
	}
	if in.IsEmpty() {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError(msgNothingToSave))
		return
	}

	updated, err := b.Todos.Update(r.Context(), id, in)
	if err != nil {
		handleServiceError(w, r, err, id)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Toggle はタスクの完了状態を反転する。
// POST /api/todos/{id}/toggle
func (h *TodoHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	b, ok := browserOr500(h.browsers, w, r)
	if !ok {
		return
	}

	updated, err := h.toggle(r, b)
	if err != nil {
		handleServiceError(w, r, err, chi.URLParam(r, "id"))
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Delete はタスクを削除する。
// DELETE /api/todos/{id}
func (h *TodoHandler) Delete(w http.ResponseWriter, r *http.Request) {
	b, ok := browserOr500(h.browsers, w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	if err := b.Todos.Delete(r.Context(), id); err != nil {
		handleServiceError(w, r, err, id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// toggle は一覧が未取得なら先に取得してから、キャッシュ上の値を反転して送信する。
func (h *TodoHandler) toggle(r *http.Request, b *Browser) (*model.Todo, error) {
	if !b.Todos.Loaded() {
		if _, err := b.Todos.Load(r.Context()); err != nil {
			return nil, err
		}
	}
	return b.Todos.Toggle(r.Context(), chi.URLParam(r, "id"))
}
