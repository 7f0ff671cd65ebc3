package handler

import (
	"net/http"

	"github.com/hitoshi/todoman/internal/model"
)

// sessionResponse は認証状態APIのレスポンス。
type sessionResponse struct {
	Status string      `json:"status"`
	User   *model.User `json:"user"`
}

// SessionHandler は認証状態を返すHTTPハンドラー。
type SessionHandler struct {
	browsers BrowserSource
}

// NewSessionHandler はSessionHandlerを生成する。
func NewSessionHandler(browsers BrowserSource) *SessionHandler {
	return &SessionHandler{browsers: browsers}
}

// Get は現在の認証状態とユーザーを返す。
// GET /api/session
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	b, ok := browserOr500(h.browsers, w, r)
	if !ok {
		return
	}
	st := b.Session.Current()
	writeJSON(w, http.StatusOK, sessionResponse{
		Status: st.Status.String(),
		User:   st.User,
	})
}
