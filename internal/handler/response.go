package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/todoman/internal/middleware"
	"github.com/hitoshi/todoman/internal/model"
	"github.com/hitoshi/todoman/internal/todo"
)

// maxJSONBodyBytes はJSONリクエストボディの上限。
const maxJSONBodyBytes = 64 << 10

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// decodeJSON はリクエストボディをdstにデコードする。未知のフィールドはエラーにする。
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// handleServiceError はドメインエラーを統一エラーフォーマットのJSONに変換する。
// todoIDは未検出エラーのメッセージに使う。
func handleServiceError(w http.ResponseWriter, r *http.Request, err error, todoID string) {
	var (
		authErr *model.AuthError
		dataErr *model.DataError
	)
	switch {
	case errors.Is(err, model.ErrNotAuthenticated):
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
	case todo.IsNotFound(err):
		middleware.WriteErrorResponse(w, http.StatusNotFound, model.NewTodoNotFoundError(todoID))
	case todo.IsInvalid(err):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError(err.Error()))
	case errors.As(err, &dataErr):
		middleware.WriteErrorResponse(w, http.StatusBadGateway, model.NewDataFailedError(dataErr))
	case errors.As(err, &authErr):
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewAuthFailedError(authErr))
	default:
		// ドメインエラー以外は内部サーバーエラーとして扱う
		slog.Error("internal server error",
			slog.String("error", err.Error()),
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
		)
		middleware.WriteInternalServerError(w)
	}
}

// userMessage はフォーム画面に表示するメッセージを返す。
// AuthErrorとDataErrorはそのまま、それ以外はfallbackを使う。
func userMessage(err error, fallback string) string {
	var (
		authErr *model.AuthError
		dataErr *model.DataError
	)
	switch {
	case errors.As(err, &authErr):
		return authErr.Message
	case errors.As(err, &dataErr):
		return dataErr.Message
	default:
		return fallback
	}
}
