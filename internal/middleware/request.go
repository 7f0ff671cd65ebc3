package middleware

import (
	"context"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

// requestInfoContextKey はリクエストごとの付帯情報を格納するキー。
var requestInfoContextKey = contextKey("request_info")

// RequestInfo はリクエストごとに1つ作られる付帯情報。
// ログ出力は外側のミドルウェアで行うため、内側で判明したユーザーIDをここに書き戻す。
type RequestInfo struct {
	ID string

	mu     sync.Mutex
	userID string
}

// UserID は記録されたユーザーIDを返す。
func (ri *RequestInfo) UserID() string {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return ri.userID
}

func (ri *RequestInfo) setUserID(id string) {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	ri.userID = id
}

// NewRequestIDMiddleware はリクエストIDを採番し、RequestInfoをコンテキストに格納する。
// クライアントが妥当なX-Request-IDを送った場合はそれを引き継ぐ。
func NewRequestIDMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(requestIDHeader)
			if _, err := uuid.Parse(id); err != nil {
				id = uuid.NewString()
			}
			w.Header().Set(requestIDHeader, id)

			ctx := context.WithValue(r.Context(), requestInfoContextKey, &RequestInfo{ID: id})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestInfoFromContext はコンテキストからRequestInfoを取得する。無い場合はnilを返す。
func RequestInfoFromContext(ctx context.Context) *RequestInfo {
	ri, _ := ctx.Value(requestInfoContextKey).(*RequestInfo)
	return ri
}

// RequestIDFromContext はリクエストIDを返す。無い場合は空文字列を返す。
func RequestIDFromContext(ctx context.Context) string {
	if ri := RequestInfoFromContext(ctx); ri != nil {
		return ri.ID
	}
	return ""
}
