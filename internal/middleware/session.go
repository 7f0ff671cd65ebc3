// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/hitoshi/todoman/internal/browser"
)

// BrowserCookieName はブラウザIDを保持するCookieの名前。
const BrowserCookieName = "todoman_sid"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
var userIDContextKey = contextKey("user_id")

// BrowserResolver はブラウザIDからクライアント状態を解決する。browser.Managerが実装する。
type BrowserResolver interface {
	Resolve(ctx context.Context, id string) (*browser.Context, bool, error)
}

// CookieConfig はブラウザCookieの属性。
type CookieConfig struct {
	Domain string
	Secure bool
	MaxAge int // 秒
}

// NewBrowserMiddleware はHTTP Only CookieのブラウザIDからクライアント状態を解決し、
// リクエストコンテキストに注入するミドルウェアを返す。
// 新しいIDを発行した場合はCookieを設定する。認証状態の判定はここでは行わない。
func NewBrowserMiddleware(resolver BrowserResolver, config CookieConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var id string
			if cookie, err := r.Cookie(BrowserCookieName); err == nil {
				id = cookie.Value
			}

			bc, issued, err := resolver.Resolve(r.Context(), id)
			if err != nil {
				if !errors.Is(err, browser.ErrClosed) {
					slog.Error("failed to resolve browser",
						slog.String("error", err.Error()),
						slog.String("request_id", RequestIDFromContext(r.Context())),
					)
				}
				WriteInternalServerError(w)
				return
			}
			if issued {
				SetBrowserCookie(w, bc.ID(), config)
			}

			next.ServeHTTP(w, r.WithContext(browser.WithContext(r.Context(), bc)))
		})
	}
}

// SetBrowserCookie はブラウザIDのCookieを設定する。IDをローテーションした後にも使う。
func SetBrowserCookie(w http.ResponseWriter, id string, config CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     BrowserCookieName,
		Value:    id,
		Path:     "/",
		Domain:   config.Domain,
		MaxAge:   config.MaxAge,
		HttpOnly: true,
		Secure:   config.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// ルートガードを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// RequestInfoがある場合はログ出力用にそちらにも記録する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	if ri := RequestInfoFromContext(ctx); ri != nil {
		ri.setUserID(userID)
	}
	return context.WithValue(ctx, userIDContextKey, userID)
}
