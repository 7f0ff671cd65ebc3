package handler

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/hitoshi/todoman/internal/view"
)

const (
	flashCookieName = "todoman_flash"

	flashSuccess = "success"
	flashError   = "error"
)

// setFlash はリダイレクト先で1回だけ表示する通知をCookieに保存する。
func setFlash(w http.ResponseWriter, kind, message string, secure bool) {
	value := base64.RawURLEncoding.EncodeToString([]byte(kind + "\n" + message))
	http.SetCookie(w, &http.Cookie{
		Name:     flashCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   60,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// popFlash は通知を読み出してCookieを削除する。無い場合や壊れている場合はnilを返す。
func popFlash(w http.ResponseWriter, r *http.Request, secure bool) *view.Flash {
	cookie, err := r.Cookie(flashCookieName)
	if err != nil || cookie.Value == "" {
		return nil
	}
	http.SetCookie(w, &http.Cookie{
		Name:     flashCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})

	raw, err := base64.RawURLEncoding.DecodeString(cookie.Value)
	if err != nil {
		return nil
	}
	kind, message, ok := strings.Cut(string(raw), "\n")
	if !ok || message == "" {
		return nil
	}
	if kind != flashSuccess && kind != flashError {
		return nil
	}
	return &view.Flash{Kind: kind, Message: message}
}
