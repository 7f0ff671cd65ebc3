// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/hitoshi/todoman/internal/authstate"
	"github.com/hitoshi/todoman/internal/guard"
	"github.com/hitoshi/todoman/internal/middleware"
	"github.com/hitoshi/todoman/internal/session"
	"github.com/hitoshi/todoman/internal/view"
)

// MinPasswordLength はサインイン・サインアップで受け付けるパスワードの最小文字数。
const MinPasswordLength = 6

// 画面に表示するメッセージ
const (
	msgSignedIn         = "Signed in successfully!"
	msgSignedUp         = "Account created!"
	msgConfirmEmail     = "Registration complete! Check your email to confirm your account."
	msgSessionNotReady  = "Sign-in is taking longer than expected. Please try again."
	msgAuthUnavailable  = "The authentication service is unavailable. Please try again later."
	msgSignOutFailed    = "Failed to sign out"
	msgResetSent        = "Check your email for the password reset link."
	msgEmailRequired    = "Email is required"
	msgEmailInvalid     = "Enter a valid email address"
	msgPasswordTooShort = "Password must be at least 6 characters"
)

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	Cookie middleware.CookieConfig
	// WaitTimeout は認証操作の結果がSession Storeに反映されるまで待つ上限。
	WaitTimeout time.Duration
	LoginPath   string
	HomePath    string
}

func (c AuthHandlerConfig) withDefaults() AuthHandlerConfig {
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = guard.DefaultWaitTimeout
	}
	if c.LoginPath == "" {
		c.LoginPath = guard.DefaultLoginPath
	}
	if c.HomePath == "" {
		c.HomePath = "/todos"
	}
	return c
}

// AuthHandler はサインイン・サインアップ・サインアウトとパスワード再設定のHTTPハンドラー。
type AuthHandler struct {
	browsers BrowserSource
	pages    pageRenderer
	config   AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(browsers BrowserSource, views *view.Renderer, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		browsers: browsers,
		pages:    pageRenderer{views: views, cookieSecure: config.Cookie.Secure},
		config:   config.withDefaults(),
	}
}

// ShowAuth はサインイン画面を表示する。?mode=signup でサインアップ画面になる。
// サインイン済みの場合はホームへリダイレクトする。
// GET /auth
func (h *AuthHandler) ShowAuth(w http.ResponseWriter, r *http.Request) {
	b, ok := browserOr500(h.browsers, w, r)
	if !ok {
		return
	}

	v := authstate.Mount(b.Session)
	snap, _ := guard.Settle(r.Context(), v, h.config.WaitTimeout)
	v.Unmount()

	if snap.User != nil {
		http.Redirect(w, r, h.config.HomePath, http.StatusSeeOther)
		return
	}

	h.render(w, r, http.StatusOK, view.AuthPage{SignUp: r.URL.Query().Get("mode") == "signup"})
}

// SignIn はメールアドレスとパスワードでサインインする。
// POST /auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	h.authenticate(w, r, false)
}

// SignUp はユーザーを登録する。メール確認が必要な場合は確認を促す画面を表示する。
// POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	h.authenticate(w, r, true)
}

func (h *AuthHandler) authenticate(w http.ResponseWriter, r *http.Request, signUp bool) {
	b, ok := browserOr500(h.browsers, w, r)
	if !ok {
		return
	}

	email := strings.TrimSpace(r.PostFormValue("email"))
	password := r.PostFormValue("password")
	page := view.AuthPage{SignUp: signUp, Email: email}

	if msg := validateCredentials(email, password); msg != "" {
		page.Error = msg
		h.render(w, r, http.StatusBadRequest, page)
		return
	}

	var err error
	if signUp {
		_, err = b.Auth.SignUp(r.Context(), email, password)
	} else {
		_, err = b.Auth.SignIn(r.Context(), email, password)
	}
	if err != nil {
		page.Error = userMessage(err, msgAuthUnavailable)
		h.render(w, r, http.StatusBadRequest, page)
		return
	}

	// 状態の反映はプロバイダーから非同期に届く
	ctx, cancel := context.WithTimeout(r.Context(), h.config.WaitTimeout)
	defer cancel()
	if _, err := b.Session.Await(ctx, session.State.Authenticated); err != nil {
		if signUp {
			// メール確認待ちのためセッションは発行されていない
			h.render(w, r, http.StatusOK, view.AuthPage{Email: email, Success: msgConfirmEmail})
			return
		}
		slog.Warn("signed in but session did not become authenticated",
			slog.String("error", err.Error()),
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
		)
		page.Error = msgSessionNotReady
		h.render(w, r, http.StatusServiceUnavailable, page)
		return
	}

	id, err := h.browsers.Rotate(r)
	if err != nil {
		slog.Error("failed to rotate browser id",
			slog.String("error", err.Error()),
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	middleware.SetBrowserCookie(w, id, h.config.Cookie)

	msg := msgSignedIn
	if signUp {
		msg = msgSignedUp
	}
	h.pages.redirect(w, r, h.config.HomePath, flashSuccess, msg)
}

// SignOut はサインアウトする。失敗した場合はサインイン状態のままホームに戻す。
// POST /auth/signout
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	b, ok := browserOr500(h.browsers, w, r)
	if !ok {
		return
	}

	if err := b.Auth.SignOut(r.Context()); err != nil {
		h.pages.redirect(w, r, h.config.HomePath, flashError, msgSignOutFailed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.config.WaitTimeout)
	defer cancel()
	if _, err := b.Session.Await(ctx, func(s session.State) bool {
		return !s.Loading() && !s.Authenticated()
	}); err != nil {
		slog.Warn("signed out but session is still authenticated",
			slog.String("error", err.Error()),
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
		)
	}

	http.Redirect(w, r, h.config.LoginPath, http.StatusSeeOther)
}

// ShowResetPassword はパスワード再設定メールの送信画面を表示する。
// GET /auth/reset-password
func (h *AuthHandler) ShowResetPassword(w http.ResponseWriter, r *http.Request) {
	h.renderReset(w, r, http.StatusOK, view.ResetPasswordPage{})
}

// ResetPassword はパスワード再設定メールの送信を依頼する。
// POST /auth/reset-password
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	b, ok := browserOr500(h.browsers, w, r)
	if !ok {
		return
	}

	email := strings.TrimSpace(r.PostFormValue("email"))
	page := view.ResetPasswordPage{Email: email}

	if msg := validateEmail(email); msg != "" {
		page.Error = msg
		h.renderReset(w, r, http.StatusBadRequest, page)
		return
	}

	if err := b.Auth.ResetPassword(r.Context(), email); err != nil {
		page.Error = userMessage(err, msgAuthUnavailable)
		h.renderReset(w, r, http.StatusBadRequest, page)
		return
	}

	page.Success = msgResetSent
	h.renderReset(w, r, http.StatusOK, page)
}

func (h *AuthHandler) render(w http.ResponseWriter, r *http.Request, status int, page view.AuthPage) {
	title := "Sign in"
	if page.SignUp {
		title = "Sign up"
	}
	page.Page = h.pages.page(w, r, title, nil)
	h.pages.views.Render(w, status, view.PageAuth, page)
}

func (h *AuthHandler) renderReset(w http.ResponseWriter, r *http.Request, status int, page view.ResetPasswordPage) {
	page.Page = h.pages.page(w, r, "Reset password", nil)
	h.pages.views.Render(w, status, view.PageResetPassword, page)
}

// validateCredentials は入力エラーのメッセージを返す。問題が無ければ空文字列。
func validateCredentials(email, password string) string {
	if msg := validateEmail(email); msg != "" {
		return msg
	}
	if utf8.RuneCountInString(password) < MinPasswordLength {
		return msgPasswordTooShort
	}
	return ""
}

func validateEmail(email string) string {
	if email == "" {
		return msgEmailRequired
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return msgEmailInvalid
	}
	return ""
}
