package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/hitoshi/todoman/internal/guard"
	"github.com/hitoshi/todoman/internal/model"
	"github.com/hitoshi/todoman/internal/security"
	"github.com/hitoshi/todoman/internal/session"
	"github.com/hitoshi/todoman/internal/view"
)

const (
	profilePath = "/profile"

	maxFullNameLength = 200

	msgProfileUpdated   = "Profile updated!"
	msgProfileFailed    = "Failed to update profile"
	msgFullNameTooLong  = "Full name must be at most 200 characters"
	msgFullNameMarkup   = "Full name must not contain HTML"
	msgAvatarURLInvalid = "Avatar URL must be an http or https URL"
)

// ProfileHandlerConfig はプロフィールハンドラーの設定。
type ProfileHandlerConfig struct {
	BackendURL   string
	LocalBackend bool
	CookieSecure bool
	WaitTimeout  time.Duration
}

// ProfileHandler はプロフィール画面のHTTPハンドラー。
type ProfileHandler struct {
	browsers BrowserSource
	pages    pageRenderer
	config   ProfileHandlerConfig
}

// NewProfileHandler はProfileHandlerを生成する。
func NewProfileHandler(browsers BrowserSource, views *view.Renderer, config ProfileHandlerConfig) *ProfileHandler {
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = guard.DefaultWaitTimeout
	}
	return &ProfileHandler{
		browsers: browsers,
		pages:    pageRenderer{views: views, cookieSecure: config.CookieSecure},
		config:   config,
	}
}

// Show はプロフィール画面を表示する。
// GET /profile
func (h *ProfileHandler) Show(w http.ResponseWriter, r *http.Request) {
	b, ok := browserOr500(h.browsers, w, r)
	if !ok {
		return
	}
	h.render(w, r, http.StatusOK, b.Session.Current().User, "")
}

// Update は表示名とアバターURLを更新する。
// POST /profile
func (h *ProfileHandler) Update(w http.ResponseWriter, r *http.Request) {
	b, ok := browserOr500(h.browsers, w, r)
	if !ok {
		return
	}

	fullName := strings.TrimSpace(r.PostFormValue("full_name"))
	avatarURL := strings.TrimSpace(r.PostFormValue("avatar_url"))

	if msg := validateProfile(fullName, avatarURL); msg != "" {
		h.render(w, r, http.StatusBadRequest, b.Session.Current().User, msg)
		return
	}

	if _, err := b.Auth.UpdateProfile(r.Context(), model.UserAttributes{
		FullName:  &fullName,
		AvatarURL: &avatarURL,
	}); err != nil {
		h.render(w, r, http.StatusBadRequest, b.Session.Current().User, userMessage(err, msgProfileFailed))
		return
	}

	// USER_UPDATEDの反映を待ってから表示し直す。間に合わなくても結果は次回の表示で反映される
	ctx, cancel := context.WithTimeout(r.Context(), h.config.WaitTimeout)
	defer cancel()
	_, _ = b.Session.Await(ctx, func(s session.State) bool {
		return s.User != nil && s.User.FullName == fullName && s.User.AvatarURL == avatarURL
	})

	h.pages.redirect(w, r, profilePath, flashSuccess, msgProfileUpdated)
}

func (h *ProfileHandler) render(w http.ResponseWriter, r *http.Request, status int, user *model.User, errMsg string) {
	h.pages.views.Render(w, status, view.PageProfile, view.ProfilePage{
		Page:         h.pages.page(w, r, "Profile", user),
		BackendURL:   h.config.BackendURL,
		LocalBackend: h.config.LocalBackend,
		Error:        errMsg,
	})
}

func validateProfile(fullName, avatarURL string) string {
	if len([]rune(fullName)) > maxFullNameLength {
		return msgFullNameTooLong
	}
	if security.ContainsMarkup(fullName) {
		return msgFullNameMarkup
	}
	if _, err := security.ValidateAvatarURL(avatarURL); err != nil {
		return msgAvatarURLInvalid
	}
	return ""
}
