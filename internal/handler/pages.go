package handler

import (
	"net/http"

	"github.com/hitoshi/todoman/internal/middleware"
	"github.com/hitoshi/todoman/internal/model"
	"github.com/hitoshi/todoman/internal/view"
)

// pageRenderer はHTMLページを返すハンドラーが共有する描画処理。
type pageRenderer struct {
	views        *view.Renderer
	cookieSecure bool
}

// page は共通の描画データを組み立てる。フラッシュ通知はここで消費する。
// ユーザーがいる場合は認証状態のライブ通知を有効にする。
func (p pageRenderer) page(w http.ResponseWriter, r *http.Request, title string, user *model.User) view.Page {
	return view.Page{
		Title:     title,
		CSRFToken: middleware.CSRFTokenFromContext(r.Context()),
		User:      user,
		Flash:     popFlash(w, r, p.cookieSecure),
		Live:      user != nil,
	}
}

// redirect はフラッシュ通知を付けて303でリダイレクトする。kindが空なら通知しない。
func (p pageRenderer) redirect(w http.ResponseWriter, r *http.Request, to, kind, message string) {
	if kind != "" {
		setFlash(w, kind, message, p.cookieSecure)
	}
	http.Redirect(w, r, to, http.StatusSeeOther)
}

// browserOr500 はリクエスト元のブラウザを返す。無い場合は500を書き込んでfalseを返す。
func browserOr500(source BrowserSource, w http.ResponseWriter, r *http.Request) (*Browser, bool) {
	b, ok := source.FromRequest(r)
	if !ok {
		middleware.WriteInternalServerError(w)
		return nil, false
	}
	return b, true
}
