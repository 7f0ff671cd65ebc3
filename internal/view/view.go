// Package view はサーバー側で描画するHTMLページを提供する。
// テンプレートと静的ファイルはバイナリに埋め込む。
package view

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/todoman/internal/model"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static
var staticFS embed.FS

// ページ名。テンプレートファイル名から拡張子を除いたもの。
const (
	PageAuth          = "auth"
	PageResetPassword = "reset_password"
	PageTodos         = "todos"
	PageProfile       = "profile"
	PageLoading       = "loading"
)

var pageNames = []string{PageAuth, PageResetPassword, PageTodos, PageProfile, PageLoading}

// Flash は次の1回の描画で表示する通知。
type Flash struct {
	Kind    string // "success" または "error"
	Message string
}

// Page は全ページ共通の描画データ。
type Page struct {
	Title     string
	CSRFToken string
	User      *model.User // nilでない場合はトップバーを表示する
	Flash     *Flash
	Live      bool // 認証状態の変化を受け取るスクリプトを読み込む
}

// AuthPage はサインイン・サインアップ画面。
type AuthPage struct {
	Page
	SignUp  bool
	Email   string
	Error   string
	Success string
}

// ResetPasswordPage はパスワード再設定メールの送信画面。
type ResetPasswordPage struct {
	Page
	Email   string
	Error   string
	Success string
}

// TodosPage はタスク一覧画面。
type TodosPage struct {
	Page
	Todos     []model.Todo
	LoadError bool
}

// ProfilePage はプロフィール画面。
type ProfilePage struct {
	Page
	BackendURL   string
	LocalBackend bool
	Error        string
}

// LoadingPage は認証状態の確定待ち画面。
type LoadingPage struct {
	Page
}

var funcs = template.FuncMap{
	"text": func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	},
	"formatDate": func(t time.Time) string {
		return t.Local().Format("January 2, 2006")
	},
	"formatDateTime": func(t time.Time) string {
		return t.Local().Format("Jan 2, 2006, 03:04 PM")
	},
}

// Renderer はページテンプレートを保持する。
type Renderer struct {
	pages  map[string]*template.Template
	logger *slog.Logger
}

// NewRenderer は埋め込みテンプレートを読み込む。
func NewRenderer(logger *slog.Logger) (*Renderer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Renderer{
		pages:  make(map[string]*template.Template, len(pageNames)),
		logger: logger,
	}
	for _, name := range pageNames {
		t, err := template.New(name).Funcs(funcs).ParseFS(templateFS,
			"templates/layout.html",
			"templates/"+name+".html",
		)
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		r.pages[name] = t
	}
	return r, nil
}

// Render はページを描画してstatusで書き込む。
// 描画に失敗した場合はステータスを書き込む前に500を返す。
func (r *Renderer) Render(w http.ResponseWriter, status int, name string, data any) {
	t, ok := r.pages[name]
	if !ok {
		r.logger.Error("unknown page", slog.String("page", name))
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	var buf bytes.Buffer
	if err := t.ExecuteTemplate(&buf, "layout", data); err != nil {
		r.logger.Error("failed to render page",
			slog.String("page", name),
			slog.String("error", err.Error()),
		)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	buf.WriteTo(w)
}

// StaticHandler は/static/配下の埋め込みファイルを配信するハンドラーを返す。
func StaticHandler() http.Handler {
	sub, err := fs.Sub(staticFS, "static")
	if err != nil {
		panic(err)
	}
	return http.StripPrefix("/static/", http.FileServer(http.FS(sub)))
}
