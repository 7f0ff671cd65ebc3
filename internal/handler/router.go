package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/todoman/internal/guard"
	"github.com/hitoshi/todoman/internal/middleware"
	"github.com/hitoshi/todoman/internal/view"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger        *slog.Logger
	HealthChecker HealthChecker
	// Metrics が nil の場合は /metrics を公開しない。
	Metrics http.Handler

	// ミドルウェア依存
	Resolver          middleware.BrowserResolver
	Cookie            middleware.CookieConfig
	CSRF              middleware.CSRFConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	Guard             guard.Config

	// ハンドラー依存
	Browsers BrowserSource
	Views    *view.Renderer
	Auth     AuthHandlerConfig
	Profile  ProfileHandlerConfig
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → SecurityHeaders → [CORS(/api)] → RateLimit(Issue) → Browser → CSRF → Guard → RateLimit
//
// ヘルスチェック、メトリクス、静的ファイルはブラウザの解決より前に応答する。
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())

	authHandler := NewAuthHandler(deps.Browsers, deps.Views, deps.Auth)
	todoHandler := NewTodoHandler(deps.Browsers, deps.Views, deps.Cookie.Secure)
	profileHandler := NewProfileHandler(deps.Browsers, deps.Views, deps.Profile)
	sessionHandler := NewSessionHandler(deps.Browsers)
	liveHandler := NewLiveHandler(deps.Browsers, deps.Guard.LoginPath)

	guardConfig := deps.Guard
	if guardConfig.Logger == nil {
		guardConfig.Logger = logger
	}
	if guardConfig.Waiting == nil {
		guardConfig.Waiting = loadingHandler(deps.Views)
	}
	cors := middleware.NewCORSMiddleware(deps.CORSAllowedOrigin)

	// --- ブラウザを解決しないルート ---
	r.Get("/health", NewHealthHandler(deps.HealthChecker))
	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics)
	}
	r.Handle("/static/*", view.StaticHandler())
	r.With(cors).Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/", http.StatusFound)
	})

	// --- ブラウザごとの状態を使うルート ---
	// ミドルウェアスタック: RateLimit(Issue) → Browser → CSRF
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimiter.IssueMiddleware())
		r.Use(middleware.NewBrowserMiddleware(deps.Resolver, deps.Cookie))
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, todosPath, http.StatusFound)
		})

		// 認証（ガード不要）
		r.Route("/auth", func(r chi.Router) {
			r.Get("/", authHandler.ShowAuth)
			r.Post("/signout", authHandler.SignOut)
			r.Get("/reset-password", authHandler.ShowResetPassword)

			// 認証フォームは接続元IPごとに制限する
			r.Group(func(r chi.Router) {
				r.Use(deps.RateLimiter.AuthMiddleware())
				r.Post("/signin", authHandler.SignIn)
				r.Post("/signup", authHandler.SignUp)
				r.Post("/reset-password", authHandler.ResetPassword)
			})
		})

		// 認証状態のライブ通知
		r.Get("/ws/session", liveHandler.ServeHTTP)

		// --- 保護された画面 ---
		// ミドルウェアスタック: Guard(page) → RateLimit(General)
		r.Group(func(r chi.Router) {
			r.Use(guard.NewPageMiddleware(guardConfig))
			r.Use(deps.RateLimiter.GeneralMiddleware())

			r.Get("/todos", todoHandler.ListPage)
			r.Post("/todos", todoHandler.CreateForm)
			r.Post("/todos/{id}/toggle", todoHandler.ToggleForm)
			r.Post("/todos/{id}/delete", todoHandler.DeleteForm)

			r.Get("/profile", profileHandler.Show)
			r.Post("/profile", profileHandler.Update)
		})

		// --- 保護されたJSON API ---
		// ミドルウェアスタック: CORS → Guard(api) → RateLimit(General)
		r.Route("/api", func(r chi.Router) {
			r.Use(cors)
			r.Use(guard.NewAPIMiddleware(guardConfig))
			r.Use(deps.RateLimiter.GeneralMiddleware())

			r.Get("/session", sessionHandler.Get)

			r.Route("/todos", func(r chi.Router) {
				r.Get("/", todoHandler.List)
				r.Post("/", todoHandler.Create)

				r.Route("/{id}", func(r chi.Router) {
					r.Patch("/", todoHandler.Update)
					r.Delete("/", todoHandler.Delete)
					r.Post("/toggle", todoHandler.Toggle)
				})
			})
		})
	})

	return r
}

// loadingHandler は初回確認が間に合わなかった画面リクエストに待機画面を返す。
// 待機画面は自動で再読み込みする。
func loadingHandler(views *view.Renderer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "1")
		views.Render(w, http.StatusServiceUnavailable, view.PageLoading, view.LoadingPage{
			Page: view.Page{Title: "Loading"},
		})
	})
}
