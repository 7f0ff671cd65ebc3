package guard

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/todoman/internal/authstate"
	"github.com/hitoshi/todoman/internal/browser"
	"github.com/hitoshi/todoman/internal/middleware"
	"github.com/hitoshi/todoman/internal/model"
)

// DefaultWaitTimeout は初回確認を待つ既定の上限。
const DefaultWaitTimeout = 2 * time.Second

// Recorder はガードの判定を記録するインターフェース。metrics.Collectorが実装する。
type Recorder interface {
	RecordGuardDecision(action string)
}

// Config はガードミドルウェアの設定。
type Config struct {
	LoginPath   string
	WaitTimeout time.Duration
	Recorder    Recorder
	Logger      *slog.Logger

	// Waiting は画面リクエストで初回確認が間に合わなかった場合の待機表示。
	// nilの場合は503とRetry-Afterを返す。
	Waiting http.Handler
}

func (c Config) withDefaults() Config {
	if c.LoginPath == "" {
		c.LoginPath = DefaultLoginPath
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Waiting == nil {
		c.Waiting = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Loading...", http.StatusServiceUnavailable)
		})
	}
	return c
}

// responder は判定結果ごとのレスポンスの書き方。画面とJSON APIで異なる。
type responder interface {
	wait(w http.ResponseWriter, r *http.Request)
	redirect(w http.ResponseWriter, r *http.Request, to string)
}

// NewPageMiddleware は画面用のルートガードを返す。
// 未認証は303でログイン画面へ、確認が間に合わない場合は待機表示を返す。
func NewPageMiddleware(cfg Config) func(next http.Handler) http.Handler {
	cfg = cfg.withDefaults()
	return newMiddleware(cfg, pageResponder{waiting: cfg.Waiting})
}

// NewAPIMiddleware はJSON API用のルートガードを返す。
// 未認証は401、確認が間に合わない場合は503 SESSION_PENDINGを返す。
func NewAPIMiddleware(cfg Config) func(next http.Handler) http.Handler {
	cfg = cfg.withDefaults()
	return newMiddleware(cfg, apiResponder{retryAfter: cfg.WaitTimeout})
}

// newMiddleware はリクエストごとにViewをマウントし、Guardの判定に従って応答する。
// 1リクエストを1回のマウントとして扱い、応答後に必ずUnmountする。
func newMiddleware(cfg Config, resp responder) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bc, ok := browser.FromContext(r.Context())
			if !ok {
				cfg.Logger.Error("route guard requires browser context",
					slog.String("path", r.URL.Path),
				)
				middleware.WriteInternalServerError(w)
				return
			}

			view := authstate.Mount(bc.Store)
			defer view.Unmount()

			snap, _ := Settle(r.Context(), view, cfg.WaitTimeout)
			d := New(cfg.LoginPath).Decide(snap)
			if cfg.Recorder != nil {
				cfg.Recorder.RecordGuardDecision(d.Action.String())
			}

			switch d.Action {
			case ActionRender:
				next.ServeHTTP(w, r.WithContext(middleware.ContextWithUserID(r.Context(), d.User.ID)))
			case ActionRedirect:
				resp.redirect(w, r, d.To)
			default:
				resp.wait(w, r)
			}
		})
	}
}

type pageResponder struct {
	waiting http.Handler
}

func (p pageResponder) wait(w http.ResponseWriter, r *http.Request) {
	p.waiting.ServeHTTP(w, r)
}

func (pageResponder) redirect(w http.ResponseWriter, r *http.Request, to string) {
	// 303で履歴を置き換え、POSTの再送も防ぐ
	http.Redirect(w, r, to, http.StatusSeeOther)
}

type apiResponder struct {
	retryAfter time.Duration
}

func (a apiResponder) wait(w http.ResponseWriter, _ *http.Request) {
	sec := int(a.retryAfter.Seconds())
	if sec < 1 {
		sec = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(sec))
	middleware.WriteErrorResponse(w, http.StatusServiceUnavailable, model.NewSessionPendingError())
}

func (apiResponder) redirect(w http.ResponseWriter, _ *http.Request, _ string) {
	middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
}
