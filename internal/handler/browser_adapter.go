package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/hitoshi/todoman/internal/browser"
	"github.com/hitoshi/todoman/internal/model"
	"github.com/hitoshi/todoman/internal/session"
)

// errNoBrowser はブラウザミドルウェアを通っていないリクエストで返す。
var errNoBrowser = errors.New("browser context not found")

// SessionState はハンドラーが参照するブラウザの認証状態。session.Storeが実装する。
type SessionState interface {
	Current() session.State
	Subscribe(fn func(session.State)) func()
	Await(ctx context.Context, pred func(session.State) bool) (session.State, error)
}

// AuthGateway は認証ハンドラーが必要とする認証操作。auth.Gatewayが実装する。
type AuthGateway interface {
	SignUp(ctx context.Context, email, password string) (*model.User, error)
	SignIn(ctx context.Context, email, password string) (*model.User, error)
	SignOut(ctx context.Context) error
	ResetPassword(ctx context.Context, email string) error
	UpdateProfile(ctx context.Context, attrs model.UserAttributes) (*model.User, error)
}

// TodoBoard はタスクハンドラーが必要とするタスク一覧。todo.Boardが実装する。
type TodoBoard interface {
	Loaded() bool
	Items() []model.Todo
	Load(ctx context.Context) ([]model.Todo, error)
	Create(ctx context.Context, in model.CreateTodoInput) (*model.Todo, error)
	Update(ctx context.Context, id string, in model.UpdateTodoInput) (*model.Todo, error)
	Toggle(ctx context.Context, id string) (*model.Todo, error)
	Delete(ctx context.Context, id string) error
}

// Browser はリクエスト元ブラウザのコンポーネント一式。
type Browser struct {
	Session SessionState
	Auth    AuthGateway
	Todos   TodoBoard
}

// BrowserSource はリクエストからブラウザを取り出す。
type BrowserSource interface {
	FromRequest(r *http.Request) (*Browser, bool)
	// Rotate はブラウザIDを振り直し、新しいIDを返す。呼び出し側でCookieを設定する。
	Rotate(r *http.Request) (string, error)
}

// ManagerAdapter は browser.Manager を BrowserSource に適合させるアダプタ。
type ManagerAdapter struct {
	manager *browser.Manager
}

// NewManagerAdapter はManagerAdapterを生成する。
func NewManagerAdapter(m *browser.Manager) *ManagerAdapter {
	return &ManagerAdapter{manager: m}
}

// FromRequest はブラウザミドルウェアが注入したContextをhandler側の型で返す。
func (a *ManagerAdapter) FromRequest(r *http.Request) (*Browser, bool) {
	bc, ok := browser.FromContext(r.Context())
	if !ok {
		return nil, false
	}
	return &Browser{
		Session: bc.Store,
		Auth:    bc.Gateway,
		Todos:   bc.Board,
	}, true
}

// Rotate はリクエスト元ブラウザのIDを振り直す。
func (a *ManagerAdapter) Rotate(r *http.Request) (string, error) {
	bc, ok := browser.FromContext(r.Context())
	if !ok {
		return "", errNoBrowser
	}
	return a.manager.Rotate(r.Context(), bc)
}
