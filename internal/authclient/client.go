// Package authclient はブラウザ1つ分のプロバイダークライアントを提供する。
// トークンを保持し、認証状態の変化を登録順・非同期に通知し、
// アクセストークンの失効前に自動でリフレッシュする。
package authclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/todoman/internal/model"
	"github.com/hitoshi/todoman/internal/remote"
)

const (
	defaultRefreshMargin   = 90 * time.Second
	defaultRefreshInterval = 30 * time.Second
	refreshTimeout         = 10 * time.Second
)

// API はリモートサービスの呼び出しインターフェース。remote.Clientが実装する。
type API interface {
	SignUp(ctx context.Context, email, password string) (*remote.SignUpResult, error)
	SignInWithPassword(ctx context.Context, email, password string) (*model.AuthSession, error)
	RefreshSession(ctx context.Context, refreshToken string) (*model.AuthSession, error)
	SignOut(ctx context.Context, accessToken string) error
	GetUser(ctx context.Context, accessToken string) (*model.User, error)
	UpdateUser(ctx context.Context, accessToken string, attrs model.UserAttributes) (*model.User, error)
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error
	ListRecords(ctx context.Context, accessToken, collection string, q remote.Query, dest any) error
	InsertRecord(ctx context.Context, accessToken, collection string, fields any, dest any) error
	UpdateRecord(ctx context.Context, accessToken, collection, id string, fields any, dest any) error
	DeleteRecord(ctx context.Context, accessToken, collection, id string) error
}

var _ API = (*remote.Client)(nil)

// Options はClientの動作設定。ゼロ値の項目はデフォルト値を使う。
type Options struct {
	Logger *slog.Logger
	// RefreshMargin は失効のどれだけ前にリフレッシュするか。
	RefreshMargin time.Duration
	// RefreshInterval は自動リフレッシュの確認間隔。負の値で自動リフレッシュを無効にする。
	RefreshInterval time.Duration
}

type listener struct {
	id     int
	fn     func(model.AuthChange)
	active atomic.Bool
}

// Client はブラウザごとのプロバイダークライアント。
type Client struct {
	api             API
	logger          *slog.Logger
	refreshMargin   time.Duration
	refreshInterval time.Duration
	now             func() time.Time

	mu        sync.Mutex
	session   *model.AuthSession
	listeners []*listener
	nextID    int
	queue     []model.AuthChange
	closed    bool

	// refreshMu はリフレッシュを直列化する。同じリフレッシュトークンの二重使用を防ぐ。
	refreshMu sync.Mutex

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New はClientを生成し、通知配信と自動リフレッシュのゴルーチンを開始する。
// 使い終わったらCloseを呼ぶこと。
func New(api API, opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	margin := opts.RefreshMargin
	if margin <= 0 {
		margin = defaultRefreshMargin
	}
	interval := opts.RefreshInterval
	if interval == 0 {
		interval = defaultRefreshInterval
	}

	c := &Client{
		api:             api,
		logger:          logger,
		refreshMargin:   margin,
		refreshInterval: interval,
		now:             time.Now,
		wake:            make(chan struct{}, 1),
		done:            make(chan struct{}),
	}

	c.wg.Add(1)
	go c.dispatchLoop()
	if interval > 0 {
		c.wg.Add(1)
		go c.refreshLoop()
	}
	return c
}

// OnAuthStateChange は認証状態の変化を受け取るリスナーを登録する。
// 通知は専用ゴルーチンから登録順に1件ずつ配信される。
// 戻り値の関数で登録を解除する（複数回呼んでもよい）。
func (c *Client) OnAuthStateChange(fn func(model.AuthChange)) func() {
	l := &listener{fn: fn}
	l.active.Store(true)

	c.mu.Lock()
	c.nextID++
	l.id = c.nextID
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()

	return func() {
		if !l.active.Swap(false) {
			return
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, x := range c.listeners {
			if x.id == l.id {
				c.listeners = append(c.listeners[:i:i], c.listeners[i+1:]...)
				break
			}
		}
	}
}

// Restore は永続化されていたトークンを通知なしで復元する。
// 復元したトークンの有効性は次のGetUserで確認される。
func (c *Client) Restore(s *model.AuthSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = cloneSession(s)
}

// Session は現在のトークンの複製を返す。未サインインの場合はnilを返す。
func (c *Client) Session() *model.AuthSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneSession(c.session)
}

// AccessToken は有効なアクセストークンを返す。
// 失効が近い場合は先にリフレッシュする。未サインインの場合はmodel.ErrNotAuthenticatedを返す。
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	s := c.Session()
	if s == nil {
		return "", model.ErrNotAuthenticated
	}
	if !s.ExpiresWithin(c.now(), c.refreshMargin) {
		return s.AccessToken, nil
	}
	s, err := c.refresh(ctx)
	if err != nil {
		return "", err
	}
	return s.AccessToken, nil
}

// SignUp はユーザーを登録する。セッションが発行された場合はSIGNED_INを通知する。
// メール確認待ちの場合はセッションを持たないユーザーのみを返す。
func (c *Client) SignUp(ctx context.Context, email, password string) (*model.User, error) {
	res, err := c.api.SignUp(ctx, email, password)
	if err != nil {
		return nil, err
	}
	if res.Session != nil {
		c.setSession(model.AuthEventSignedIn, res.Session)
	}
	return res.User, nil
}

// SignInWithPassword はパスワードでサインインし、SIGNED_INを通知する。
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*model.User, error) {
	s, err := c.api.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, err
	}
	c.setSession(model.AuthEventSignedIn, s)
	return s.User, nil
}

// SignOut はリモートのセッションを無効化し、SIGNED_OUTを通知する。
// トークンが既に無効（401/403/404）の場合は成功として扱う。
// それ以外の失敗ではローカルの状態を変更せずにエラーを返す。
func (c *Client) SignOut(ctx context.Context) error {
	s := c.Session()
	if s != nil {
		err := c.api.SignOut(ctx, s.AccessToken)
		if err != nil && !isSessionGone(err) {
			return err
		}
	}
	c.setSession(model.AuthEventSignedOut, nil)
	return nil
}

// GetUser は現在のユーザーをリモートに問い合わせる。
// 未サインインの場合はnil, nilを返す。トークンが拒否された場合は
// セッションを破棄してTOKEN_EXPIREDを通知し、nil, nilを返す。
func (c *Client) GetUser(ctx context.Context) (*model.User, error) {
	token, err := c.AccessToken(ctx)
	if errors.Is(err, model.ErrNotAuthenticated) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	u, err := c.api.GetUser(ctx, token)
	if err != nil {
		if remote.IsUnauthorized(err) {
			c.expire("ユーザー取得でトークンが拒否されました")
			return nil, nil
		}
		return nil, err
	}

	c.mu.Lock()
	if c.session != nil && c.session.AccessToken == token {
		c.session.User = u
	}
	c.mu.Unlock()
	return u, nil
}

// UpdateUser はユーザーメタデータを更新し、USER_UPDATEDを通知する。
func (c *Client) UpdateUser(ctx context.Context, attrs model.UserAttributes) (*model.User, error) {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	u, err := c.api.UpdateUser(ctx, token, attrs)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil || c.session.AccessToken != token {
		return u, nil
	}
	c.session.User = u
	c.emitLocked(model.AuthEventUserUpdated)
	return u, nil
}

// ResetPasswordForEmail はパスワード再設定メールの送信を依頼する。
func (c *Client) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	return c.api.ResetPasswordForEmail(ctx, email, redirectTo)
}

// ListRecords は現在のユーザーの権限でレコードを取得する。
func (c *Client) ListRecords(ctx context.Context, collection string, q remote.Query, dest any) error {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return err
	}
	return c.api.ListRecords(ctx, token, collection, q, dest)
}

// InsertRecord は現在のユーザーの権限でレコードを挿入する。
func (c *Client) InsertRecord(ctx context.Context, collection string, fields any, dest any) error {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return err
	}
	return c.api.InsertRecord(ctx, token, collection, fields, dest)
}

// UpdateRecord は現在のユーザーの権限でレコードを更新する。
func (c *Client) UpdateRecord(ctx context.Context, collection, id string, fields any, dest any) error {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return err
	}
	return c.api.UpdateRecord(ctx, token, collection, id, fields, dest)
}

// DeleteRecord は現在のユーザーの権限でレコードを削除する。
func (c *Client) DeleteRecord(ctx context.Context, collection, id string) error {
	token, err := c.AccessToken(ctx)
	if err != nil {
		return err
	}
	return c.api.DeleteRecord(ctx, token, collection, id)
}

// Close は配信と自動リフレッシュを停止する。未配信の通知は破棄される。
// リモートのセッションは無効化しない。
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.queue = nil
	c.mu.Unlock()

	close(c.done)
	c.wg.Wait()
}

// refresh はリフレッシュトークンで新しいトークンを取得し、TOKEN_REFRESHEDを通知する。
// 4xxで拒否された場合はセッションを破棄してTOKEN_EXPIREDを通知する。
// ネットワーク障害や5xxではセッションを保持したままエラーを返す。
func (c *Client) refresh(ctx context.Context) (*model.AuthSession, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	current := c.Session()
	if current == nil {
		return nil, model.ErrNotAuthenticated
	}
	// 待っている間に別のゴルーチンがリフレッシュを済ませた場合
	if !current.ExpiresWithin(c.now(), c.refreshMargin) {
		return current, nil
	}

	next, err := c.api.RefreshSession(ctx, current.RefreshToken)
	if err != nil {
		if remote.IsClientError(err) {
			c.expire("リフレッシュトークンが拒否されました")
			return nil, fmt.Errorf("%w: %v", model.ErrNotAuthenticated, err)
		}
		c.logger.Warn("トークンのリフレッシュに失敗しました",
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("failed to refresh session: %w", err)
	}
	if next.User == nil {
		next.User = current.User
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// リフレッシュ中にサインアウトされた場合は結果を捨てる
	if c.session == nil || c.session.RefreshToken != current.RefreshToken {
		return nil, model.ErrNotAuthenticated
	}
	c.session = cloneSession(next)
	c.emitLocked(model.AuthEventTokenRefreshed)
	return cloneSession(next), nil
}

// expire はセッションを破棄してTOKEN_EXPIREDを通知する。
func (c *Client) expire(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return
	}
	c.logger.Info("セッションが失効しました", slog.String("reason", reason))
	c.session = nil
	c.emitLocked(model.AuthEventTokenExpired)
}

// setSession はトークンを置き換えてeventを通知する。
func (c *Client) setSession(event model.AuthEvent, s *model.AuthSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = cloneSession(s)
	c.emitLocked(event)
}

// emitLocked は現在のセッションの複製を付けてイベントをキューに積む。c.muを保持して呼ぶこと。
func (c *Client) emitLocked(event model.AuthEvent) {
	if c.closed {
		return
	}
	c.queue = append(c.queue, model.AuthChange{Event: event, Session: cloneSession(c.session)})
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// dispatchLoop はキューに積まれたイベントを登録順のリスナーへ配信する。
func (c *Client) dispatchLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.wake:
		}

		for {
			c.mu.Lock()
			if len(c.queue) == 0 || c.closed {
				c.mu.Unlock()
				break
			}
			ev := c.queue[0]
			c.queue = c.queue[1:]
			targets := make([]*listener, len(c.listeners))
			copy(targets, c.listeners)
			c.mu.Unlock()

			for _, l := range targets {
				if l.active.Load() {
					l.fn(ev)
				}
			}
		}
	}
}

// refreshLoop は定期的に失効の近いトークンをリフレッシュする。
func (c *Client) refreshLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			s := c.Session()
			if s == nil || !s.ExpiresWithin(c.now(), c.refreshMargin) {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
			_, _ = c.refresh(ctx)
			cancel()
		}
	}
}

// isSessionGone はサインアウト時にリモートのセッションが既に無いことを示すエラーかを判定する。
func isSessionGone(err error) bool {
	var re *remote.Error
	if !errors.As(err, &re) {
		return false
	}
	return remote.IsUnauthorized(err) || re.Status == http.StatusNotFound
}

func cloneSession(s *model.AuthSession) *model.AuthSession {
	if s == nil {
		return nil
	}
	out := *s
	if s.User != nil {
		u := *s.User
		out.User = &u
	}
	return &out
}
