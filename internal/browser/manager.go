// Package browser はブラウザごとのクライアント状態を管理する。
// Cookieで識別したブラウザ1つにつき、プロバイダークライアント、Session Store、
// タスク一覧のキャッシュを1組ずつ保持する。
package browser

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/todoman/internal/auth"
	"github.com/hitoshi/todoman/internal/authclient"
	"github.com/hitoshi/todoman/internal/model"
	"github.com/hitoshi/todoman/internal/session"
	"github.com/hitoshi/todoman/internal/todo"
)

const (
	persistTimeout = 5 * time.Second
	initTimeout    = 10 * time.Second
)

// DefaultMaxAnonymous はサインインしていないContextを保持する上限の既定値。
const DefaultMaxAnonymous = 1000

// ErrClosed はManagerの終了後に呼び出された場合のエラー。
var ErrClosed = errors.New("browser manager is closed")

// SessionStore はトークンの永続化先。repository.SessionRepositoryが実装する。
type SessionStore interface {
	Save(ctx context.Context, session *model.BrowserSession) error
	FindByID(ctx context.Context, id string) (*model.BrowserSession, error)
	DeleteByID(ctx context.Context, id string) error
}

// Recorder はブラウザごとのコンポーネントが記録するメトリクス。
type Recorder interface {
	session.Recorder
	auth.Recorder
}

// Config はManagerの設定。
type Config struct {
	API              authclient.API
	Sessions         SessionStore
	Recorder         Recorder
	Logger           *slog.Logger
	ResetRedirectURL string
	RefreshMargin    time.Duration
	RefreshInterval  time.Duration

	// MaxAnonymous は新規発行したままサインインしていないContextの上限。
	// 超えた場合は最終アクセスの古いものから破棄する。0以下は既定値を使う。
	MaxAnonymous int
}

// Context はブラウザ1つ分のクライアント状態。
type Context struct {
	Client  *authclient.Client
	Store   *session.Store
	Gateway *auth.Gateway
	Todos   *todo.Service
	Board   *todo.Board

	mu       sync.Mutex
	id       string
	lastSeen atomic.Int64

	stopPersist func()
	closeOnce   sync.Once
}

// ID は現在のブラウザID（Cookieの値）を返す。サインイン時に変わる。
func (c *Context) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *Context) setID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
}

func (c *Context) touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
}

func (c *Context) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, c.lastSeen.Load()))
}

// close はリスナーを外してからクライアントを停止する。
// 実行中のリモート呼び出しは中断しない。
func (c *Context) close() {
	c.closeOnce.Do(func() {
		c.Board.Close()
		c.Store.Close()
		c.stopPersist()
		c.Client.Close()
	})
}

// Manager はブラウザIDとContextの対応を管理する。
type Manager struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	contexts map[string]*Context
	// anonymous は新規発行後にトークンを持ったことのないContextのID。
	anonymous map[string]struct{}
	closed    bool
}

// NewManager はManagerを生成する。
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAnonymous <= 0 {
		cfg.MaxAnonymous = DefaultMaxAnonymous
	}
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		contexts:  make(map[string]*Context),
		anonymous: make(map[string]struct{}),
	}
}

// Resolve はブラウザIDに対応するContextを返す。
// メモリ上に無いIDは永続化されたトークンがある場合のみ復元する。
// 未知のIDは採用せず新しいIDを発行し、issuedをtrueで返す（呼び出し側でCookieを設定する）。
func (m *Manager) Resolve(ctx context.Context, id string) (bc *Context, issued bool, err error) {
	if id != "" {
		if bc := m.lookup(id); bc != nil {
			return bc, false, nil
		}

		stored, err := m.cfg.Sessions.FindByID(ctx, id)
		if err != nil {
			// 永続化先の障害時は未サインインの新しいブラウザとして扱う
			m.logger.Error("ブラウザセッションの読み込みに失敗しました",
				slog.String("error", err.Error()),
			)
		}
		if stored != nil {
			bc, err := m.adopt(id, stored)
			if err != nil {
				return nil, false, err
			}
			return bc, false, nil
		}
	}

	newID, err := NewID()
	if err != nil {
		return nil, false, err
	}
	bc, err = m.adopt(newID, nil)
	if err != nil {
		return nil, false, err
	}
	return bc, true, nil
}

// Rotate はContextに新しいIDを割り当て、永続化済みのトークンを移し替える。
// サインイン成功時にセッション固定攻撃を防ぐために呼ぶ。
func (m *Manager) Rotate(ctx context.Context, bc *Context) (string, error) {
	newID, err := NewID()
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	oldID := bc.ID()
	delete(m.contexts, oldID)
	delete(m.anonymous, oldID)
	bc.setID(newID)
	m.contexts[newID] = bc
	m.mu.Unlock()

	if s := bc.Client.Session(); s != nil {
		if err := m.cfg.Sessions.Save(ctx, toBrowserSession(newID, s)); err != nil {
			return "", fmt.Errorf("failed to persist rotated session: %w", err)
		}
	}
	if err := m.cfg.Sessions.DeleteByID(ctx, oldID); err != nil {
		m.logger.Warn("旧ブラウザセッションの削除に失敗しました",
			slog.String("error", err.Error()),
		)
	}
	return newID, nil
}

// EvictIdle はidle以上アクセスの無いContextを破棄し、破棄した件数を返す。
// 永続化したトークンは残るため、次のアクセスで復元される。
func (m *Manager) EvictIdle(idle time.Duration) int {
	now := m.now()

	m.mu.Lock()
	var evicted []*Context
	for id, bc := range m.contexts {
		if bc.idleSince(now) >= idle {
			evicted = append(evicted, bc)
			delete(m.contexts, id)
			delete(m.anonymous, id)
		}
	}
	m.mu.Unlock()

	for _, bc := range evicted {
		bc.close()
	}
	if len(evicted) > 0 {
		m.logger.Info("アイドル状態のブラウザを破棄しました",
			slog.Int("count", len(evicted)),
		)
	}
	return len(evicted)
}

// Len は保持しているContextの数を返す。
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.contexts)
}

// Close はすべてのContextを破棄する。以後のResolveはErrClosedを返す。
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	all := make([]*Context, 0, len(m.contexts))
	for _, bc := range m.contexts {
		all = append(all, bc)
	}
	m.contexts = map[string]*Context{}
	m.anonymous = map[string]struct{}{}
	m.mu.Unlock()

	for _, bc := range all {
		bc.close()
	}
}

func (m *Manager) lookup(id string) *Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	bc, ok := m.contexts[id]
	if !ok {
		return nil
	}
	bc.touch(m.now())
	return bc
}

// adopt はContextを生成して登録し、Session Storeの初期化を開始する。
// storedがある場合はトークンを通知なしで復元してから初期化する。
func (m *Manager) adopt(id string, stored *model.BrowserSession) (*Context, error) {
	bc := m.build(id)
	if stored != nil {
		bc.Client.Restore(fromBrowserSession(stored))
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		bc.close()
		return nil, ErrClosed
	}
	if existing, ok := m.contexts[id]; ok {
		// 同じIDの同時リクエストで先に登録された方を使う
		m.mu.Unlock()
		bc.close()
		existing.touch(m.now())
		return existing, nil
	}
	m.contexts[id] = bc
	var dropped []*Context
	if stored == nil {
		m.anonymous[id] = struct{}{}
		dropped = m.trimAnonymousLocked(id)
	}
	m.mu.Unlock()

	for _, old := range dropped {
		old.close()
	}
	if len(dropped) > 0 {
		m.logger.Debug("未サインインのブラウザを上限超過のため破棄しました",
			slog.Int("count", len(dropped)),
		)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
		defer cancel()
		bc.Store.Initialize(ctx)
	}()
	return bc, nil
}

// trimAnonymousLocked は未サインインのContextがMaxAnonymousを超えた分を
// 最終アクセスの古い順に登録から外して返す。keepは対象にしない。
// トークンを持つContextはサインイン済みとして集合から除く。
func (m *Manager) trimAnonymousLocked(keep string) []*Context {
	var dropped []*Context
	for len(m.anonymous) > m.cfg.MaxAnonymous {
		var (
			oldestID string
			oldest   *Context
		)
		for id := range m.anonymous {
			bc := m.contexts[id]
			if bc == nil || bc.Client.Session() != nil {
				delete(m.anonymous, id)
				continue
			}
			if id == keep {
				continue
			}
			if oldest == nil || bc.lastSeen.Load() < oldest.lastSeen.Load() {
				oldestID, oldest = id, bc
			}
		}
		if oldest == nil || len(m.anonymous) <= m.cfg.MaxAnonymous {
			break
		}
		delete(m.anonymous, oldestID)
		delete(m.contexts, oldestID)
		dropped = append(dropped, oldest)
	}
	return dropped
}

// build はContextを構成する。永続化のリスナーはSession Storeより先に登録し、
// Storeの購読者に通知が届く時点で保存が済んでいるようにする。
func (m *Manager) build(id string) *Context {
	client := authclient.New(m.cfg.API, authclient.Options{
		Logger:          m.logger,
		RefreshMargin:   m.cfg.RefreshMargin,
		RefreshInterval: m.cfg.RefreshInterval,
	})

	bc := &Context{Client: client, id: id}
	bc.touch(m.now())
	bc.stopPersist = client.OnAuthStateChange(func(ch model.AuthChange) {
		m.persist(bc, ch)
	})

	bc.Store = session.New(client, session.Options{
		Logger:   m.logger,
		Recorder: m.cfg.Recorder,
	})
	bc.Gateway = auth.NewGateway(client, m.cfg.Recorder, auth.GatewayConfig{
		ResetRedirectURL: m.cfg.ResetRedirectURL,
	}, m.logger)
	bc.Todos = todo.NewService(client, bc.Store, m.logger)
	bc.Board = todo.NewBoard(bc.Todos, bc.Store)
	return bc
}

// persist は認証状態の変化に合わせてトークンを保存または削除する。
func (m *Manager) persist(bc *Context, ch model.AuthChange) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	id := bc.ID()
	var err error
	if ch.Session == nil {
		err = m.cfg.Sessions.DeleteByID(ctx, id)
	} else {
		err = m.cfg.Sessions.Save(ctx, toBrowserSession(id, ch.Session))
	}
	if err != nil {
		m.logger.Error("ブラウザセッションの保存に失敗しました",
			slog.String("event", string(ch.Event)),
			slog.String("error", err.Error()),
		)
	}
}

func toBrowserSession(id string, s *model.AuthSession) *model.BrowserSession {
	bs := &model.BrowserSession{
		ID:           id,
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    s.ExpiresAt,
	}
	if s.User != nil {
		bs.UserID = s.User.ID
	}
	return bs
}

func fromBrowserSession(bs *model.BrowserSession) *model.AuthSession {
	s := &model.AuthSession{
		AccessToken:  bs.AccessToken,
		RefreshToken: bs.RefreshToken,
		ExpiresAt:    bs.ExpiresAt,
	}
	if bs.UserID != "" {
		s.User = &model.User{ID: bs.UserID}
	}
	return s
}

// NewID は暗号的に安全なブラウザIDを生成する。
func NewID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate browser ID: %w", err)
	}
	return hex.EncodeToString(b), nil
}

type contextKey struct{}

// WithContext はリクエストコンテキストにContextを格納する。
func WithContext(ctx context.Context, bc *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, bc)
}

// FromContext はリクエストコンテキストからContextを取り出す。
func FromContext(ctx context.Context) (*Context, bool) {
	bc, ok := ctx.Value(contextKey{}).(*Context)
	return bc, ok && bc != nil
}
