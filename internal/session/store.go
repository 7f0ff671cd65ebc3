// Package session はブラウザごとの認証状態（セッションストア）を提供する。
//
// 状態は Unknown（初回確認前）、Anonymous、Authenticated(user) の3つで、
// プロバイダーからの変化通知とInitializeの結果によってのみ遷移する。
// 購読者への通知は登録順に行い、通知前に内部状態を更新する。
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hitoshi/todoman/internal/model"
)

// Status は認証状態の種類。
type Status int

const (
	StatusUnknown Status = iota
	StatusAnonymous
	StatusAuthenticated
)

// String はメトリクスとログで使うラベルを返す。
func (s Status) String() string {
	switch s {
	case StatusAnonymous:
		return "anonymous"
	case StatusAuthenticated:
		return "authenticated"
	default:
		return "unknown"
	}
}

// State はある時点の認証状態。UserはStatusAuthenticatedの場合のみ非nil。
type State struct {
	Status Status
	User   *model.User
}

// Loading は初回確認が済んでいないかを返す。
func (s State) Loading() bool {
	return s.Status == StatusUnknown
}

// Authenticated は認証済みかを返す。
func (s State) Authenticated() bool {
	return s.Status == StatusAuthenticated
}

// stateFor はユーザーの有無から確定済みの状態を作る。
func stateFor(u *model.User) State {
	if u == nil {
		return State{Status: StatusAnonymous}
	}
	return State{Status: StatusAuthenticated, User: u}
}

// Provider はストアが依存するプロバイダーの機能。authclient.Clientが実装する。
type Provider interface {
	GetUser(ctx context.Context) (*model.User, error)
	OnAuthStateChange(fn func(model.AuthChange)) func()
}

// Recorder は状態遷移を記録するインターフェース。metrics.Collectorが実装する。
type Recorder interface {
	RecordSessionTransition(to string)
	RecordIdentityAnomaly()
}

// Options はStoreの設定。
type Options struct {
	Logger   *slog.Logger
	Recorder Recorder
}

type subscription struct {
	id     int
	fn     func(State)
	active atomic.Bool
}

// Store はブラウザ1つ分の認証状態を保持する。
type Store struct {
	provider Provider
	logger   *slog.Logger
	recorder Recorder

	// notifyMu は遷移と通知の組を直列化する。
	notifyMu sync.Mutex

	mu          sync.Mutex
	state       State
	events      uint64 // 適用したプロバイダー通知の数
	initStarted bool
	subs        []*subscription
	nextID      int
	closed      bool

	ready     chan struct{}
	readyOnce sync.Once

	stopProvider func()
}

// New はStoreを生成し、プロバイダーの変化通知の購読を開始する。
// 状態はInitializeが完了するか最初の通知が届くまでUnknownのまま。
func New(p Provider, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		provider: p,
		logger:   logger,
		recorder: opts.Recorder,
		ready:    make(chan struct{}),
	}
	s.stopProvider = p.OnAuthStateChange(s.handleChange)
	return s
}

// Initialize はプロバイダーに現在のユーザーを1度だけ問い合わせ、状態をUnknownから確定させる。
// 問い合わせの失敗は未認証として扱い、エラーは返さない。
// 問い合わせ中に届いた通知の方が新しいため、その場合は問い合わせ結果を捨てる。
// 2回目以降の呼び出しは何もしない。
func (s *Store) Initialize(ctx context.Context) {
	s.mu.Lock()
	if s.initStarted || s.closed {
		s.mu.Unlock()
		return
	}
	s.initStarted = true
	seen := s.events
	s.mu.Unlock()

	u, err := s.provider.GetUser(ctx)
	if err != nil {
		s.logger.Warn("セッションの確認に失敗したため未認証として扱います",
			slog.String("error", err.Error()),
		)
		u = nil
	}

	s.transition(stateFor(u), func() bool { return s.events == seen })
}

// Subscribe は状態遷移ごとに呼ばれるリスナーを登録する。
// コールバックは遷移後の状態を受け取り、その時点のCurrentも遷移後の値を返す。
// コールバック内で状態遷移を引き起こす操作を同期的に待ってはならない。
// 戻り値の関数は冪等で、戻った後に新しい通知が始まることはない。
func (s *Store) Subscribe(fn func(State)) func() {
	sub := &subscription{fn: fn}
	sub.active.Store(true)

	s.mu.Lock()
	s.nextID++
	sub.id = s.nextID
	s.subs = append(s.subs, sub)
	s.mu.Unlock()

	return func() {
		if !sub.active.Swap(false) {
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, x := range s.subs {
			if x.id == sub.id {
				s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
				break
			}
		}
	}
}

// Current は現在の状態を返す。
func (s *Store) Current() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Wait は状態が確定するまで待つ。ctxが先に終了した場合はそのエラーを返す。
func (s *Store) Wait(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Await はpredが真になる状態になるまで待ち、その状態を返す。
// ctxが先に終了した場合は最後に観測した状態とctxのエラーを返す。
// 購読を先に登録してから現在の状態を確認するため、その間の遷移を取りこぼさない。
func (s *Store) Await(ctx context.Context, pred func(State) bool) (State, error) {
	signal := make(chan struct{}, 1)
	unsubscribe := s.Subscribe(func(State) {
		select {
		case signal <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	for {
		cur := s.Current()
		if pred(cur) {
			return cur, nil
		}
		select {
		case <-signal:
		case <-ctx.Done():
			return cur, ctx.Err()
		}
	}
}

// Close はプロバイダーの購読を解除し、以降の遷移と通知を止める。冪等。
// 実行中のリモート呼び出しは取り消さない。完了しても状態には反映されない。
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for _, sub := range s.subs {
		sub.active.Store(false)
	}
	s.subs = nil
	s.mu.Unlock()

	s.stopProvider()
}

// handleChange はプロバイダーの通知を新しい状態に変換して適用する。
func (s *Store) handleChange(ch model.AuthChange) {
	s.mu.Lock()
	s.events++
	s.mu.Unlock()

	s.logger.Debug("認証状態の変化を受信しました", slog.String("event", string(ch.Event)))
	s.transition(stateFor(ch.User()), nil)
}

// transition はnextへ遷移して購読者に通知する。
// acceptがnilでなく偽を返す場合は何もしない（s.muを保持した状態で呼ばれる）。
func (s *Store) transition(next State, accept func() bool) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	s.mu.Lock()
	if s.closed || (accept != nil && !accept()) {
		s.mu.Unlock()
		return
	}
	prev := s.state

	if prev.Authenticated() && next.Authenticated() && prev.User.ID != next.User.ID {
		s.logger.Warn("認証済みセッションのユーザーが変化しました。サインアウトとして扱います",
			slog.String("previous_user_id", prev.User.ID),
			slog.String("user_id", next.User.ID),
		)
		if s.recorder != nil {
			s.recorder.RecordIdentityAnomaly()
		}
		s.mu.Unlock()
		s.apply(State{Status: StatusAnonymous})
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		prev = s.state
	}
	s.mu.Unlock()

	if sameState(prev, next) {
		s.markReady()
		return
	}
	s.apply(next)
}

// apply は状態を更新してから、その時点の購読者に登録順に通知する。notifyMuを保持して呼ぶこと。
func (s *Store) apply(next State) {
	s.mu.Lock()
	s.state = next
	targets := make([]*subscription, len(s.subs))
	copy(targets, s.subs)
	s.mu.Unlock()

	s.markReady()
	if s.recorder != nil {
		s.recorder.RecordSessionTransition(next.Status.String())
	}

	for _, sub := range targets {
		if sub.active.Load() {
			sub.fn(next)
		}
	}
}

func (s *Store) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

// sameState は通知の必要がない遷移かを判定する。
// 同一ユーザーでもプロフィールが変わった場合は通知する。
func sameState(a, b State) bool {
	if a.Status != b.Status {
		return false
	}
	if a.User == nil || b.User == nil {
		return a.User == b.User
	}
	return sameUser(a.User, b.User)
}

// sameUser はユーザーの各フィールドを比較する。
// CreatedAtはデコード元によってロケーションが異なるため時刻として比較する。
func sameUser(a, b *model.User) bool {
	return a.ID == b.ID &&
		a.Email == b.Email &&
		a.FullName == b.FullName &&
		a.AvatarURL == b.AvatarURL &&
		a.CreatedAt.Equal(b.CreatedAt)
}
