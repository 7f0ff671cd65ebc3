// Package guard は認証状態に応じて保護された画面を描画するか、
// ログイン画面へ誘導するかを決める。
package guard

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/todoman/internal/authstate"
	"github.com/hitoshi/todoman/internal/model"
)

// DefaultLoginPath は未認証時の誘導先。
const DefaultLoginPath = "/auth"

// Action はガードの判定結果。
type Action int

const (
	// ActionWait は初回確認前。待機表示のみを出し、遷移はしない。
	ActionWait Action = iota
	// ActionRedirect はログイン画面へ置き換え遷移する。
	ActionRedirect
	// ActionRender は保護された内容を描画する。
	ActionRender
	// ActionHold はリダイレクト済みの未認証状態。何も描画しない。
	ActionHold
)

// String はログ用の名前を返す。
func (a Action) String() string {
	switch a {
	case ActionRedirect:
		return "redirect"
	case ActionRender:
		return "render"
	case ActionHold:
		return "hold"
	default:
		return "wait"
	}
}

// Decision はある描画時点での判定。
type Decision struct {
	Action Action
	User   *model.User // ActionRenderのときのみ
	To     string      // ActionRedirectのときのみ
}

// Guard は1回のマウントに対応する判定器。
// 未認証への遷移1回につきリダイレクトを1回だけ返す。
type Guard struct {
	loginPath string

	mu         sync.Mutex
	redirected bool
}

// New はGuardを生成する。loginPathが空の場合はDefaultLoginPathを使う。
func New(loginPath string) *Guard {
	if loginPath == "" {
		loginPath = DefaultLoginPath
	}
	return &Guard{loginPath: loginPath}
}

// Decide はスナップショットから判定する。描画のたびに呼んでよい。
func (g *Guard) Decide(s authstate.Snapshot) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch {
	case s.Loading:
		return Decision{Action: ActionWait}
	case s.User == nil:
		if g.redirected {
			return Decision{Action: ActionHold}
		}
		g.redirected = true
		return Decision{Action: ActionRedirect, To: g.loginPath}
	default:
		// 未認証を抜けたら次の未認証遷移で再びリダイレクトする
		g.redirected = false
		return Decision{Action: ActionRender, User: s.User}
	}
}

// Settle は初回確認が済むまで待ち、その時点のスナップショットを返す。
// timeoutまでに確定しなかった場合やctxが終了した場合は確定前のスナップショットとfalseを返す。
func Settle(ctx context.Context, view *authstate.View, timeout time.Duration) (authstate.Snapshot, bool) {
	snap := view.Snapshot()
	if !snap.Loading {
		return snap, true
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-view.Changed():
			snap = view.Snapshot()
			if !snap.Loading {
				return snap, true
			}
		case <-timer.C:
			return view.Snapshot(), false
		case <-ctx.Done():
			return view.Snapshot(), false
		case <-view.Done():
			return snap, false
		}
	}
}
