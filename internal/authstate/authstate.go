// Package authstate はセッションストアのプッシュ通知を、
// 描画側が任意のタイミングで読み出すスナップショットに橋渡しする。
package authstate

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hitoshi/todoman/internal/model"
	"github.com/hitoshi/todoman/internal/session"
)

// Source は監視対象のストア。session.Storeが実装する。
type Source interface {
	Current() session.State
	Subscribe(fn func(session.State)) func()
}

// Snapshot は描画に使う (user, loading) の組。
type Snapshot struct {
	User    *model.User
	Loading bool
}

// State は元になった認証状態を返す。
func (s Snapshot) State() session.State {
	switch {
	case s.Loading:
		return session.State{Status: session.StatusUnknown}
	case s.User == nil:
		return session.State{Status: session.StatusAnonymous}
	default:
		return session.State{Status: session.StatusAuthenticated, User: s.User}
	}
}

func snapshotOf(st session.State) Snapshot {
	return Snapshot{User: st.User, Loading: st.Loading()}
}

var active atomic.Int64

// Active はマウント中のView数を返す。購読のリーク検出とメトリクスに使う。
func Active() int64 {
	return active.Load()
}

// View は1回のマウントに対応する観測者。ストアへの購読をちょうど1つ保持する。
type View struct {
	id string

	mu   sync.Mutex
	snap Snapshot

	changed     chan struct{}
	done        chan struct{}
	unsubscribe func()
	unmountOnce sync.Once
}

// Mount はストアを購読するViewを生成する。使い終わったら必ずUnmountを呼ぶこと。
func Mount(src Source) *View {
	v := &View{
		id:      uuid.New().String(),
		changed: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	active.Add(1)

	// 購読してから現在値を読むことで、その間の遷移を取りこぼさない
	v.unsubscribe = src.Subscribe(v.update)
	v.mu.Lock()
	v.snap = snapshotOf(src.Current())
	v.mu.Unlock()
	return v
}

// ID はマウントの識別子を返す。
func (v *View) ID() string {
	return v.id
}

// Snapshot は最新の (user, loading) を返す。
func (v *View) Snapshot() Snapshot {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.snap
}

// Changed はスナップショットが更新されたことを知らせるチャネルを返す。
// 連続した更新は1回の通知にまとめられるため、受信後はSnapshotで最新値を読むこと。
func (v *View) Changed() <-chan struct{} {
	return v.changed
}

// Done はUnmount後に閉じられるチャネルを返す。
func (v *View) Done() <-chan struct{} {
	return v.done
}

// Unmount は購読を解除する。冪等。
func (v *View) Unmount() {
	v.unmountOnce.Do(func() {
		v.unsubscribe()
		close(v.done)
		active.Add(-1)
	})
}

func (v *View) update(st session.State) {
	select {
	case <-v.done:
		return
	default:
	}

	v.mu.Lock()
	v.snap = snapshotOf(st)
	v.mu.Unlock()

	select {
	case v.changed <- struct{}{}:
	default:
	}
}
