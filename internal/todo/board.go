package todo

import (
	"context"
	"errors"
	"sync"

	"github.com/hitoshi/todoman/internal/model"
	"github.com/hitoshi/todoman/internal/session"
)

// Operations はBoardが使うタスク操作。Serviceが実装する。
type Operations interface {
	List(ctx context.Context) ([]model.Todo, error)
	Create(ctx context.Context, in model.CreateTodoInput) (*model.Todo, error)
	Update(ctx context.Context, id string, in model.UpdateTodoInput) (*model.Todo, error)
	SetCompleted(ctx context.Context, id string, completed bool) (*model.Todo, error)
	Delete(ctx context.Context, id string) error
}

// StateSource はBoardが購読する認証状態。session.Storeが実装する。
type StateSource interface {
	Current() session.State
	Subscribe(fn func(session.State)) func()
}

// Board はブラウザごとにキャッシュしたタスク一覧。
// リモート操作が成功した場合のみ一覧を更新する（作成は先頭に追加、更新は置換、削除は除去）。
// 失敗時は一覧を変更しない。サインアウトやユーザーの切り替えで一覧を破棄する。
type Board struct {
	ops Operations
	src StateSource

	mu     sync.Mutex
	owner  string // 一覧を取得したユーザーのID。空は未取得
	todos  []model.Todo
	epoch  uint64 // 一覧を破棄するたびに増える
	cancel func()
}

// NewBoard はBoardを生成し、認証状態の購読を開始する。
func NewBoard(ops Operations, src StateSource) *Board {
	b := &Board{ops: ops, src: src}
	b.cancel = src.Subscribe(b.onState)
	return b
}

// Loaded は一覧を取得済みかを返す。
func (b *Board) Loaded() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.owner != ""
}

// Items はキャッシュしている一覧の複製を返す。
func (b *Board) Items() []model.Todo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]model.Todo, len(b.todos))
	copy(out, b.todos)
	return out
}

// Load はリモートから一覧を取得してキャッシュを置き換える。
// 失敗した場合はキャッシュを変更せずにエラーを返す。
func (b *Board) Load(ctx context.Context) ([]model.Todo, error) {
	epoch := b.currentEpoch()
	todos, err := b.ops.List(ctx)
	if err != nil {
		return nil, err
	}

	st := b.src.Current()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.epoch != epoch || !st.Authenticated() {
		// 取得中にサインアウトされた
		return nil, model.NewDataError("User not authenticated", model.ErrNotAuthenticated)
	}
	b.owner = st.User.ID
	b.todos = todos
	return b.snapshotLocked(), nil
}

// Create はタスクを作成し、成功した場合は一覧の先頭に追加する。
func (b *Board) Create(ctx context.Context, in model.CreateTodoInput) (*model.Todo, error) {
	epoch := b.currentEpoch()
	created, err := b.ops.Create(ctx, in)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.epoch == epoch && b.owner != "" {
		b.todos = append([]model.Todo{*created}, b.todos...)
	}
	return created, nil
}

// Update はタスクを更新し、成功した場合は一覧の該当要素を置き換える。
func (b *Board) Update(ctx context.Context, id string, in model.UpdateTodoInput) (*model.Todo, error) {
	epoch := b.currentEpoch()
	updated, err := b.ops.Update(ctx, id, in)
	if err != nil {
		return nil, err
	}
	b.replace(epoch, updated)
	return updated, nil
}

// Toggle はキャッシュ上の現在値を反転した完了状態を送信する。
// 一覧に無いタスクはTodo not foundのDataErrorを返す。
func (b *Board) Toggle(ctx context.Context, id string) (*model.Todo, error) {
	b.mu.Lock()
	epoch := b.epoch
	idx := b.indexLocked(id)
	var current bool
	if idx >= 0 {
		current = b.todos[idx].Completed
	}
	b.mu.Unlock()

	if idx < 0 {
		return nil, model.NewDataError("Todo not found", ErrTodoNotFound)
	}

	updated, err := b.ops.SetCompleted(ctx, id, !current)
	if err != nil {
		return nil, err
	}
	b.replace(epoch, updated)
	return updated, nil
}

// Delete はタスクを削除し、成功した場合は一覧から取り除く。
func (b *Board) Delete(ctx context.Context, id string) error {
	epoch := b.currentEpoch()
	if err := b.ops.Delete(ctx, id); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.epoch != epoch {
		return nil
	}
	if idx := b.indexLocked(id); idx >= 0 {
		b.todos = append(b.todos[:idx:idx], b.todos[idx+1:]...)
	}
	return nil
}

// Close は認証状態の購読を解除する。
func (b *Board) Close() {
	b.cancel()
}

// onState はサインアウトとユーザーの切り替えで一覧を破棄する。
func (b *Board) onState(st session.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st.Authenticated() && (b.owner == "" || b.owner == st.User.ID) {
		return
	}
	b.resetLocked()
}

func (b *Board) resetLocked() {
	b.owner = ""
	b.todos = nil
	b.epoch++
}

func (b *Board) replace(epoch uint64, updated *model.Todo) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.epoch != epoch {
		return
	}
	if idx := b.indexLocked(updated.ID); idx >= 0 {
		b.todos[idx] = *updated
	}
}

func (b *Board) currentEpoch() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.epoch
}

func (b *Board) indexLocked(id string) int {
	for i := range b.todos {
		if b.todos[i].ID == id {
			return i
		}
	}
	return -1
}

func (b *Board) snapshotLocked() []model.Todo {
	out := make([]model.Todo, len(b.todos))
	copy(out, b.todos)
	return out
}

// IsNotFound はerrがタスク未検出を表すかを判定する。
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTodoNotFound)
}
