package todo

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hitoshi/todoman/internal/model"
	"github.com/hitoshi/todoman/internal/session"
)

// --- モック定義 ---

type mockOperations struct {
	listFn         func(ctx context.Context) ([]model.Todo, error)
	createFn       func(ctx context.Context, in model.CreateTodoInput) (*model.Todo, error)
	updateFn       func(ctx context.Context, id string, in model.UpdateTodoInput) (*model.Todo, error)
	setCompletedFn func(ctx context.Context, id string, completed bool) (*model.Todo, error)
	deleteFn       func(ctx context.Context, id string) error
}

func (m *mockOperations) List(ctx context.Context) ([]model.Todo, error) {
	if m.listFn != nil {
		return m.listFn(ctx)
	}
	return []model.Todo{}, nil
}

func (m *mockOperations) Create(ctx context.Context, in model.CreateTodoInput) (*model.Todo, error) {
	if m.createFn != nil {
		return m.createFn(ctx, in)
	}
	return &model.Todo{ID: "new", Title: in.Title}, nil
}

func (m *mockOperations) Update(ctx context.Context, id string, in model.UpdateTodoInput) (*model.Todo, error) {
	if m.updateFn != nil {
		return m.updateFn(ctx, id, in)
	}
	return &model.Todo{ID: id}, nil
}

func (m *mockOperations) SetCompleted(ctx context.Context, id string, completed bool) (*model.Todo, error) {
	if m.setCompletedFn != nil {
		return m.setCompletedFn(ctx, id, completed)
	}
	return &model.Todo{ID: id, Completed: completed}, nil
}

func (m *mockOperations) Delete(ctx context.Context, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return nil
}

// stateSource は状態を手動で切り替えられるストア。
type stateSource struct {
	mu    sync.Mutex
	state session.State
	subs  []func(session.State)
}

func (s *stateSource) Current() session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stateSource) Subscribe(fn func(session.State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
	idx := len(s.subs) - 1
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.subs[idx] = nil
	}
}

func (s *stateSource) set(st session.State) {
	s.mu.Lock()
	s.state = st
	subs := append([]func(session.State){}, s.subs...)
	s.mu.Unlock()
	for _, fn := range subs {
		if fn != nil {
			fn(st)
		}
	}
}

func authenticatedAs(id string) session.State {
	return session.State{Status: session.StatusAuthenticated, User: &model.User{ID: id}}
}

func existingTodos() []model.Todo {
	return []model.Todo{
		{ID: "t2", UserID: "user-1", Title: "second"},
		{ID: "t1", UserID: "user-1", Title: "first", Completed: true},
	}
}

func loadedBoard(t *testing.T, ops *mockOperations) (*Board, *stateSource) {
	t.Helper()
	src := &stateSource{state: authenticatedAs("user-1")}
	if ops.listFn == nil {
		ops.listFn = func(ctx context.Context) ([]model.Todo, error) { return existingTodos(), nil }
	}
	b := NewBoard(ops, src)
	t.Cleanup(b.Close)
	if _, err := b.Load(context.Background()); err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	return b, src
}

func ids(todos []model.Todo) []string {
	out := make([]string, len(todos))
	for i, td := range todos {
		out[i] = td.ID
	}
	return out
}

func equalIDs(got []model.Todo, want ...string) bool {
	g := ids(got)
	if len(g) != len(want) {
		return false
	}
	for i := range want {
		if g[i] != want[i] {
			return false
		}
	}
	return true
}

// --- テスト ---

func TestBoard_Create_Prepends(t *testing.T) {
	b, _ := loadedBoard(t, &mockOperations{
		createFn: func(ctx context.Context, in model.CreateTodoInput) (*model.Todo, error) {
			return &model.Todo{ID: "t3", UserID: "user-1", Title: in.Title}, nil
		},
	})

	if _, err := b.Create(context.Background(), model.CreateTodoInput{Title: "third"}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if items := b.Items(); !equalIDs(items, "t3", "t2", "t1") {
		t.Errorf("Items() = %v, want [t3 t2 t1]", ids(items))
	}
}

func TestBoard_Create_FailureLeavesListUnchanged(t *testing.T) {
	b, _ := loadedBoard(t, &mockOperations{
		createFn: func(ctx context.Context, in model.CreateTodoInput) (*model.Todo, error) {
			return nil, model.NewDataError("boom", nil)
		},
	})

	if _, err := b.Create(context.Background(), model.CreateTodoInput{Title: "x"}); err == nil {
		t.Fatal("expected error")
	}
	if items := b.Items(); !equalIDs(items, "t2", "t1") {
		t.Errorf("Items() = %v, want [t2 t1]", ids(items))
	}
}

func TestBoard_Toggle_SendsNegatedValue(t *testing.T) {
	var sent []bool
	b, _ := loadedBoard(t, &mockOperations{
		setCompletedFn: func(ctx context.Context, id string, completed bool) (*model.Todo, error) {
			sent = append(sent, completed)
			return &model.Todo{ID: id, UserID: "user-1", Completed: completed}, nil
		},
	})

	// t1は完了済み、t2は未完了
	if _, err := b.Toggle(context.Background(), "t1"); err != nil {
		t.Fatalf("Toggle returned error: %v", err)
	}
	if _, err := b.Toggle(context.Background(), "t2"); err != nil {
		t.Fatalf("Toggle returned error: %v", err)
	}
	if len(sent) != 2 || sent[0] != false || sent[1] != true {
		t.Errorf("sent = %v, want [false true]", sent)
	}

	items := b.Items()
	if items[0].ID != "t2" || !items[0].Completed || items[1].Completed {
		t.Errorf("Items() = %+v, want t2 completed and t1 not", items)
	}
}

func TestBoard_Toggle_UnknownTodo(t *testing.T) {
	b, _ := loadedBoard(t, &mockOperations{
		setCompletedFn: func(ctx context.Context, id string, completed bool) (*model.Todo, error) {
			t.Error("SetCompleted should not be called for unknown todo")
			return nil, nil
		},
	})

	if _, err := b.Toggle(context.Background(), "nope"); !IsNotFound(err) {
		t.Errorf("error = %v, want not found", err)
	}
}

func TestBoard_Update_Replaces(t *testing.T) {
	b, _ := loadedBoard(t, &mockOperations{
		updateFn: func(ctx context.Context, id string, in model.UpdateTodoInput) (*model.Todo, error) {
			return &model.Todo{ID: id, UserID: "user-1", Title: *in.Title}, nil
		},
	})

	title := "renamed"
	if _, err := b.Update(context.Background(), "t1", model.UpdateTodoInput{Title: &title}); err != nil {
		t.Fatalf("Update returned error: %v", err)
	}
	items := b.Items()
	if !equalIDs(items, "t2", "t1") || items[1].Title != "renamed" {
		t.Errorf("Items() = %+v", items)
	}
}

func TestBoard_Delete_Removes(t *testing.T) {
	b, _ := loadedBoard(t, &mockOperations{})

	if err := b.Delete(context.Background(), "t2"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if items := b.Items(); !equalIDs(items, "t1") {
		t.Errorf("Items() = %v, want [t1]", ids(items))
	}
}

func TestBoard_Delete_FailureLeavesListUnchanged(t *testing.T) {
	b, _ := loadedBoard(t, &mockOperations{
		deleteFn: func(ctx context.Context, id string) error { return errors.New("boom") },
	})

	if err := b.Delete(context.Background(), "t2"); err == nil {
		t.Fatal("expected error")
	}
	if items := b.Items(); !equalIDs(items, "t2", "t1") {
		t.Errorf("Items() = %v, want [t2 t1]", ids(items))
	}
}

func TestBoard_Load_FailureKeepsCache(t *testing.T) {
	calls := 0
	b, _ := loadedBoard(t, &mockOperations{
		listFn: func(ctx context.Context) ([]model.Todo, error) {
			calls++
			if calls > 1 {
				return nil, model.NewDataError("Failed to load todos", nil)
			}
			return existingTodos(), nil
		},
	})

	if _, err := b.Load(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if items := b.Items(); !equalIDs(items, "t2", "t1") {
		t.Errorf("Items() = %v, want cache kept", ids(items))
	}
}

func TestBoard_ClearedOnSignOut(t *testing.T) {
	b, src := loadedBoard(t, &mockOperations{})

	src.set(session.State{Status: session.StatusAnonymous})

	if b.Loaded() {
		t.Error("Loaded() should be false after sign-out")
	}
	if n := len(b.Items()); n != 0 {
		t.Errorf("len(Items()) = %d, want 0", n)
	}
}

func TestBoard_ClearedOnIdentityChange(t *testing.T) {
	b, src := loadedBoard(t, &mockOperations{})

	src.set(authenticatedAs("user-1")) // 同一ユーザーは保持
	if !b.Loaded() {
		t.Fatal("Loaded() should stay true for the same user")
	}

	src.set(authenticatedAs("user-2"))
	if b.Loaded() || len(b.Items()) != 0 {
		t.Error("cache should be discarded when the user changes")
	}
}

func TestBoard_ResultAfterSignOutIsDiscarded(t *testing.T) {
	var src *stateSource
	b, src := loadedBoard(t, &mockOperations{
		createFn: func(ctx context.Context, in model.CreateTodoInput) (*model.Todo, error) {
			// リモート呼び出し中にサインアウトされる
			src.set(session.State{Status: session.StatusAnonymous})
			return &model.Todo{ID: "late"}, nil
		},
	})

	if _, err := b.Create(context.Background(), model.CreateTodoInput{Title: "x"}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	if n := len(b.Items()); n != 0 {
		t.Errorf("len(Items()) = %d, want 0", n)
	}
}
