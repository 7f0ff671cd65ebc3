// Package todo はタスクのCRUDとブラウザごとのローカル一覧の整合を提供する。
package todo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/todoman/internal/model"
	"github.com/hitoshi/todoman/internal/remote"
	"github.com/hitoshi/todoman/internal/session"
)

// 入力の上限文字数
const (
	MaxTitleLength       = 200
	MaxDescriptionLength = 2000
)

// ErrTodoNotFound は対象のタスクが存在しない（または他ユーザーのもの）場合のエラー。
var ErrTodoNotFound = errors.New("todo not found")

// 入力検証のエラー。タイトルと説明は上限を超えても切り詰めずに拒否する。
var (
	ErrTitleRequired      = errors.New("title is required")
	ErrTitleTooLong       = errors.New("title is too long")
	ErrDescriptionTooLong = errors.New("description is too long")
)

// Records はタスクの保存先となるレコードAPI。authclient.Clientが実装する。
type Records interface {
	ListRecords(ctx context.Context, collection string, q remote.Query, dest any) error
	InsertRecord(ctx context.Context, collection string, fields any, dest any) error
	UpdateRecord(ctx context.Context, collection, id string, fields any, dest any) error
	DeleteRecord(ctx context.Context, collection, id string) error
}

// UserSource は現在のユーザーを提供する。session.Storeが実装する。
type UserSource interface {
	Current() session.State
}

// Service はタスクに関するビジネスロジックを提供する。
// 失敗はすべてmodel.DataErrorとして返し、リトライはしない。
type Service struct {
	records Records
	users   UserSource
	logger  *slog.Logger
}

// NewService はServiceを生成する。
func NewService(records Records, users UserSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		records: records,
		users:   users,
		logger:  logger,
	}
}

// insertFields はタスク作成時に送信する列。
type insertFields struct {
	UserID      string  `json:"user_id"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
	Completed   bool    `json:"completed"`
}

// List は現在のユーザーのタスクを作成日時の降順で取得する。
func (s *Service) List(ctx context.Context) ([]model.Todo, error) {
	userID, err := s.currentUserID()
	if err != nil {
		return nil, err
	}

	var todos []model.Todo
	err = s.records.ListRecords(ctx, model.TodosCollection, remote.Query{
		Filters: []remote.Filter{remote.Eq("user_id", userID)},
		Order:   &remote.Order{Column: "created_at", Ascending: false},
	}, &todos)
	if err != nil {
		return nil, s.fail("list", err)
	}
	if todos == nil {
		todos = []model.Todo{}
	}
	return todos, nil
}

// Create は現在のユーザーのタスクを作成する。user_idはここで補完する。
func (s *Service) Create(ctx context.Context, in model.CreateTodoInput) (*model.Todo, error) {
	userID, err := s.currentUserID()
	if err != nil {
		return nil, err
	}

	title, err := normalizeTitle(in.Title)
	if err != nil {
		return nil, err
	}
	if err := checkDescription(in.Description); err != nil {
		return nil, err
	}

	var created model.Todo
	err = s.records.InsertRecord(ctx, model.TodosCollection, insertFields{
		UserID:      userID,
		Title:       title,
		Description: in.Description,
		Completed:   in.Completed,
	}, &created)
	if err != nil {
		return nil, s.fail("create", err)
	}

	s.logger.Info("todo created",
		slog.String("user_id", userID),
		slog.String("todo_id", created.ID),
	)
	return &created, nil
}

// Update はタスクを部分更新する。nilのフィールドは変更しない。
func (s *Service) Update(ctx context.Context, id string, in model.UpdateTodoInput) (*model.Todo, error) {
	if _, err := s.currentUserID(); err != nil {
		return nil, err
	}
	if in.IsEmpty() {
		return nil, model.NewDataError("Nothing to update", nil)
	}

	if in.Title != nil {
		title, err := normalizeTitle(*in.Title)
		if err != nil {
			return nil, err
		}
		in.Title = &title
	}
	if err := checkDescription(in.Description); err != nil {
		return nil, err
	}

	var updated model.Todo
	if err := s.records.UpdateRecord(ctx, model.TodosCollection, id, in, &updated); err != nil {
		return nil, s.fail("update", err)
	}
	return &updated, nil
}

// SetCompleted はタスクの完了状態をcompletedに設定する。
func (s *Service) SetCompleted(ctx context.Context, id string, completed bool) (*model.Todo, error) {
	return s.Update(ctx, id, model.UpdateTodoInput{Completed: &completed})
}

// Delete はタスクを削除する。
func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := s.currentUserID(); err != nil {
		return err
	}
	if err := s.records.DeleteRecord(ctx, model.TodosCollection, id); err != nil {
		return s.fail("delete", err)
	}
	return nil
}

func (s *Service) currentUserID() (string, error) {
	st := s.users.Current()
	if !st.Authenticated() {
		return "", model.NewDataError("User not authenticated", model.ErrNotAuthenticated)
	}
	return st.User.ID, nil
}

// normalizeTitle は前後の空白だけを取り除く。本文はエスケープせずそのまま保存する。
func normalizeTitle(raw string) (string, error) {
	title := strings.TrimSpace(raw)
	if title == "" {
		return "", model.NewDataError("Title is required", ErrTitleRequired)
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return "", model.NewDataError(fmt.Sprintf("Title must be at most %d characters", MaxTitleLength), ErrTitleTooLong)
	}
	return title, nil
}

func checkDescription(v *string) error {
	if v != nil && utf8.RuneCountInString(*v) > MaxDescriptionLength {
		return model.NewDataError(fmt.Sprintf("Description must be at most %d characters", MaxDescriptionLength), ErrDescriptionTooLong)
	}
	return nil
}

// IsInvalid はerrが入力検証のエラーかを判定する。
func IsInvalid(err error) bool {
	return errors.Is(err, ErrTitleRequired) ||
		errors.Is(err, ErrTitleTooLong) ||
		errors.Is(err, ErrDescriptionTooLong)
}

// fail はリモートのエラーをDataErrorに正規化する。
func (s *Service) fail(op string, err error) *model.DataError {
	s.logger.Warn("todo operation failed",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)

	var re *remote.Error
	switch {
	case errors.Is(err, remote.ErrNoRows):
		return model.NewDataError("Todo not found", ErrTodoNotFound)
	case errors.Is(err, model.ErrNotAuthenticated):
		return model.NewDataError("User not authenticated", err)
	case errors.As(err, &re):
		return model.NewDataError(re.Message, err)
	default:
		return model.NewDataError("Could not reach the data service", err)
	}
}
