package model

import "time"

// TodosCollection はタスクを保持するリモートコレクション名。
const TodosCollection = "todos"

// Todo はユーザーのタスクを表す。列名はリモートのtodosテーブルに対応する。
type Todo struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	Title       string    `json:"title"`
	Description *string   `json:"description"`
	Completed   bool      `json:"completed"`
	CreatedAt   time.Time `json:"created_at"`
}

// CreateTodoInput はタスク作成時の入力。user_idはサービス層で補完する。
type CreateTodoInput struct {
	Title       string  `json:"title"`
	Description *string `json:"description"`
	Completed   bool    `json:"completed"`
}

// UpdateTodoInput はタスク更新時の入力。nilのフィールドは変更しない。
type UpdateTodoInput struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Completed   *bool   `json:"completed,omitempty"`
}

// IsEmpty は変更内容が1つもないかを判定する。
func (in UpdateTodoInput) IsEmpty() bool {
	return in.Title == nil && in.Description == nil && in.Completed == nil
}
