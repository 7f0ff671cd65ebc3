// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/todoman/internal/model"
)

// SessionRepository はブラウザごとのトークン情報の永続化インターフェース。
type SessionRepository interface {
	// Save はセッションを保存する。同じIDが存在する場合は上書きする。
	Save(ctx context.Context, session *model.BrowserSession) error
	// FindByID は指定IDのセッションを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.BrowserSession, error)
	// DeleteByID は指定IDのセッションを削除する。存在しない場合もエラーにしない。
	DeleteByID(ctx context.Context, id string) error
	// DeleteStale はbefore以降に更新されていないセッションを削除し、削除件数を返す。
	DeleteStale(ctx context.Context, before time.Time) (int64, error)
}
