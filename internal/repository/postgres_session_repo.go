package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hitoshi/todoman/internal/model"
)

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
type PostgresSessionRepo struct {
	db *sql.DB
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
func NewPostgresSessionRepo(db *sql.DB) *PostgresSessionRepo {
	return &PostgresSessionRepo{db: db}
}

// Save はセッションを保存する。created_atは初回保存時の値を維持する。
func (r *PostgresSessionRepo) Save(ctx context.Context, session *model.BrowserSession) error {
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO browser_sessions (id, user_id, access_token, refresh_token, expires_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   user_id = EXCLUDED.user_id,
		   access_token = EXCLUDED.access_token,
		   refresh_token = EXCLUDED.refresh_token,
		   expires_at = EXCLUDED.expires_at,
		   updated_at = EXCLUDED.updated_at`,
		session.ID, session.UserID, session.AccessToken, session.RefreshToken,
		nullTime(session.ExpiresAt), session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save browser session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。
func (r *PostgresSessionRepo) FindByID(ctx context.Context, id string) (*model.BrowserSession, error) {
	session := &model.BrowserSession{}
	var expiresAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT id, user_id, access_token, refresh_token, expires_at, created_at, updated_at
		 FROM browser_sessions
		 WHERE id = $1`,
		id,
	).Scan(&session.ID, &session.UserID, &session.AccessToken, &session.RefreshToken,
		&expiresAt, &session.CreatedAt, &session.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find browser session: %w", err)
	}
	if expiresAt.Valid {
		session.ExpiresAt = expiresAt.Time
	}

	return session, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *PostgresSessionRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM browser_sessions WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete browser session: %w", err)
	}
	return nil
}

// DeleteStale はupdated_atがbeforeより古いセッションを削除する。
func (r *PostgresSessionRepo) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM browser_sessions WHERE updated_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale browser sessions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted count: %w", err)
	}
	return n, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// compile-time interface check
var _ SessionRepository = (*PostgresSessionRepo)(nil)
