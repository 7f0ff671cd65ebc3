package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/todoman/internal/model"
)

// DefaultRedisKeyPrefix はセッションキーの既定のプレフィックス。
const DefaultRedisKeyPrefix = "todoman:session:"

// RedisSessionRepo はRedisを使用したセッションリポジトリ。
// キーにはTTLを設定し、期限切れの削除はRedisに任せる。
type RedisSessionRepo struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisSessionRepo はRedisSessionRepoを生成する。
// ttlは保存のたびに延長される保持期間。
func NewRedisSessionRepo(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisSessionRepo {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisSessionRepo{rdb: rdb, prefix: prefix, ttl: ttl}
}

// redisSession はRedisに保存する形式。
type redisSession struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (r *RedisSessionRepo) key(id string) string {
	return r.prefix + id
}

// Save はセッションを保存し、TTLを延長する。
func (r *RedisSessionRepo) Save(ctx context.Context, session *model.BrowserSession) error {
	now := time.Now()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now

	data, err := json.Marshal(redisSession{
		ID:           session.ID,
		UserID:       session.UserID,
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		ExpiresAt:    session.ExpiresAt,
		CreatedAt:    session.CreatedAt,
		UpdatedAt:    session.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to encode browser session: %w", err)
	}

	if err := r.rdb.Set(ctx, r.key(session.ID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save browser session: %w", err)
	}
	return nil
}

// FindByID は指定IDのセッションを取得する。キーが無い場合はnilを返す。
func (r *RedisSessionRepo) FindByID(ctx context.Context, id string) (*model.BrowserSession, error) {
	data, err := r.rdb.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find browser session: %w", err)
	}

	var rs redisSession
	if err := json.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("failed to decode browser session: %w", err)
	}
	return &model.BrowserSession{
		ID:           rs.ID,
		UserID:       rs.UserID,
		AccessToken:  rs.AccessToken,
		RefreshToken: rs.RefreshToken,
		ExpiresAt:    rs.ExpiresAt,
		CreatedAt:    rs.CreatedAt,
		UpdatedAt:    rs.UpdatedAt,
	}, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *RedisSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if err := r.rdb.Del(ctx, r.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete browser session: %w", err)
	}
	return nil
}

// DeleteStale はTTLで失効済みのため常に0件を返す。
func (r *RedisSessionRepo) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	return 0, nil
}

// compile-time interface check
var _ SessionRepository = (*RedisSessionRepo)(nil)
