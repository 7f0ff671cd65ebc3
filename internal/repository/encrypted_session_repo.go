package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/todoman/internal/model"
	"github.com/hitoshi/todoman/internal/security"
)

// EncryptedSessionRepo は保存前にトークンを暗号化するSessionRepository。
// 保存先のリポジトリにはアクセストークンとリフレッシュトークンの暗号文だけが渡る。
type EncryptedSessionRepo struct {
	inner  SessionRepository
	cipher *security.TokenCipher
}

// NewEncryptedSessionRepo はinnerをラップしたEncryptedSessionRepoを生成する。
func NewEncryptedSessionRepo(inner SessionRepository, cipher *security.TokenCipher) *EncryptedSessionRepo {
	return &EncryptedSessionRepo{inner: inner, cipher: cipher}
}

// Save はトークンを暗号化して保存する。sessionのトークンは書き換えない。
func (r *EncryptedSessionRepo) Save(ctx context.Context, session *model.BrowserSession) error {
	sealed := *session
	var err error
	if sealed.AccessToken, err = r.cipher.Seal(session.AccessToken); err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	if sealed.RefreshToken, err = r.cipher.Seal(session.RefreshToken); err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	if err := r.inner.Save(ctx, &sealed); err != nil {
		return err
	}
	session.CreatedAt = sealed.CreatedAt
	session.UpdatedAt = sealed.UpdatedAt
	return nil
}

// FindByID はセッションを取得してトークンを復号する。
func (r *EncryptedSessionRepo) FindByID(ctx context.Context, id string) (*model.BrowserSession, error) {
	session, err := r.inner.FindByID(ctx, id)
	if err != nil || session == nil {
		return session, err
	}
	if session.AccessToken, err = r.cipher.Open(session.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if session.RefreshToken, err = r.cipher.Open(session.RefreshToken); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	return session, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *EncryptedSessionRepo) DeleteByID(ctx context.Context, id string) error {
	return r.inner.DeleteByID(ctx, id)
}

// DeleteStale はbefore以降に更新されていないセッションを削除する。
func (r *EncryptedSessionRepo) DeleteStale(ctx context.Context, before time.Time) (int64, error) {
	return r.inner.DeleteStale(ctx, before)
}
