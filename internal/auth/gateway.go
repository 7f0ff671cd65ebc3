// Package auth はリモート認証サービスへの薄いゲートウェイを提供する。
// 各操作はリモート呼び出しを1回だけ行い、失敗はmodel.AuthErrorに正規化して返す。
// リトライは行わない。
package auth

import (
	"context"
	"errors"
	"log/slog"

	"github.com/hitoshi/todoman/internal/model"
	"github.com/hitoshi/todoman/internal/remote"
)

// Provider はゲートウェイが呼び出すプロバイダーの認証機能。authclient.Clientが実装する。
type Provider interface {
	SignUp(ctx context.Context, email, password string) (*model.User, error)
	SignInWithPassword(ctx context.Context, email, password string) (*model.User, error)
	SignOut(ctx context.Context) error
	GetUser(ctx context.Context) (*model.User, error)
	UpdateUser(ctx context.Context, attrs model.UserAttributes) (*model.User, error)
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error
}

// Recorder は認証操作の結果を記録するインターフェース。metrics.Collectorが実装する。
type Recorder interface {
	RecordAuthAttempt(operation string, outcome string)
}

// GatewayConfig はゲートウェイの設定。
type GatewayConfig struct {
	// ResetRedirectURL はパスワード再設定メール内リンクの遷移先。
	ResetRedirectURL string
}

// Gateway は認証操作をUI層に公開する。
// 成功時の状態変化はプロバイダーから非同期に通知されるため、
// 呼び出し側はsession.Store.Awaitで反映を待つこと。
type Gateway struct {
	provider Provider
	recorder Recorder
	config   GatewayConfig
	logger   *slog.Logger
}

// NewGateway はGatewayを生成する。recorderはnilでもよい。
func NewGateway(provider Provider, recorder Recorder, config GatewayConfig, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		provider: provider,
		recorder: recorder,
		config:   config,
		logger:   logger,
	}
}

// SignUp はメールアドレスとパスワードでユーザーを登録する。
// メール確認が必要な設定では、返されたユーザーはまだサインインしていない。
func (g *Gateway) SignUp(ctx context.Context, email, password string) (*model.User, error) {
	u, err := g.provider.SignUp(ctx, email, password)
	if err != nil {
		return nil, g.fail("signup", err)
	}
	g.succeed("signup")
	g.logger.Info("user signed up", slog.String("user_id", u.ID))
	return u, nil
}

// SignIn はパスワードでサインインする。
func (g *Gateway) SignIn(ctx context.Context, email, password string) (*model.User, error) {
	u, err := g.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, g.fail("signin", err)
	}
	g.succeed("signin")
	g.logger.Info("user signed in", slog.String("user_id", u.ID))
	return u, nil
}

// SignOut はサインアウトする。失敗した場合はサインイン状態のまま。
func (g *Gateway) SignOut(ctx context.Context) error {
	if err := g.provider.SignOut(ctx); err != nil {
		return g.fail("signout", err)
	}
	g.succeed("signout")
	return nil
}

// CurrentUser はリモートに現在のユーザーを問い合わせる。未サインインの場合はnilを返す。
func (g *Gateway) CurrentUser(ctx context.Context) (*model.User, error) {
	u, err := g.provider.GetUser(ctx)
	if err != nil {
		return nil, g.fail("current_user", err)
	}
	return u, nil
}

// ResetPassword はパスワード再設定メールの送信を依頼する。
func (g *Gateway) ResetPassword(ctx context.Context, email string) error {
	if err := g.provider.ResetPasswordForEmail(ctx, email, g.config.ResetRedirectURL); err != nil {
		return g.fail("reset_password", err)
	}
	g.succeed("reset_password")
	return nil
}

// UpdateProfile はユーザーメタデータ（表示名、アバターURL）を更新する。
func (g *Gateway) UpdateProfile(ctx context.Context, attrs model.UserAttributes) (*model.User, error) {
	u, err := g.provider.UpdateUser(ctx, attrs)
	if err != nil {
		return nil, g.fail("update_profile", err)
	}
	g.succeed("update_profile")
	return u, nil
}

func (g *Gateway) succeed(op string) {
	if g.recorder != nil {
		g.recorder.RecordAuthAttempt(op, "success")
	}
}

// fail は失敗を記録し、AuthErrorに正規化して返す。
func (g *Gateway) fail(op string, err error) *model.AuthError {
	authErr := Normalize(err)
	if g.recorder != nil {
		g.recorder.RecordAuthAttempt(op, "failure")
	}
	g.logger.Warn("auth operation failed",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
	return authErr
}

// エンドユーザー向けの定型メッセージ
const (
	msgSessionMissing = "Auth session missing!"
	msgUnreachable    = "認証サービスに接続できませんでした。時間をおいて再度お試しください。"
	msgTimeout        = "認証サービスからの応答がタイムアウトしました。"
)

// Normalize は任意のエラーをAuthErrorに変換する。
// リモートが返したメッセージはそのまま使う。
func Normalize(err error) *model.AuthError {
	var authErr *model.AuthError
	if errors.As(err, &authErr) {
		return authErr
	}

	var re *remote.Error
	switch {
	case errors.As(err, &re):
		return model.NewAuthError(re.Message, err)
	case errors.Is(err, model.ErrNotAuthenticated):
		return model.NewAuthError(msgSessionMissing, err)
	case errors.Is(err, context.DeadlineExceeded):
		return model.NewAuthError(msgTimeout, err)
	default:
		return model.NewAuthError(msgUnreachable, err)
	}
}
