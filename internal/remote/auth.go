package remote

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/todoman/internal/model"
)

// wireUser は認証APIが返すユーザーJSON。
type wireUser struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	CreatedAt    time.Time `json:"created_at"`
	UserMetadata struct {
		FullName  string `json:"full_name"`
		AvatarURL string `json:"avatar_url"`
	} `json:"user_metadata"`
}

func (w *wireUser) toModel() *model.User {
	if w == nil || w.ID == "" {
		return nil
	}
	return &model.User{
		ID:        w.ID,
		Email:     w.Email,
		CreatedAt: w.CreatedAt,
		FullName:  w.UserMetadata.FullName,
		AvatarURL: w.UserMetadata.AvatarURL,
	}
}

// wireSession は認証APIが返すセッションJSON。
// サインアップでメール確認が必要な場合はセッションではなくユーザーJSONが返るため、
// ユーザーのフィールドもトップレベルで受け取る。
type wireSession struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresIn    int64     `json:"expires_in"`
	ExpiresAt    int64     `json:"expires_at"`
	User         *wireUser `json:"user"`

	wireUser
}

// toModel はアクセストークンを持つ場合にAuthSessionへ変換する。
// 失効時刻はexpires_at、expires_in、トークンのexpクレームの順で決定する。
func (w *wireSession) toModel(now time.Time) *model.AuthSession {
	if w.AccessToken == "" {
		return nil
	}
	s := &model.AuthSession{
		AccessToken:  w.AccessToken,
		RefreshToken: w.RefreshToken,
		User:         w.User.toModel(),
	}
	switch {
	case w.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(w.ExpiresAt, 0)
	case w.ExpiresIn > 0:
		s.ExpiresAt = now.Add(time.Duration(w.ExpiresIn) * time.Second)
	default:
		if claims, err := ParseAccessClaims(w.AccessToken); err == nil {
			s.ExpiresAt = claims.ExpiresAt
		}
	}
	return s
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignUpResult はサインアップの結果。
// メール確認が必要な設定ではSessionがnilでUserのみが返る。
type SignUpResult struct {
	Session *model.AuthSession
	User    *model.User
}

// SignUp はメールアドレスとパスワードでユーザーを登録する。
func (c *Client) SignUp(ctx context.Context, email, password string) (*SignUpResult, error) {
	var w wireSession
	err := c.do(ctx, request{
		op:     "auth.signup",
		method: http.MethodPost,
		path:   authPath + "/signup",
		body:   credentials{Email: email, Password: password},
	}, &w)
	if err != nil {
		return nil, err
	}

	result := &SignUpResult{Session: w.toModel(c.now())}
	if result.Session != nil {
		result.User = result.Session.User
	} else {
		result.User = w.wireUser.toModel()
	}
	if result.User == nil {
		return nil, fmt.Errorf("auth.signup: response contained no user")
	}
	return result, nil
}

// SignInWithPassword はパスワード認証でセッションを取得する。
func (c *Client) SignInWithPassword(ctx context.Context, email, password string) (*model.AuthSession, error) {
	var w wireSession
	err := c.do(ctx, request{
		op:     "auth.token.password",
		method: http.MethodPost,
		path:   authPath + "/token",
		query:  url.Values{"grant_type": {"password"}},
		body:   credentials{Email: email, Password: password},
	}, &w)
	if err != nil {
		return nil, err
	}

	s := w.toModel(c.now())
	if s == nil || s.User == nil {
		return nil, fmt.Errorf("auth.token.password: response contained no session")
	}
	return s, nil
}

// RefreshSession はリフレッシュトークンで新しいセッションを取得する。
func (c *Client) RefreshSession(ctx context.Context, refreshToken string) (*model.AuthSession, error) {
	var w wireSession
	err := c.do(ctx, request{
		op:     "auth.token.refresh",
		method: http.MethodPost,
		path:   authPath + "/token",
		query:  url.Values{"grant_type": {"refresh_token"}},
		body:   map[string]string{"refresh_token": refreshToken},
	}, &w)
	if err != nil {
		return nil, err
	}

	s := w.toModel(c.now())
	if s == nil {
		return nil, fmt.Errorf("auth.token.refresh: response contained no session")
	}
	return s, nil
}

// SignOut はアクセストークンに紐づくセッションをリモートで無効化する。
func (c *Client) SignOut(ctx context.Context, accessToken string) error {
	return c.do(ctx, request{
		op:          "auth.logout",
		method:      http.MethodPost,
		path:        authPath + "/logout",
		accessToken: accessToken,
	}, nil)
}

// GetUser はアクセストークンの持ち主を取得する。
func (c *Client) GetUser(ctx context.Context, accessToken string) (*model.User, error) {
	var w wireUser
	err := c.do(ctx, request{
		op:          "auth.user",
		method:      http.MethodGet,
		path:        authPath + "/user",
		accessToken: accessToken,
	}, &w)
	if err != nil {
		return nil, err
	}

	u := w.toModel()
	if u == nil {
		return nil, fmt.Errorf("auth.user: response contained no user")
	}
	return u, nil
}

// UpdateUser はユーザーメタデータを更新し、更新後のユーザーを返す。
func (c *Client) UpdateUser(ctx context.Context, accessToken string, attrs model.UserAttributes) (*model.User, error) {
	var w wireUser
	err := c.do(ctx, request{
		op:          "auth.user.update",
		method:      http.MethodPut,
		path:        authPath + "/user",
		accessToken: accessToken,
		body:        map[string]any{"data": attrs},
	}, &w)
	if err != nil {
		return nil, err
	}

	u := w.toModel()
	if u == nil {
		return nil, fmt.Errorf("auth.user.update: response contained no user")
	}
	return u, nil
}

// ResetPasswordForEmail はパスワード再設定メールの送信を依頼する。
// redirectToはメール内リンクの遷移先。
func (c *Client) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	q := url.Values{}
	if redirectTo != "" {
		q.Set("redirect_to", redirectTo)
	}
	return c.do(ctx, request{
		op:     "auth.recover",
		method: http.MethodPost,
		path:   authPath + "/recover",
		query:  q,
		body:   map[string]string{"email": email},
	}, nil)
}
