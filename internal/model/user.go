package model

import (
	"time"
	"unicode"
)

// User はリモート認証サービスが発行したユーザーを表す。
// クライアントからはプロフィール更新呼び出し以外で変更しない。
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
	FullName  string    `json:"full_name,omitempty"`
	AvatarURL string    `json:"avatar_url,omitempty"`
}

// Initial はアバター表示用の頭文字を返す。メールアドレスが空の場合は"U"を返す。
func (u *User) Initial() string {
	if u == nil || u.Email == "" {
		return "U"
	}
	r := []rune(u.Email)
	return string(unicode.ToUpper(r[0]))
}

// UserAttributes はプロフィール更新で送信するユーザーメタデータ。
// nilのフィールドは送信しない。
type UserAttributes struct {
	FullName  *string `json:"full_name,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`
}

// AuthSession はリモート認証サービスから受け取ったトークンの組を表す。
type AuthSession struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         *User
}

// ExpiresWithin はnowからdの範囲内にアクセストークンが失効するかを判定する。
// 失効時刻が不明な場合は失効しないものとして扱う。
func (s *AuthSession) ExpiresWithin(now time.Time, d time.Duration) bool {
	if s == nil || s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(d).Before(s.ExpiresAt)
}

// BrowserSession はブラウザごとに永続化するトークン情報を表す。
// サーバー再起動後もサインイン状態を復元するために使用する。
type BrowserSession struct {
	ID           string
	UserID       string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
