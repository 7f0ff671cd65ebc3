package model

// AuthEvent はプロバイダーが通知する認証状態の変化の種類。
type AuthEvent string

const (
	// AuthEventSignedIn はサインイン（サインアップ直後を含む）を表す。
	AuthEventSignedIn AuthEvent = "SIGNED_IN"
	// AuthEventSignedOut は明示的なサインアウトを表す。
	AuthEventSignedOut AuthEvent = "SIGNED_OUT"
	// AuthEventTokenRefreshed はアクセストークンの更新を表す。ユーザーは変わらない。
	AuthEventTokenRefreshed AuthEvent = "TOKEN_REFRESHED"
	// AuthEventUserUpdated はプロフィール更新を表す。
	AuthEventUserUpdated AuthEvent = "USER_UPDATED"
	// AuthEventTokenExpired はリフレッシュ失敗などによるセッション失効を表す。
	AuthEventTokenExpired AuthEvent = "TOKEN_EXPIRED"
)

// AuthChange はプロバイダーから通知される1件の変化。
// Sessionはサインアウト系のイベントではnilになる。
type AuthChange struct {
	Event   AuthEvent
	Session *AuthSession
}

// User は変化後のユーザーを返す。未認証になる変化ではnilを返す。
func (c AuthChange) User() *User {
	switch c.Event {
	case AuthEventSignedOut, AuthEventTokenExpired:
		return nil
	}
	if c.Session == nil {
		return nil
	}
	return c.Session.User
}
