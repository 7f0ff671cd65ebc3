package remote

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims はアクセストークンから読み取るクレーム。
type AccessClaims struct {
	Subject   string
	ExpiresAt time.Time
}

// ParseAccessClaims はアクセストークン（JWT）のsubとexpを署名検証なしで読み取る。
// 署名の検証はリモートサービスの責務であり、ここでは更新タイミングの算出と
// ユーザー同一性の確認にのみ使う。
func ParseAccessClaims(token string) (*AccessClaims, error) {
	parser := jwt.NewParser()
	var claims jwt.RegisteredClaims
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse access token: %w", err)
	}

	out := &AccessClaims{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
