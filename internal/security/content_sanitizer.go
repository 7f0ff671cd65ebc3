// Package security はアプリケーションのセキュリティ機能を提供する。
//
// ユーザー入力はテンプレートでエスケープして表示するため、タスクの本文は加工せずに保存する。
// ここではプロフィールの表示名にHTMLが混入していないかの判定と、アバターURLの検証を扱う。
// 表示名は認証サービス側のユーザーメタデータに保存され、他のクライアントからも参照されうる。
package security

import (
	"errors"
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ErrInvalidAvatarURL はアバターURLがhttp(s)の絶対URLでない場合のエラー。
var ErrInvalidAvatarURL = errors.New("avatar URL must be an absolute http or https URL")

// bluemondayのポリシーはスレッドセーフなため共有してよい。
var strictPolicy = bluemonday.StrictPolicy()

// ContainsMarkup はrawにHTMLタグやコメントが含まれるかを返す。
// StrictPolicyで除去される要素があるかで判定するため、"a < b" のような比較記号や
// 実体参照だけの文字列はマークアップとみなさない。
func ContainsMarkup(raw string) bool {
	if !strings.ContainsRune(raw, '<') {
		return false
	}
	plain := html.UnescapeString(raw)
	return html.UnescapeString(strictPolicy.Sanitize(raw)) != plain
}

// ValidateAvatarURL はアバターURLを検証して正規化した文字列を返す。
// 空文字列はアバターの削除として許可する。
func ValidateAvatarURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", ErrInvalidAvatarURL
	}
	return u.String(), nil
}
