package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error はリモートサービスが返したエラー応答を正規化したもの。
// 認証API（msg / error_description）とレコードAPI（message / code）の
// 異なるエラー形式を1つの型にまとめる。
type Error struct {
	Status  int    // HTTPステータスコード
	Code    string // プロバイダー固有のエラーコード（無い場合は空）
	Message string // 人間が読めるメッセージ
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("remote error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("remote error %d: %s", e.Status, e.Message)
}

// errorBody はリモートサービスのエラー応答で使われ得るフィールドの和集合。
type errorBody struct {
	Msg              string          `json:"msg"`
	Message          string          `json:"message"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
	ErrorCode        string          `json:"error_code"`
	Code             json.RawMessage `json:"code"`
}

// parseError はエラー応答ボディをErrorに変換する。
// ボディが解析できない場合はステータステキストをメッセージとして使う。
func parseError(status int, body []byte) *Error {
	e := &Error{Status: status}

	var b errorBody
	if len(body) > 0 && json.Unmarshal(body, &b) == nil {
		switch {
		case b.Msg != "":
			e.Message = b.Msg
		case b.ErrorDescription != "":
			e.Message = b.ErrorDescription
		case b.Message != "":
			e.Message = b.Message
		case b.Error != "":
			e.Message = b.Error
		}

		switch {
		case b.ErrorCode != "":
			e.Code = b.ErrorCode
		case len(b.Code) > 0:
			// 認証APIは数値、レコードAPIは文字列のcodeを返す
			var s string
			if json.Unmarshal(b.Code, &s) == nil {
				e.Code = s
			}
		}
		if e.Code == "" && b.Error != "" && b.Message == "" && b.Msg == "" {
			e.Code = b.Error
		}
	}

	if e.Message == "" {
		msg := strings.TrimSpace(string(body))
		if msg == "" || len(msg) > 200 {
			msg = http.StatusText(status)
		}
		e.Message = msg
	}

	return e
}

// IsUnauthorized はエラーがトークン無効（401/403）によるものかを判定する。
func IsUnauthorized(err error) bool {
	var re *Error
	if !errors.As(err, &re) {
		return false
	}
	return re.Status == http.StatusUnauthorized || re.Status == http.StatusForbidden
}

// IsClientError はエラーが4xx応答によるものかを判定する。
// ネットワーク障害や5xxとは区別して、セッション破棄の判断に使う。
func IsClientError(err error) bool {
	var re *Error
	if !errors.As(err, &re) {
		return false
	}
	return re.Status >= 400 && re.Status < 500
}

// ErrNoRows はレコードAPIで1件を要求したが該当行が無かった場合のエラー。
var ErrNoRows = errors.New("remote: no rows returned")
