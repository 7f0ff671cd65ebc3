package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// 暗号化済みの値に付ける接頭辞。
const sealedPrefix = "enc:v1:"

// TokenKeySize はトークン暗号鍵のバイト長（AES-256）。
const TokenKeySize = 32

var (
	// ErrInvalidTokenKey は鍵の長さや形式が不正な場合のエラー。
	ErrInvalidTokenKey = errors.New("token key must be 32 bytes encoded in base64")
	// ErrTokenDecrypt は復号に失敗した場合のエラー。鍵の不一致や改ざんで発生する。
	ErrTokenDecrypt = errors.New("failed to decrypt token")
)

// ParseTokenKey はbase64でエンコードされた鍵をデコードする。
func ParseTokenKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil || len(key) != TokenKeySize {
		return nil, ErrInvalidTokenKey
	}
	return key, nil
}

// TokenCipher は保存するトークンをAES-GCMで暗号化する。
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher は32バイトの鍵からTokenCipherを生成する。
func NewTokenCipher(key []byte) (*TokenCipher, error) {
	if len(key) != TokenKeySize {
		return nil, ErrInvalidTokenKey
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return &TokenCipher{aead: aead}, nil
}

// Seal はplainを暗号化して "enc:v1:" 付きのbase64文字列を返す。空文字列はそのまま返す。
func (c *TokenCipher) Seal(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return sealedPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Open はSealの結果を復号する。
// 接頭辞のない値は暗号化導入前に保存された平文として、そのまま返す。
func (c *TokenCipher) Open(stored string) (string, error) {
	encoded, ok := strings.CutPrefix(stored, sealedPrefix)
	if !ok {
		return stored, nil
	}
	raw, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrTokenDecrypt
	}
	n := c.aead.NonceSize()
	if len(raw) < n {
		return "", ErrTokenDecrypt
	}
	plain, err := c.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", ErrTokenDecrypt
	}
	return string(plain), nil
}
