package security

import (
	"errors"
	"testing"
)

func TestContainsMarkup(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"プレーンテキスト", "山田 太郎", false},
		{"比較記号", "a < b and c > d", false},
		{"矢印", "Alice <-> Bob", false},
		{"実体参照", "Tom &amp; Jerry", false},
		{"アンパサンド", "Tom & Jerry", false},
		{"空文字列", "", false},
		{"scriptタグ", `Bob<script>alert(1)</script>`, true},
		{"装飾タグ", "<b>Bob</b>", true},
		{"イベント属性", `<img src="x" onerror="alert(1)">`, true},
		{"コメント", "Bob<!-- hi -->", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ContainsMarkup(tt.input); got != tt.want {
				t.Errorf("ContainsMarkup(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestValidateAvatarURL(t *testing.T) {
	tests := []struct {
		input   string
		want    string
		wantErr bool
	}{
		{"https://example.com/a.png", "https://example.com/a.png", false},
		{"http://localhost:54321/a.png", "http://localhost:54321/a.png", false},
		{"", "", false},
		{"  ", "", false},
		{"not a url", "", true},
		{"javascript:alert(1)", "", true},
		{"/relative.png", "", true},
		{"https://", "", true},
	}

	for _, tt := range tests {
		got, err := ValidateAvatarURL(tt.input)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidAvatarURL) {
				t.Errorf("ValidateAvatarURL(%q) error = %v, want ErrInvalidAvatarURL", tt.input, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ValidateAvatarURL(%q) = %q, %v, want %q", tt.input, got, err, tt.want)
		}
	}
}
