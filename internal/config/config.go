package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/hitoshi/todoman/internal/security"
)

// セッションの永続化先。
const (
	SessionBackendPostgres = "postgres"
	SessionBackendRedis    = "redis"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Remote (BaaS)
	SupabaseURL     string        `env:"SUPABASE_URL"`
	SupabaseAnonKey string        `env:"SUPABASE_ANON_KEY"`
	RemoteTimeout   time.Duration `env:"REMOTE_TIMEOUT" envDefault:"10s"`

	// Session persistence
	SessionBackend string `env:"SESSION_BACKEND" envDefault:"postgres"`
	DatabaseURL    string `env:"DATABASE_URL"`
	RedisURL       string `env:"REDIS_URL"`

	// Session
	SessionMaxAge          int           `env:"SESSION_MAX_AGE" envDefault:"604800"`
	SessionIdleTimeout     time.Duration `env:"SESSION_IDLE_TIMEOUT" envDefault:"30m"`
	SessionRetentionDays   int           `env:"SESSION_RETENTION_DAYS" envDefault:"7"`
	SessionCleanupInterval time.Duration `env:"SESSION_CLEANUP_INTERVAL" envDefault:"1h"`
	AuthWaitTimeout        time.Duration `env:"AUTH_WAIT_TIMEOUT" envDefault:"2s"`
	TokenRefreshMargin     time.Duration `env:"TOKEN_REFRESH_MARGIN" envDefault:"90s"`
	MaxAnonymousBrowsers   int           `env:"MAX_ANONYMOUS_BROWSERS" envDefault:"1000"`
	// base64で32バイト。設定時はトークンをAES-GCMで暗号化して保存する
	SessionEncryptionKey string `env:"SESSION_ENCRYPTION_KEY"`

	// Rate Limit（1分あたり）
	RateLimitGeneral int `env:"RATE_LIMIT_GENERAL" envDefault:"120"`
	RateLimitAuth    int `env:"RATE_LIMIT_AUTH" envDefault:"10"`
	// ブラウザCookieを持たないリクエスト（IP単位）
	RateLimitNewBrowser int `env:"RATE_LIMIT_NEW_BROWSER" envDefault:"30"`

	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Server
	ServerPort string `env:"SERVER_PORT" envDefault:"8080"`
	BaseURL    string `env:"BASE_URL"`

	// Cookie
	CookieSecure bool // BASE_URLから導出
	CookieDomain string `env:"COOKIE_DOMAIN"`

	// CORS（空の場合はクロスオリジンを許可しない）
	CORSAllowedOrigin string `env:"CORS_ALLOWED_ORIGIN"`
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既に設定済みの環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment variables: %w", err)
	}

	var missing []string
	if cfg.SupabaseURL == "" {
		missing = append(missing, "SUPABASE_URL")
	}
	if cfg.SupabaseAnonKey == "" {
		missing = append(missing, "SUPABASE_ANON_KEY")
	}
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	switch cfg.SessionBackend {
	case SessionBackendPostgres:
		if cfg.DatabaseURL == "" {
			missing = append(missing, "DATABASE_URL")
		}
	case SessionBackendRedis:
		if cfg.RedisURL == "" {
			missing = append(missing, "REDIS_URL")
		}
	default:
		return nil, fmt.Errorf("SESSION_BACKEND must be %q or %q: %q",
			SessionBackendPostgres, SessionBackendRedis, cfg.SessionBackend)
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	if cfg.RateLimitGeneral <= 0 || cfg.RateLimitAuth <= 0 || cfg.RateLimitNewBrowser <= 0 {
		return nil, fmt.Errorf("rate limits must be positive: general=%d auth=%d new_browser=%d",
			cfg.RateLimitGeneral, cfg.RateLimitAuth, cfg.RateLimitNewBrowser)
	}
	if cfg.MaxAnonymousBrowsers <= 0 {
		return nil, fmt.Errorf("MAX_ANONYMOUS_BROWSERS must be positive: %d", cfg.MaxAnonymousBrowsers)
	}
	if cfg.SessionEncryptionKey != "" {
		if _, err := security.ParseTokenKey(cfg.SessionEncryptionKey); err != nil {
			return nil, fmt.Errorf("invalid SESSION_ENCRYPTION_KEY: %w", err)
		}
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")

	return cfg, nil
}

// ResetPasswordURL はパスワード再設定メールのリンク先を返す。
func (c *Config) ResetPasswordURL() string {
	return c.BaseURL + "/auth/reset-password"
}

// IsLocalBackend はリモートサービスがローカルで動いているかを返す。プロフィール画面の表示に使う。
func (c *Config) IsLocalBackend() bool {
	return strings.Contains(c.SupabaseURL, "localhost") || strings.Contains(c.SupabaseURL, "127.0.0.1")
}
