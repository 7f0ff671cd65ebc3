package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hitoshi/todoman/internal/authstate"
	"github.com/hitoshi/todoman/internal/browser"
	"github.com/hitoshi/todoman/internal/config"
	"github.com/hitoshi/todoman/internal/database"
	"github.com/hitoshi/todoman/internal/guard"
	"github.com/hitoshi/todoman/internal/handler"
	"github.com/hitoshi/todoman/internal/logger"
	"github.com/hitoshi/todoman/internal/metrics"
	"github.com/hitoshi/todoman/internal/middleware"
	"github.com/hitoshi/todoman/internal/remote"
	"github.com/hitoshi/todoman/internal/repository"
	"github.com/hitoshi/todoman/internal/security"
	"github.com/hitoshi/todoman/internal/view"
	"github.com/hitoshi/todoman/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, "info")

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// 3. 設定されたログレベルで作り直す
	logger.SetupDefault(w, cfg.LogLevel)

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("session_backend", cfg.SessionBackend),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// sessionStore はセッションの永続化先と、その疎通確認・後始末をまとめたもの。
type sessionStore struct {
	repo    repository.SessionRepository
	checker handler.HealthChecker
	close   func() error
}

// redisPinger はRedisクライアントをヘルスチェックに使えるようにする。
type redisPinger struct {
	client redis.UniversalClient
}

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// openSessionStore はセッションの永続化先を開く。
// SESSION_ENCRYPTION_KEYが設定されていればトークンを暗号化して保存する。
func openSessionStore(ctx context.Context, cfg *config.Config) (*sessionStore, error) {
	store, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.SessionEncryptionKey == "" {
		slog.Warn("SESSION_ENCRYPTION_KEY is not set; tokens are stored in plaintext")
		return store, nil
	}

	key, err := security.ParseTokenKey(cfg.SessionEncryptionKey)
	if err == nil {
		var cipher *security.TokenCipher
		if cipher, err = security.NewTokenCipher(key); err == nil {
			store.repo = repository.NewEncryptedSessionRepo(store.repo, cipher)
			return store, nil
		}
	}
	store.close()
	return nil, fmt.Errorf("invalid SESSION_ENCRYPTION_KEY: %w", err)
}

// openBackend は設定に応じてPostgreSQLまたはRedisのセッションリポジトリを開き、疎通を確認する。
func openBackend(ctx context.Context, cfg *config.Config) (*sessionStore, error) {
	switch cfg.SessionBackend {
	case config.SessionBackendRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		slog.Info("redis connection established")

		ttl := time.Duration(cfg.SessionRetentionDays) * 24 * time.Hour
		return &sessionStore{
			repo:    repository.NewRedisSessionRepo(client, repository.DefaultRedisKeyPrefix, ttl),
			checker: redisPinger{client: client},
			close:   client.Close,
		}, nil

	default:
		db, err := database.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		slog.Info("database connection established")

		return &sessionStore{
			repo:    repository.NewPostgresSessionRepo(db),
			checker: db,
			close:   db.Close,
		}, nil
	}
}

var _ handler.HealthChecker = (*sql.DB)(nil)

// newRateLimiterConfig は1分あたりの設定値をレート制限の設定に変換する。
func newRateLimiterConfig(cfg *config.Config) middleware.RateLimiterConfig {
	rl := middleware.DefaultRateLimiterConfig()
	rl.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rl.GeneralBurst = cfg.RateLimitGeneral
	rl.AuthRate = rate.Limit(float64(cfg.RateLimitAuth) / 60.0)
	rl.AuthBurst = cfg.RateLimitAuth
	rl.IssueRate = rate.Limit(float64(cfg.RateLimitNewBrowser) / 60.0)
	rl.IssueBurst = cfg.RateLimitNewBrowser
	return rl
}

// runServe はWebサーバーモードで起動する。
// セッションの永続化先を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxが終了するとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	// 1. セッションの永続化先
	store, err := openSessionStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.close()

	// 2. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 3. リモートサービスのクライアント（全ブラウザで共有）
	api := remote.NewClient(remote.Config{
		BaseURL:    cfg.SupabaseURL,
		AnonKey:    cfg.SupabaseAnonKey,
		HTTPClient: &http.Client{Timeout: cfg.RemoteTimeout},
		Recorder:   collector,
	})

	// 4. ブラウザごとのクライアント状態
	manager := browser.NewManager(browser.Config{
		API:              api,
		Sessions:         store.repo,
		Recorder:         collector,
		ResetRedirectURL: cfg.ResetPasswordURL(),
		RefreshMargin:    cfg.TokenRefreshMargin,
		MaxAnonymous:     cfg.MaxAnonymousBrowsers,
	})
	defer manager.Close()
	collector.RegisterGauges(authstate.Active, manager.Len)

	go evictIdleLoop(ctx, manager, cfg.SessionIdleTimeout)

	// 5. 画面
	views, err := view.NewRenderer(slog.Default())
	if err != nil {
		return fmt.Errorf("failed to load templates: %w", err)
	}

	// 6. ルーターの構築
	rateLimiter := middleware.NewRateLimiter(newRateLimiterConfig(cfg))
	defer rateLimiter.Stop()

	cookie := middleware.CookieConfig{
		Domain: cfg.CookieDomain,
		Secure: cfg.CookieSecure,
		MaxAge: cfg.SessionMaxAge,
	}

	deps := &handler.RouterDeps{
		Logger:        slog.Default(),
		HealthChecker: store.checker,
		Metrics:       metrics.Handler(reg),

		Resolver:          manager,
		Cookie:            cookie,
		CSRF:              middleware.CSRFConfig{CookieSecure: cfg.CookieSecure, CookieDomain: cfg.CookieDomain},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		Guard: guard.Config{
			LoginPath:   guard.DefaultLoginPath,
			WaitTimeout: cfg.AuthWaitTimeout,
			Recorder:    collector,
		},

		Browsers: handler.NewManagerAdapter(manager),
		Views:    views,
		Auth: handler.AuthHandlerConfig{
			Cookie:      cookie,
			WaitTimeout: cfg.AuthWaitTimeout,
			LoginPath:   guard.DefaultLoginPath,
		},
		Profile: handler.ProfileHandlerConfig{
			BackendURL:   cfg.SupabaseURL,
			LocalBackend: cfg.IsLocalBackend(),
			CookieSecure: cfg.CookieSecure,
			WaitTimeout:  cfg.AuthWaitTimeout,
		},
	}

	router := handler.NewRouter(deps)

	// 7. HTTPサーバーの起動
	// WebSocketの接続を保つため、WriteTimeoutは設定しない
	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("web server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	slog.Info("shutting down web server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("web server stopped gracefully")
	return nil
}

// evictIdleLoop はアイドル状態のブラウザを定期的にメモリから破棄する。
func evictIdleLoop(ctx context.Context, manager *browser.Manager, idle time.Duration) {
	interval := idle / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			manager.EvictIdle(idle)
		}
	}
}

// runWorker はワーカーモードで起動する。
// 保持期間を過ぎたブラウザセッションを定期的に削除する。ctxが終了すると戻る。
func runWorker(ctx context.Context, cfg *config.Config) error {
	store, err := openSessionStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.close()

	job := cleanup.NewCleanupJob(store.repo, slog.Default())
	job.RetentionDays = cfg.SessionRetentionDays

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cfg.SessionCleanupInterval),
		slog.Int("retention_days", cfg.SessionRetentionDays),
	)

	job.Loop(ctx, cfg.SessionCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。Redisを使う場合は何もしない。
func runMigrate(cfg *config.Config) error {
	if cfg.SessionBackend != config.SessionBackendPostgres {
		slog.Info("session backend does not use migrations",
			slog.String("session_backend", cfg.SessionBackend),
		)
		return nil
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLのパスワードをマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
