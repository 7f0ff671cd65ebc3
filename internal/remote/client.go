// Package remote はリモートのデータ/認証サービス（BaaS）へのHTTPクライアントを提供する。
// 認証API（/auth/v1）とレコードAPI（/rest/v1）を不透明なリクエスト/レスポンスとして扱い、
// 状態は一切保持しない。トークンは呼び出し側が毎回渡す。
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	authPath = "/auth/v1"
	restPath = "/rest/v1"

	// maxResponseSize はレスポンスボディの最大読み取りサイズ。
	maxResponseSize = 4 << 20

	userAgent = "Todoman/1.0"
)

// CallRecorder はリモート呼び出しの結果を記録するインターフェース。
// metrics.Collectorが実装する。
type CallRecorder interface {
	RecordRemoteCall(operation string, outcome string, duration time.Duration)
}

// Config はClientの設定。
type Config struct {
	BaseURL    string // 例: https://xyzcompany.supabase.co
	AnonKey    string // 公開APIキー
	HTTPClient *http.Client
	Logger     *slog.Logger
	Recorder   CallRecorder
}

// Client はリモートサービスのHTTPクライアント。
type Client struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
	logger     *slog.Logger
	recorder   CallRecorder
	now        func() time.Time // テスト用に差し替え可能
}

// NewClient はClientを生成する。
func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		anonKey:    cfg.AnonKey,
		httpClient: httpClient,
		logger:     logger,
		recorder:   cfg.Recorder,
		now:        time.Now,
	}
}

// BaseURL は接続先のベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// request は1回のリモート呼び出しを表す。
type request struct {
	op          string
	method      string
	path        string
	query       url.Values
	body        any
	accessToken string
	headers     map[string]string
}

// do はリクエストを実行し、2xxの場合はレスポンスボディをdestにデコードする。
// destがnilの場合はボディを読み捨てる。2xx以外はErrorを返す。
func (c *Client) do(ctx context.Context, r request, dest any) error {
	start := time.Now()
	err := c.doRequest(ctx, r, dest)
	c.record(r.op, err, time.Since(start))
	return err
}

func (c *Client) doRequest(ctx context.Context, r request, dest any) error {
	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	token := r.accessToken
	if token == "" {
		token = c.anonKey
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("リモートサービスの呼び出しに失敗しました",
			slog.String("operation", r.op),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%s: %w", r.op, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		remoteErr := parseError(resp.StatusCode, respBody)
		level := slog.LevelWarn
		if resp.StatusCode >= 500 {
			level = slog.LevelError
		}
		c.logger.Log(ctx, level, "リモートサービスがエラーステータスを返しました",
			slog.String("operation", r.op),
			slog.Int("http_status", resp.StatusCode),
			slog.String("code", remoteErr.Code),
		)
		return remoteErr
	}

	if dest == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, dest); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", r.op, err)
	}
	return nil
}

// record は呼び出し結果をRecorderに渡す。
func (c *Client) record(op string, err error, d time.Duration) {
	if c.recorder == nil {
		return
	}
	outcome := "success"
	switch {
	case err == nil:
	case IsClientError(err):
		outcome = "rejected"
	default:
		outcome = "failure"
	}
	c.recorder.RecordRemoteCall(op, outcome, d)
}
