// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// リモートクライアント、セッションストア、認証ゲートウェイ、ルートガードから利用する。
type MetricsCollector interface {
	RecordRemoteCall(operation string, outcome string, duration time.Duration)
	RecordSessionTransition(to string)
	RecordIdentityAnomaly()
	RecordAuthAttempt(operation string, outcome string)
	RecordGuardDecision(action string)
	RecordSessionsPurged(count int64)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	remoteCalls       *prometheus.CounterVec
	remoteLatency     *prometheus.HistogramVec
	sessionTransition *prometheus.CounterVec
	identityAnomaly   prometheus.Counter
	authAttempts      *prometheus.CounterVec
	guardDecisions    *prometheus.CounterVec
	sessionsPurged    prometheus.Counter

	reg prometheus.Registerer
}

var _ MetricsCollector = (*Collector)(nil)

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "todoman_remote_calls_total",
			Help: "リモートサービス呼び出しの合計数（操作・結果別）",
		}, []string{"operation", "outcome"}),
		remoteLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "todoman_remote_call_duration_seconds",
			Help:    "リモートサービス呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		sessionTransition: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "todoman_session_transitions_total",
			Help: "セッションストアの状態遷移数（遷移先別）",
		}, []string{"to"}),
		identityAnomaly: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "todoman_session_identity_anomalies_total",
			Help: "サインアウトを経ずにユーザーが入れ替わった回数",
		}),
		authAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "todoman_auth_attempts_total",
			Help: "認証操作の試行数（操作・結果別）",
		}, []string{"operation", "outcome"}),
		guardDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "todoman_guard_decisions_total",
			Help: "ルートガードの判定数（判定別）",
		}, []string{"action"}),
		sessionsPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "todoman_browser_sessions_purged_total",
			Help: "保持期間切れで削除されたブラウザセッションの合計数",
		}),
		reg: reg,
	}

	reg.MustRegister(
		c.remoteCalls,
		c.remoteLatency,
		c.sessionTransition,
		c.identityAnomaly,
		c.authAttempts,
		c.guardDecisions,
		c.sessionsPurged,
	)

	return c
}

// RegisterGauges は現在値を都度読み出すゲージを登録する。
// activeObservers はマウント中の観測者数、browsers は保持中のブラウザ数を返す関数。
func (c *Collector) RegisterGauges(activeObservers func() int64, browsers func() int) {
	c.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "todoman_auth_observers_active",
			Help: "マウント中の認証状態オブザーバー数",
		}, func() float64 { return float64(activeObservers()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "todoman_browser_contexts",
			Help: "メモリ上に保持しているブラウザ数",
		}, func() float64 { return float64(browsers()) }),
	)
}

// RecordRemoteCall はリモート呼び出しの結果とレイテンシを記録する。
func (c *Collector) RecordRemoteCall(operation string, outcome string, duration time.Duration) {
	c.remoteCalls.WithLabelValues(operation, outcome).Inc()
	c.remoteLatency.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordSessionTransition は状態遷移を記録する。
func (c *Collector) RecordSessionTransition(to string) {
	c.sessionTransition.WithLabelValues(to).Inc()
}

// RecordIdentityAnomaly はユーザーの入れ替わりを記録する。
func (c *Collector) RecordIdentityAnomaly() {
	c.identityAnomaly.Inc()
}

// RecordAuthAttempt は認証操作の結果を記録する。
func (c *Collector) RecordAuthAttempt(operation string, outcome string) {
	c.authAttempts.WithLabelValues(operation, outcome).Inc()
}

// RecordGuardDecision はルートガードの判定を記録する。
func (c *Collector) RecordGuardDecision(action string) {
	c.guardDecisions.WithLabelValues(action).Inc()
}

// RecordSessionsPurged は削除したブラウザセッション数を記録する。
func (c *Collector) RecordSessionsPurged(count int64) {
	c.sessionsPurged.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
