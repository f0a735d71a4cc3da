// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 結果ラベルの値
const (
	ResultSuccess  = "success"
	ResultFailure  = "failure"
	ResultRejected = "rejected"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 認証サービス、リセットフロー、ワーカー、ミドルウェアから利用する。
type MetricsCollector interface {
	RecordSignup(result string)
	RecordLogin(result string)
	RecordResetRequested()
	RecordResetConsumed(result string)
	RecordNotificationFailure()
	RecordResetTokensPruned(count int64)
	RecordHTTPStatus(statusCode int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	signup          *prometheus.CounterVec
	login           *prometheus.CounterVec
	resetRequested  prometheus.Counter
	resetConsumed   *prometheus.CounterVec
	notificationErr prometheus.Counter
	tokensPruned    prometheus.Counter
	httpStatus      *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		signup: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatauth_signup_total",
			Help: "サインアップ試行の結果別件数",
		}, []string{"result"}),
		login: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatauth_login_total",
			Help: "ログイン試行の結果別件数",
		}, []string{"result"}),
		resetRequested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatauth_reset_requested_total",
			Help: "パスワードリセット要求の合計数",
		}),
		resetConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatauth_reset_consumed_total",
			Help: "リセットトークン消費の結果別件数",
		}, []string{"result"}),
		notificationErr: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatauth_notification_fail_total",
			Help: "リセット通知の送信失敗数",
		}),
		tokensPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatauth_reset_tokens_pruned_total",
			Help: "期限切れリセットトークンを削除したアカウント数の累計",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatauth_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
	}

	reg.MustRegister(
		c.signup,
		c.login,
		c.resetRequested,
		c.resetConsumed,
		c.notificationErr,
		c.tokensPruned,
		c.httpStatus,
	)

	return c
}

// RecordSignup はサインアップ結果を記録する。
func (c *Collector) RecordSignup(result string) {
	c.signup.WithLabelValues(result).Inc()
}

// RecordLogin はログイン結果を記録する。
func (c *Collector) RecordLogin(result string) {
	c.login.WithLabelValues(result).Inc()
}

// RecordResetRequested はリセット要求を記録する。
func (c *Collector) RecordResetRequested() {
	c.resetRequested.Inc()
}

// RecordResetConsumed はトークン消費結果を記録する。
func (c *Collector) RecordResetConsumed(result string) {
	c.resetConsumed.WithLabelValues(result).Inc()
}

// RecordNotificationFailure は通知送信の失敗を記録する。
func (c *Collector) RecordNotificationFailure() {
	c.notificationErr.Inc()
}

// RecordResetTokensPruned はクリーンアップで更新したアカウント数を記録する。
func (c *Collector) RecordResetTokensPruned(count int64) {
	c.tokensPruned.Add(float64(count))
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// Nop は何も記録しないMetricsCollector。
// メトリクスが不要なテストやサブコマンドで使用する。
type Nop struct{}

func (Nop) RecordSignup(string)           {}
func (Nop) RecordLogin(string)            {}
func (Nop) RecordResetRequested()         {}
func (Nop) RecordResetConsumed(string)    {}
func (Nop) RecordNotificationFailure()    {}
func (Nop) RecordResetTokensPruned(int64) {}
func (Nop) RecordHTTPStatus(int)          {}

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

// compile-time interface check
var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
