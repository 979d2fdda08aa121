// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやサービス層から利用する。
type MetricsCollector interface {
	RecordRequestCreated()
	RecordTrusteeDecision(decision string)
	RecordAccessGranted()
	RecordSweepCycle(granted int)
	RecordContentAccess()
	RecordNotifyFailure(kind string)
	RecordAuditFailure()
	RecordHTTPStatus(statusCode int)
	RecordSweepLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	requestsCreated prometheus.Counter
	trusteeDecision *prometheus.CounterVec
	accessGranted   prometheus.Counter
	sweepCycles     prometheus.Counter
	sweepGranted    prometheus.Counter
	contentAccess   prometheus.Counter
	notifyFail      *prometheus.CounterVec
	auditFail       prometheus.Counter
	httpStatus      *prometheus.CounterVec
	sweepLatency    prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		requestsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "katami_requests_created_total",
			Help: "遺産アクセス申請作成の合計数",
		}),
		trusteeDecision: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "katami_trustee_decisions_total",
			Help: "信頼担当者の決定（confirmed/denied）別の合計数",
		}, []string{"decision"}),
		accessGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "katami_access_granted_total",
			Help: "アクセス許可の合計数",
		}),
		sweepCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "katami_sweep_cycles_total",
			Help: "猶予期間満了スイープの実行回数",
		}),
		sweepGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "katami_sweep_granted_total",
			Help: "スイープによって許可された申請の合計数",
		}),
		contentAccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "katami_content_access_total",
			Help: "公開コンテンツへのアクセス回数",
		}),
		notifyFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "katami_notify_fail_total",
			Help: "通知送信失敗の種別ごとの合計数",
		}, []string{"kind"}),
		auditFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "katami_audit_fail_total",
			Help: "監査ログ書き込み失敗の合計数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "katami_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		sweepLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "katami_sweep_latency_seconds",
			Help:    "スイープ1サイクルのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.requestsCreated,
		c.trusteeDecision,
		c.accessGranted,
		c.sweepCycles,
		c.sweepGranted,
		c.contentAccess,
		c.notifyFail,
		c.auditFail,
		c.httpStatus,
		c.sweepLatency,
	)

	return c
}

// RecordRequestCreated は申請作成を記録する。
func (c *Collector) RecordRequestCreated() {
	c.requestsCreated.Inc()
}

// RecordTrusteeDecision は信頼担当者の決定を記録する。
func (c *Collector) RecordTrusteeDecision(decision string) {
	c.trusteeDecision.WithLabelValues(decision).Inc()
}

// RecordAccessGranted はアクセス許可を記録する。
func (c *Collector) RecordAccessGranted() {
	c.accessGranted.Inc()
}

// RecordSweepCycle はスイープ1サイクルの完了と許可件数を記録する。
func (c *Collector) RecordSweepCycle(granted int) {
	c.sweepCycles.Inc()
	c.sweepGranted.Add(float64(granted))
}

// RecordContentAccess は公開コンテンツへのアクセスを記録する。
func (c *Collector) RecordContentAccess() {
	c.contentAccess.Inc()
}

// RecordNotifyFailure は通知送信失敗を記録する。
func (c *Collector) RecordNotifyFailure(kind string) {
	c.notifyFail.WithLabelValues(kind).Inc()
}

// RecordAuditFailure は監査ログ書き込み失敗を記録する。
// 監査の欠落は開示判断の説明責任に関わるため、個別カウンタで監視する。
func (c *Collector) RecordAuditFailure() {
	c.auditFail.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordSweepLatency はスイープのレイテンシを記録する。
func (c *Collector) RecordSweepLatency(duration time.Duration) {
	c.sweepLatency.Observe(duration.Seconds())
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
