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
	RecordNotificationSent()
	RecordNotificationFailed()
	RecordSyncRun(success bool)
	RecordSyncedUsers(count int)
	RecordAPICall(statusCode int)
	RecordAPILatency(duration time.Duration)
	RecordInviteOperation(operation string, success bool)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	notificationsSent   prometheus.Counter
	notificationsFailed prometheus.Counter
	syncRuns            *prometheus.CounterVec
	syncedUsers         prometheus.Counter
	apiCalls            *prometheus.CounterVec
	apiLatency          prometheus.Histogram
	inviteOperations    *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		notificationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inviteman_notifications_sent_total",
			Help: "有効期限通知の送信成功数",
		}),
		notificationsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inviteman_notifications_failed_total",
			Help: "有効期限通知の送信失敗数",
		}),
		syncRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inviteman_sync_runs_total",
			Help: "ユーザー同期サイクルの実行数（結果別）",
		}, []string{"result"}),
		syncedUsers: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inviteman_synced_users_total",
			Help: "同期で取り込まれたユーザーレコードの合計数",
		}),
		apiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inviteman_api_calls_total",
			Help: "リモートAPI呼び出し数（HTTPステータス別）",
		}, []string{"status_code"}),
		apiLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "inviteman_api_latency_seconds",
			Help:    "リモートAPI呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		inviteOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inviteman_invite_operations_total",
			Help: "招待ライフサイクル操作の実行数（操作・結果別）",
		}, []string{"operation", "result"}),
	}

	reg.MustRegister(
		c.notificationsSent,
		c.notificationsFailed,
		c.syncRuns,
		c.syncedUsers,
		c.apiCalls,
		c.apiLatency,
		c.inviteOperations,
	)

	return c
}

// RecordNotificationSent は通知送信成功を記録する。
func (c *Collector) RecordNotificationSent() {
	c.notificationsSent.Inc()
}

// RecordNotificationFailed は通知送信失敗を記録する。
func (c *Collector) RecordNotificationFailed() {
	c.notificationsFailed.Inc()
}

// RecordSyncRun は同期サイクルの実行を結果付きで記録する。
func (c *Collector) RecordSyncRun(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.syncRuns.WithLabelValues(result).Inc()
}

// RecordSyncedUsers は同期で取り込まれたユーザー数を記録する。
func (c *Collector) RecordSyncedUsers(count int) {
	c.syncedUsers.Add(float64(count))
}

// RecordAPICall はリモートAPI呼び出しをステータスコード付きで記録する。
func (c *Collector) RecordAPICall(statusCode int) {
	c.apiCalls.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordAPILatency はリモートAPI呼び出しのレイテンシを記録する。
func (c *Collector) RecordAPILatency(duration time.Duration) {
	c.apiLatency.Observe(duration.Seconds())
}

// RecordInviteOperation は招待ライフサイクル操作を結果付きで記録する。
func (c *Collector) RecordInviteOperation(operation string, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	c.inviteOperations.WithLabelValues(operation, result).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
