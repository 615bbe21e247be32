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
// ハンドシェイク処理とフィード取得ワーカーから利用する。
type MetricsCollector interface {
	RecordHandshake(op, result string)
	RecordFetchSuccess(identityKey string)
	RecordFetchFailure(identityKey string, reason string)
	RecordHTTPStatus(statusCode int)
	RecordFetchLatency(duration time.Duration)
	RecordItems(inserted, updated int)
}

// Collector はPrometheusメトリクスを収集する実装。
// 関係ごとのラベルは付けず、カーディナリティを一定に保つ。
type Collector struct {
	handshakes   *prometheus.CounterVec
	fetchSuccess prometheus.Counter
	fetchFail    *prometheus.CounterVec
	httpStatus   *prometheus.CounterVec
	fetchLatency prometheus.Histogram
	items        *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "friendsync_handshake_total",
			Help: "ハンドシェイク操作の結果別の合計数",
		}, []string{"op", "result"}),
		fetchSuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "friendsync_fetch_success_total",
			Help: "フィード取得成功の合計数",
		}),
		fetchFail: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "friendsync_fetch_fail_total",
			Help: "フィード取得失敗の理由別の合計数",
		}, []string{"reason"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "friendsync_fetch_http_status_total",
			Help: "フィード取得のHTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "friendsync_fetch_latency_seconds",
			Help:    "フィード取得と照合のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "friendsync_items_reconciled_total",
			Help: "照合されたキャッシュ記事の合計数",
		}, []string{"action"}),
	}

	reg.MustRegister(
		c.handshakes,
		c.fetchSuccess,
		c.fetchFail,
		c.httpStatus,
		c.fetchLatency,
		c.items,
	)

	return c
}

// RecordHandshake はハンドシェイク操作の結果を記録する。
func (c *Collector) RecordHandshake(op, result string) {
	c.handshakes.WithLabelValues(op, result).Inc()
}

// RecordFetchSuccess はフィード取得成功を記録する。
func (c *Collector) RecordFetchSuccess(identityKey string) {
	c.fetchSuccess.Inc()
}

// RecordFetchFailure はフィード取得失敗を記録する。
func (c *Collector) RecordFetchFailure(identityKey string, reason string) {
	c.fetchFail.WithLabelValues(reason).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency はフィード取得のレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordItems は挿入・更新された記事数を記録する。
func (c *Collector) RecordItems(inserted, updated int) {
	c.items.WithLabelValues("inserted").Add(float64(inserted))
	c.items.WithLabelValues("updated").Add(float64(updated))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
