// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はPrometheusメトリクスを収集する実装。
// conversation.Observerを実装し、ターンとプロバイダ呼び出しの結果を記録する。
type Collector struct {
	turns           *prometheus.CounterVec
	turnLatency     prometheus.Histogram
	providerCalls   *prometheus.CounterVec
	providerLatency *prometheus.HistogramVec
	httpStatus      *prometheus.CounterVec
	sessionsClosed  *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edututor_turns_total",
			Help: "結果区分別の処理ターン数",
		}, []string{"outcome"}),
		turnLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "edututor_turn_duration_seconds",
			Help:    "1ターンの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		providerCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edututor_provider_calls_total",
			Help: "プロバイダ・結果別の外部呼び出し数",
		}, []string{"provider", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "edututor_provider_latency_seconds",
			Help:    "外部プロバイダ呼び出しのレイテンシ（秒）",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		}, []string{"provider"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edututor_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		sessionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "edututor_sessions_closed_total",
			Help: "終了理由別の終了セッション数",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		c.turns,
		c.turnLatency,
		c.providerCalls,
		c.providerLatency,
		c.httpStatus,
		c.sessionsClosed,
	)

	return c
}

// ObserveTurn はターンの結果と処理時間を記録する。
func (c *Collector) ObserveTurn(outcome string, duration time.Duration) {
	c.turns.WithLabelValues(outcome).Inc()
	c.turnLatency.Observe(duration.Seconds())
}

// ObserveProviderCall は外部プロバイダ呼び出しの結果とレイテンシを記録する。
func (c *Collector) ObserveProviderCall(provider, outcome string, duration time.Duration) {
	c.providerCalls.WithLabelValues(provider, outcome).Inc()
	c.providerLatency.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordSessionsClosed は終了させたセッション数を記録する。
func (c *Collector) RecordSessionsClosed(reason string, count int) {
	if count <= 0 {
		return
	}
	c.sessionsClosed.WithLabelValues(reason).Add(float64(count))
}

// Middleware はレスポンスのステータスコードを記録するHTTPミドルウェアを返す。
func (c *Collector) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		c.RecordHTTPStatus(status)
	})
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
