// Package metrics 定义 feedrelay 的 Prometheus 指标。
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iabetor/feedrelay/internal/gitter"
)

// Metrics 汇总所有指标。nil 的 *Metrics 可以安全调用，所有方法都是空操作。
type Metrics struct {
	registry *prometheus.Registry

	APIRequests        *prometheus.CounterVec
	APIRequestDuration *prometheus.HistogramVec
	RateLimitRemaining prometheus.Gauge
	EntriesRelayed     *prometheus.CounterVec
	FeedErrors         *prometheus.CounterVec
	PostErrors         *prometheus.CounterVec
	Ticks              prometheus.Counter
}

// New 创建指标并注册到独立的 registry，避免与全局 registry 冲突。
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		APIRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "feedrelay_api_requests_total",
			Help: "Total number of chat API requests by method and status code",
		}, []string{"method", "code"}),
		APIRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "feedrelay_api_request_duration_seconds",
			Help:    "Duration of chat API requests in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		RateLimitRemaining: factory.NewGauge(prometheus.GaugeOpts{
			Name: "feedrelay_ratelimit_remaining",
			Help: "Remaining chat API requests reported by the last response",
		}),
		EntriesRelayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "feedrelay_entries_relayed_total",
			Help: "Total number of feed entries posted to chat rooms",
		}, []string{"feed"}),
		FeedErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "feedrelay_feed_errors_total",
			Help: "Total number of failed feed fetches",
		}, []string{"feed"}),
		PostErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "feedrelay_post_errors_total",
			Help: "Total number of failed chat message posts",
		}, []string{"feed"}),
		Ticks: factory.NewCounter(prometheus.CounterOpts{
			Name: "feedrelay_ticks_total",
			Help: "Total number of polling rounds",
		}),
	}
}

// Handler 返回 /metrics 的 HTTP 处理器。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) IncEntriesRelayed(feed string) {
	if m == nil {
		return
	}
	m.EntriesRelayed.WithLabelValues(feed).Inc()
}

func (m *Metrics) IncFeedErrors(feed string) {
	if m == nil {
		return
	}
	m.FeedErrors.WithLabelValues(feed).Inc()
}

func (m *Metrics) IncPostErrors(feed string) {
	if m == nil {
		return
	}
	m.PostErrors.WithLabelValues(feed).Inc()
}

func (m *Metrics) IncTicks() {
	if m == nil {
		return
	}
	m.Ticks.Inc()
}

// InstrumentTransport 包装 gitter.Transport，记录请求数、耗时和剩余配额。
func (m *Metrics) InstrumentTransport(next gitter.Transport) gitter.Transport {
	if m == nil {
		return next
	}
	return &instrumentedTransport{next: next, m: m}
}

type instrumentedTransport struct {
	next gitter.Transport
	m    *Metrics
}

func (t *instrumentedTransport) Do(ctx context.Context, req *gitter.Request) (*gitter.Response, error) {
	start := time.Now()
	resp, err := t.next.Do(ctx, req)
	t.m.APIRequestDuration.WithLabelValues(req.Method).Observe(time.Since(start).Seconds())

	if err != nil {
		t.m.APIRequests.WithLabelValues(req.Method, "error").Inc()
		return nil, err
	}
	t.m.APIRequests.WithLabelValues(req.Method, strconv.Itoa(resp.StatusCode)).Inc()
	if rl := gitter.RateLimitFromHeader(resp.Header); rl != nil {
		t.m.RateLimitRemaining.Set(float64(rl.Remaining))
	}
	return resp, nil
}
