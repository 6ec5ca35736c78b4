// Package metrics 汇聚撮合服务的 Prometheus 指标，注册在一个私有 registry 上，
// 避免污染 promauto 的默认全局 registry。
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()
	once     sync.Once

	matchingLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "matching_latency_seconds",
		Help:    "Time the matching worker spends dispatching a single event, in seconds.",
		Buckets: prometheus.DefBuckets,
	})
	tradesCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trades_created_total",
			Help: "Total number of trades created.",
		},
		[]string{"symbol"},
	)
	orderbookDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orderbook_depth",
			Help: "Number of distinct price levels currently resting.",
		},
		[]string{"symbol", "side"},
	)
	matchingThroughput = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "matching_throughput_total",
		Help: "Total number of order events processed by the matching worker.",
	})
	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engine_queue_depth",
			Help: "Number of events currently buffered in an engine's event queue.",
		},
		[]string{"symbol"},
	)

	streamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_errors_total",
			Help: "Total number of Redis Stream processing errors.",
		},
		[]string{"stream", "group"},
	)
	streamPending = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stream_pending",
			Help: "Number of pending (unacked) entries in a consumer group.",
		},
		[]string{"stream", "group"},
	)
	streamDLQ = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stream_dlq_total",
			Help: "Total number of messages moved to the dead-letter stream.",
		},
		[]string{"stream", "group"},
	)
)

// Init registers every metric with the private registry exactly once.
func Init() {
	once.Do(func() {
		registry.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
			matchingLatency,
			tradesCreated,
			orderbookDepth,
			matchingThroughput,
			queueDepth,
			streamErrors,
			streamPending,
			streamDLQ,
		)
	})
}

// Handler exposes the Prometheus metrics endpoint handler.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func ObserveMatchingLatency(d time.Duration) {
	Init()
	matchingLatency.Observe(d.Seconds())
}

func IncTradesCreated(symbol string) {
	Init()
	tradesCreated.WithLabelValues(symbol).Inc()
}

func SetOrderbookDepth(symbol, side string, depth float64) {
	Init()
	orderbookDepth.WithLabelValues(symbol, side).Set(depth)
}

func AddMatchingThroughput(n int) {
	Init()
	if n <= 0 {
		return
	}
	matchingThroughput.Add(float64(n))
}

func SetQueueDepth(symbol string, depth float64) {
	Init()
	queueDepth.WithLabelValues(symbol).Set(depth)
}

func IncStreamError(stream, group string) {
	Init()
	streamErrors.WithLabelValues(stream, group).Inc()
}

func SetStreamPending(stream, group string, pending int64) {
	Init()
	streamPending.WithLabelValues(stream, group).Set(float64(pending))
}

func IncStreamDLQ(stream, group string) {
	Init()
	streamDLQ.WithLabelValues(stream, group).Inc()
}
