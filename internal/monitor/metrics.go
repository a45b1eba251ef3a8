package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 汇总中继的 Prometheus 指标，使用独立注册表。
type Metrics struct {
	registry *prometheus.Registry

	LinesParsed     *prometheus.CounterVec
	ParseErrors     *prometheus.CounterVec
	Rotations       *prometheus.CounterVec
	FilesHalted     prometheus.Counter
	Duplicates      *prometheus.CounterVec
	Rejections      *prometheus.CounterVec
	OrdersAccepted  *prometheus.CounterVec
	Attempts        *prometheus.CounterVec
	SubDispatches   *prometheus.CounterVec
	OrdersFinished  *prometheus.CounterVec
	AttemptLatency  *prometheus.HistogramVec
	EndToEndLatency *prometheus.HistogramVec
	PipelineLatency prometheus.Histogram
}

// NewMetrics 注册全部指标。
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "trades_relay"
	}
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		LinesParsed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "lines_parsed_total",
			Help:      "Signals parsed from log files by strategy",
		}, []string{"strategy"}),
		ParseErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "parse_errors_total",
			Help:      "Malformed lines skipped by file",
		}, []string{"path"}),
		Rotations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "rotations_total",
			Help:      "Detected file truncations and replacements",
		}, []string{"reason"}),
		FilesHalted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "listener",
			Name:      "files_halted_total",
			Help:      "Files whose ingestion stopped on an unrecoverable error",
		}),
		Duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duplicates_total",
			Help:      "Signals suppressed by the idempotency store",
		}, []string{"strategy"}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "rejections_total",
			Help:      "Signals rejected at validation by rule",
		}, []string{"strategy", "rule"}),
		OrdersAccepted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "orders_accepted_total",
			Help:      "Orders that passed validation",
		}, []string{"strategy"}),
		Attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "attempts_total",
			Help:      "Platform submission attempts by outcome",
		}, []string{"platform", "outcome"}),
		SubDispatches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "sub_dispatches_total",
			Help:      "Terminal per-platform dispatch states",
		}, []string{"strategy", "platform", "state"}),
		OrdersFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "orders_finished_total",
			Help:      "Orders reaching a terminal aggregate outcome",
		}, []string{"strategy", "outcome"}),
		AttemptLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "platform",
			Name:      "attempt_seconds",
			Help:      "Latency of a single platform submission",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"platform"}),
		EndToEndLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "event_to_ack_seconds",
			Help:      "Time from signal event timestamp to platform acknowledgement",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"platform"}),
		PipelineLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "parse_to_finish_seconds",
			Help:      "Time from validation to the order's terminal outcome",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 16),
		}),
	}
}

// RegisterQueueDepth 以 GaugeFunc 暴露队列深度。
func (m *Metrics) RegisterQueueDepth(namespace string, depth func() int) {
	if namespace == "" {
		namespace = "trades_relay"
	}
	promauto.With(m.registry).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "queue_depth",
		Help:      "Signals waiting in the intake queue",
	}, func() float64 { return float64(depth()) })
}

// Registry 返回底层注册表。
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler 返回 /metrics 处理器。
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
