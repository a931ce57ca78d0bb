// Package metrics is prometheus instrumentation of meterhub.
// All methods are safe on nil *Metrics, so components and tests may go without.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/temoto/meterhub/internal/cache"
)

const namespace = "meterhub"

type Metrics struct {
	reg *prometheus.Registry

	Messages       *prometheus.CounterVec
	HandleDuration *prometheus.HistogramVec
	Downlinks      *prometheus.CounterVec
	FirmwareChunks prometheus.Counter
	FirmwareErrors *prometheus.CounterVec
	Telegrams      *prometheus.CounterVec
	Alerts         *prometheus.CounterVec
	Exports        *prometheus.CounterVec
	LogErrors      prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),

		Messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "messages_total",
				Help:      "Inbound messages by type and outcome (ok, error, unroutable, decode_error, invalid, no_route, shutdown)",
			},
			[]string{"type", "outcome"},
		),

		HandleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "handle_duration_seconds",
				Help:      "Handler duration in seconds",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2, 4.5, 10},
			},
			[]string{"type"},
		),

		Downlinks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "downlinks_total",
				Help:      "Published responses by type and kind (ok, fallback, timeout, publish_error)",
			},
			[]string{"type", "kind"},
		),

		FirmwareChunks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "firmware",
				Name:      "chunks_served_total",
				Help:      "Firmware chunks served",
			},
		),

		FirmwareErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "firmware",
				Name:      "errors_total",
				Help:      "Firmware request errors by code",
			},
			[]string{"code"},
		),

		Telegrams: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "telegram",
				Name:      "processed_total",
				Help:      "Telegrams by result (stored, duplicate, rejected, failed)",
			},
			[]string{"result"},
		),

		Alerts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "status",
				Name:      "alerts_total",
				Help:      "Gateway alerts raised by kind",
			},
			[]string{"kind"},
		),

		Exports: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "export",
				Name:      "records_total",
				Help:      "Exported records by exporter and outcome",
			},
			[]string{"exporter", "outcome"},
		),

		LogErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "log_errors_total",
				Help:      "Errors written to log",
			},
		),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Messages, m.HandleDuration, m.Downlinks,
		m.FirmwareChunks, m.FirmwareErrors,
		m.Telegrams, m.Alerts, m.Exports, m.LogErrors,
	)
	return m
}

func (self *Metrics) Registry() *prometheus.Registry { return self.reg }

func (self *Metrics) Handler() http.Handler {
	if self == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(self.reg, promhttp.HandlerOpts{})
}

func (self *Metrics) Message(typ, outcome string) {
	if self != nil {
		self.Messages.WithLabelValues(typ, outcome).Inc()
	}
}

func (self *Metrics) ObserveHandle(typ string, d time.Duration) {
	if self != nil {
		self.HandleDuration.WithLabelValues(typ).Observe(d.Seconds())
	}
}

func (self *Metrics) Downlink(typ, kind string) {
	if self != nil {
		self.Downlinks.WithLabelValues(typ, kind).Inc()
	}
}

func (self *Metrics) FirmwareChunk() {
	if self != nil {
		self.FirmwareChunks.Inc()
	}
}

func (self *Metrics) FirmwareError(code string) {
	if self != nil {
		self.FirmwareErrors.WithLabelValues(code).Inc()
	}
}

func (self *Metrics) Telegram(result string) {
	if self != nil {
		self.Telegrams.WithLabelValues(result).Inc()
	}
}

func (self *Metrics) Alert(kind string) {
	if self != nil {
		self.Alerts.WithLabelValues(kind).Inc()
	}
}

func (self *Metrics) Export(exporter string, err error) {
	if self == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	self.Exports.WithLabelValues(exporter, outcome).Inc()
}

// LogError fits log2.ErrorFunc.
func (self *Metrics) LogError(error) {
	if self != nil {
		self.LogErrors.Inc()
	}
}

// RegisterCache exposes TTL cache stats as gauges labeled by cache name.
func (self *Metrics) RegisterCache(c *cache.TTL) {
	if self == nil {
		return
	}
	labels := prometheus.Labels{"cache": c.Name()}
	stat := func(f func(cache.Stats) float64) func() float64 {
		return func() float64 { return f(c.Stats()) }
	}
	self.reg.MustRegister(
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hits_total",
			Help: "Cache hits", ConstLabels: labels,
		}, stat(func(s cache.Stats) float64 { return float64(s.Hits) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "misses_total",
			Help: "Cache misses", ConstLabels: labels,
		}, stat(func(s cache.Stats) float64 { return float64(s.Misses) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "entries",
			Help: "Cache entries, including expired not yet swept", ConstLabels: labels,
		}, stat(func(s cache.Stats) float64 { return float64(s.Len) })),
	)
}

// RegisterGauge exposes arbitrary value, e.g. firmware pool size.
func (self *Metrics) RegisterGauge(subsystem, name, help string, f func() float64) {
	if self == nil {
		return
	}
	self.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: subsystem, Name: name, Help: help,
	}, f))
}
