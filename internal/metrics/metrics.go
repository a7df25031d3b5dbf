// Package metrics owns the Prometheus registry and the service's collectors.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "folio"

// Metrics wraps a private registry plus the predefined collectors
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	Connections     prometheus.Gauge
	Channels        prometheus.Gauge
	Ticks           prometheus.Counter
	TickDuration    prometheus.Histogram
	QuoteFetches    *prometheus.CounterVec
	MessagesSent    *prometheus.CounterVec
	SendFailures    prometheus.Counter
	InboundMessages *prometheus.CounterVec
	AlertsTriggered prometheus.Counter

	RebalanceRuns *prometheus.CounterVec
	TradesEmitted *prometheus.CounterVec
}

// New creates the registry with Go runtime and process collectors registered
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{registry: reg}

	m.HTTPRequestsTotal = m.newCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "route", "status"})
	m.HTTPRequestDuration = m.newHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	m.Connections = m.newGauge(prometheus.GaugeOpts{
		Name: "hub_connections",
		Help: "Open WebSocket connections",
	})
	m.Channels = m.newGauge(prometheus.GaugeOpts{
		Name: "hub_channels",
		Help: "Channels with at least one subscriber",
	})
	m.Ticks = m.newCounter(prometheus.CounterOpts{
		Name: "hub_ticks_total",
		Help: "Broadcast ticks performed",
	})
	m.TickDuration = m.newHistogram(prometheus.HistogramOpts{
		Name:    "hub_tick_duration_seconds",
		Help:    "Wall time of one broadcast tick",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, .75, 1, 2},
	})
	m.QuoteFetches = m.newCounterVec(prometheus.CounterOpts{
		Name: "hub_quote_fetches_total",
		Help: "Quote fetches by result",
	}, []string{"result"})
	m.MessagesSent = m.newCounterVec(prometheus.CounterOpts{
		Name: "hub_messages_sent_total",
		Help: "Outbound messages enqueued by type",
	}, []string{"type"})
	m.SendFailures = m.newCounter(prometheus.CounterOpts{
		Name: "hub_send_failures_total",
		Help: "Sends that failed for a single subscriber",
	})
	m.InboundMessages = m.newCounterVec(prometheus.CounterOpts{
		Name: "hub_inbound_messages_total",
		Help: "Inbound control messages by type and outcome",
	}, []string{"type", "outcome"})
	m.AlertsTriggered = m.newCounter(prometheus.CounterOpts{
		Name: "hub_alerts_triggered_total",
		Help: "Price alerts fired",
	})

	m.RebalanceRuns = m.newCounterVec(prometheus.CounterOpts{
		Name: "rebalance_runs_total",
		Help: "Rebalance runs by result",
	}, []string{"result"})
	m.TradesEmitted = m.newCounterVec(prometheus.CounterOpts{
		Name: "rebalance_trades_total",
		Help: "Trade instructions produced by direction",
	}, []string{"direction"})

	return m
}

func (m *Metrics) newCounter(opts prometheus.CounterOpts) prometheus.Counter {
	opts.Namespace = namespace
	c := prometheus.NewCounter(opts)
	m.registry.MustRegister(c)
	return c
}

func (m *Metrics) newCounterVec(opts prometheus.CounterOpts, labelNames []string) *prometheus.CounterVec {
	opts.Namespace = namespace
	cv := prometheus.NewCounterVec(opts, labelNames)
	m.registry.MustRegister(cv)
	return cv
}

func (m *Metrics) newGauge(opts prometheus.GaugeOpts) prometheus.Gauge {
	opts.Namespace = namespace
	g := prometheus.NewGauge(opts)
	m.registry.MustRegister(g)
	return g
}

func (m *Metrics) newHistogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	opts.Namespace = namespace
	h := prometheus.NewHistogram(opts)
	m.registry.MustRegister(h)
	return h
}

func (m *Metrics) newHistogramVec(opts prometheus.HistogramOpts, labelNames []string) *prometheus.HistogramVec {
	opts.Namespace = namespace
	hv := prometheus.NewHistogramVec(opts, labelNames)
	m.registry.MustRegister(hv)
	return hv
}

// Registry exposes the underlying registry for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the HTTP handler serving the registry
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records one served request
func (m *Metrics) ObserveHTTP(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// ObserveTick records one broadcast tick
func (m *Metrics) ObserveTick(elapsed time.Duration, channels int) {
	if m == nil {
		return
	}
	m.Ticks.Inc()
	m.TickDuration.Observe(elapsed.Seconds())
	m.Channels.Set(float64(channels))
}

// QuoteFetched records a fetch outcome
func (m *Metrics) QuoteFetched(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.QuoteFetches.WithLabelValues(result).Inc()
}

// MessageSent records an outbound message
func (m *Metrics) MessageSent(msgType string) {
	if m == nil {
		return
	}
	m.MessagesSent.WithLabelValues(msgType).Inc()
}

// SendFailed records a failed send to one subscriber
func (m *Metrics) SendFailed() {
	if m == nil {
		return
	}
	m.SendFailures.Inc()
}

// InboundHandled records an inbound control message
func (m *Metrics) InboundHandled(msgType, outcome string) {
	if m == nil {
		return
	}
	m.InboundMessages.WithLabelValues(msgType, outcome).Inc()
}

// AlertTriggered records a fired alert
func (m *Metrics) AlertTriggered() {
	if m == nil {
		return
	}
	m.AlertsTriggered.Inc()
}

// ConnectionOpened increments the open connection gauge
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

// ConnectionClosed decrements the open connection gauge
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

// RebalanceRun records a rebalance outcome and the trades it produced
func (m *Metrics) RebalanceRun(result string, buys, sells int) {
	if m == nil {
		return
	}
	m.RebalanceRuns.WithLabelValues(result).Inc()
	m.TradesEmitted.WithLabelValues("buy").Add(float64(buys))
	m.TradesEmitted.WithLabelValues("sell").Add(float64(sells))
}
