package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type prometheusObserver struct{}

var (
	onlineGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "expflow_stream_clients",
		Help: "Number of connected change stream clients",
	})
	pushCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "expflow_stream_events_total",
		Help: "Total number of change events delivered to stream clients",
	})
	dropCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "expflow_stream_dropped_total",
		Help: "Change events dropped because the hub or a client was backed up",
	})
	transitionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expflow_transitions_total",
		Help: "State machine transitions by action and outcome",
	}, []string{"action", "ok"})
	recordStoreHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "expflow_record_store_seconds",
		Help:    "Latency of record store calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "ok"})
	reconcileHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "expflow_reconcile_seconds",
		Help:    "Duration of scheduler passes",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	reconcileFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expflow_reconcile_failures_total",
		Help: "Experiments whose reconciliation failed during a pass",
	}, []string{"job"})
	outboxCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "expflow_outbox_tasks_total",
		Help: "Outbox tasks processed by kind and result",
	}, []string{"kind", "result"})
)

// Observer implements HubObserver and PublishObserver on the default
// prometheus registry.
type Observer interface {
	HubObserver
	PublishObserver
}

func NewPrometheusObserver() Observer {
	return &prometheusObserver{}
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func (p *prometheusObserver) IncOnline() {
	onlineGauge.Inc()
}

func (p *prometheusObserver) DecOnline() {
	onlineGauge.Dec()
}

func (p *prometheusObserver) RecordPush() {
	pushCounter.Inc()
}

func (p *prometheusObserver) RecordDrop() {
	dropCounter.Inc()
}

func (p *prometheusObserver) RecordTransition(action string, ok bool) {
	transitionCounter.WithLabelValues(action, strconv.FormatBool(ok)).Inc()
}

func (p *prometheusObserver) ObserveRecordStore(op string, d time.Duration, err error) {
	recordStoreHistogram.WithLabelValues(op, strconv.FormatBool(err == nil)).Observe(d.Seconds())
}

func (p *prometheusObserver) ObserveReconcile(job string, d time.Duration, failed int) {
	reconcileHistogram.WithLabelValues(job).Observe(d.Seconds())
	if failed > 0 {
		reconcileFailures.WithLabelValues(job).Add(float64(failed))
	}
}

func (p *prometheusObserver) RecordOutbox(kind string, result string) {
	outboxCounter.WithLabelValues(kind, result).Inc()
}
