// Package metrics defines the Prometheus collectors exported by the queue.
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskqueue"

// Publish results.
const (
	PublishSent   = "sent"
	PublishFailed = "failed"
)

// Consumer outcomes.
const (
	OutcomeDone      = "done"
	OutcomeRetry     = "retry"
	OutcomeFailed    = "failed"
	OutcomeDuplicate = "duplicate"
	OutcomeStale     = "stale"
	OutcomePoison    = "poison"
	OutcomeMissing   = "missing"
	OutcomeCritical  = "critical"
)

// Metrics holds the queue collectors.
type Metrics struct {
	OutboxPublished  *prometheus.CounterVec
	ConsumerOutcomes *prometheus.CounterVec
	HandlerDuration  *prometheus.HistogramVec
	DLQFiled         prometheus.Counter
	RetriesScheduled prometheus.Counter
	StuckRecovered   prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		OutboxPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "outbox_published_total",
				Help:      "Outbox events handed to the broker, by result",
			},
			[]string{"result"},
		),
		ConsumerOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "consumer_outcomes_total",
				Help:      "Broker deliveries handled by the consumer, by outcome",
			},
			[]string{"outcome"},
		),
		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handler_duration_seconds",
				Help:      "Task handler execution time, by task type",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		DLQFiled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dlq_filed_total",
			Help:      "Tasks filed to the dead-letter queue",
		}),
		RetriesScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_scheduled_total",
			Help:      "Failed attempts scheduled for another try",
		}),
		StuckRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stuck_tasks_recovered_total",
			Help:      "PROCESSING tasks reset to PENDING by the scheduler",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.OutboxPublished, m.ConsumerOutcomes, m.HandlerDuration,
		m.DLQFiled, m.RetriesScheduled, m.StuckRecovered,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Published counts one publish attempt.
func (m *Metrics) Published(result string) {
	if m == nil {
		return
	}
	m.OutboxPublished.WithLabelValues(result).Inc()
}

// Outcome counts one consumer outcome.
func (m *Metrics) Outcome(outcome string) {
	if m == nil {
		return
	}
	m.ConsumerOutcomes.WithLabelValues(outcome).Inc()
}

// ObserveHandler records how long a handler ran.
func (m *Metrics) ObserveHandler(taskType string, d time.Duration) {
	if m == nil {
		return
	}
	m.HandlerDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

// Filed counts one dead-letter filing.
func (m *Metrics) Filed() {
	if m == nil {
		return
	}
	m.DLQFiled.Inc()
}

// RetryScheduled counts one scheduled retry.
func (m *Metrics) RetryScheduled() {
	if m == nil {
		return
	}
	m.RetriesScheduled.Inc()
}

// Recovered counts tasks reset by stuck-task recovery.
func (m *Metrics) Recovered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.StuckRecovered.Add(float64(n))
}
