package queue

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the Prometheus collectors of a queue. A nil *metrics records
// nothing.
type metrics struct {
	namespace string
	enqueued  *prometheus.CounterVec
	completed *prometheus.CounterVec
	retried   *prometheus.CounterVec
	dead      *prometheus.CounterVec
	reclaimed *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// newMetrics creates and registers the queue collectors. Collectors already
// registered by another queue are shared.
func newMetrics(reg prometheus.Registerer, namespace string) (*metrics, error) {
	counter := func(name, help string) (*prometheus.CounterVec, error) {
		c := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "groupmq",
			Name:      name,
			Help:      help,
		}, []string{"queue"})
		return register(reg, c)
	}
	m := &metrics{namespace: namespace}
	var err error
	if m.enqueued, err = counter("jobs_enqueued_total", "Number of jobs enqueued."); err != nil {
		return nil, err
	}
	if m.completed, err = counter("jobs_completed_total", "Number of jobs completed."); err != nil {
		return nil, err
	}
	if m.retried, err = counter("jobs_retried_total", "Number of failed attempts scheduled for retry."); err != nil {
		return nil, err
	}
	if m.dead, err = counter("jobs_dead_total", "Number of jobs dead-lettered."); err != nil {
		return nil, err
	}
	if m.reclaimed, err = counter("jobs_reclaimed_total", "Number of expired reservations reclaimed."); err != nil {
		return nil, err
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "groupmq",
		Name:      "job_duration_seconds",
		Help:      "Duration of job handler invocations.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"queue", "outcome"})
	if m.duration, err = register(reg, h); err != nil {
		return nil, err
	}
	return m, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *metrics) incEnqueued() {
	if m != nil {
		m.enqueued.WithLabelValues(m.namespace).Inc()
	}
}

func (m *metrics) incCompleted() {
	if m != nil {
		m.completed.WithLabelValues(m.namespace).Inc()
	}
}

func (m *metrics) incRetried() {
	if m != nil {
		m.retried.WithLabelValues(m.namespace).Inc()
	}
}

func (m *metrics) addDead(n int) {
	if m != nil && n > 0 {
		m.dead.WithLabelValues(m.namespace).Add(float64(n))
	}
}

func (m *metrics) addReclaimed(n int) {
	if m != nil && n > 0 {
		m.reclaimed.WithLabelValues(m.namespace).Add(float64(n))
	}
}

func (m *metrics) observe(outcome string, d time.Duration) {
	if m != nil {
		m.duration.WithLabelValues(m.namespace, outcome).Observe(d.Seconds())
	}
}
