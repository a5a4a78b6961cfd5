// Package metrics содержит счётчики Prometheus для операций с кредитами и очередью.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics агрегирует счётчики сервиса видеокредитов.
type Metrics struct {
	JobsEnqueued        prometheus.Counter
	JobsAdmitted        prometheus.Counter
	AdmissionRejections prometheus.Counter
	CreditsAdded        prometheus.Counter
	CreditsConsumed     prometheus.Counter
	InsufficientFunds   prometheus.Counter
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// New возвращает счётчики, зарегистрированные в реестре по умолчанию.
func New() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = newMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

// NewWithRegisterer создаёт счётчики в отдельном реестре. Используется в тестах.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		JobsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "videocredits",
			Subsystem: "queue",
			Name:      "jobs_enqueued_total",
			Help:      "Number of video jobs accepted into the queue",
		}),
		JobsAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "videocredits",
			Subsystem: "queue",
			Name:      "jobs_admitted_total",
			Help:      "Number of jobs transitioned from pending to processing",
		}),
		AdmissionRejections: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "videocredits",
			Subsystem: "queue",
			Name:      "admission_rejections_total",
			Help:      "Number of admissions rejected by the per-account processing cap",
		}),
		CreditsAdded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "videocredits",
			Subsystem: "ledger",
			Name:      "credits_added_total",
			Help:      "Total credits added to accounts",
		}),
		CreditsConsumed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "videocredits",
			Subsystem: "ledger",
			Name:      "credits_consumed_total",
			Help:      "Total credits consumed from accounts",
		}),
		InsufficientFunds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "videocredits",
			Subsystem: "ledger",
			Name:      "insufficient_funds_total",
			Help:      "Number of consume attempts rejected for insufficient balance",
		}),
	}
}
