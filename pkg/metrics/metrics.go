// Package metrics prometheus метрики регистраций, звонков и очереди задач.
//
// Collector реализует telephony.Observer и workqueue.Observer, поэтому
// подключается к Register, PlaceCall и workqueue.New без адаптеров.
package metrics

import (
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/webcall/pkg/telephony"
	"github.com/arzzra/webcall/pkg/workqueue"
)

// Значения метки outcome.
const (
	OutcomeOK        = "ok"
	OutcomeTimeout   = "timeout"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
	OutcomeAborted   = "aborted"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// Config конфигурация сборщика.
type Config struct {
	Namespace string
	// Registerer куда регистрируются метрики, nil означает prometheus.DefaultRegisterer
	Registerer prometheus.Registerer
}

// DefaultConfig конфигурация по умолчанию.
func DefaultConfig() Config {
	return Config{Namespace: "webcall"}
}

// Collector набор метрик.
type Collector struct {
	registrations        *prometheus.CounterVec
	registrationDuration prometheus.Histogram
	calls                *prometheus.CounterVec
	callSetupDuration    prometheus.Histogram
	callDuration         prometheus.Histogram
	callsActive          prometheus.Gauge
	queuePending         prometheus.Gauge
	queueActive          prometheus.Gauge
	tasks                *prometheus.CounterVec
	greetings            *prometheus.CounterVec
}

var (
	_ telephony.Observer = (*Collector)(nil)
	_ workqueue.Observer = (*Collector)(nil)
)

// New создает и регистрирует метрики.
func New(cfg Config) *Collector {
	reg := cfg.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	ns := cfg.Namespace

	return &Collector{
		registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "registration",
			Name:      "total",
			Help:      "Signaling registrations by outcome",
		}, []string{"outcome"}),
		registrationDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "registration",
			Name:      "duration_seconds",
			Help:      "Time from user agent start to registration outcome",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "call",
			Name:      "attempts_total",
			Help:      "Call attempts by outcome",
		}, []string{"outcome"}),
		callSetupDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "call",
			Name:      "setup_duration_seconds",
			Help:      "Time from PlaceCall to confirmed call or failure",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "call",
			Name:      "duration_seconds",
			Help:      "Duration of established calls",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "call",
			Name:      "active",
			Help:      "Currently established calls",
		}),
		queuePending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "queue",
			Name:      "pending",
			Help:      "Tasks waiting for a free slot",
		}),
		queueActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "queue",
			Name:      "active",
			Help:      "Tasks currently running",
		}),
		tasks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "queue",
			Name:      "tasks_total",
			Help:      "Settled queue tasks by outcome",
		}, []string{"outcome"}),
		greetings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "loadtest",
			Name:      "greetings_total",
			Help:      "Load test calls by greeting classification",
		}, []string{"result"}),
	}
}

// Outcome метка результата по ошибке.
func Outcome(err error) string {
	var (
		regTimeout  *telephony.RegistrationTimedOutError
		callTimeout *telephony.CallCreationTimedOutError
		regFailed   *telephony.RegistrationError
		negotiation *telephony.NegotiationFailedError
		aborted     *telephony.AbortedError
	)
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, workqueue.ErrCancelled):
		return OutcomeCancelled
	case errors.As(err, &regTimeout), errors.As(err, &callTimeout):
		return OutcomeTimeout
	case errors.As(err, &regFailed):
		return OutcomeRejected
	case errors.As(err, &negotiation):
		return OutcomeFailed
	case errors.As(err, &aborted):
		return OutcomeAborted
	default:
		return OutcomeError
	}
}

func (c *Collector) RegistrationSettled(err error, elapsed time.Duration) {
	c.registrations.WithLabelValues(Outcome(err)).Inc()
	c.registrationDuration.Observe(elapsed.Seconds())
}

func (c *Collector) CallSettled(err error, elapsed time.Duration) {
	c.calls.WithLabelValues(Outcome(err)).Inc()
	c.callSetupDuration.Observe(elapsed.Seconds())
	if err == nil {
		c.callsActive.Inc()
	}
}

func (c *Collector) CallEnded(duration time.Duration) {
	c.callsActive.Dec()
	c.callDuration.Observe(duration.Seconds())
}

func (c *Collector) QueueChanged(pending, active int) {
	c.queuePending.Set(float64(pending))
	c.queueActive.Set(float64(active))
}

func (c *Collector) TaskSettled(err error) {
	c.tasks.WithLabelValues(Outcome(err)).Inc()
}

// GreetingClassified учитывает итог одного звонка нагрузочного теста.
func (c *Collector) GreetingClassified(result string) {
	c.greetings.WithLabelValues(result).Inc()
}
