package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "ipcbus"

// Metrics tracks bus activity. All Endpoint paths accept a nil *Metrics, so
// embedding applications that do not scrape Prometheus pay nothing.
type Metrics struct {
	// Traffic counters
	sent      prometheus.Counter
	delivered prometheus.Counter
	swept     prometheus.Counter

	// Dispatch outcomes
	orphanReplies prometheus.Counter
	dropped       *prometheus.CounterVec

	// Live state
	pendingResponses prometheus.Gauge
	topicQueues      prometheus.Gauge

	// Callback latency
	dispatchDuration prometheus.Histogram
}

// New creates a Metrics instance and registers all collectors with the
// provided registerer. Returns an error if any registration fails.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "messages_sent_total",
			Help:      "Total messages enqueued by this process",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "messages_delivered_total",
			Help:      "Total messages dequeued and dispatched by this process",
		}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "messages_swept_total",
			Help:      "Total expired messages removed by this process's sweeps",
		}),
		orphanReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "orphan_replies_total",
			Help:      "Replies dropped because no continuation was registered",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages dropped without dispatch, by reason",
		}, []string{"reason"}),
		pendingResponses: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "pending_responses",
			Help:      "Continuations currently awaiting a reply",
		}),
		topicQueues: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "topic_queues",
			Help:      "Topic worker queues created in this process",
		}),
		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent in a subscriber or continuation callback",
			Buckets:   []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}),
	}

	err := errors.Join(
		reg.Register(m.sent),
		reg.Register(m.delivered),
		reg.Register(m.swept),
		reg.Register(m.orphanReplies),
		reg.Register(m.dropped),
		reg.Register(m.pendingResponses),
		reg.Register(m.topicQueues),
		reg.Register(m.dispatchDuration),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Drop reason constants.
const (
	DropReasonNoSubscriber = "no_subscriber"
	DropReasonClosed       = "closed"
)

// IncSent records one enqueued message.
func (m *Metrics) IncSent() {
	if m == nil {
		return
	}
	m.sent.Inc()
}

// IncDelivered records one dequeued and dispatched message.
func (m *Metrics) IncDelivered() {
	if m == nil {
		return
	}
	m.delivered.Inc()
}

// AddSwept records expired rows removed by a sweep.
func (m *Metrics) AddSwept(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.swept.Add(float64(n))
}

// IncOrphanReply records a reply with no registered continuation.
func (m *Metrics) IncOrphanReply() {
	if m == nil {
		return
	}
	m.orphanReplies.Inc()
}

// IncDropped records a message dropped for the given reason.
func (m *Metrics) IncDropped(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

// SetPendingResponses updates the live continuation gauge.
func (m *Metrics) SetPendingResponses(n int) {
	if m == nil {
		return
	}
	m.pendingResponses.Set(float64(n))
}

// SetTopicQueues updates the live topic queue gauge.
func (m *Metrics) SetTopicQueues(n int) {
	if m == nil {
		return
	}
	m.topicQueues.Set(float64(n))
}

// ObserveDispatchDuration records one callback invocation.
func (m *Metrics) ObserveDispatchDuration(seconds float64) {
	if m == nil {
		return
	}
	m.dispatchDuration.Observe(seconds)
}
