package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sqs_relay"

var (
	MessagesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total messages received from the queue",
		})

	MessagesHandled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_handled_total",
			Help:      "Total messages handled, by result",
		}, []string{"result"})

	MessagesDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_deleted_total",
			Help:      "Total messages acknowledged and deleted from the queue",
		})

	DeleteFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delete_failures_total",
			Help:      "Total delete entries that could not be acknowledged, by error kind",
		}, []string{"kind"})

	ReceiveErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "receive_errors_total",
			Help:      "Total failed receive calls, by error kind",
		}, []string{"kind"})

	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Histogram of consumer cycle duration",
			Buckets:   prometheus.DefBuckets,
		})

	HandlerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handler_duration_seconds",
			Help:      "Histogram of message handler duration",
			Buckets:   prometheus.DefBuckets,
		})

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Approximate number of visible messages in the queue",
		})

	MessagesProduced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_produced_total",
			Help:      "Total payloads the producer finished with, by result",
		}, []string{"result"})

	SendAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_attempts_total",
			Help:      "Total send calls made by the producer, including retries",
		})

	PendingOverflow = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_overflow_total",
			Help:      "Total payloads dropped because the pending buffer was full",
		})
)

// Result label values.
const (
	ResultSuccess    = "success"
	ResultFailure    = "failure"
	ResultValidation = "validation"
	ResultDropped    = "dropped"
)

func Setup() {
	prometheus.MustRegister(MessagesReceived)
	prometheus.MustRegister(MessagesHandled)
	prometheus.MustRegister(MessagesDeleted)
	prometheus.MustRegister(DeleteFailures)
	prometheus.MustRegister(ReceiveErrors)
	prometheus.MustRegister(CycleDuration)
	prometheus.MustRegister(HandlerDuration)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(MessagesProduced)
	prometheus.MustRegister(SendAttempts)
	prometheus.MustRegister(PendingOverflow)
}
