// Package handlers holds observers that adapt telemetry dispatch to consumers that cannot be
// called on the receive goroutine.
package handlers

import (
	"sync/atomic"

	"github.com/groundsys/cmdtlm-router/pkg/message"
	"github.com/groundsys/cmdtlm-router/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type TelemetryQueueParams struct {
	// Capacity defaults to 64.
	Capacity int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// TelemetryQueue hands messages from the receive goroutine to a polling consumer. When the queue
// is full the newest message is dropped and counted; the receive goroutine never blocks.
type TelemetryQueue struct {
	log     *zap.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter

	messages chan *message.TelemetryMessage
	dropped  atomic.Uint64
}

func CreateTelemetryQueue(params TelemetryQueueParams) *TelemetryQueue {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	capacity := params.Capacity
	if capacity <= 0 {
		capacity = 64
	}

	return &TelemetryQueue{
		log:      logger.With(zap.String("handler", "TelemetryQueue")),
		metrics:  params.Metrics,
		limiter:  rate.NewLimiter(1, 1),
		messages: make(chan *message.TelemetryMessage, capacity),
	}
}

func (q *TelemetryQueue) Observe(msg *message.TelemetryMessage) error {
	select {
	case q.messages <- msg:
	default:
		total := q.dropped.Add(1)
		q.metrics.IncQueueDropped()
		if q.limiter.Allow() {
			q.log.Warn("Telemetry queue full, dropping newest message",
				zap.String("topic", msg.Topic),
				zap.Uint64("dropped", total))
		}
	}
	return nil
}

// Poll returns the oldest queued message without blocking.
func (q *TelemetryQueue) Poll() (*message.TelemetryMessage, bool) {
	select {
	case msg := <-q.messages:
		return msg, true
	default:
		return nil, false
	}
}

// C exposes the queue for consumers that select on it.
func (q *TelemetryQueue) C() <-chan *message.TelemetryMessage {
	return q.messages
}

func (q *TelemetryQueue) Len() int {
	return len(q.messages)
}

func (q *TelemetryQueue) Dropped() uint64 {
	return q.dropped.Load()
}
