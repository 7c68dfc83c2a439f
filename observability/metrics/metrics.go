package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"wellswap/notify"
)

var (
	// Transitions counts settlement events by type, giving a cheap view of
	// protocol throughput per stage.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wellswap_settlement_events_total",
		Help: "Settlement state transitions by event type.",
	}, []string{"event"})

	// RefundsProcessed counts auto-refund payouts.
	RefundsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wellswap_refunds_processed_total",
		Help: "Buyer refunds paid out by the refund monitor.",
	})

	// WebhookDeliveries counts webhook attempts by outcome.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wellswap_webhook_deliveries_total",
		Help: "Webhook delivery attempts by outcome.",
	}, []string{"outcome"})

	// RequestDuration observes gateway request latency per route.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wellswap_http_request_duration_seconds",
		Help:    "Gateway request latency by route and status class.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})
)

// Handler exposes the default registry for the /metrics route.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveWebhookDelivery records one webhook attempt outcome. Wire it as the
// dispatcher's delivery observer.
func ObserveWebhookDelivery(outcome string) {
	WebhookDeliveries.WithLabelValues(outcome).Inc()
}

// countingEmitter increments transition counters before forwarding events.
type countingEmitter struct {
	next notify.Emitter
}

// CountingEmitter wraps an emitter so every settlement event is counted.
func CountingEmitter(next notify.Emitter) notify.Emitter {
	if next == nil {
		next = notify.NoopEmitter{}
	}
	return &countingEmitter{next: next}
}

// Emit implements notify.Emitter.
func (c *countingEmitter) Emit(evt notify.Event) {
	Transitions.WithLabelValues(evt.Type).Inc()
	if evt.Type == notify.EventAssetRefunded {
		RefundsProcessed.Inc()
	}
	c.next.Emit(evt)
}
