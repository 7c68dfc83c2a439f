package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const maxDeliveryAttempts = 5

// Endpoint describes a configured webhook destination.
type Endpoint struct {
	Name   string
	URL    string
	Secret string
	// Types restricts delivery to the listed event types; empty means all.
	Types []string
}

// Accepts reports whether the endpoint subscribes to the event type.
func (e *Endpoint) Accepts(eventType string) bool {
	if e == nil {
		return false
	}
	if len(e.Types) == 0 {
		return true
	}
	for _, t := range e.Types {
		if strings.EqualFold(strings.TrimSpace(t), eventType) {
			return true
		}
	}
	return false
}

// Delivery outcomes reported to the observer.
const (
	OutcomeDelivered = "delivered"
	OutcomeRetried   = "retried"
	OutcomeAbandoned = "abandoned"
)

// Dispatcher drains the queue and POSTs HMAC-signed JSON payloads to each
// matching endpoint with bounded exponential backoff.
type Dispatcher struct {
	queue     *Queue
	endpoints []Endpoint
	client    *http.Client
	logger    *slog.Logger
	nowFn     func() time.Time
	observe   func(outcome string)
}

// NewDispatcher constructs a dispatcher over the supplied queue and endpoints.
func NewDispatcher(queue *Queue, endpoints []Endpoint, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		queue:     queue,
		endpoints: append([]Endpoint{}, endpoints...),
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger,
		nowFn:     time.Now,
		observe:   func(string) {},
	}
}

// SetDeliveryObserver registers a callback invoked with the outcome of each
// delivery attempt.
func (d *Dispatcher) SetDeliveryObserver(fn func(outcome string)) {
	if fn != nil {
		d.observe = fn
	}
}

// Run processes tasks until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	if d == nil || d.queue == nil {
		return
	}
	for {
		task, ok := d.queue.Dequeue(ctx)
		if !ok {
			return
		}
		if task.Endpoint == nil {
			d.fanOut(task)
			continue
		}
		d.deliver(ctx, task)
	}
}

func (d *Dispatcher) fanOut(task Task) {
	for i := range d.endpoints {
		ep := d.endpoints[i]
		if !ep.Accepts(task.Event.Type) {
			continue
		}
		d.queue.enqueueTask(Task{Event: task.Event, Endpoint: &ep})
	}
}

func (d *Dispatcher) deliver(ctx context.Context, task Task) {
	ep := task.Endpoint
	payload, err := json.Marshal(task.Event)
	if err != nil {
		d.logger.Error("webhook payload marshal failed", "endpoint", ep.Name, "err", err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		d.logger.Error("webhook request build failed", "endpoint", ep.Name, "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if ep.Secret != "" {
		req.Header.Set("X-Webhook-Signature", signPayload(ep.Secret, payload))
	}
	resp, err := d.client.Do(req)
	if err != nil {
		d.retryLater(task, err.Error())
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.retryLater(task, resp.Status)
		return
	}
	d.observe(OutcomeDelivered)
}

func (d *Dispatcher) retryLater(task Task, cause string) {
	attempt := task.Attempt + 1
	if attempt >= maxDeliveryAttempts {
		d.logger.Warn("webhook delivery abandoned",
			"endpoint", task.Endpoint.Name, "type", task.Event.Type, "cause", cause)
		d.observe(OutcomeAbandoned)
		return
	}
	task.Attempt = attempt
	task.NotBefore = d.nowFn().Add(backoffDuration(attempt))
	d.queue.enqueueTask(task)
	d.observe(OutcomeRetried)
}

func backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	d := time.Second * time.Duration(1<<uint(attempt-1))
	if d > 5*time.Minute {
		return 5 * time.Minute
	}
	return d
}

func signPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
