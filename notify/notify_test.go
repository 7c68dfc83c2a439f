package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func testEvent(eventType string) Event {
	return Event{
		Type:       eventType,
		Attributes: map[string]string{"assetId": "a-1"},
		CreatedAt:  time.Unix(1_700_000_000, 0).UTC(),
	}
}

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	q := NewQueue(WithTaskCapacity(2))
	q.Emit(testEvent("first"))
	q.Emit(testEvent("second"))
	q.Emit(testEvent("third"))

	if q.Len() != 2 {
		t.Fatalf("expected 2 pending tasks, got %d", q.Len())
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, ok := q.Dequeue(ctx)
	if !ok {
		t.Fatalf("dequeue failed")
	}
	if task.Event.Type != "second" {
		t.Fatalf("expected oldest surviving task, got %s", task.Event.Type)
	}
}

func TestQueueExpiresStaleTasks(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	q := NewQueue(WithQueueTTL(time.Minute), withQueueClock(func() time.Time { return now }))
	q.Emit(testEvent("stale"))

	now = now.Add(2 * time.Minute)
	q.Emit(testEvent("fresh"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	task, ok := q.Dequeue(ctx)
	if !ok {
		t.Fatalf("dequeue failed")
	}
	if task.Event.Type != "fresh" {
		t.Fatalf("expected stale task evicted, got %s", task.Event.Type)
	}
}

func TestQueueDequeueHonoursCancellation(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, ok := q.Dequeue(ctx); ok {
		t.Fatalf("expected dequeue to observe cancellation")
	}
}

func TestEndpointAccepts(t *testing.T) {
	all := Endpoint{Name: "all"}
	if !all.Accepts(EventTradeCompleted) {
		t.Fatalf("endpoint without filter must accept everything")
	}
	scoped := Endpoint{Name: "scoped", Types: []string{EventAssetRefunded, EventTradeCompleted}}
	if !scoped.Accepts(EventTradeCompleted) {
		t.Fatalf("expected subscribed type accepted")
	}
	if scoped.Accepts(EventAssetListed) {
		t.Fatalf("expected unsubscribed type rejected")
	}
}

func TestDispatcherSignsAndDelivers(t *testing.T) {
	var (
		mu       sync.Mutex
		payloads [][]byte
		sigs     []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		payloads = append(payloads, body)
		sigs = append(sigs, r.Header.Get("X-Webhook-Signature"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	queue := NewQueue()
	dispatcher := NewDispatcher(queue, []Endpoint{
		{Name: "sink", URL: server.URL, Secret: "s3cret"},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(done)
	}()

	queue.Emit(testEvent(EventTradeCompleted))

	deadline := time.After(3 * time.Second)
	for {
		mu.Lock()
		delivered := len(payloads)
		mu.Unlock()
		if delivered == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("delivery did not happen")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	var evt Event
	if err := json.Unmarshal(payloads[0], &evt); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if evt.Type != EventTradeCompleted {
		t.Fatalf("unexpected event type %s", evt.Type)
	}
	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(payloads[0])
	if want := hex.EncodeToString(mac.Sum(nil)); sigs[0] != want {
		t.Fatalf("signature mismatch: %s vs %s", sigs[0], want)
	}
}

func TestDispatcherSkipsNonMatchingEndpoints(t *testing.T) {
	hits := make(chan string, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits <- r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	queue := NewQueue()
	dispatcher := NewDispatcher(queue, []Endpoint{
		{Name: "refunds", URL: server.URL + "/refunds", Types: []string{EventAssetRefunded}},
		{Name: "trades", URL: server.URL + "/trades", Types: []string{EventTradeCompleted}},
	}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go dispatcher.Run(ctx)

	queue.Emit(testEvent(EventTradeCompleted))

	select {
	case path := <-hits:
		if path != "/trades" {
			t.Fatalf("delivered to wrong endpoint %s", path)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("delivery did not happen")
	}
	select {
	case path := <-hits:
		t.Fatalf("unexpected extra delivery to %s", path)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDispatcherReportsDeliveryOutcomes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	var outcomes []string
	dispatcher := NewDispatcher(NewQueue(), nil, nil)
	dispatcher.SetDeliveryObserver(func(outcome string) { outcomes = append(outcomes, outcome) })

	task := Task{Event: testEvent(EventTradeCompleted), Endpoint: &Endpoint{Name: "down", URL: "http://bad"}}
	dispatcher.retryLater(task, "connection refused")
	task.Attempt = maxDeliveryAttempts - 1
	dispatcher.retryLater(task, "connection refused")

	dispatcher.deliver(context.Background(), Task{
		Event:    testEvent(EventTradeCompleted),
		Endpoint: &Endpoint{Name: "sink", URL: server.URL},
	})

	want := []string{OutcomeRetried, OutcomeAbandoned, OutcomeDelivered}
	if len(outcomes) != len(want) {
		t.Fatalf("expected outcomes %v, got %v", want, outcomes)
	}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Fatalf("outcome %d: expected %s, got %s", i, want[i], outcomes[i])
		}
	}
}

func TestBackoffDurationCapsAtFiveMinutes(t *testing.T) {
	if d := backoffDuration(1); d != time.Second {
		t.Fatalf("attempt 1: expected 1s, got %s", d)
	}
	if d := backoffDuration(3); d != 4*time.Second {
		t.Fatalf("attempt 3: expected 4s, got %s", d)
	}
	if d := backoffDuration(12); d != 5*time.Minute {
		t.Fatalf("attempt 12: expected cap, got %s", d)
	}
}
