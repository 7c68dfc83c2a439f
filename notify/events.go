package notify

import "time"

// Canonical event types emitted on settlement transitions.
const (
	EventAssetRegistered     = "asset.registered"
	EventAssetEvaluated      = "asset.evaluated"
	EventAssetPriceConfirmed = "asset.price_confirmed"
	EventAssetListed         = "asset.listed"
	EventAssetRefunded       = "asset.refunded"
	EventTradeCreated        = "trade.created"
	EventTradeBuyerSigned    = "trade.buyer_signed"
	EventTradePlatformSigned = "trade.platform_signed"
	EventTradeCompleted      = "trade.completed"
	EventTradeCancelled      = "trade.cancelled"
)

// Event is a fire-and-forget notification describing a state transition.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Emitter delivers events to interested parties. Delivery failure must never
// roll back the transition that produced the event.
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards all events.
type NoopEmitter struct{}

// Emit implements Emitter.
func (NoopEmitter) Emit(Event) {}

// EmitterFunc adapts ordinary functions to Emitter.
type EmitterFunc func(Event)

// Emit implements Emitter.
func (f EmitterFunc) Emit(evt Event) {
	if f != nil {
		f(evt)
	}
}
