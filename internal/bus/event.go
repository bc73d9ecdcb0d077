package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-separated and namespaced by producer:
//   - "push.*"       server-originated events from the real-time transport
//   - "state.*"      reconciling-store mutations (UI refresh signal)
//   - "optimistic.*" optimistic-operation lifecycle transitions
//   - "prefetch.*"   prefetch scheduler progress
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Now builds an event stamped with the current time.
func Now(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}
