// Package dispatch delivers realtime events to connected passengers and
// drivers. Delivery is best effort: nothing in here returns an error to the
// code that triggered the event.
package dispatch

import (
	"context"
	"encoding/json"
)

// Notifier is what the dispatch core uses to push events. Implementations
// must not block on slow or missing connections.
type Notifier interface {
	NotifyUser(ctx context.Context, userID, event string, payload any)
	BroadcastToRoom(ctx context.Context, taxiID, event string, payload any)
}

// Envelope is the frame written to websocket clients.
type Envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

func encodeEvent(event string, payload any) ([]byte, error) {
	return json.Marshal(Envelope{Event: event, Data: payload})
}

// NopNotifier drops every event.
type NopNotifier struct{}

func (NopNotifier) NotifyUser(context.Context, string, string, any)      {}
func (NopNotifier) BroadcastToRoom(context.Context, string, string, any) {}
