package ws

import (
	"encoding/json"
	"log/slog"
)

// Publisher marshals typed event payloads and hands them to the hub.
type Publisher struct {
	hub *Hub
	log *slog.Logger
}

// NewPublisher constructs a Publisher.
func NewPublisher(hub *Hub, logger *slog.Logger) *Publisher {
	return &Publisher{hub: hub, log: logger}
}

// Publish broadcasts a named event. Marshal failures are logged and the
// event dropped; subscribers never see a partial frame.
func (p *Publisher) Publish(event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.log.Error("marshal event payload", "event", event, "error", err)
		return
	}
	p.hub.Broadcast(event, data)
}
