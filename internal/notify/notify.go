// Package notify is the outbound notification boundary. The core supplies
// structured event data; templating and actual delivery (email, push,
// webhooks) belong to the caller wiring a Gateway implementation.
package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Event carries the structured payload attached to a notification.
type Event struct {
	Kind          string    `json:"kind"`
	TransactionID string    `json:"transactionId,omitempty"`
	DisputeID     string    `json:"disputeId,omitempty"`
	BridgeID      string    `json:"bridgeId,omitempty"`
	Amount        string    `json:"amount,omitempty"`
	Currency      string    `json:"currency,omitempty"`
	Status        string    `json:"status,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// Gateway delivers a notification to a set of recipients.
type Gateway interface {
	Send(ctx context.Context, recipients []string, subject string, event Event) error
}

// SlogGateway logs notifications instead of delivering them. Default in
// development; production wires a real delivery gateway.
type SlogGateway struct {
	Logger *slog.Logger
}

func (g *SlogGateway) Send(ctx context.Context, recipients []string, subject string, event Event) error {
	logger := g.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"recipients", recipients,
		"subject", subject,
		"kind", event.Kind,
		"transaction_id", event.TransactionID,
		"status", event.Status,
	)
	return nil
}

// Sent is one captured notification.
type Sent struct {
	Recipients []string
	Subject    string
	Event      Event
}

// Capture records notifications for assertions in tests.
type Capture struct {
	mu   sync.Mutex
	sent []Sent
}

func (c *Capture) Send(ctx context.Context, recipients []string, subject string, event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, Sent{Recipients: recipients, Subject: subject, Event: event})
	return nil
}

// All returns a copy of every captured notification.
func (c *Capture) All() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Sent, len(c.sent))
	copy(out, c.sent)
	return out
}

// Count returns how many notifications were captured.
func (c *Capture) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}
