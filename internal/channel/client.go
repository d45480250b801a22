package channel

import (
	"context"

	"github.com/kursadbilgin/civic-notify/internal/domain"
)

// Message is what the dispatcher hands to a channel client for one attempt.
type Message struct {
	QueueID  string
	TicketID string
	Type     domain.Type
	Payload  domain.Payload
}

// Result is the uniform outcome of a single send.
//
// Expected failures (missing contact, provider rejection, timeout) are reported
// with Success=false and Err set. Request and Response hold redacted snapshots
// for the attempt log.
type Result struct {
	Success   bool
	Channel   domain.Channel
	Recipient string
	MessageID string
	Err       error
	Request   map[string]any
	Response  map[string]any
}

// Client delivers messages through one transport.
//
// Send returns a non-nil error only when the message itself cannot be built.
type Client interface {
	Channel() domain.Channel
	IsAvailable() bool
	Send(ctx context.Context, msg Message) (Result, error)
}

// Clients holds at most one client per channel.
type Clients struct {
	byChannel map[domain.Channel]Client
}

func NewClients(clients ...Client) *Clients {
	c := &Clients{byChannel: make(map[domain.Channel]Client, len(clients))}
	for _, client := range clients {
		if client == nil {
			continue
		}
		c.byChannel[client.Channel()] = client
	}
	return c
}

// For returns the client for ch only when it is registered and available.
func (c *Clients) For(ch domain.Channel) (Client, bool) {
	if c == nil {
		return nil, false
	}
	client, ok := c.byChannel[ch]
	if !ok || !client.IsAvailable() {
		return nil, false
	}
	return client, true
}

func failed(ch domain.Channel, recipient string, err error) Result {
	return Result{Channel: ch, Recipient: recipient, Err: err}
}
