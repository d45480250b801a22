package queue

import (
	"context"
	"fmt"
)

// MessageHandler handles a consumed ticket event.
type MessageHandler func(ctx context.Context, event TicketEvent) error

// Consumer consumes ticket events from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const (
	// TicketEventsQueue carries lifecycle events published by the ticket service.
	TicketEventsQueue = "ticket.events"

	dlxExchangeName = "civic.dlx"
)

// DLQName returns the dead-letter queue name for a work queue, e.g. dlq.ticket.events.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}
