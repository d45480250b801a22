package queue

import (
	"context"

	"github.com/kursadbilgin/civic-notify/internal/service"
	"go.uber.org/zap"
)

// Enqueuer stores a notification for later dispatch.
type Enqueuer interface {
	QueueNotification(ctx context.Context, req service.QueueRequest) (string, error)
}

// NewTicketEventHandler turns each ticket event into one queued notification.
func NewTicketEventHandler(enqueuer Enqueuer, logger *zap.Logger) MessageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(ctx context.Context, event TicketEvent) error {
		req, err := event.QueueRequest()
		if err != nil {
			return err
		}

		id, err := enqueuer.QueueNotification(ctx, req)
		if err != nil {
			return err
		}

		logger.Debug("ticket event queued",
			zap.String("ticketId", req.TicketID),
			zap.String("event", event.Event),
			zap.String("queueId", id),
		)
		return nil
	}
}
