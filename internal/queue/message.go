package queue

import (
	"fmt"
	"strings"

	"github.com/kursadbilgin/civic-notify/internal/domain"
	"github.com/kursadbilgin/civic-notify/internal/service"
)

// TicketEvent is the broker payload published on ticket lifecycle changes.
type TicketEvent struct {
	TicketID         string         `json:"ticketId"`
	Event            string         `json:"event"`
	RecipientName    string         `json:"recipientName"`
	RecipientPhone   string         `json:"recipientPhone,omitempty"`
	RecipientEmail   string         `json:"recipientEmail,omitempty"`
	TemplateData     map[string]any `json:"templateData,omitempty"`
	PreferredChannel string         `json:"preferredChannel,omitempty"`
}

var eventTypes = map[string]domain.Type{
	"TICKET_RECEIVED": domain.TypeReceiptConfirmation,
	"TICKET_ASSIGNED": domain.TypeStatusUpdate,
	"STATUS_CHANGED":  domain.TypeStatusUpdate,
	"SLA_WARNING":     domain.TypeStatusUpdate,
	"TICKET_REPLIED":  domain.TypeReplySent,
}

// NotificationType maps the event name to the notification it produces.
func (e TicketEvent) NotificationType() (domain.Type, error) {
	t, ok := eventTypes[strings.ToUpper(strings.TrimSpace(e.Event))]
	if !ok {
		return "", fmt.Errorf("%w: unsupported event %q", domain.ErrValidation, e.Event)
	}
	return t, nil
}

func (e TicketEvent) Validate() error {
	if strings.TrimSpace(e.TicketID) == "" {
		return fmt.Errorf("%w: ticketId is required", domain.ErrValidation)
	}
	if _, err := e.NotificationType(); err != nil {
		return err
	}
	if strings.TrimSpace(e.PreferredChannel) != "" {
		if _, err := domain.ParseChannelFromString(e.PreferredChannel); err != nil {
			return err
		}
	}
	return nil
}

// QueueRequest converts a validated event into an enqueue request.
func (e TicketEvent) QueueRequest() (service.QueueRequest, error) {
	if err := e.Validate(); err != nil {
		return service.QueueRequest{}, err
	}

	notificationType, _ := e.NotificationType()
	req := service.QueueRequest{
		TicketID:       strings.TrimSpace(e.TicketID),
		Type:           notificationType,
		RecipientName:  e.RecipientName,
		RecipientPhone: e.RecipientPhone,
		RecipientEmail: e.RecipientEmail,
		TemplateData:   e.TemplateData,
	}
	if strings.TrimSpace(e.PreferredChannel) != "" {
		ch, _ := domain.ParseChannelFromString(e.PreferredChannel)
		req.PreferredChannel = &ch
	}
	return req, nil
}
