package domain

import (
	"fmt"
	"strings"
	"time"
)

// DefaultMaxAttempts caps dispatch attempts per queue row unless configured otherwise.
const DefaultMaxAttempts = 3

// Status represents the delivery state of a queue row.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

func (s Status) String() string { return string(s) }

func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusSent, StatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the dispatcher may never touch the row again.
func (s Status) IsTerminal() bool {
	return s == StatusSent || s == StatusFailed
}

func ParseStatusFromString(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid status %q", ErrValidation, s)
	}
	return st, nil
}

// Channel represents the delivery transport.
type Channel string

const (
	ChannelChat  Channel = "CHAT"
	ChannelSMS   Channel = "SMS"
	ChannelEmail Channel = "EMAIL"
)

func (c Channel) String() string { return string(c) }

func (c Channel) IsValid() bool {
	switch c {
	case ChannelChat, ChannelSMS, ChannelEmail:
		return true
	}
	return false
}

// UsesPhone reports whether the channel addresses recipients by phone number.
func (c Channel) UsesPhone() bool {
	return c == ChannelSMS || c == ChannelChat
}

func ParseChannelFromString(s string) (Channel, error) {
	ch := Channel(strings.ToUpper(strings.TrimSpace(s)))
	if !ch.IsValid() {
		return "", fmt.Errorf("%w: invalid channel %q", ErrValidation, s)
	}
	return ch, nil
}

// Type identifies which message a queue row delivers.
type Type string

const (
	TypeReceiptConfirmation Type = "RECEIPT_CONFIRMATION"
	TypeStatusUpdate        Type = "STATUS_UPDATE"
	TypeReplySent           Type = "REPLY_SENT"
	TypeSatisfactionRequest Type = "SATISFACTION_REQUEST"
)

func (t Type) String() string { return string(t) }

func (t Type) IsValid() bool {
	switch t {
	case TypeReceiptConfirmation, TypeStatusUpdate, TypeReplySent, TypeSatisfactionRequest:
		return true
	}
	return false
}

// ParseTypeFromString accepts TICKET_RECEIVED as an alias of RECEIPT_CONFIRMATION.
func ParseTypeFromString(s string) (Type, error) {
	normalized := strings.ToUpper(strings.TrimSpace(s))
	if normalized == "TICKET_RECEIVED" {
		return TypeReceiptConfirmation, nil
	}
	t := Type(normalized)
	if !t.IsValid() {
		return "", fmt.Errorf("%w: invalid notification type %q", ErrValidation, s)
	}
	return t, nil
}

// Payload carries the recipient contact fields and template data consumed by channel clients.
type Payload struct {
	RecipientName  string         `json:"recipientName"`
	RecipientPhone string         `json:"recipientPhone,omitempty"`
	RecipientEmail string         `json:"recipientEmail,omitempty"`
	TemplateData   map[string]any `json:"templateData,omitempty"`
}

// ContactFor returns the address the given channel delivers to, or "" when absent.
func (p Payload) ContactFor(channel Channel) string {
	switch {
	case channel.UsesPhone():
		return strings.TrimSpace(p.RecipientPhone)
	case channel == ChannelEmail:
		return strings.TrimSpace(p.RecipientEmail)
	}
	return ""
}

// NotificationQueue is one notification intent and its current delivery state.
type NotificationQueue struct {
	ID                string
	TicketID          string
	Type              Type
	Channel           Channel
	Recipient         string
	Payload           Payload
	Status            Status
	AttemptCount      int
	MaxAttempts       int
	LastAttemptAt     *time.Time
	SentAt            *time.Time
	LockedUntil       *time.Time
	Error             *string
	ProviderMessageID *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (n *NotificationQueue) Validate() error {
	if strings.TrimSpace(n.TicketID) == "" {
		return fmt.Errorf("%w: ticketId is required", ErrValidation)
	}
	if !n.Type.IsValid() {
		return fmt.Errorf("%w: invalid notification type %q", ErrValidation, n.Type)
	}
	if !n.Channel.IsValid() {
		return fmt.Errorf("%w: invalid channel %q", ErrValidation, n.Channel)
	}
	if strings.TrimSpace(n.Payload.RecipientName) == "" {
		return fmt.Errorf("%w: recipientName is required", ErrValidation)
	}
	if n.Payload.RecipientPhone == "" && n.Payload.RecipientEmail == "" {
		return fmt.Errorf("%w: recipientPhone or recipientEmail is required", ErrValidation)
	}
	if n.MaxAttempts < 1 {
		return fmt.Errorf("%w: maxAttempts must be >= 1", ErrValidation)
	}
	return nil
}

// Exhausted reports whether no further attempt may be made.
func (n *NotificationQueue) Exhausted() bool {
	return n.AttemptCount >= n.MaxAttempts
}

// NotificationLog is the append-only audit record of a single channel attempt.
type NotificationLog struct {
	ID                string
	QueueID           string
	Channel           Channel
	Status            Status
	AttemptNumber     int
	Recipient         string
	ProviderMessageID *string
	Request           map[string]any
	Response          map[string]any
	Error             *string
	CreatedAt         time.Time
}
