package domain

import "time"

// TicketStatus mirrors the ticket lifecycle owned by the ticket subsystem.
type TicketStatus string

const (
	TicketStatusReceived   TicketStatus = "RECEIVED"
	TicketStatusAssigned   TicketStatus = "ASSIGNED"
	TicketStatusInProgress TicketStatus = "IN_PROGRESS"
	TicketStatusReplied    TicketStatus = "REPLIED"
	TicketStatusClosed     TicketStatus = "CLOSED"
)

// Ticket is the read-only view of a ticket needed for survey discovery.
type Ticket struct {
	ID           string
	Number       string
	Status       TicketStatus
	Category     string
	CitizenName  string
	CitizenPhone string
	CitizenEmail string
	RepliedAt    *time.Time
}
