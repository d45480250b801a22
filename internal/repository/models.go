package repository

import (
	"time"

	"github.com/kursadbilgin/civic-notify/internal/domain"
	"gorm.io/datatypes"
)

// NotificationQueueModel is the persistence model for the notification_queue table.
type NotificationQueueModel struct {
	ID                string                             `gorm:"type:uuid;primaryKey"`
	TicketID          string                             `gorm:"type:varchar(64);not null"`
	Type              domain.Type                        `gorm:"type:varchar(32);not null"`
	Channel           domain.Channel                     `gorm:"type:varchar(10);not null"`
	Recipient         string                             `gorm:"type:varchar(255);not null"`
	Payload           datatypes.JSONType[domain.Payload] `gorm:"type:jsonb;not null"`
	Status            domain.Status                      `gorm:"type:varchar(20);not null"`
	AttemptCount      int                                `gorm:"not null;default:0"`
	MaxAttempts       int                                `gorm:"not null;default:3"`
	LastAttemptAt     *time.Time                         `gorm:"type:timestamptz"`
	SentAt            *time.Time                         `gorm:"type:timestamptz"`
	LockedUntil       *time.Time                         `gorm:"type:timestamptz"`
	Error             *string                            `gorm:"type:text"`
	ProviderMessageID *string                            `gorm:"type:varchar(255)"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (NotificationQueueModel) TableName() string {
	return "notification_queue"
}

// NotificationLogModel is the persistence model for the append-only notification_log table.
type NotificationLogModel struct {
	ID                string            `gorm:"type:uuid;primaryKey"`
	QueueID           string            `gorm:"type:uuid;not null"`
	Channel           domain.Channel    `gorm:"type:varchar(10);not null"`
	Status            domain.Status     `gorm:"type:varchar(20);not null"`
	AttemptNumber     int               `gorm:"not null"`
	Recipient         string            `gorm:"type:varchar(255);not null;default:''"`
	ProviderMessageID *string           `gorm:"type:varchar(255)"`
	Request           datatypes.JSONMap `gorm:"type:jsonb"`
	Response          datatypes.JSONMap `gorm:"type:jsonb"`
	Error             *string           `gorm:"type:text"`
	CreatedAt         time.Time
}

func (NotificationLogModel) TableName() string {
	return "notification_log"
}

// TicketModel maps the columns of the tickets table that notification triggers read.
type TicketModel struct {
	ID           string              `gorm:"type:varchar(64);primaryKey"`
	Number       string              `gorm:"type:varchar(32);not null"`
	Status       domain.TicketStatus `gorm:"type:varchar(20);not null"`
	Category     *string             `gorm:"type:varchar(64)"`
	CitizenName  string              `gorm:"type:varchar(255);not null"`
	CitizenPhone *string             `gorm:"type:varchar(32)"`
	CitizenEmail *string             `gorm:"type:varchar(255)"`
	RepliedAt    *time.Time          `gorm:"type:timestamptz"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (TicketModel) TableName() string {
	return "tickets"
}

func queueModelFromDomain(n *domain.NotificationQueue) *NotificationQueueModel {
	if n == nil {
		return nil
	}

	return &NotificationQueueModel{
		ID:                n.ID,
		TicketID:          n.TicketID,
		Type:              n.Type,
		Channel:           n.Channel,
		Recipient:         n.Recipient,
		Payload:           datatypes.NewJSONType(n.Payload),
		Status:            n.Status,
		AttemptCount:      n.AttemptCount,
		MaxAttempts:       n.MaxAttempts,
		LastAttemptAt:     n.LastAttemptAt,
		SentAt:            n.SentAt,
		LockedUntil:       n.LockedUntil,
		Error:             n.Error,
		ProviderMessageID: n.ProviderMessageID,
		CreatedAt:         n.CreatedAt,
		UpdatedAt:         n.UpdatedAt,
	}
}

func queueModelToDomain(m *NotificationQueueModel) *domain.NotificationQueue {
	if m == nil {
		return nil
	}

	return &domain.NotificationQueue{
		ID:                m.ID,
		TicketID:          m.TicketID,
		Type:              m.Type,
		Channel:           m.Channel,
		Recipient:         m.Recipient,
		Payload:           m.Payload.Data(),
		Status:            m.Status,
		AttemptCount:      m.AttemptCount,
		MaxAttempts:       m.MaxAttempts,
		LastAttemptAt:     m.LastAttemptAt,
		SentAt:            m.SentAt,
		LockedUntil:       m.LockedUntil,
		Error:             m.Error,
		ProviderMessageID: m.ProviderMessageID,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}
}

func logModelFromDomain(l *domain.NotificationLog) *NotificationLogModel {
	if l == nil {
		return nil
	}

	return &NotificationLogModel{
		ID:                l.ID,
		QueueID:           l.QueueID,
		Channel:           l.Channel,
		Status:            l.Status,
		AttemptNumber:     l.AttemptNumber,
		Recipient:         l.Recipient,
		ProviderMessageID: l.ProviderMessageID,
		Request:           datatypes.JSONMap(l.Request),
		Response:          datatypes.JSONMap(l.Response),
		Error:             l.Error,
		CreatedAt:         l.CreatedAt,
	}
}

func logModelToDomain(m *NotificationLogModel) *domain.NotificationLog {
	if m == nil {
		return nil
	}

	return &domain.NotificationLog{
		ID:                m.ID,
		QueueID:           m.QueueID,
		Channel:           m.Channel,
		Status:            m.Status,
		AttemptNumber:     m.AttemptNumber,
		Recipient:         m.Recipient,
		ProviderMessageID: m.ProviderMessageID,
		Request:           map[string]any(m.Request),
		Response:          map[string]any(m.Response),
		Error:             m.Error,
		CreatedAt:         m.CreatedAt,
	}
}

func ticketModelToDomain(m *TicketModel) *domain.Ticket {
	if m == nil {
		return nil
	}

	return &domain.Ticket{
		ID:           m.ID,
		Number:       m.Number,
		Status:       m.Status,
		Category:     derefString(m.Category),
		CitizenName:  m.CitizenName,
		CitizenPhone: derefString(m.CitizenPhone),
		CitizenEmail: derefString(m.CitizenEmail),
		RepliedAt:    m.RepliedAt,
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
