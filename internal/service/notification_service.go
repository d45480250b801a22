package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/civic-notify/internal/channel"
	"github.com/kursadbilgin/civic-notify/internal/domain"
	"github.com/kursadbilgin/civic-notify/internal/repository"
	"go.uber.org/zap"
)

// QueueRequest is the input of QueueNotification.
type QueueRequest struct {
	TicketID         string
	Type             domain.Type
	RecipientName    string
	RecipientPhone   string
	RecipientEmail   string
	TemplateData     map[string]any
	PreferredChannel *domain.Channel
}

// NotificationDetail is a queue row together with its attempt log.
type NotificationDetail struct {
	Notification domain.NotificationQueue
	Logs         []domain.NotificationLog
}

type NotificationService struct {
	queue       repository.QueueRepository
	logs        repository.LogRepository
	maxAttempts int
	logger      *zap.Logger
	now         func() time.Time
	newID       func() string
}

func NewNotificationService(
	queue repository.QueueRepository,
	logs repository.LogRepository,
	maxAttempts int,
	logger *zap.Logger,
) (*NotificationService, error) {
	if queue == nil {
		return nil, fmt.Errorf("queue repository is required")
	}
	if logs == nil {
		return nil, fmt.Errorf("log repository is required")
	}
	if maxAttempts < 1 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &NotificationService{
		queue:       queue,
		logs:        logs,
		maxAttempts: maxAttempts,
		logger:      logger,
		now:         time.Now,
		newID:       uuid.NewString,
	}, nil
}

// QueueNotification stores a PENDING row for later dispatch and returns its id.
// Every call creates a new row; callers own deduplication.
func (s *NotificationService) QueueNotification(ctx context.Context, req QueueRequest) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	row, err := s.buildRow(req)
	if err != nil {
		return "", err
	}

	if err := s.queue.Create(ctx, row); err != nil {
		return "", fmt.Errorf("failed to create notification: %w", err)
	}

	s.logger.Info("notification queued",
		zap.String("queueId", row.ID),
		zap.String("ticketId", row.TicketID),
		zap.String("type", row.Type.String()),
		zap.String("channel", row.Channel.String()),
	)

	return row.ID, nil
}

func (s *NotificationService) buildRow(req QueueRequest) (*domain.NotificationQueue, error) {
	payload := domain.Payload{
		RecipientName:  strings.TrimSpace(req.RecipientName),
		RecipientPhone: strings.TrimSpace(req.RecipientPhone),
		RecipientEmail: strings.TrimSpace(req.RecipientEmail),
		TemplateData:   req.TemplateData,
	}

	ch, err := channel.Select(payload, req.PreferredChannel)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	row := &domain.NotificationQueue{
		ID:          s.newID(),
		TicketID:    strings.TrimSpace(req.TicketID),
		Type:        req.Type,
		Channel:     ch,
		Recipient:   payload.ContactFor(ch),
		Payload:     payload,
		Status:      domain.StatusPending,
		MaxAttempts: s.maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := row.Validate(); err != nil {
		return nil, err
	}

	return row, nil
}

func (s *NotificationService) GetByID(ctx context.Context, id string) (*NotificationDetail, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: id is required", domain.ErrValidation)
	}

	row, err := s.queue.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	logs, err := s.logs.ListByQueueID(ctx, row.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notification logs: %w", err)
	}

	return &NotificationDetail{Notification: *row, Logs: logs}, nil
}

func (s *NotificationService) ListByTicket(ctx context.Context, ticketID string) ([]domain.NotificationQueue, error) {
	if strings.TrimSpace(ticketID) == "" {
		return nil, fmt.Errorf("%w: ticketId is required", domain.ErrValidation)
	}

	return s.queue.ListByTicket(ctx, strings.TrimSpace(ticketID))
}
