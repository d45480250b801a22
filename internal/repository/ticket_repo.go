package repository

import (
	"context"
	"time"

	"github.com/kursadbilgin/civic-notify/internal/domain"
	"gorm.io/gorm"
)

type TicketRepository interface {
	// ListSurveyEligible returns replied or closed tickets with repliedAt in
	// [from, to) that have no SENT satisfaction request yet.
	ListSurveyEligible(ctx context.Context, from, to time.Time, limit int) ([]domain.Ticket, error)
}

type GormTicketRepo struct {
	db *gorm.DB
}

func NewGormTicketRepo(db *gorm.DB) *GormTicketRepo {
	return &GormTicketRepo{db: db}
}

func (r *GormTicketRepo) ListSurveyEligible(ctx context.Context, from, to time.Time, limit int) ([]domain.Ticket, error) {
	sent := r.db.
		Model(&NotificationQueueModel{}).
		Select("1").
		Where("notification_queue.ticket_id = tickets.id").
		Where("notification_queue.type = ?", domain.TypeSatisfactionRequest).
		Where("notification_queue.status = ?", domain.StatusSent)

	query := r.db.WithContext(ctx).
		Model(&TicketModel{}).
		Where("tickets.status IN ?", []domain.TicketStatus{domain.TicketStatusReplied, domain.TicketStatusClosed}).
		Where("tickets.replied_at >= ? AND tickets.replied_at < ?", from, to).
		Where("NOT EXISTS (?)", sent).
		Order("tickets.replied_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var models []TicketModel
	if err := query.Find(&models).Error; err != nil {
		return nil, err
	}

	tickets := make([]domain.Ticket, 0, len(models))
	for i := range models {
		tickets = append(tickets, *ticketModelToDomain(&models[i]))
	}
	return tickets, nil
}
