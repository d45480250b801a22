package repository

import (
	"context"

	"github.com/kursadbilgin/civic-notify/internal/domain"
	"gorm.io/gorm"
)

// LogRepository appends and reads the per-attempt audit trail. Rows are never updated.
type LogRepository interface {
	Create(ctx context.Context, l *domain.NotificationLog) error
	ListByQueueID(ctx context.Context, queueID string) ([]domain.NotificationLog, error)
}

type GormLogRepo struct {
	db *gorm.DB
}

func NewGormLogRepo(db *gorm.DB) *GormLogRepo {
	return &GormLogRepo{db: db}
}

func (r *GormLogRepo) Create(ctx context.Context, l *domain.NotificationLog) error {
	model := logModelFromDomain(l)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if l != nil {
		*l = *logModelToDomain(model)
	}
	return nil
}

func (r *GormLogRepo) ListByQueueID(ctx context.Context, queueID string) ([]domain.NotificationLog, error) {
	var models []NotificationLogModel
	err := r.db.WithContext(ctx).
		Where("queue_id = ?", queueID).
		Order("attempt_number ASC, created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	logs := make([]domain.NotificationLog, 0, len(models))
	for i := range models {
		logs = append(logs, *logModelToDomain(&models[i]))
	}

	return logs, nil
}
