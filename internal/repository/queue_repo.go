package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/kursadbilgin/civic-notify/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pgUniqueViolation = "23505"

	errAbandonedAttempt = "final attempt abandoned before completion"
)

// FinishParams is the outcome written when a dispatch releases its claim.
// Attempt is the attempt_count returned by Claim; a row reclaimed since then
// is not touched.
type FinishParams struct {
	Attempt           int
	Status            domain.Status
	Channel           domain.Channel
	Recipient         string
	SentAt            *time.Time
	Error             *string
	ProviderMessageID *string
}

// DeferParams releases a claim without counting it as an attempt.
type DeferParams struct {
	Attempt       int
	LastAttemptAt *time.Time
	Until         time.Time
}

type QueueRepository interface {
	Create(ctx context.Context, n *domain.NotificationQueue) error
	// CreateSurveyRequest inserts n unless a satisfaction request already
	// exists for the ticket. It reports whether a row was inserted.
	CreateSurveyRequest(ctx context.Context, n *domain.NotificationQueue) (bool, error)
	GetByID(ctx context.Context, id string) (*domain.NotificationQueue, error)
	ListByTicket(ctx context.Context, ticketID string) ([]domain.NotificationQueue, error)
	ListPending(ctx context.Context, now time.Time, limit int) ([]domain.NotificationQueue, error)
	// Claim atomically counts an attempt and leases the row. It returns nil
	// when the row is not claimable.
	Claim(ctx context.Context, id string, now time.Time, lease time.Duration) (*domain.NotificationQueue, error)
	Finish(ctx context.Context, id string, params FinishParams) error
	// Defer undoes the claim of the given attempt without spending it and
	// keeps the row out of ListPending and Claim until the given time.
	Defer(ctx context.Context, id string, params DeferParams) error
	// FailAbandoned marks FAILED the rows whose final attempt was claimed but
	// never finished before its lease expired.
	FailAbandoned(ctx context.Context, now time.Time) (int64, error)
}

type GormQueueRepo struct {
	db *gorm.DB
}

func NewGormQueueRepo(db *gorm.DB) *GormQueueRepo {
	return &GormQueueRepo{db: db}
}

func (r *GormQueueRepo) Create(ctx context.Context, n *domain.NotificationQueue) error {
	model := queueModelFromDomain(n)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return err
	}
	if n != nil {
		*n = *queueModelToDomain(model)
	}
	return nil
}

func (r *GormQueueRepo) CreateSurveyRequest(ctx context.Context, n *domain.NotificationQueue) (bool, error) {
	model := queueModelFromDomain(n)
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "ticket_id"}},
			TargetWhere: clause.Where{Exprs: []clause.Expression{
				clause.Expr{SQL: "type = 'SATISFACTION_REQUEST'"},
			}},
			DoNothing: true,
		}).
		Create(model)
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		return false, nil
	}

	if n != nil {
		*n = *queueModelToDomain(model)
	}
	return true, nil
}

func (r *GormQueueRepo) GetByID(ctx context.Context, id string) (*domain.NotificationQueue, error) {
	var model NotificationQueueModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return queueModelToDomain(&model), nil
}

func (r *GormQueueRepo) ListByTicket(ctx context.Context, ticketID string) ([]domain.NotificationQueue, error) {
	var models []NotificationQueueModel
	err := r.db.WithContext(ctx).
		Where("ticket_id = ?", ticketID).
		Order("created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	return queueModelsToDomain(models), nil
}

func (r *GormQueueRepo) ListPending(ctx context.Context, now time.Time, limit int) ([]domain.NotificationQueue, error) {
	if limit <= 0 {
		limit = 10
	}

	var models []NotificationQueueModel
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.StatusPending).
		Where("attempt_count < max_attempts").
		Where("locked_until IS NULL OR locked_until < ?", now).
		Order("COALESCE(last_attempt_at, created_at) ASC").
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	return queueModelsToDomain(models), nil
}

func (r *GormQueueRepo) Claim(ctx context.Context, id string, now time.Time, lease time.Duration) (*domain.NotificationQueue, error) {
	lockedUntil := now.Add(lease)

	result := r.db.WithContext(ctx).
		Model(&NotificationQueueModel{}).
		Where("id = ?", id).
		Where("status = ?", domain.StatusPending).
		Where("attempt_count < max_attempts").
		Where("locked_until IS NULL OR locked_until < ?", now).
		Updates(map[string]any{
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"last_attempt_at": now,
			"locked_until":    lockedUntil,
			"updated_at":      now,
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, nil
	}

	return r.GetByID(ctx, id)
}

func (r *GormQueueRepo) Finish(ctx context.Context, id string, params FinishParams) error {
	updates := map[string]any{
		"status":       params.Status,
		"locked_until": nil,
		"error":        params.Error,
		"updated_at":   time.Now(),
	}
	if params.Channel != "" {
		updates["channel"] = params.Channel
	}
	if params.Recipient != "" {
		updates["recipient"] = params.Recipient
	}
	if params.SentAt != nil {
		updates["sent_at"] = params.SentAt
	}
	if params.ProviderMessageID != nil {
		updates["provider_message_id"] = params.ProviderMessageID
	}

	// Terminal rows are never reopened or overwritten.
	result := r.db.WithContext(ctx).
		Model(&NotificationQueueModel{}).
		Where("id = ? AND status = ?", id, domain.StatusPending).
		Where("attempt_count = ?", params.Attempt).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormQueueRepo) Defer(ctx context.Context, id string, params DeferParams) error {
	result := r.db.WithContext(ctx).
		Model(&NotificationQueueModel{}).
		Where("id = ? AND status = ?", id, domain.StatusPending).
		Where("attempt_count = ?", params.Attempt).
		Updates(map[string]any{
			"attempt_count":   gorm.Expr("attempt_count - 1"),
			"last_attempt_at": params.LastAttemptAt,
			"locked_until":    params.Until,
			"updated_at":      time.Now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormQueueRepo) FailAbandoned(ctx context.Context, now time.Time) (int64, error) {
	message := errAbandonedAttempt
	result := r.db.WithContext(ctx).
		Model(&NotificationQueueModel{}).
		Where("status = ?", domain.StatusPending).
		Where("attempt_count >= max_attempts").
		Where("locked_until IS NOT NULL AND locked_until < ?", now).
		Updates(map[string]any{
			"status":       domain.StatusFailed,
			"locked_until": nil,
			"error":        message,
			"updated_at":   now,
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

func queueModelsToDomain(models []NotificationQueueModel) []domain.NotificationQueue {
	out := make([]domain.NotificationQueue, 0, len(models))
	for i := range models {
		out = append(out, *queueModelToDomain(&models[i]))
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
