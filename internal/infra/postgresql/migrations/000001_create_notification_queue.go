package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/civic-notify/internal/repository"
	"gorm.io/gorm"
)

func createNotificationQueueTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_notification_queue",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.NotificationQueueModel{}); err != nil {
				return err
			}
			indexes := []string{
				`CREATE INDEX IF NOT EXISTS idx_notification_queue_pending ON notification_queue ((COALESCE(last_attempt_at, created_at)), created_at) WHERE status = 'PENDING'`,
				`CREATE INDEX IF NOT EXISTS idx_notification_queue_ticket_id ON notification_queue (ticket_id, created_at)`,
				// One satisfaction request per ticket; survey discovery relies on it for ON CONFLICT DO NOTHING.
				`CREATE UNIQUE INDEX IF NOT EXISTS uq_notification_queue_survey_ticket ON notification_queue (ticket_id) WHERE type = 'SATISFACTION_REQUEST'`,
				`ALTER TABLE notification_queue ADD CONSTRAINT chk_notification_queue_attempts CHECK (attempt_count >= 0 AND attempt_count <= max_attempts)`,
			}
			for _, sql := range indexes {
				if err := tx.Exec(sql).Error; err != nil {
					return err
				}
			}
			return nil
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.NotificationQueueModel{})
		},
	}
}
