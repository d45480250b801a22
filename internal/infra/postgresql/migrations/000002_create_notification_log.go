package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/civic-notify/internal/repository"
	"gorm.io/gorm"
)

func createNotificationLogTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_notification_log",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.NotificationLogModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_notification_log_queue_id ON notification_log (queue_id, attempt_number)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.NotificationLogModel{})
		},
	}
}
