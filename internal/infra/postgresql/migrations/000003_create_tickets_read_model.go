package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/civic-notify/internal/repository"
	"gorm.io/gorm"
)

// The tickets table belongs to the ticket service. This migration only makes
// sure the columns survey discovery reads exist in standalone deployments.
func createTicketsReadModel() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_tickets_read_model",
		Migrate: func(tx *gorm.DB) error {
			if tx.Migrator().HasTable(&repository.TicketModel{}) {
				return nil
			}
			if err := tx.AutoMigrate(&repository.TicketModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_tickets_replied_at ON tickets (replied_at) WHERE status IN ('REPLIED', 'CLOSED')`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return nil
		},
	}
}
