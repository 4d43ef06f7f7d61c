package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/carebridge/comms-engine/internal/repository"
)

func createAppointmentRemindersTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000005_create_appointment_reminders",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.AppointmentReminderModel{}); err != nil {
				return err
			}
			if err := tx.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS uidx_reminders_active_slot ON appointment_reminders (appointment_id, channel, scheduled_for) WHERE status IN ('SCHEDULED', 'SENDING')`).Error; err != nil {
				return err
			}
			if err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_reminders_due ON appointment_reminders (scheduled_for) WHERE status = 'SCHEDULED'`).Error; err != nil {
				return err
			}
			if err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_reminders_retry ON appointment_reminders (updated_at) WHERE status = 'FAILED'`).Error; err != nil {
				return err
			}
			if err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_reminders_appointment_id ON appointment_reminders (appointment_id)`).Error; err != nil {
				return err
			}
			if err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_reminders_message_id ON appointment_reminders (message_id) WHERE message_id IS NOT NULL`).Error; err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_reminders_awaiting_response ON appointment_reminders (patient_id, updated_at) WHERE type = 'CONFIRMATION' AND response_type IS NULL`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.AppointmentReminderModel{})
		},
	}
}
