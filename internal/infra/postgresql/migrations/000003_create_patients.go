package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"

	"github.com/carebridge/comms-engine/internal/repository"
)

func createPatientsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_patients",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.PatientModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_patients_clinic_id ON patients (clinic_id)`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.PatientModel{})
		},
	}
}
