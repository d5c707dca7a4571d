package models

import (
	"log"

	"bitbucket.org/medfocus/intake_backend/config"
)

// MigrateTable runs gorm auto-migration for every persisted model.
func MigrateTable() {
	db := config.GetDB()
	err := db.AutoMigrate(
		&Request{},
		&Draft{},
		&AuditEntry{},
		&IdempotencyKey{},
	)
	if err != nil {
		log.Fatalf("migration failed: %v", err)
	}
}
