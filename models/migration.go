package models

import (
	"log"

	"github.com/mmdatafocus/opms_backend/config"
)

// MigrateTable runs gorm auto-migration for every table this service owns.
// Called from main() after the DB connection is up.
func MigrateTable() {
	db := config.GetDB()
	err := db.AutoMigrate(
		&Vendor{},
		&Product{},
		&Item{},
		&VendorMapping{},
		&ChangeLogEntry{},
		&ItemSyncStatus{},
		&SyncJob{},
	)
	if err != nil {
		log.Fatalf("migration failed: %v", err)
	}
	log.Println("migration complete")
}
