package models

import (
	"log"

	"bitbucket.org/mmdatafocus/collections_backend/config"
)

// MigrateTable creates the tables owned by the collections engine. The books backend
// tables it reads (sales_invoices, customers) are migrated by their owner.
func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&CollectionPolicy{},
		&EscalationTemplate{},
		&EscalationRecord{}, &EscalationEvent{},
		&CollectionCriticalAlert{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
