package db

import (
	"fmt"

	"github.com/zulandar/quoroom/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every persisted model, in dependency order.
func AllModels() []interface{} {
	return []interface{}{
		&models.Room{},
		&models.Worker{},
		&models.Cycle{},
		&models.CycleLog{},
		&models.Goal{},
		&models.GoalUpdate{},
		&models.Decision{},
		&models.Vote{},
		&models.Escalation{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// DropAll removes every quoroom table. Used by `qr db reset`.
func DropAll(db *gorm.DB) error {
	all := AllModels()
	for i := len(all) - 1; i >= 0; i-- {
		if err := db.Migrator().DropTable(all[i]); err != nil {
			return fmt.Errorf("db: drop table: %w", err)
		}
	}
	return nil
}
