package database

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/ziqrishahab/pelaris-edge/internal/models"
)

// schemaVersion is bumped whenever the local schema changes; future upgrades
// hang their migration steps off the stored version.
const schemaVersion = 1

type schemaInfo struct {
	ID      int `gorm:"primaryKey"`
	Version int
}

func (schemaInfo) TableName() string { return "schema_info" }

func migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&schemaInfo{},
		&models.Transaction{},
		&models.TransactionItem{},
		&models.Product{},
		&models.CacheMetadata{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	return db.Transaction(func(tx *gorm.DB) error {
		var info schemaInfo
		err := tx.Take(&info, "id = ?", 1).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&schemaInfo{ID: 1, Version: schemaVersion}).Error
		case err != nil:
			return err
		}

		if info.Version > schemaVersion {
			return fmt.Errorf("local store schema version %d is newer than supported %d", info.Version, schemaVersion)
		}
		if info.Version < schemaVersion {
			// Stepwise upgrades land here once version 2 exists.
			info.Version = schemaVersion
			return tx.Save(&info).Error
		}
		return nil
	})
}

// SchemaVersion reports the version recorded in the local store.
func SchemaVersion(db *gorm.DB) (int, error) {
	var info schemaInfo
	if err := db.Take(&info, "id = ?", 1).Error; err != nil {
		return 0, err
	}
	return info.Version, nil
}
