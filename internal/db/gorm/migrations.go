package gorm

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/gorm"
)

// runMigrations runs all database migrations using gormigrate.
func runMigrations(db *gorm.DB) error {
	m := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "001_users_merchants",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&User{}, &Merchant{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("users", "merchants")
			},
		},
		{
			ID: "002_transactions",
			Migrate: func(tx *gorm.DB) error {
				return tx.AutoMigrate(&Transaction{})
			},
			Rollback: func(tx *gorm.DB) error {
				return tx.Migrator().DropTable("transactions")
			},
		},
	})
	return m.Migrate()
}
