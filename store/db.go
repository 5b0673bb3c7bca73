// Package store persists sellers, cards and listings with gorm.
package store

import (
	"fmt"
	"strings"

	"github.com/aluiziolira/go-scrape-cards/models"
	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const sqliteScheme = "sqlite://"

// Open opens a gorm DB from dsn. DSNs starting with sqlite:// or file: use
// the pure-Go SQLite driver; anything else is handed to Postgres.
// PreferSimpleProtocol disables prepared statement caching so the pipeline
// works behind PgBouncer-style poolers.
func Open(dsn string) (*gorm.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("database url is required")
	}

	var dialector gorm.Dialector
	switch {
	case strings.HasPrefix(dsn, sqliteScheme):
		dialector = sqlite.Open(sqliteDSN(strings.TrimPrefix(dsn, sqliteScheme)))
	case strings.HasPrefix(dsn, "file:"):
		dialector = sqlite.Open(sqliteDSN(dsn))
	default:
		dialector = postgres.New(postgres.Config{
			DSN:                  dsn,
			PreferSimpleProtocol: true,
		})
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// sqliteDSN turns on foreign key enforcement, which SQLite leaves off per
// connection unless asked.
func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "foreign_keys") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)"
}

// AutoMigrate creates or updates the three pipeline tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.Seller{}, &models.Card{}, &models.Listing{})
}
