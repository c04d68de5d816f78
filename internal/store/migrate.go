package store

import (
	"context"
	"embed"

	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsDir = "migrations"

func prepareGoose(logger *logrus.Logger) error {
	goose.SetBaseFS(migrations)
	if logger != nil {
		goose.SetLogger(logger)
	}
	return goose.SetDialect("postgres")
}

// Migrate applies all pending migrations.
func Migrate(ctx context.Context, db *gorm.DB, logger *logrus.Logger) error {
	sqlDB, err := db.DB()
	if err != nil {
		return errors.Wrap(err, "resolve sql db handle")
	}
	if err := prepareGoose(logger); err != nil {
		return errors.Wrap(err, "configure goose")
	}
	if err := goose.UpContext(ctx, sqlDB, migrationsDir); err != nil {
		return errors.Wrap(err, "apply migrations")
	}
	return nil
}

// MigrateDown rolls back the most recent migration.
func MigrateDown(ctx context.Context, db *gorm.DB, logger *logrus.Logger) error {
	sqlDB, err := db.DB()
	if err != nil {
		return errors.Wrap(err, "resolve sql db handle")
	}
	if err := prepareGoose(logger); err != nil {
		return errors.Wrap(err, "configure goose")
	}
	if err := goose.DownContext(ctx, sqlDB, migrationsDir); err != nil {
		return errors.Wrap(err, "roll back migration")
	}
	return nil
}

// MigrationStatus logs the applied state of every migration.
func MigrationStatus(ctx context.Context, db *gorm.DB, logger *logrus.Logger) error {
	sqlDB, err := db.DB()
	if err != nil {
		return errors.Wrap(err, "resolve sql db handle")
	}
	if err := prepareGoose(logger); err != nil {
		return errors.Wrap(err, "configure goose")
	}
	return goose.StatusContext(ctx, sqlDB, migrationsDir)
}
