package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// migrationLogger adapts zap to migrate.Logger.
type migrationLogger struct {
	log *zap.SugaredLogger
}

func (l migrationLogger) Printf(format string, v ...any) { l.log.Infof(format, v...) }

func (l migrationLogger) Verbose() bool { return false }

// Migrate applies every pending migration found in dir.
func Migrate(db *sqlx.DB, dir string, log *zap.Logger) error {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return errors.Wrap(err, "resolve migrations path")
	}
	if _, err := os.Stat(abs); err != nil {
		return errors.Wrap(err, fmt.Sprintf("migration folder %s does not exist", abs))
	}

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return errors.Wrap(err, "migration driver")
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+abs, "postgres", driver)
	if err != nil {
		return errors.Wrap(err, "migration init")
	}
	m.Log = migrationLogger{log: log.Sugar()}

	start := time.Now()
	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		log.Info("no new migrations to apply")
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "migration up")
	}
	log.Info("migrations applied", zap.Duration("elapsed", time.Since(start)))
	return nil
}
