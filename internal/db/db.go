package db

import (
	"strings"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open picks the driver from the DSN: "file:" or "*.db" DSNs use the embedded
// sqlite driver, everything else is treated as a MySQL DSN.
func Open(dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	if isSQLite(dsn) {
		dialector = gormsqlite.Open(dsn)
	} else {
		dialector = mysql.Open(dsn)
	}

	gdb, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}

	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, errors.Wrap(err, "database handle")
	}
	if isSQLite(dsn) {
		// sqlite allows a single writer
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}
	return gdb, nil
}

// Connect opens the database and migrates the given models, exiting on failure.
func Connect(dsn string, models ...any) *gorm.DB {
	gdb, err := Open(dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := Migrate(gdb, models...); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}
	return gdb
}

func Migrate(gdb *gorm.DB, models ...any) error {
	if len(models) == 0 {
		return nil
	}
	return errors.Wrap(gdb.AutoMigrate(models...), "auto migrate")
}

func isSQLite(dsn string) bool {
	d := strings.TrimSpace(dsn)
	return strings.HasPrefix(d, "file:") || strings.HasSuffix(d, ".db") || d == ":memory:"
}
