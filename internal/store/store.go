// Package store implements the Kleis repository over GORM and SQLite. The
// contract matters more than the engine: conditional updates with readback
// for the refresh lease, transactional primary promotion, exactly-once
// OAuth state consumption, and commutative counter upserts for usage
// buckets. The pure-Go SQLite driver keeps the binary CGO-free and lets
// tests run against ":memory:" databases.
package store

import (
	"errors"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Store wraps a GORM handle with the repository operations Kleis needs.
type Store struct {
	db *gorm.DB
}

// Open opens (creating if necessary) the SQLite database at path and runs
// migrations. Use ":memory:" for throwaway databases in tests.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" && !strings.Contains(path, "?") {
		// WAL keeps concurrent readers cheap; the busy timeout covers
		// cross-process writers contending for the refresh lease.
		dsn = path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	if err = db.AutoMigrate(
		&ProviderAccount{},
		&APIKey{},
		&OAuthState{},
		&UsageBucket{},
	); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
