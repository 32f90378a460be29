package storage

import (
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"valuelog/internal/config"
)

type sqliteStore struct {
	baseStore
}

var sqliteDialect = dialect{
	placeholder: func(int) string { return "?" },
	seriesDDL: func(table string) string {
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			series_id INTEGER NOT NULL,
			time TEXT NOT NULL,
			value REAL NOT NULL,
			UNIQUE (series_id, time)
		)`, table)
	},
	descDDL: func(table string) string {
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			codename TEXT NOT NULL UNIQUE
		)`, table)
	},
}

func NewSQLite(cfg config.StorageConfig) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		dsn = "file:valuelog.db?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		// every connection to an in-memory database opens a new database
		db.SetMaxOpenConns(1)
	}
	return &sqliteStore{newBaseStore(db, sqliteDialect, cfg)}, nil
}

func (s *sqliteStore) base() *baseStore { return &s.baseStore }
