package storage

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"valuelog/internal/config"
)

type postgresStore struct {
	baseStore
}

var postgresDialect = dialect{
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	seriesDDL: func(table string) string {
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			series_id BIGINT NOT NULL,
			time TIMESTAMPTZ NOT NULL,
			value DOUBLE PRECISION NOT NULL,
			UNIQUE (series_id, time)
		)`, table)
	},
	descDDL: func(table string) string {
		return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id BIGSERIAL PRIMARY KEY,
			codename TEXT NOT NULL UNIQUE
		)`, table)
	},
}

func NewPostgres(cfg config.StorageConfig) (Store, error) {
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		dsn = "postgres://localhost:5432/valuelog?sslmode=disable"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	return NewPostgresDB(db, cfg), nil
}

// NewPostgresDB wraps an already opened handle.
func NewPostgresDB(db *sql.DB, cfg config.StorageConfig) Store {
	return &postgresStore{newBaseStore(db, postgresDialect, cfg)}
}

func (s *postgresStore) base() *baseStore { return &s.baseStore }
