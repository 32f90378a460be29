package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"valuelog/internal/config"
)

// ErrUnknownSeries is returned when a codename has no row in the
// descriptions table.
var ErrUnknownSeries = errors.New("unknown series")

// Row is one persisted sample of a wide, sample-typed table.
type Row struct {
	Table    string
	SeriesID int64
	Time     time.Time
	Value    float64
}

type Store interface {
	Init(ctx context.Context) error
	Close() error
	// LookupSeries resolves a codename through the descriptions table.
	LookupSeries(ctx context.Context, codename string) (int64, error)
	// InsertSamples writes all rows in one transaction.
	InsertSamples(ctx context.Context, rows []Row) error
}

func NewStore(cfg config.StorageConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "sqlite", "":
		return NewSQLite(cfg)
	case "postgres", "postgresql":
		return NewPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

// dialect holds what differs between the SQL backends.
type dialect struct {
	placeholder func(n int) string
	seriesDDL   func(table string) string
	descDDL     func(table string) string
}

type baseStore struct {
	db           *sql.DB
	dialect      dialect
	createSchema bool
	descriptions string
	tables       []string
}

func newBaseStore(db *sql.DB, d dialect, cfg config.StorageConfig) baseStore {
	set := map[string]struct{}{cfg.DefaultTable: {}}
	for _, t := range cfg.Tables {
		set[t] = struct{}{}
	}
	tables := make([]string, 0, len(set))
	for t := range set {
		if t != "" {
			tables = append(tables, t)
		}
	}
	sort.Strings(tables)
	desc := cfg.DescriptionsTable
	if desc == "" {
		desc = "dateplots_descriptions"
	}
	return baseStore{
		db:           db,
		dialect:      d,
		createSchema: cfg.CreateSchema,
		descriptions: desc,
		tables:       tables,
	}
}

func (b *baseStore) Init(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	if err := b.db.PingContext(ctx); err != nil {
		return err
	}
	if !b.createSchema {
		return nil
	}
	stmts := []string{b.dialect.descDDL(b.descriptions)}
	for _, t := range b.tables {
		stmts = append(stmts, b.dialect.seriesDDL(t))
	}
	for _, stmt := range stmts {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (b *baseStore) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

func (b *baseStore) LookupSeries(ctx context.Context, codename string) (int64, error) {
	var id int64
	query := fmt.Sprintf("SELECT id FROM %s WHERE codename = %s", b.descriptions, b.dialect.placeholder(1))
	err := b.db.QueryRowContext(ctx, query, codename).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSeries, codename)
	}
	return id, err
}

func (b *baseStore) InsertSamples(ctx context.Context, rows []Row) error {
	if b.db == nil || len(rows) == 0 {
		return nil
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	stmts := make(map[string]*sql.Stmt)
	defer func() {
		for _, stmt := range stmts {
			_ = stmt.Close()
		}
	}()
	for _, row := range rows {
		stmt, ok := stmts[row.Table]
		if !ok {
			stmt, err = tx.PrepareContext(ctx, b.insertQuery(row.Table))
			if err != nil {
				_ = tx.Rollback()
				return err
			}
			stmts[row.Table] = stmt
		}
		if _, err := stmt.ExecContext(ctx, row.SeriesID, row.Time.UTC(), row.Value); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (b *baseStore) insertQuery(table string) string {
	p := b.dialect.placeholder
	return fmt.Sprintf("INSERT INTO %s (series_id, time, value) VALUES (%s, %s, %s)", table, p(1), p(2), p(3))
}

// RegisterSeries inserts codename into the descriptions table and returns its id.
func RegisterSeries(ctx context.Context, s Store, codename string) (int64, error) {
	bs, ok := s.(interface{ base() *baseStore })
	if !ok {
		return 0, errors.New("store does not support series registration")
	}
	b := bs.base()
	query := fmt.Sprintf("INSERT INTO %s (codename) VALUES (%s)", b.descriptions, b.dialect.placeholder(1))
	if _, err := b.db.ExecContext(ctx, query, codename); err != nil {
		return 0, err
	}
	return s.LookupSeries(ctx, codename)
}
