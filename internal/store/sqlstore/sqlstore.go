package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/vovakirdan/livechat-connect/internal/store"
)

const (
	// DriverSQLite is the default embedded backend.
	DriverSQLite = "sqlite3"
	// DriverPostgres is the shared backend for multi-instance deployments.
	DriverPostgres = "postgres"
)

// SQLStore implements store.Store on database/sql for SQLite and PostgreSQL.
type SQLStore struct {
	db     *sql.DB
	driver string
}

var _ store.Store = (*SQLStore)(nil)

// New opens the database for the given driver and applies the schema.
func New(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverSQLite, "":
		s, err := openSQLite(dsn)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	case DriverPostgres:
		db, err := sql.Open(DriverPostgres, dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		s := &SQLStore{db: db, driver: DriverPostgres}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewWithSetup opens a SQLite store and runs a setup function instead of the built-in schema.
// Useful for tests with an in-memory database.
func NewWithSetup(dbPath string, setup func(*sql.DB) error) (*SQLStore, error) {
	s, err := openSQLite(dbPath)
	if err != nil {
		return nil, err
	}

	if setup != nil {
		if err := setup(s.db); err != nil {
			s.Close()
			return nil, fmt.Errorf("setup: %w", err)
		}
	}
	return s, nil
}

func openSQLite(dbPath string) (*SQLStore, error) {
	db, err := sql.Open(DriverSQLite, dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite works best with a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return &SQLStore{db: db, driver: DriverSQLite}, nil
}

// Migrate creates tables and indexes when missing.
func (s *SQLStore) Migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.driver == DriverPostgres {
		schema = postgresSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders into $n for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
