// Package sqlstore persists shipping rules, modalities, quote snapshots,
// OAuth credentials and settings in PostgreSQL or SQLite.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Store implements the persistence interfaces of the quote, rules and
// credentials packages on top of database/sql. Queries use $n placeholders,
// which both drivers accept, and each placeholder appears once in order.
type Store struct {
	db     *sql.DB
	driver string
}

// Open connects to the database and applies the schema.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	case "sqlite":
		driver = DriverSQLite
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	if driver == DriverSQLite && !strings.Contains(dsn, "_foreign_keys") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_foreign_keys=1"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		// SQLite allows one writer; an in-memory database also lives only as
		// long as its single connection.
		db.SetMaxOpenConns(1)
	}

	s := New(db, driver)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// New wraps an existing connection without migrating.
func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS shipping_rules (
	id {{serial}},
	name TEXT NOT NULL DEFAULT '',
	rule_type TEXT NOT NULL,
	condition_type TEXT NOT NULL,
	condition_value {{json}},
	applicable_service_ids {{json}},
	production_days_to_add INTEGER NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL DEFAULT 0,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at {{timestamp}} NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_shipping_rules_active ON shipping_rules(active, priority, id);
CREATE TABLE IF NOT EXISTS shipping_modalities (
	service_id INTEGER NOT NULL,
	environment TEXT NOT NULL,
	name TEXT NOT NULL,
	carrier_id INTEGER NOT NULL DEFAULT 0,
	carrier_name TEXT NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at {{timestamp}} NOT NULL,
	PRIMARY KEY (service_id, environment)
);
CREATE TABLE IF NOT EXISTS quote_snapshots (
	id {{uuid}} PRIMARY KEY,
	destination_postal_code TEXT NOT NULL,
	destination_state TEXT NOT NULL DEFAULT '',
	order_value {{decimal}} NOT NULL,
	environment TEXT NOT NULL,
	products {{json}} NOT NULL,
	options {{json}} NOT NULL,
	applied_rules {{json}} NOT NULL,
	free_shipping_applied BOOLEAN NOT NULL DEFAULT FALSE,
	created_at {{timestamp}} NOT NULL,
	updated_at {{timestamp}} NOT NULL,
	requoted_at {{timestamp}}
);
CREATE TABLE IF NOT EXISTS oauth_credentials (
	id {{serial}},
	provider TEXT NOT NULL,
	environment TEXT NOT NULL,
	access_token TEXT NOT NULL,
	refresh_token TEXT NOT NULL DEFAULT '',
	expires_at {{timestamp}},
	client_id TEXT NOT NULL DEFAULT '',
	client_secret TEXT NOT NULL DEFAULT '',
	additional_data {{json}},
	status TEXT NOT NULL DEFAULT 'valid',
	created_at {{timestamp}} NOT NULL,
	superseded_at {{timestamp}}
);
CREATE UNIQUE INDEX IF NOT EXISTS ux_oauth_credentials_active
	ON oauth_credentials(provider, environment) WHERE superseded_at IS NULL;
CREATE TABLE IF NOT EXISTS settings (
	name TEXT PRIMARY KEY,
	value TEXT NOT NULL,
	updated_at {{timestamp}} NOT NULL
);
`

func schemaFor(driver string) []string {
	var r *strings.Replacer
	if driver == DriverPostgres {
		r = strings.NewReplacer(
			"{{serial}}", "BIGSERIAL PRIMARY KEY",
			"{{json}}", "JSONB",
			"{{timestamp}}", "TIMESTAMPTZ",
			"{{uuid}}", "UUID",
			"{{decimal}}", "NUMERIC(14,2)",
		)
	} else {
		r = strings.NewReplacer(
			"{{serial}}", "INTEGER PRIMARY KEY AUTOINCREMENT",
			"{{json}}", "TEXT",
			"{{timestamp}}", "TIMESTAMP",
			"{{uuid}}", "TEXT",
			"{{decimal}}", "TEXT",
		)
	}

	var stmts []string
	for _, stmt := range strings.Split(r.Replace(schema), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}

// Migrate creates the tables if they don't exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schemaFor(s.driver) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// jsonParam encodes v for a JSON column. lib/pq sends []byte as bytea, so
// JSON is always passed as a string. Nil values become NULL.
func jsonParam(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func rowsAffected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows: %w", err)
	}
	return n, nil
}
