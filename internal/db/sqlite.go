package db

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLiteDialect targets a single SQLite database file. Schemas map to
// attached database names ("main" by default).
type SQLiteDialect struct {
	db *sql.DB
}

// NewSQLiteDialect wraps an already opened SQLite handle.
func NewSQLiteDialect(db *sql.DB) *SQLiteDialect {
	return &SQLiteDialect{db: db}
}

func (s *SQLiteDialect) Provider() string { return "sqlite" }

func (s *SQLiteDialect) Close() error { return s.db.Close() }

func (s *SQLiteDialect) DB() *sql.DB { return s.db }

func (s *SQLiteDialect) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLiteDialect) Placeholder(int) string { return "?" }

func (s *SQLiteDialect) QuoteIdent(name string) string { return quoteIdent(name) }

func (s *SQLiteDialect) DefaultSchema(context.Context) (string, error) { return "main", nil }

func (s *SQLiteDialect) ObjectTypes() []ObjectType {
	return []ObjectType{ObjectTrigger, ObjectView, ObjectTable}
}

func (s *SQLiteDialect) ListObjects(ctx context.Context, schema string, t ObjectType) ([]string, error) {
	var kind string
	switch t {
	case ObjectTable:
		kind = "table"
	case ObjectView:
		kind = "view"
	case ObjectTrigger:
		kind = "trigger"
	default:
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT name FROM %s.sqlite_master WHERE type=? AND name NOT LIKE 'sqlite_%%' ORDER BY name`, quoteIdent(schemaOrMain(schema)))
	return queryNames(ctx, s.db, query, kind)
}

func (s *SQLiteDialect) DropObject(ctx context.Context, obj Object) error {
	var kind string
	switch obj.Type {
	case ObjectTable:
		kind = "TABLE"
	case ObjectView:
		kind = "VIEW"
	case ObjectTrigger:
		kind = "TRIGGER"
	default:
		return fmt.Errorf("sqlite cannot drop %s", obj.Type)
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP %s IF EXISTS %s", kind, s.qualify(obj.Schema, obj.Name)))
	return err
}

func (s *SQLiteDialect) CleanTable(ctx context.Context, schema, table string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM "+s.qualify(schema, table))
	return err
}

// DisableConstraints switches off foreign key enforcement. SQLite cannot
// drop NOT NULL constraints from existing tables.
func (s *SQLiteDialect) DisableConstraints(ctx context.Context, _ string) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = OFF`)
	return err
}

func (s *SQLiteDialect) UpdateSequences(ctx context.Context, schema string, lowest int64) error {
	schema = schemaOrMain(schema)
	var n int
	query := fmt.Sprintf(`SELECT count(*) FROM %s.sqlite_master WHERE type='table' AND name='sqlite_sequence'`, quoteIdent(schema))
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	stmt := fmt.Sprintf(`UPDATE %s.sqlite_sequence SET seq = ? WHERE seq < ?`, quoteIdent(schema))
	_, err := s.db.ExecContext(ctx, stmt, lowest, lowest)
	return err
}

func (s *SQLiteDialect) ExecScript(ctx context.Context, script string) error {
	return execStatements(ctx, s.db, script)
}

func (s *SQLiteDialect) qualify(schema, name string) string {
	return quoteIdent(schemaOrMain(schema)) + "." + quoteIdent(name)
}

func schemaOrMain(schema string) string {
	if schema == "" {
		return "main"
	}
	return schema
}
