package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type MySQLDialect struct {
	db *sql.DB
}

func (m *MySQLDialect) Provider() string { return "mysql" }

func (m *MySQLDialect) Close() error { return m.db.Close() }

func (m *MySQLDialect) DB() *sql.DB { return m.db }

func (m *MySQLDialect) Ping(ctx context.Context) error { return m.db.PingContext(ctx) }

func (m *MySQLDialect) Placeholder(int) string { return "?" }

func (m *MySQLDialect) QuoteIdent(name string) string { return backtick(name) }

func (m *MySQLDialect) DefaultSchema(ctx context.Context) (string, error) {
	var schema sql.NullString
	if err := m.db.QueryRowContext(ctx, `SELECT DATABASE()`).Scan(&schema); err != nil {
		return "", err
	}
	if !schema.Valid {
		return "", fmt.Errorf("mysql dsn does not select a database")
	}
	return schema.String, nil
}

func (m *MySQLDialect) ObjectTypes() []ObjectType {
	return []ObjectType{ObjectTrigger, ObjectView, ObjectTable}
}

func (m *MySQLDialect) ListObjects(ctx context.Context, schema string, t ObjectType) ([]string, error) {
	switch t {
	case ObjectTable:
		return queryNames(ctx, m.db, `
SELECT table_name
FROM information_schema.tables
WHERE table_schema=? AND table_type='BASE TABLE'`, schema)
	case ObjectView:
		return queryNames(ctx, m.db, `
SELECT table_name
FROM information_schema.tables
WHERE table_schema=? AND table_type='VIEW'`, schema)
	case ObjectTrigger:
		return queryNames(ctx, m.db, `
SELECT trigger_name
FROM information_schema.triggers
WHERE trigger_schema=?`, schema)
	default:
		return nil, nil
	}
}

func (m *MySQLDialect) DropObject(ctx context.Context, obj Object) error {
	var kind string
	switch obj.Type {
	case ObjectTable:
		kind = "TABLE"
	case ObjectView:
		kind = "VIEW"
	case ObjectTrigger:
		kind = "TRIGGER"
	default:
		return fmt.Errorf("mysql cannot drop %s", obj.Type)
	}
	_, err := m.db.ExecContext(ctx, fmt.Sprintf("DROP %s IF EXISTS %s", kind, m.qualify(obj.Schema, obj.Name)))
	return err
}

func (m *MySQLDialect) CleanTable(ctx context.Context, schema, table string) error {
	_, err := m.db.ExecContext(ctx, "DELETE FROM "+m.qualify(schema, table))
	return err
}

func (m *MySQLDialect) DisableConstraints(ctx context.Context, schema string) error {
	rows, err := m.db.QueryContext(ctx, `
SELECT table_name, constraint_name
FROM information_schema.referential_constraints
WHERE constraint_schema=?`, schema)
	if err != nil {
		return err
	}
	var stmts []string
	for rows.Next() {
		var tbl, name string
		if err := rows.Scan(&tbl, &name); err != nil {
			rows.Close()
			return err
		}
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s DROP FOREIGN KEY %s", m.qualify(schema, tbl), backtick(name)))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	cols, err := m.db.QueryContext(ctx, `
SELECT c.table_name, c.column_name, c.column_type
FROM information_schema.columns c
JOIN information_schema.tables t
  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE c.table_schema=? AND t.table_type='BASE TABLE'
  AND c.is_nullable='NO' AND c.column_key <> 'PRI'`, schema)
	if err != nil {
		return err
	}
	for cols.Next() {
		var tbl, col, colType string
		if err := cols.Scan(&tbl, &col, &colType); err != nil {
			cols.Close()
			return err
		}
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s MODIFY %s %s NULL", m.qualify(schema, tbl), backtick(col), colType))
	}
	cols.Close()
	if err := cols.Err(); err != nil {
		return err
	}

	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

func (m *MySQLDialect) UpdateSequences(ctx context.Context, schema string, lowest int64) error {
	tables, err := queryNames(ctx, m.db, `
SELECT table_name
FROM information_schema.tables
WHERE table_schema=? AND auto_increment IS NOT NULL AND auto_increment < ?`, schema, lowest)
	if err != nil {
		return err
	}
	for _, tbl := range tables {
		stmt := fmt.Sprintf("ALTER TABLE %s AUTO_INCREMENT = %d", m.qualify(schema, tbl), lowest)
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

func (m *MySQLDialect) ExecScript(ctx context.Context, script string) error {
	return execStatements(ctx, m.db, script)
}

func (m *MySQLDialect) qualify(schema, name string) string {
	if schema == "" {
		return backtick(name)
	}
	return backtick(schema) + "." + backtick(name)
}

func backtick(name string) string {
	return fmt.Sprintf("`%s`", strings.ReplaceAll(name, "`", "``"))
}
