package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresDialect struct {
	db   *sql.DB
	pool *pgxpool.Pool
}

func (p *PostgresDialect) Provider() string { return "postgres" }

func (p *PostgresDialect) Close() error {
	err := p.db.Close()
	p.pool.Close()
	return err
}

func (p *PostgresDialect) DB() *sql.DB { return p.db }

func (p *PostgresDialect) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresDialect) Placeholder(n int) string { return fmt.Sprintf("$%d", n) }

func (p *PostgresDialect) QuoteIdent(name string) string { return quoteIdent(name) }

func (p *PostgresDialect) DefaultSchema(ctx context.Context) (string, error) {
	var schema string
	if err := p.db.QueryRowContext(ctx, `SELECT current_schema()`).Scan(&schema); err != nil {
		return "", err
	}
	return schema, nil
}

func (p *PostgresDialect) ObjectTypes() []ObjectType {
	return []ObjectType{ObjectView, ObjectMaterializedView, ObjectTable, ObjectSequence, ObjectUserType}
}

func (p *PostgresDialect) ListObjects(ctx context.Context, schema string, t ObjectType) ([]string, error) {
	switch t {
	case ObjectTable:
		return queryNames(ctx, p.db, `
SELECT table_name
FROM information_schema.tables
WHERE table_schema=$1 AND table_type='BASE TABLE'`, schema)
	case ObjectView:
		return queryNames(ctx, p.db, `
SELECT table_name
FROM information_schema.views
WHERE table_schema=$1`, schema)
	case ObjectMaterializedView:
		return queryNames(ctx, p.db, `
SELECT matviewname
FROM pg_matviews
WHERE schemaname=$1`, schema)
	case ObjectSequence:
		return queryNames(ctx, p.db, `
SELECT sequence_name
FROM information_schema.sequences
WHERE sequence_schema=$1`, schema)
	case ObjectUserType:
		return queryNames(ctx, p.db, `
SELECT t.typname
FROM pg_type t
JOIN pg_namespace n ON n.oid = t.typnamespace
LEFT JOIN pg_class c ON c.oid = t.typrelid
WHERE n.nspname=$1
  AND (t.typtype = 'e' OR (t.typtype = 'c' AND c.relkind = 'c'))`, schema)
	default:
		return nil, nil
	}
}

func (p *PostgresDialect) DropObject(ctx context.Context, obj Object) error {
	var kind string
	switch obj.Type {
	case ObjectTable:
		kind = "TABLE"
	case ObjectView:
		kind = "VIEW"
	case ObjectMaterializedView:
		kind = "MATERIALIZED VIEW"
	case ObjectSequence:
		kind = "SEQUENCE"
	case ObjectUserType:
		kind = "TYPE"
	default:
		return fmt.Errorf("postgres cannot drop %s", obj.Type)
	}
	_, err := p.db.ExecContext(ctx, fmt.Sprintf("DROP %s IF EXISTS %s", kind, p.qualify(obj.Schema, obj.Name)))
	return err
}

func (p *PostgresDialect) CleanTable(ctx context.Context, schema, table string) error {
	_, err := p.db.ExecContext(ctx, "DELETE FROM "+p.qualify(schema, table))
	return err
}

func (p *PostgresDialect) DisableConstraints(ctx context.Context, schema string) error {
	rows, err := p.db.QueryContext(ctx, `
SELECT table_name, constraint_name
FROM information_schema.table_constraints
WHERE table_schema=$1 AND constraint_type IN ('FOREIGN KEY', 'CHECK')
  AND constraint_name NOT LIKE '%_not_null'`, schema)
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
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s", p.qualify(schema, tbl), quoteIdent(name)))
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	cols, err := p.db.QueryContext(ctx, `
SELECT c.table_name, c.column_name
FROM information_schema.columns c
JOIN information_schema.tables t
  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE c.table_schema=$1 AND t.table_type='BASE TABLE' AND c.is_nullable='NO'
  AND NOT EXISTS (
	SELECT 1
	FROM information_schema.table_constraints tc
	JOIN information_schema.key_column_usage kcu
	  ON tc.constraint_name = kcu.constraint_name
	 AND tc.table_schema = kcu.table_schema
	 AND tc.table_name = kcu.table_name
	WHERE tc.constraint_type='PRIMARY KEY'
	  AND tc.table_schema = c.table_schema
	  AND tc.table_name = c.table_name
	  AND kcu.column_name = c.column_name)`, schema)
	if err != nil {
		return err
	}
	for cols.Next() {
		var tbl, col string
		if err := cols.Scan(&tbl, &col); err != nil {
			cols.Close()
			return err
		}
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP NOT NULL", p.qualify(schema, tbl), quoteIdent(col)))
	}
	cols.Close()
	if err := cols.Err(); err != nil {
		return err
	}

	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", stmt, err)
		}
	}
	return nil
}

func (p *PostgresDialect) UpdateSequences(ctx context.Context, schema string, lowest int64) error {
	seqs, err := p.ListObjects(ctx, schema, ObjectSequence)
	if err != nil {
		return err
	}
	for _, seq := range seqs {
		name := p.qualify(schema, seq)
		var last int64
		if err := p.db.QueryRowContext(ctx, "SELECT last_value FROM "+name).Scan(&last); err != nil {
			return fmt.Errorf("read sequence %s: %w", name, err)
		}
		if last >= lowest {
			continue
		}
		if _, err := p.db.ExecContext(ctx, `SELECT setval($1::regclass, $2)`, name, lowest); err != nil {
			return fmt.Errorf("update sequence %s: %w", name, err)
		}
	}
	return nil
}

func (p *PostgresDialect) ExecScript(ctx context.Context, script string) error {
	return execStatements(ctx, p.db, script)
}

func (p *PostgresDialect) qualify(schema, name string) string {
	if schema == "" {
		return quoteIdent(name)
	}
	return quoteIdent(schema) + "." + quoteIdent(name)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
