package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"dbmaintain/internal/config"
)

// Dialect abstracts provider-specific behavior.
type Dialect interface {
	Provider() string
	Close() error
	DB() *sql.DB
	Ping(ctx context.Context) error
	// Placeholder returns the bind parameter marker for the n-th (1-based)
	// argument.
	Placeholder(n int) string
	QuoteIdent(name string) string
	DefaultSchema(ctx context.Context) (string, error)
	// ObjectTypes lists the droppable object types in the preferred drop
	// order.
	ObjectTypes() []ObjectType
	ListObjects(ctx context.Context, schema string, t ObjectType) ([]string, error)
	DropObject(ctx context.Context, obj Object) error
	CleanTable(ctx context.Context, schema, table string) error
	DisableConstraints(ctx context.Context, schema string) error
	UpdateSequences(ctx context.Context, schema string, lowest int64) error
	ExecScript(ctx context.Context, script string) error
}

// Open builds a dialect for the given configuration.
func Open(cfg config.DatabaseConfig) (Dialect, error) {
	provider := strings.ToLower(cfg.Provider)
	switch provider {
	case "postgres", "postgresql":
		poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		poolCfg.MaxConns = 5
		poolCfg.MaxConnIdleTime = 5 * time.Minute
		pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
		if err != nil {
			return nil, fmt.Errorf("create postgres pool: %w", err)
		}
		return &PostgresDialect{db: stdlib.OpenDBFromPool(pool), pool: pool}, nil
	case "mysql", "mariadb":
		// Validate DSN early to provide actionable errors.
		if _, err := mysql.ParseDSN(cfg.DSN); err != nil {
			return nil, fmt.Errorf("invalid mysql dsn: %w", err)
		}
		db, err := sql.Open("mysql", cfg.DSN)
		if err != nil {
			return nil, err
		}
		db.SetConnMaxIdleTime(5 * time.Minute)
		db.SetMaxOpenConns(5)
		return &MySQLDialect{db: db}, nil
	case "sqlite", "sqlite3":
		db, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, err
		}
		// PRAGMA settings are per connection.
		db.SetMaxOpenConns(1)
		return &SQLiteDialect{db: db}, nil
	default:
		return nil, fmt.Errorf("unsupported provider %s", cfg.Provider)
	}
}

func queryNames(ctx context.Context, db *sql.DB, query string, args ...any) ([]string, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// execStatements runs every statement of script on one connection so session
// settings made by the script stay in effect until it ends.
func execStatements(ctx context.Context, db *sql.DB, script string) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	for _, stmt := range SplitStatements(script) {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return &StatementError{Statement: stmt, Err: err}
		}
	}
	return nil
}

// StatementError reports the statement of a script that failed.
type StatementError struct {
	Statement string
	Err       error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("statement %q: %v", abbreviate(e.Statement, 200), e.Err)
}

func (e *StatementError) Unwrap() error { return e.Err }

// ErrorCode extracts the driver error code (SQLSTATE for postgres, error
// number for mysql) or returns "".
func ErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return strconv.Itoa(int(myErr.Number))
	}
	return ""
}

func abbreviate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
