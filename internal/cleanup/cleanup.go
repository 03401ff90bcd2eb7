package cleanup

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"dbmaintain/internal/config"
	"dbmaintain/internal/db"
	"dbmaintain/internal/metrics"
)

var (
	ErrClearFailed = errors.New("could not clear database")
	ErrCleanFailed = errors.New("could not clean database")
)

type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

// Target is an object inside one of the configured databases.
type Target struct {
	Database string
	db.Object
}

func (t Target) String() string {
	return fmt.Sprintf("%s %s (database %s)", t.Type, t.QualifiedName(), t.Database)
}

// Failure pairs an object that could not be handled with its last error.
type Failure struct {
	Target Target
	Err    error
}

// ClearError lists the objects left behind when a pass stopped making
// progress.
type ClearError struct {
	Cause    error
	Pass     int
	Failures []Failure
}

func (e *ClearError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v: %d object(s) remain after pass %d:", e.Cause, len(e.Failures), e.Pass)
	for _, f := range e.Failures {
		fmt.Fprintf(&b, "\n  - %s: %v", f.Target, f.Err)
	}
	return b.String()
}

func (e *ClearError) Unwrap() error { return e.Cause }

type Options struct {
	Preserve             config.PreserveConfig
	ExecutedScriptsTable string
	LowestSequenceValue  int64
}

// Cleanup clears, cleans and relaxes every configured schema of every
// configured database.
type Cleanup struct {
	dbs      *db.Databases
	preserve preserveSet
	opts     Options
	logger   Logger
	metrics  *metrics.Collector
}

func New(dbs *db.Databases, opts Options, logger Logger, m *metrics.Collector) *Cleanup {
	return &Cleanup{
		dbs:      dbs,
		preserve: newPreserveSet(opts.Preserve),
		opts:     opts,
		logger:   logger,
		metrics:  m,
	}
}

// ClearDatabase drops every object that is not preserved. Objects that fail
// to drop (usually because of dependencies) are retried in further passes
// for as long as each pass leaves fewer failures than the one before.
func (c *Cleanup) ClearDatabase(ctx context.Context) error {
	prevErrors := math.MaxInt
	for pass := 1; ; pass++ {
		targets, err := c.droppable(ctx)
		if err != nil {
			return err
		}
		if len(targets) == 0 {
			c.logger.Info("nothing to clear")
			return nil
		}

		var failures []Failure
		for _, t := range targets {
			dialect, err := c.dbs.Get(t.Database)
			if err != nil {
				return err
			}
			if err := dialect.DropObject(ctx, t.Object); err != nil {
				failures = append(failures, Failure{Target: t, Err: err})
				continue
			}
			c.metrics.RecordDrop(t.Database, string(t.Type))
		}
		for _, name := range c.dbs.Names() {
			c.metrics.RecordClearPass(name)
		}
		c.logger.Info("clear pass finished", "pass", pass, "objects", len(targets), "errors", len(failures))

		if len(failures) == 0 {
			c.logger.Info("database cleared", "passes", pass)
			return nil
		}
		if len(failures) >= prevErrors {
			return &ClearError{Cause: ErrClearFailed, Pass: pass, Failures: failures}
		}
		for _, f := range failures {
			c.logger.Warn("drop failed, retrying", "object", f.Target.String(), "error", f.Err, "code", db.ErrorCode(f.Err))
		}
		prevErrors = len(failures)
	}
}

// CleanDatabase deletes the rows of every table that is not preserved. The
// executed scripts table always keeps its rows.
func (c *Cleanup) CleanDatabase(ctx context.Context) error {
	tables, err := c.cleanable(ctx)
	if err != nil {
		return err
	}
	prevErrors := math.MaxInt
	for pass := 1; len(tables) > 0; pass++ {
		var failures []Failure
		for _, t := range tables {
			dialect, err := c.dbs.Get(t.Database)
			if err != nil {
				return err
			}
			if err := dialect.CleanTable(ctx, t.Schema, t.Name); err != nil {
				failures = append(failures, Failure{Target: t, Err: err})
			}
		}
		c.logger.Info("clean pass finished", "pass", pass, "tables", len(tables), "errors", len(failures))
		if len(failures) >= prevErrors {
			return &ClearError{Cause: ErrCleanFailed, Pass: pass, Failures: failures}
		}
		prevErrors = len(failures)
		tables = tables[:0]
		for _, f := range failures {
			tables = append(tables, f.Target)
		}
	}
	return nil
}

// DisableConstraints removes foreign key, check and not-null constraints in
// every schema that is not preserved.
func (c *Cleanup) DisableConstraints(ctx context.Context) error {
	return c.eachSchema(ctx, func(dialect db.Dialect, database, schema string) error {
		if err := dialect.DisableConstraints(ctx, schema); err != nil {
			return fmt.Errorf("disable constraints in %s.%s: %w", database, schema, err)
		}
		c.logger.Info("constraints disabled", "database", database, "schema", schema)
		return nil
	})
}

// UpdateSequences raises every sequence and identity column below the
// configured lowest acceptable value.
func (c *Cleanup) UpdateSequences(ctx context.Context) error {
	return c.eachSchema(ctx, func(dialect db.Dialect, database, schema string) error {
		if err := dialect.UpdateSequences(ctx, schema, c.opts.LowestSequenceValue); err != nil {
			return fmt.Errorf("update sequences in %s.%s: %w", database, schema, err)
		}
		c.logger.Info("sequences updated", "database", database, "schema", schema, "lowest", c.opts.LowestSequenceValue)
		return nil
	})
}

func (c *Cleanup) eachSchema(ctx context.Context, fn func(dialect db.Dialect, database, schema string) error) error {
	for _, name := range c.dbs.Names() {
		dialect, err := c.dbs.Get(name)
		if err != nil {
			return err
		}
		schemas, err := c.dbs.Schemas(ctx, name)
		if err != nil {
			return err
		}
		for _, schema := range schemas {
			if c.preserve.schema(schema) {
				continue
			}
			if err := fn(dialect, name, schema); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Cleanup) droppable(ctx context.Context) ([]Target, error) {
	var out []Target
	err := c.eachSchema(ctx, func(dialect db.Dialect, database, schema string) error {
		first, err := c.firstSchema(ctx, database)
		if err != nil {
			return err
		}
		for _, typ := range dialect.ObjectTypes() {
			names, err := dialect.ListObjects(ctx, schema, typ)
			if err != nil {
				return fmt.Errorf("list %s in %s.%s: %w", typ, database, schema, err)
			}
			for _, n := range names {
				obj := db.Object{Type: typ, Schema: schema, Name: n}
				if c.preserve.object(obj, first) {
					continue
				}
				if typ == db.ObjectTable && c.isRecordsTable(ctx, database, obj) {
					continue
				}
				out = append(out, Target{Database: database, Object: obj})
			}
		}
		return nil
	})
	return out, err
}

func (c *Cleanup) cleanable(ctx context.Context) ([]Target, error) {
	var out []Target
	err := c.eachSchema(ctx, func(dialect db.Dialect, database, schema string) error {
		first, err := c.firstSchema(ctx, database)
		if err != nil {
			return err
		}
		names, err := dialect.ListObjects(ctx, schema, db.ObjectTable)
		if err != nil {
			return fmt.Errorf("list tables in %s.%s: %w", database, schema, err)
		}
		for _, n := range names {
			obj := db.Object{Type: db.ObjectTable, Schema: schema, Name: n}
			if c.preserve.data(obj, first) || c.isRecordsTable(ctx, database, obj) {
				continue
			}
			out = append(out, Target{Database: database, Object: obj})
		}
		return nil
	})
	return out, err
}

func (c *Cleanup) firstSchema(ctx context.Context, database string) (string, error) {
	schemas, err := c.dbs.Schemas(ctx, database)
	if err != nil {
		return "", err
	}
	return schemas[0], nil
}

// isRecordsTable matches the executed scripts table, which lives in the
// default schema of the default database.
func (c *Cleanup) isRecordsTable(ctx context.Context, database string, obj db.Object) bool {
	if c.opts.ExecutedScriptsTable == "" || !strings.EqualFold(database, c.dbs.DefaultName()) {
		return false
	}
	if !strings.EqualFold(obj.Name, c.opts.ExecutedScriptsTable) {
		return false
	}
	schema, err := c.dbs.Default().DefaultSchema(ctx)
	if err != nil {
		return true
	}
	return strings.EqualFold(obj.Schema, schema)
}
