package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"dbmaintain/internal/db"
	"dbmaintain/internal/script"
)

var (
	ErrTableMissing        = errors.New("executed scripts table does not exist")
	ErrScriptNotRegistered = errors.New("script is not registered as executed")
)

// ExecutedScripts persists the execution record in a table of the default
// database. Reads are served from a cache that is loaded on first use and
// kept in sync with every write.
type ExecutedScripts struct {
	dialect    db.Dialect
	factory    script.Factory
	table      string
	autoCreate bool

	mu         sync.Mutex
	tableReady bool
	cache      map[string]*script.ExecutedScript
}

func NewExecutedScripts(dialect db.Dialect, factory script.Factory, table string, autoCreate bool) *ExecutedScripts {
	return &ExecutedScripts{
		dialect:    dialect,
		factory:    factory,
		table:      table,
		autoCreate: autoCreate,
	}
}

// Table returns the unquoted table name.
func (s *ExecutedScripts) Table() string { return s.table }

// ExecutedScripts returns every record in execution order.
func (s *ExecutedScripts) ExecutedScripts(ctx context.Context) ([]*script.ExecutedScript, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	out := make([]*script.ExecutedScript, 0, len(s.cache))
	for _, e := range s.cache {
		out = append(out, e)
	}
	slices.SortFunc(out, (*script.ExecutedScript).Compare)
	return out, nil
}

// Register stores a new record, replacing any record for the same script.
func (s *ExecutedScripts) Register(ctx context.Context, e *script.ExecutedScript) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return err
	}
	if _, ok := s.cache[e.Script.Key()]; ok {
		return s.update(ctx, e)
	}
	if err := s.insert(ctx, e); err != nil {
		return err
	}
	s.cache[e.Script.Key()] = e
	return nil
}

func (s *ExecutedScripts) Update(ctx context.Context, e *script.ExecutedScript) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return err
	}
	if _, ok := s.cache[e.Script.Key()]; !ok {
		return fmt.Errorf("%w: %s", ErrScriptNotRegistered, e.Script.Name())
	}
	return s.update(ctx, e)
}

func (s *ExecutedScripts) Delete(ctx context.Context, e *script.ExecutedScript) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return err
	}
	prior, ok := s.cache[e.Script.Key()]
	if !ok {
		return nil
	}
	if err := s.deleteByName(ctx, prior.Script.Name()); err != nil {
		return err
	}
	delete(s.cache, e.Script.Key())
	return nil
}

// Rename moves a record to a new script. The old row is removed and a row
// for the new script is inserted carrying over the execution details.
func (s *ExecutedScripts) Rename(ctx context.Context, old *script.ExecutedScript, renamed *script.Script) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return err
	}
	prior, ok := s.cache[old.Script.Key()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScriptNotRegistered, old.Script.Name())
	}
	checksum, err := renamed.Checksum()
	if err != nil {
		return fmt.Errorf("checksum %s: %w", renamed.Name(), err)
	}
	record, err := s.factory.NewExecuted(renamed.Name(), renamed.LastModified(), checksum)
	if err != nil {
		return err
	}
	next := &script.ExecutedScript{
		Script:     record,
		ExecutedAt: prior.ExecutedAt,
		Successful: prior.Successful,
		RunID:      prior.RunID,
	}
	if err := s.deleteByName(ctx, prior.Script.Name()); err != nil {
		return err
	}
	delete(s.cache, old.Script.Key())
	if err := s.insert(ctx, next); err != nil {
		return err
	}
	s.cache[next.Script.Key()] = next
	return nil
}

// ClearAll removes every record.
func (s *ExecutedScripts) ClearAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureTable(ctx); err != nil {
		return err
	}
	if _, err := s.dialect.DB().ExecContext(ctx, "DELETE FROM "+s.quotedTable()); err != nil {
		return fmt.Errorf("clear executed scripts: %w", err)
	}
	s.cache = map[string]*script.ExecutedScript{}
	return nil
}

func (s *ExecutedScripts) DeleteAllPostprocessing(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return err
	}
	for key, e := range s.cache {
		if !e.Script.IsPostprocessing() {
			continue
		}
		if err := s.deleteByName(ctx, e.Script.Name()); err != nil {
			return err
		}
		delete(s.cache, key)
	}
	return nil
}

// MarkErrorScriptsPerformed flips every failed record to successful.
func (s *ExecutedScripts) MarkErrorScriptsPerformed(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return 0, err
	}
	n := 0
	for _, e := range s.cache {
		if e.Successful {
			continue
		}
		e.Successful = true
		if err := s.update(ctx, e); err != nil {
			e.Successful = false
			return n, err
		}
		n++
	}
	return n, nil
}

// MarkErrorScriptsReverted removes every failed record.
func (s *ExecutedScripts) MarkErrorScriptsReverted(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.load(ctx); err != nil {
		return 0, err
	}
	n := 0
	for key, e := range s.cache {
		if e.Successful {
			continue
		}
		if err := s.deleteByName(ctx, e.Script.Name()); err != nil {
			return n, err
		}
		delete(s.cache, key)
		n++
	}
	return n, nil
}

// ResetCache forces the next read to reload from the table. Needed after the
// table was dropped by a from-scratch rebuild.
func (s *ExecutedScripts) ResetCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = nil
	s.tableReady = false
}

func (s *ExecutedScripts) load(ctx context.Context) error {
	if s.cache != nil {
		return nil
	}
	if err := s.ensureTable(ctx); err != nil {
		return err
	}
	rows, err := s.dialect.DB().QueryContext(ctx, fmt.Sprintf(`
SELECT file_name, file_last_modified_at, checksum, executed_at, succeeded, run_id
FROM %s`, s.quotedTable()))
	if err != nil {
		return fmt.Errorf("read executed scripts: %w", err)
	}
	defer rows.Close()

	cache := map[string]*script.ExecutedScript{}
	for rows.Next() {
		var (
			name         string
			lastModified int64
			checksum     string
			executedAt   sql.NullString
			succeeded    int
			runID        sql.NullString
		)
		if err := rows.Scan(&name, &lastModified, &checksum, &executedAt, &succeeded, &runID); err != nil {
			return err
		}
		sc, err := s.factory.NewExecuted(name, lastModified, checksum)
		if err != nil {
			return fmt.Errorf("executed script %s: %w", name, err)
		}
		e := &script.ExecutedScript{Script: sc, Successful: succeeded != 0, RunID: runID.String}
		if executedAt.Valid && executedAt.String != "" {
			e.ExecutedAt, err = time.Parse(time.RFC3339, executedAt.String)
			if err != nil {
				return fmt.Errorf("executed script %s: bad executed_at %q", name, executedAt.String)
			}
		}
		cache[sc.Key()] = e
	}
	if err := rows.Err(); err != nil {
		return err
	}
	s.cache = cache
	return nil
}

func (s *ExecutedScripts) ensureTable(ctx context.Context) error {
	if s.tableReady {
		return nil
	}
	schema, err := s.dialect.DefaultSchema(ctx)
	if err != nil {
		return err
	}
	tables, err := s.dialect.ListObjects(ctx, schema, db.ObjectTable)
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	for _, t := range tables {
		if strings.EqualFold(t, s.table) {
			s.tableReady = true
			return nil
		}
	}
	if !s.autoCreate {
		return fmt.Errorf("%w: %s; create it or enable auto_create_executed_scripts_table", ErrTableMissing, s.table)
	}
	if _, err := s.dialect.DB().ExecContext(ctx, fmt.Sprintf(`
CREATE TABLE %s (
  file_name VARCHAR(500) NOT NULL,
  file_last_modified_at BIGINT NOT NULL,
  checksum VARCHAR(64) NOT NULL,
  executed_at VARCHAR(40),
  succeeded INTEGER NOT NULL,
  run_id VARCHAR(36)
)`, s.quotedTable())); err != nil {
		return fmt.Errorf("create executed scripts table: %w", err)
	}
	s.tableReady = true
	return nil
}

func (s *ExecutedScripts) insert(ctx context.Context, e *script.ExecutedScript) error {
	checksum, err := e.Script.Checksum()
	if err != nil {
		return fmt.Errorf("checksum %s: %w", e.Script.Name(), err)
	}
	p := s.dialect.Placeholder
	query := fmt.Sprintf(`
INSERT INTO %s (file_name, file_last_modified_at, checksum, executed_at, succeeded, run_id)
VALUES (%s, %s, %s, %s, %s, %s)`, s.quotedTable(), p(1), p(2), p(3), p(4), p(5), p(6))
	if _, err := s.dialect.DB().ExecContext(ctx, query,
		e.Script.Name(), e.Script.LastModified(), checksum, formatTime(e.ExecutedAt), boolInt(e.Successful), e.RunID,
	); err != nil {
		return fmt.Errorf("register %s: %w", e.Script.Name(), err)
	}
	return nil
}

func (s *ExecutedScripts) update(ctx context.Context, e *script.ExecutedScript) error {
	checksum, err := e.Script.Checksum()
	if err != nil {
		return fmt.Errorf("checksum %s: %w", e.Script.Name(), err)
	}
	prior := s.cache[e.Script.Key()]
	p := s.dialect.Placeholder
	query := fmt.Sprintf(`
UPDATE %s
SET file_name = %s, file_last_modified_at = %s, checksum = %s, executed_at = %s, succeeded = %s, run_id = %s
WHERE file_name = %s`, s.quotedTable(), p(1), p(2), p(3), p(4), p(5), p(6), p(7))
	if _, err := s.dialect.DB().ExecContext(ctx, query,
		e.Script.Name(), e.Script.LastModified(), checksum, formatTime(e.ExecutedAt), boolInt(e.Successful), e.RunID,
		prior.Script.Name(),
	); err != nil {
		return fmt.Errorf("update %s: %w", e.Script.Name(), err)
	}
	s.cache[e.Script.Key()] = e
	return nil
}

func (s *ExecutedScripts) deleteByName(ctx context.Context, name string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE file_name = %s", s.quotedTable(), s.dialect.Placeholder(1))
	if _, err := s.dialect.DB().ExecContext(ctx, query, name); err != nil {
		return fmt.Errorf("delete %s: %w", name, err)
	}
	return nil
}

func (s *ExecutedScripts) quotedTable() string {
	return s.dialect.QuoteIdent(s.table)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
