package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"dbmaintain/internal/db"
	"dbmaintain/internal/metrics"
	"dbmaintain/internal/script"
)

var ErrNotInitialized = errors.New("script runner is not initialized")

type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Runner executes script content against the database each script targets.
type Runner struct {
	dbs     *db.Databases
	logger  Logger
	metrics *metrics.Collector

	ready    bool
	started  time.Time
	executed int
}

func New(dbs *db.Databases, logger Logger, m *metrics.Collector) *Runner {
	return &Runner{dbs: dbs, logger: logger, metrics: m}
}

// Initialize verifies every database is reachable before the first script
// runs.
func (r *Runner) Initialize(ctx context.Context) error {
	if err := r.dbs.Ping(ctx); err != nil {
		return err
	}
	r.ready = true
	r.started = time.Now()
	r.executed = 0
	return nil
}

// Execute runs the statements of s in order. Execution stops at the first
// failing statement.
func (r *Runner) Execute(ctx context.Context, s *script.Script) error {
	if !r.ready {
		return ErrNotInitialized
	}
	target := s.TargetDatabase()
	if target == "" {
		target = r.dbs.DefaultName()
	}
	dialect, err := r.dbs.Get(target)
	if err != nil {
		return fmt.Errorf("script %s: %w", s.Name(), err)
	}
	content, err := s.ReadContent()
	if err != nil {
		return fmt.Errorf("read script %s: %w", s.Name(), err)
	}

	start := time.Now()
	err = dialect.ExecScript(ctx, content)
	elapsed := time.Since(start)
	r.metrics.RecordScript(target, err, elapsed)
	if err != nil {
		r.logger.Error("script failed", "script", s.Name(), "database", target, "error", err, "code", db.ErrorCode(err))
		return err
	}
	r.executed++
	r.logger.Info("script executed", "script", s.Name(), "database", target, "duration_ms", elapsed.Milliseconds())
	return nil
}

func (r *Runner) Close() error {
	if !r.ready {
		return nil
	}
	r.ready = false
	r.logger.Info("script runner closed", "executed", r.executed, "duration_ms", time.Since(r.started).Milliseconds())
	return nil
}
