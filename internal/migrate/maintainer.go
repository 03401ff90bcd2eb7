package migrate

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"dbmaintain/internal/metrics"
	"dbmaintain/internal/script"
	"dbmaintain/internal/updates"
)

type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type ScriptRepository interface {
	SortedScripts() ([]*script.Script, error)
	PostProcessingScripts() ([]*script.Script, error)
}

type ExecutedScriptStore interface {
	ExecutedScripts(ctx context.Context) ([]*script.ExecutedScript, error)
	Register(ctx context.Context, e *script.ExecutedScript) error
	Update(ctx context.Context, e *script.ExecutedScript) error
	Delete(ctx context.Context, e *script.ExecutedScript) error
	Rename(ctx context.Context, old *script.ExecutedScript, renamed *script.Script) error
	ClearAll(ctx context.Context) error
	DeleteAllPostprocessing(ctx context.Context) error
	MarkErrorScriptsPerformed(ctx context.Context) (int, error)
	MarkErrorScriptsReverted(ctx context.Context) (int, error)
	ResetCache()
}

type ScriptRunner interface {
	Initialize(ctx context.Context) error
	Execute(ctx context.Context, s *script.Script) error
	Close() error
}

type DatabaseCleaner interface {
	ClearDatabase(ctx context.Context) error
	CleanDatabase(ctx context.Context) error
	DisableConstraints(ctx context.Context) error
	UpdateSequences(ctx context.Context) error
}

type Options struct {
	FromScratchEnabled                   bool
	UseLastModifiedDates                 bool
	AllowOutOfSequenceExecutionOfPatches bool
	CleanDB                              bool
	DisableConstraints                   bool
	UpdateSequences                      bool
	Baseline                             script.Index
	MaxScriptContentChars                int
}

// Maintainer brings a database up to date with the scripts in a repository.
type Maintainer struct {
	repo    ScriptRepository
	store   ExecutedScriptStore
	runner  ScriptRunner
	cleaner DatabaseCleaner
	opts    Options
	logger  Logger
	metrics *metrics.Collector

	now      func() time.Time
	newRunID func() string
}

func New(repo ScriptRepository, store ExecutedScriptStore, runner ScriptRunner, cleaner DatabaseCleaner, opts Options, logger Logger, m *metrics.Collector) *Maintainer {
	return &Maintainer{
		repo:     repo,
		store:    store,
		runner:   runner,
		cleaner:  cleaner,
		opts:     opts,
		logger:   logger,
		metrics:  m,
		now:      func() time.Time { return time.Now().UTC() },
		newRunID: uuid.NewString,
	}
}

// PendingUpdates classifies the scripts without changing anything.
func (m *Maintainer) PendingUpdates(ctx context.Context) (*updates.ScriptUpdates, error) {
	u, _, _, err := m.classify(ctx)
	return u, err
}

// UpdateDatabase applies every pending update. It returns true when scripts
// were executed (or, in a dry run, would have been).
func (m *Maintainer) UpdateDatabase(ctx context.Context, dryRun bool) (bool, error) {
	runID := m.newRunID()
	updated, err := m.updateDatabase(ctx, runID, dryRun)
	switch {
	case err != nil:
		m.metrics.RecordUpdateRun("failed")
		m.logger.Error("update failed", "run_id", runID, "error", err)
	case dryRun:
		m.metrics.RecordUpdateRun("dry_run")
	case updated:
		m.metrics.RecordUpdateRun("updated")
	default:
		m.metrics.RecordUpdateRun("up_to_date")
	}
	return updated, err
}

func (m *Maintainer) updateDatabase(ctx context.Context, runID string, dryRun bool) (bool, error) {
	u, scripts, executed, err := m.classify(ctx)
	if err != nil {
		return false, err
	}

	if err := checkIgnoredIrregular(u); err != nil {
		return false, err
	}
	if err := checkFailedScripts(u, executed); err != nil {
		return false, err
	}
	if u.IsEmpty() {
		m.logger.Info("database is up to date", "run_id", runID)
		return false, nil
	}

	fromScratch, err := m.decideFromScratch(u, scripts, executed)
	if err != nil {
		return false, err
	}
	m.logger.Info("updates found", "run_id", runID, "dry_run", dryRun, "from_scratch", fromScratch, "updates", len(u.All()))

	if dryRun {
		if !fromScratch && u.HasOnlyDeletionsOrRenames() {
			return false, nil
		}
		return true, nil
	}

	if err := m.runner.Initialize(ctx); err != nil {
		return false, fmt.Errorf("initialize script runner: %w", err)
	}
	defer func() {
		if cerr := m.runner.Close(); cerr != nil {
			m.logger.Warn("close script runner", "run_id", runID, "error", cerr)
		}
	}()

	if fromScratch {
		if err := m.recreateFromScratch(ctx, runID); err != nil {
			return false, err
		}
	} else {
		if err := m.applyIncremental(ctx, runID, u, executed); err != nil {
			return false, err
		}
		if u.HasOnlyDeletionsOrRenames() {
			m.logger.Info("only deletions or renames, skipping postprocessing", "run_id", runID)
			return false, nil
		}
	}

	if err := m.runPostprocessing(ctx, runID); err != nil {
		return false, err
	}
	if err := m.finish(ctx); err != nil {
		return false, err
	}
	m.logger.Info("database updated", "run_id", runID)
	return true, nil
}

func (m *Maintainer) classify(ctx context.Context) (*updates.ScriptUpdates, []*script.Script, []*script.ExecutedScript, error) {
	sorted, err := m.repo.SortedScripts()
	if err != nil {
		return nil, nil, nil, err
	}
	post, err := m.repo.PostProcessingScripts()
	if err != nil {
		return nil, nil, nil, err
	}
	all := append(sorted, post...)

	executed, err := m.store.ExecutedScripts(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	u, err := updates.CalculateScriptUpdates(all, executed, m.opts.UseLastModifiedDates, m.opts.AllowOutOfSequenceExecutionOfPatches)
	if err != nil {
		return nil, nil, nil, err
	}
	return u, all, executed, nil
}

func checkIgnoredIrregular(u *updates.ScriptUpdates) error {
	var names []string
	for _, up := range u.Irregular() {
		if up.Script.IsIgnored() {
			names = append(names, up.Script.Name())
		}
	}
	if len(names) == 0 {
		return nil
	}
	return fmt.Errorf("%w: script(s) %s are below the baseline revision but differ from what was executed; "+
		"restore their executed content or lower the baseline revision", ErrInconsistentState, strings.Join(names, ", "))
}

// checkFailedScripts refuses to continue past a failed script unless the
// pending updates touch that very script.
func checkFailedScripts(u *updates.ScriptUpdates, executed []*script.ExecutedScript) error {
	for _, e := range executed {
		if e.Successful {
			continue
		}
		var candidates []updates.ScriptUpdate
		kind := "repeatable"
		switch {
		case e.Script.IsPostprocessing():
			candidates = u.Postprocessing()
		case e.Script.IsIncremental():
			candidates = append(u.Irregular(), u.Renames()...)
			kind = "incremental"
		default:
			candidates = append(u.Regular(), u.RepeatableDeletions()...)
			candidates = append(candidates, u.Renames()...)
		}
		if touches(candidates, e.Script) {
			continue
		}
		if e.Script.IsPostprocessing() {
			// postprocessing only reruns alongside other updates
			return fmt.Errorf("%w: during the latest update the postprocessing script %s failed. "+
				"Edit the script so it runs again with the next update, or run mark-error-reverted to rerun it unchanged",
				ErrInconsistentState, e.Script.Name())
		}
		return fmt.Errorf("%w: during the latest update the %s script %s failed. Fix the broken script, then retry. "+
			"If the script was fixed manually in the database, run mark-error-performed; "+
			"if its changes were rolled back, run mark-error-reverted", ErrInconsistentState, kind, e.Script.Name())
	}
	return nil
}

func touches(ups []updates.ScriptUpdate, s *script.Script) bool {
	for _, up := range ups {
		if up.Script.Equal(s) || (up.Previous != nil && up.Previous.Equal(s)) {
			return true
		}
	}
	return false
}

func (m *Maintainer) decideFromScratch(u *updates.ScriptUpdates, scripts []*script.Script, executed []*script.ExecutedScript) (bool, error) {
	fromScratch := false
	if m.opts.FromScratchEnabled {
		firstRun := len(executed) == 0 && len(scripts) > 0
		fromScratch = firstRun || u.HasIrregularScriptUpdates()
	} else if u.HasIrregularScriptUpdates() {
		return false, fmt.Errorf("%w:\n%s\n\nremedies:\n"+
			"  - revert the irregular changes\n"+
			"  - enable from_scratch_enabled to recreate the database\n"+
			"  - run mark-up-to-date if the changes were applied manually",
			ErrIrregularUpdates, updates.Describe(u))
	}
	if fromScratch && len(m.opts.Baseline) > 0 {
		return false, fmt.Errorf("%w: the database must be recreated from scratch but a baseline revision (%s) is set; "+
			"scripts below the baseline would not be replayed. Remove the baseline revision or disable from-scratch updates",
			ErrConfiguration, m.opts.Baseline)
	}
	return fromScratch, nil
}

func (m *Maintainer) recreateFromScratch(ctx context.Context, runID string) error {
	m.logger.Info("recreating database from scratch", "run_id", runID)
	if err := m.cleaner.ClearDatabase(ctx); err != nil {
		return err
	}
	if err := m.store.ClearAll(ctx); err != nil {
		return err
	}
	m.store.ResetCache()

	scripts, err := m.repo.SortedScripts()
	if err != nil {
		return err
	}
	for _, s := range scripts {
		if err := m.executeScript(ctx, runID, s); err != nil {
			return err
		}
	}
	return nil
}

func (m *Maintainer) applyIncremental(ctx context.Context, runID string, u *updates.ScriptUpdates, executed []*script.ExecutedScript) error {
	if !u.HasOnlyDeletionsOrRenames() {
		if m.opts.DisableConstraints {
			if err := m.cleaner.DisableConstraints(ctx); err != nil {
				return err
			}
		}
		if m.opts.CleanDB {
			if err := m.cleaner.CleanDatabase(ctx); err != nil {
				return err
			}
		}
	}

	for _, up := range u.Patch() {
		if err := m.executeScript(ctx, runID, up.Script); err != nil {
			return err
		}
	}
	for _, up := range u.Regular() {
		if err := m.executeScript(ctx, runID, up.Script); err != nil {
			return err
		}
	}

	byKey := make(map[string]*script.ExecutedScript, len(executed))
	for _, e := range executed {
		byKey[e.Script.Key()] = e
	}
	for _, up := range u.RepeatableDeletions() {
		if e, ok := byKey[up.Script.Key()]; ok {
			if err := m.store.Delete(ctx, e); err != nil {
				return err
			}
			m.logger.Info("repeatable script deleted", "run_id", runID, "script", up.Script.Name())
		}
	}
	for _, up := range u.Renames() {
		e, ok := byKey[up.Previous.Key()]
		if !ok {
			continue
		}
		if err := m.store.Rename(ctx, e, up.Script); err != nil {
			return err
		}
		m.logger.Info("script renamed", "run_id", runID, "from", up.Previous.Name(), "to", up.Script.Name())
	}
	return nil
}

// runPostprocessing reruns every postprocessing script after dropping their
// records.
func (m *Maintainer) runPostprocessing(ctx context.Context, runID string) error {
	if err := m.store.DeleteAllPostprocessing(ctx); err != nil {
		return err
	}
	post, err := m.repo.PostProcessingScripts()
	if err != nil {
		return err
	}
	for _, s := range post {
		if err := m.executeScript(ctx, runID, s); err != nil {
			return err
		}
	}
	return nil
}

func (m *Maintainer) finish(ctx context.Context) error {
	if m.opts.DisableConstraints {
		if err := m.cleaner.DisableConstraints(ctx); err != nil {
			return err
		}
	}
	if m.opts.CleanDB {
		if err := m.cleaner.CleanDatabase(ctx); err != nil {
			return err
		}
	}
	if m.opts.UpdateSequences {
		if err := m.cleaner.UpdateSequences(ctx); err != nil {
			return err
		}
	}
	return nil
}

// executeScript records the script as failed, runs it and only then marks
// it successful, so an interrupted run leaves the failure marker behind.
func (m *Maintainer) executeScript(ctx context.Context, runID string, s *script.Script) error {
	record := &script.ExecutedScript{Script: s, ExecutedAt: m.now(), Successful: false, RunID: runID}
	if err := m.store.Register(ctx, record); err != nil {
		return err
	}
	if err := m.runner.Execute(ctx, s); err != nil {
		content, rerr := s.ReadContent()
		if rerr != nil {
			m.logger.Warn("read failed script content", "run_id", runID, "script", s.Name(), "error", rerr)
		}
		return &ScriptExecutionError{
			Script:  s.Name(),
			Content: truncate(content, m.opts.MaxScriptContentChars),
			Err:     err,
		}
	}
	done := &script.ExecutedScript{Script: s, ExecutedAt: record.ExecutedAt, Successful: true, RunID: runID}
	return m.store.Update(ctx, done)
}

// MarkDatabaseAsUpToDate records every current script as successfully
// executed without running any of them.
func (m *Maintainer) MarkDatabaseAsUpToDate(ctx context.Context) error {
	sorted, err := m.repo.SortedScripts()
	if err != nil {
		return err
	}
	post, err := m.repo.PostProcessingScripts()
	if err != nil {
		return err
	}
	if err := m.store.ClearAll(ctx); err != nil {
		return err
	}
	runID := m.newRunID()
	at := m.now()
	for _, s := range append(sorted, post...) {
		if err := m.store.Register(ctx, &script.ExecutedScript{Script: s, ExecutedAt: at, Successful: true, RunID: runID}); err != nil {
			return err
		}
	}
	m.logger.Info("database marked as up to date", "run_id", runID, "scripts", len(sorted)+len(post))
	return nil
}

func (m *Maintainer) MarkErrorScriptsPerformed(ctx context.Context) (int, error) {
	n, err := m.store.MarkErrorScriptsPerformed(ctx)
	if err != nil {
		return n, err
	}
	m.logger.Info("failed scripts marked as performed", "scripts", n)
	return n, nil
}

func (m *Maintainer) MarkErrorScriptsReverted(ctx context.Context) (int, error) {
	n, err := m.store.MarkErrorScriptsReverted(ctx)
	if err != nil {
		return n, err
	}
	m.logger.Info("failed scripts marked as reverted", "scripts", n)
	return n, nil
}
