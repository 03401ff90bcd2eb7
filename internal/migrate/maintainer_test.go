package migrate

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbmaintain/internal/metrics"
	"dbmaintain/internal/script"
)

var factory = script.Factory{
	PostprocessingDir:     "postprocessing",
	PatchQualifiers:       []string{"patch"},
	IgnoreCarriageReturns: true,
}

type memRepo struct {
	t       *testing.T
	factory script.Factory
	files   map[string]string
}

func (r *memRepo) put(name, body string) { r.files[name] = body }
func (r *memRepo) remove(name string)    { delete(r.files, name) }

func (r *memRepo) all() []*script.Script {
	var out []*script.Script
	for name, body := range r.files {
		s, err := r.factory.FromBytes(name, 1000, []byte(body))
		require.NoError(r.t, err)
		out = append(out, s)
	}
	script.Sort(out)
	return out
}

func (r *memRepo) SortedScripts() ([]*script.Script, error) {
	return slices.DeleteFunc(r.all(), (*script.Script).IsPostprocessing), nil
}

func (r *memRepo) PostProcessingScripts() ([]*script.Script, error) {
	return slices.DeleteFunc(r.all(), func(s *script.Script) bool { return !s.IsPostprocessing() }), nil
}

// memStore keeps records the way the table does: only name, date and
// checksum survive a write.
type memStore struct {
	factory script.Factory
	records map[string]*script.ExecutedScript
	writes  int
	resets  int
}

func newMemStore() *memStore {
	return &memStore{factory: factory, records: map[string]*script.ExecutedScript{}}
}

func (s *memStore) persist(e *script.ExecutedScript) error {
	sum, err := e.Script.Checksum()
	if err != nil {
		return err
	}
	sc, err := s.factory.NewExecuted(e.Script.Name(), e.Script.LastModified(), sum)
	if err != nil {
		return err
	}
	s.records[sc.Key()] = &script.ExecutedScript{Script: sc, ExecutedAt: e.ExecutedAt, Successful: e.Successful, RunID: e.RunID}
	s.writes++
	return nil
}

func (s *memStore) ExecutedScripts(context.Context) ([]*script.ExecutedScript, error) {
	out := make([]*script.ExecutedScript, 0, len(s.records))
	for _, e := range s.records {
		out = append(out, e)
	}
	slices.SortFunc(out, (*script.ExecutedScript).Compare)
	return out, nil
}

func (s *memStore) Register(_ context.Context, e *script.ExecutedScript) error { return s.persist(e) }

func (s *memStore) Update(_ context.Context, e *script.ExecutedScript) error {
	if _, ok := s.records[e.Script.Key()]; !ok {
		return errors.New("not registered")
	}
	return s.persist(e)
}

func (s *memStore) Delete(_ context.Context, e *script.ExecutedScript) error {
	delete(s.records, e.Script.Key())
	s.writes++
	return nil
}

func (s *memStore) Rename(_ context.Context, old *script.ExecutedScript, renamed *script.Script) error {
	prior := s.records[old.Script.Key()]
	delete(s.records, old.Script.Key())
	return s.persist(&script.ExecutedScript{Script: renamed, ExecutedAt: prior.ExecutedAt, Successful: prior.Successful, RunID: prior.RunID})
}

func (s *memStore) ClearAll(context.Context) error {
	s.records = map[string]*script.ExecutedScript{}
	s.writes++
	return nil
}

func (s *memStore) DeleteAllPostprocessing(context.Context) error {
	for k, e := range s.records {
		if e.Script.IsPostprocessing() {
			delete(s.records, k)
		}
	}
	return nil
}

func (s *memStore) MarkErrorScriptsPerformed(context.Context) (int, error) {
	n := 0
	for _, e := range s.records {
		if !e.Successful {
			e.Successful = true
			n++
		}
	}
	return n, nil
}

func (s *memStore) MarkErrorScriptsReverted(context.Context) (int, error) {
	n := 0
	for k, e := range s.records {
		if !e.Successful {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

func (s *memStore) ResetCache() { s.resets++ }

func (s *memStore) record(name string) *script.ExecutedScript {
	return s.records[strings.ToLower(name)]
}

type fakeRunner struct {
	executed []string
	failOn   map[string]error
	inits    int
	closes   int
}

func (r *fakeRunner) Initialize(context.Context) error {
	r.inits++
	return nil
}

func (r *fakeRunner) Close() error {
	r.closes++
	return nil
}

func (r *fakeRunner) Execute(_ context.Context, s *script.Script) error {
	r.executed = append(r.executed, s.Name())
	return r.failOn[s.Name()]
}

type fakeCleaner struct {
	calls []string
}

func (c *fakeCleaner) ClearDatabase(context.Context) error {
	c.calls = append(c.calls, "clear")
	return nil
}

func (c *fakeCleaner) CleanDatabase(context.Context) error {
	c.calls = append(c.calls, "clean")
	return nil
}

func (c *fakeCleaner) DisableConstraints(context.Context) error {
	c.calls = append(c.calls, "disable_constraints")
	return nil
}

func (c *fakeCleaner) UpdateSequences(context.Context) error {
	c.calls = append(c.calls, "update_sequences")
	return nil
}

type fixture struct {
	repo    *memRepo
	store   *memStore
	runner  *fakeRunner
	cleaner *fakeCleaner
	metrics *metrics.Collector
}

func newFixture(t *testing.T) *fixture {
	return &fixture{
		repo:    &memRepo{t: t, factory: factory, files: map[string]string{}},
		store:   newMemStore(),
		runner:  &fakeRunner{failOn: map[string]error{}},
		cleaner: &fakeCleaner{},
		metrics: metrics.New(),
	}
}

func (f *fixture) maintainer(opts Options) *Maintainer {
	m := New(f.repo, f.store, f.runner, f.cleaner, opts, slog.New(slog.NewTextHandler(io.Discard, nil)), f.metrics)
	m.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	m.newRunID = func() string { return "run-1" }
	return m
}

func (f *fixture) reset() {
	f.runner.executed = nil
	f.cleaner.calls = nil
}

func TestUpdateRunsNewScriptsInOrder(t *testing.T) {
	f := newFixture(t)
	f.repo.put("02_b.sql", "create table b (id int);")
	f.repo.put("01_a.sql", "create table a (id int);")
	m := f.maintainer(Options{})

	updated, err := m.UpdateDatabase(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, []string{"01_a.sql", "02_b.sql"}, f.runner.executed)
	assert.Empty(t, f.cleaner.calls)
	for _, name := range []string{"01_a.sql", "02_b.sql"} {
		rec := f.store.record(name)
		require.NotNil(t, rec, name)
		assert.True(t, rec.Successful)
		assert.Equal(t, "run-1", rec.RunID)
	}
	assert.Equal(t, 1, f.runner.inits)
	assert.Equal(t, 1, f.runner.closes)
}

func TestSecondUpdateIsNoop(t *testing.T) {
	f := newFixture(t)
	f.repo.put("01_a.sql", "a")
	f.repo.put("r.sql", "r")
	m := f.maintainer(Options{})
	_, err := m.UpdateDatabase(context.Background(), false)
	require.NoError(t, err)
	f.reset()

	updated, err := m.UpdateDatabase(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Empty(t, f.runner.executed)
	assert.Equal(t, 1, f.runner.inits)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UpdateRuns.WithLabelValues("up_to_date")))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UpdateRuns.WithLabelValues("updated")))
}

func TestChangedIncrementalScriptIsRefusedWithoutFromScratch(t *testing.T) {
	f := newFixture(t)
	f.repo.put("01_a.sql", "a")
	f.repo.put("02_b.sql", "b")
	m := f.maintainer(Options{})
	_, err := m.UpdateDatabase(context.Background(), false)
	require.NoError(t, err)
	f.reset()

	f.repo.put("01_a.sql", "a changed")
	updated, err := m.UpdateDatabase(context.Background(), false)
	require.ErrorIs(t, err, ErrIrregularUpdates)
	assert.False(t, updated)
	assert.Contains(t, err.Error(), "01_a.sql")
	assert.Contains(t, err.Error(), "from_scratch_enabled")
	assert.Empty(t, f.runner.executed)
	assert.Empty(t, f.cleaner.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UpdateRuns.WithLabelValues("failed")))
}

func TestChangedIncrementalScriptRebuildsFromScratch(t *testing.T) {
	f := newFixture(t)
	f.repo.put("01_a.sql", "a")
	f.repo.put("02_b.sql", "b")
	f.repo.put("postprocessing/grants.sql", "grant")
	m := f.maintainer(Options{FromScratchEnabled: true, UpdateSequences: true})
	_, err := m.UpdateDatabase(context.Background(), false)
	require.NoError(t, err)
	// first run on an empty record is a from-scratch run
	assert.Equal(t, []string{"clear", "update_sequences"}, f.cleaner.calls)
	f.reset()
	resets := f.store.resets

	f.repo.put("01_a.sql", "a changed")
	updated, err := m.UpdateDatabase(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, []string{"clear", "update_sequences"}, f.cleaner.calls)
	assert.Equal(t, []string{"01_a.sql", "02_b.sql", "postprocessing/grants.sql"}, f.runner.executed)
	assert.Equal(t, resets+1, f.store.resets)

	sum, err := f.store.record("01_a.sql").Script.Checksum()
	require.NoError(t, err)
	fresh, err := factory.FromBytes("01_a.sql", 1000, []byte("a changed"))
	require.NoError(t, err)
	want, err := fresh.Checksum()
	require.NoError(t, err)
	assert.Equal(t, want, sum)
}

func TestDeletedRepeatableOnlyDropsRecord(t *testing.T) {
	f := newFixture(t)
	f.repo.put("01_a.sql", "a")
	f.repo.put("r.sql", "create view r as select 1;")
	f.repo.put("postprocessing/grants.sql", "grant")
	m := f.maintainer(Options{CleanDB: true})
	_, err := m.UpdateDatabase(context.Background(), false)
	require.NoError(t, err)
	f.reset()

	f.repo.remove("r.sql")
	updated, err := m.UpdateDatabase(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Nil(t, f.store.record("r.sql"))
	assert.Empty(t, f.runner.executed)
	assert.Empty(t, f.cleaner.calls)
}

func TestRenamedScriptKeepsRecord(t *testing.T) {
	f := newFixture(t)
	f.repo.put("01_a.sql", "a")
	f.repo.put("r.sql", "r")
	m := f.maintainer(Options{})
	_, err := m.UpdateDatabase(context.Background(), false)
	require.NoError(t, err)
	f.reset()

	f.repo.remove("r.sql")
	f.repo.put("views.sql", "r")
	updated, err := m.UpdateDatabase(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Empty(t, f.runner.executed)
	assert.Nil(t, f.store.record("r.sql"))
	rec := f.store.record("views.sql")
	require.NotNil(t, rec)
	assert.True(t, rec.Successful)
}

func TestOutOfSequencePatch(t *testing.T) {
	setup := func(t *testing.T, opts Options) (*fixture, *Maintainer) {
		f := newFixture(t)
		f.repo.put("01_a.sql", "a")
		f.repo.put("03_c.sql", "c")
		m := f.maintainer(opts)
		_, err := m.UpdateDatabase(context.Background(), false)
		require.NoError(t, err)
		f.reset()
		f.repo.put("02_#patch_fix.sql", "fix")
		return f, m
	}

	t.Run("refused by default", func(t *testing.T) {
		f, m := setup(t, Options{})
		_, err := m.UpdateDatabase(context.Background(), false)
		require.ErrorIs(t, err, ErrIrregularUpdates)
		assert.Empty(t, f.runner.executed)
	})

	t.Run("applied when allowed", func(t *testing.T) {
		f, m := setup(t, Options{AllowOutOfSequenceExecutionOfPatches: true})
		updated, err := m.UpdateDatabase(context.Background(), false)
		require.NoError(t, err)
		assert.True(t, updated)
		assert.Equal(t, []string{"02_#patch_fix.sql"}, f.runner.executed)
		assert.NotContains(t, f.cleaner.calls, "clear")
	})
}

func TestDryRunChangesNothing(t *testing.T) {
	f := newFixture(t)
	f.repo.put("01_a.sql", "a")
	m := f.maintainer(Options{FromScratchEnabled: true, CleanDB: true})

	updated, err := m.UpdateDatabase(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Empty(t, f.runner.executed)
	assert.Empty(t, f.cleaner.calls)
	assert.Zero(t, f.store.writes)
	assert.Zero(t, f.runner.inits)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.UpdateRuns.WithLabelValues("dry_run")))
}

func TestDryRunOfDeletionOnlyReportsNoUpdate(t *testing.T) {
	f := newFixture(t)
	f.repo.put("r.sql", "r")
	m := f.maintainer(Options{})
	_, err := m.UpdateDatabase(context.Background(), false)
	require.NoError(t, err)
	writes := f.store.writes

	f.repo.remove("r.sql")
	updated, err := m.UpdateDatabase(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Equal(t, writes, f.store.writes)
	assert.NotNil(t, f.store.record("r.sql"))
}

func TestFailedScriptLeavesMarker(t *testing.T) {
	f := newFixture(t)
	f.repo.put("01_a.sql", "a")
	f.repo.put("02_b.sql", "insert into nowhere values (1);")
	f.repo.put("03_c.sql", "c")
	f.runner.failOn["02_b.sql"] = errors.New("relation nowhere does not exist")
	m := f.maintainer(Options{MaxScriptContentChars: 6})

	updated, err := m.UpdateDatabase(context.Background(), false)
	assert.False(t, updated)
	var execErr *ScriptExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "02_b.sql", execErr.Script)
	assert.Equal(t, "insert...", execErr.Content)
	assert.Contains(t, err.Error(), "relation nowhere does not exist")
	assert.Contains(t, err.Error(), "mark-error-performed")

	assert.Equal(t, []string{"01_a.sql", "02_b.sql"}, f.runner.executed)
	assert.True(t, f.store.record("01_a.sql").Successful)
	assert.False(t, f.store.record("02_b.sql").Successful)
	assert.Nil(t, f.store.record("03_c.sql"))
	assert.Equal(t, 1, f.runner.closes)
}

func TestUnreadableFailedScriptIsLogged(t *testing.T) {
	f := newFixture(t)
	s, err := factory.New("01_a.sql", 1000, "abc", func() (io.ReadCloser, error) {
		return nil, errors.New("file vanished")
	})
	require.NoError(t, err)
	f.runner.failOn["01_a.sql"] = errors.New("syntax error")

	var logs bytes.Buffer
	m := New(f.repo, f.store, f.runner, f.cleaner, Options{MaxScriptContentChars: 100}, slog.New(slog.NewJSONHandler(&logs, nil)), nil)
	err = m.executeScript(context.Background(), "run-7", s)

	var execErr *ScriptExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Empty(t, execErr.Content)
	assert.Contains(t, logs.String(), `"level":"WARN"`)
	assert.Contains(t, logs.String(), `"run_id":"run-7"`)
	assert.Contains(t, logs.String(), "file vanished")
	assert.False(t, f.store.record("01_a.sql").Successful)
}

func TestUnchangedFailedScriptBlocksUpdate(t *testing.T) {
	f := newFixture(t)
	f.repo.put("01_a.sql", "a")
	f.repo.put("02_b.sql", "b")
	f.runner.failOn["02_b.sql"] = errors.New("boom")
	m := f.maintainer(Options{})
	_, err := m.UpdateDatabase(context.Background(), false)
	require.Error(t, err)
	delete(f.runner.failOn, "02_b.sql")
	f.reset()

	f.repo.put("03_c.sql", "c")
	_, err = m.UpdateDatabase(context.Background(), false)
	require.ErrorIs(t, err, ErrInconsistentState)
	assert.Contains(t, err.Error(), "incremental script 02_b.sql failed")
	assert.Empty(t, f.runner.executed)

	n, err := m.MarkErrorScriptsReverted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	updated, err := m.UpdateDatabase(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, []string{"02_b.sql", "03_c.sql"}, f.runner.executed)
}

func TestFailedScriptMarkedPerformed(t *testing.T) {
	f := newFixture(t)
	f.repo.put("01_a.sql", "a")
	f.runner.failOn["01_a.sql"] = errors.New("boom")
	m := f.maintainer(Options{})
	_, err := m.UpdateDatabase(context.Background(), false)
	require.Error(t, err)
	delete(f.runner.failOn, "01_a.sql")
	f.reset()

	n, err := m.MarkErrorScriptsPerformed(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	updated, err := m.UpdateDatabase(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Empty(t, f.runner.executed)
}

func TestFixedRepeatableScriptIsRetried(t *testing.T) {
	f := newFixture(t)
	f.repo.put("r.sql", "broken")
	f.runner.failOn["r.sql"] = errors.New("syntax error")
	m := f.maintainer(Options{})
	_, err := m.UpdateDatabase(context.Background(), false)
	require.Error(t, err)
	delete(f.runner.failOn, "r.sql")
	f.reset()

	_, err = m.UpdateDatabase(context.Background(), false)
	require.ErrorIs(t, err, ErrInconsistentState)
	assert.Contains(t, err.Error(), "repeatable script r.sql")

	f.repo.put("r.sql", "fixed")
	updated, err := m.UpdateDatabase(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, []string{"r.sql"}, f.runner.executed)
	assert.True(t, f.store.record("r.sql").Successful)
}

func TestFailedPostprocessingScriptBlocksUntilChanged(t *testing.T) {
	f := newFixture(t)
	f.repo.put("01_a.sql", "a")
	f.repo.put("postprocessing/grants.sql", "grant")
	f.runner.failOn["postprocessing/grants.sql"] = errors.New("no such role")
	m := f.maintainer(Options{})
	_, err := m.UpdateDatabase(context.Background(), false)
	require.Error(t, err)
	delete(f.runner.failOn, "postprocessing/grants.sql")
	f.reset()

	_, err = m.UpdateDatabase(context.Background(), false)
	require.ErrorIs(t, err, ErrInconsistentState)
	assert.Contains(t, err.Error(), "postprocessing script postprocessing/grants.sql failed")
	assert.Contains(t, err.Error(), "mark-error-reverted to rerun it unchanged")

	f.repo.put("postprocessing/grants.sql", "grant fixed")
	updated, err := m.UpdateDatabase(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, []string{"postprocessing/grants.sql"}, f.runner.executed)
}

func TestPostprocessingRerunsAfterEveryUpdate(t *testing.T) {
	f := newFixture(t)
	f.repo.put("01_a.sql", "a")
	f.repo.put("postprocessing/01_grants.sql", "grant")
	f.repo.put("postprocessing/02_stats.sql", "analyze")
	m := f.maintainer(Options{DisableConstraints: true, CleanDB: true, UpdateSequences: true})
	_, err := m.UpdateDatabase(context.Background(), false)
	require.NoError(t, err)
	f.reset()

	f.repo.put("02_b.sql", "b")
	updated, err := m.UpdateDatabase(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Equal(t, []string{"02_b.sql", "postprocessing/01_grants.sql", "postprocessing/02_stats.sql"}, f.runner.executed)
	assert.Equal(t, []string{"disable_constraints", "clean", "disable_constraints", "clean", "update_sequences"}, f.cleaner.calls)
}

func TestBaselineWithFromScratchIsAConfigurationError(t *testing.T) {
	f := newFixture(t)
	f.repo.put("01_a.sql", "a")
	f.repo.put("03_c.sql", "c")
	baseline, err := script.ParseIndex("2")
	require.NoError(t, err)
	m := f.maintainer(Options{FromScratchEnabled: true, Baseline: baseline})

	_, err = m.UpdateDatabase(context.Background(), false)
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Empty(t, f.cleaner.calls)
	assert.Empty(t, f.runner.executed)
}

func TestChangedScriptBelowBaselineIsInconsistent(t *testing.T) {
	f := newFixture(t)
	f.repo.factory.Baseline = script.Index{2}
	f.store.factory.Baseline = script.Index{2}
	f.repo.put("01_a.sql", "a")
	f.repo.put("03_c.sql", "c")
	m := f.maintainer(Options{Baseline: script.Index{2}})
	require.NoError(t, m.MarkDatabaseAsUpToDate(context.Background()))

	f.repo.put("01_a.sql", "a changed")
	_, err := m.UpdateDatabase(context.Background(), false)
	require.ErrorIs(t, err, ErrInconsistentState)
	assert.Contains(t, err.Error(), "baseline")
	assert.Empty(t, f.runner.executed)
}

func TestMarkDatabaseAsUpToDate(t *testing.T) {
	f := newFixture(t)
	f.repo.put("01_a.sql", "a")
	f.repo.put("r.sql", "r")
	f.repo.put("postprocessing/grants.sql", "grant")
	m := f.maintainer(Options{})

	require.NoError(t, m.MarkDatabaseAsUpToDate(context.Background()))
	assert.Empty(t, f.runner.executed)
	for _, name := range []string{"01_a.sql", "r.sql", "postprocessing/grants.sql"} {
		rec := f.store.record(name)
		require.NotNil(t, rec, name)
		assert.True(t, rec.Successful)
	}

	updated, err := m.UpdateDatabase(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, updated)
}

func TestPendingUpdatesDoesNotExecute(t *testing.T) {
	f := newFixture(t)
	f.repo.put("01_a.sql", "a")
	f.repo.put("r.sql", "r")
	m := f.maintainer(Options{})

	u, err := m.PendingUpdates(context.Background())
	require.NoError(t, err)
	assert.Len(t, u.Regular(), 2)
	assert.Empty(t, f.runner.executed)
	assert.Zero(t, f.store.writes)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "", truncate("abc", 0))
	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab...", truncate("abc", 2))
	assert.Equal(t, "héł...", truncate("héłło", 3))
}
