package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbmaintain/internal/config"
	"dbmaintain/internal/db"
	"dbmaintain/internal/metrics"
	"dbmaintain/internal/script"
	"dbmaintain/internal/store"
	"dbmaintain/internal/updates"
)

var factory = script.Factory{PostprocessingDir: "postprocessing", IgnoreCarriageReturns: true}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type fakePlanner struct {
	scripts  []*script.Script
	executed []*script.ExecutedScript
	err      error
	resets   int
}

func (f *fakePlanner) ResetCache() { f.resets++ }

func (f *fakePlanner) PendingUpdates(context.Context) (*updates.ScriptUpdates, error) {
	if f.err != nil {
		return nil, f.err
	}
	return updates.CalculateScriptUpdates(f.scripts, f.executed, false, false)
}

func (f *fakePlanner) ExecutedScripts(context.Context) ([]*script.ExecutedScript, error) {
	return f.executed, f.err
}

func mustScript(t *testing.T, name, body string) *script.Script {
	t.Helper()
	s, err := factory.FromBytes(name, 1000, []byte(body))
	require.NoError(t, err)
	return s
}

func newTestServer(t *testing.T, ping error, planner *fakePlanner) (http.Handler, *bytes.Buffer) {
	t.Helper()
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	m := metrics.New()
	m.RecordUpdateRun("updated")
	srv := New(":0", logger, HealthHandler{DB: pinger{err: ping}, Logger: logger}, NewUpdatesHandler(planner, planner, logger), m.Handler())
	return srv.Handler(), &logs
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	h, logs := newTestServer(t, nil, &fakePlanner{})
	rec := get(t, h, "/api/v1/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","db":"ok"}`, rec.Body.String())
	assert.Contains(t, logs.String(), `"path":"/api/v1/health"`)
	assert.Contains(t, logs.String(), `"request_id"`)

	h, _ = newTestServer(t, errors.New("connection refused"), &fakePlanner{})
	rec = get(t, h, "/api/v1/health")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	var failure struct {
		Error struct {
			Code      string `json:"code"`
			RequestID string `json:"request_id"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &failure))
	assert.Equal(t, "service_unhealthy", failure.Error.Code)
	assert.NotEmpty(t, failure.Error.RequestID)
}

func TestPendingUpdates(t *testing.T) {
	planner := &fakePlanner{scripts: []*script.Script{
		mustScript(t, "01_a.sql", "a"),
		mustScript(t, "r.sql", "r"),
	}}
	h, _ := newTestServer(t, nil, planner)

	rec := get(t, h, "/api/v1/updates")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, planner.resets)
	var body struct {
		UpToDate bool `json:"up_to_date"`
		Regular  []struct {
			Type   string `json:"type"`
			Script string `json:"script"`
		} `json:"regular"`
		Irregular []any `json:"irregular"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.UpToDate)
	require.Len(t, body.Regular, 2)
	assert.Equal(t, "01_a.sql", body.Regular[0].Script)
	assert.Equal(t, "higher_index_script_added", body.Regular[0].Type)
	assert.Equal(t, "repeatable_script_added", body.Regular[1].Type)
	assert.Empty(t, body.Irregular)
}

func TestPendingUpdatesFailure(t *testing.T) {
	h, logs := newTestServer(t, nil, &fakePlanner{err: errors.New("duplicate script index")})
	rec := get(t, h, "/api/v1/updates")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "classification_failed")
	assert.Contains(t, logs.String(), "duplicate script index")
}

func TestExecutedScripts(t *testing.T) {
	sc, err := factory.NewExecuted("01_a.sql", 1000, "abc")
	require.NoError(t, err)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	planner := &fakePlanner{executed: []*script.ExecutedScript{
		{Script: sc, ExecutedAt: at, Successful: false, RunID: "run-1"},
	}}
	h, _ := newTestServer(t, nil, planner)

	rec := get(t, h, "/api/v1/executed-scripts")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"script":"01_a.sql","checksum":"abc","last_modified":1000,"executed_at":"2024-05-01T12:00:00Z","successful":false,"run_id":"run-1"}]`, rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestServer(t, nil, &fakePlanner{})
	rec := get(t, h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `dbmaintain_update_runs_total{result="updated"} 1`)
}

func TestExecutedScriptsSeesWritesFromAnotherProcess(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "records.db")
	open := func() *store.ExecutedScripts {
		d, err := db.Open(config.DatabaseConfig{Name: "default", Provider: "sqlite", DSN: path})
		require.NoError(t, err)
		t.Cleanup(func() { d.Close() })
		return store.NewExecutedScripts(d, factory, config.DefaultExecutedScriptsTable, true)
	}
	served, cli := open(), open()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := New(":0", logger, HealthHandler{DB: pinger{}}, NewUpdatesHandler(&fakePlanner{}, served, logger), nil).Handler()

	rec := get(t, h, "/api/v1/executed-scripts")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	sc := mustScript(t, "01_a.sql", "create table a (id int);")
	require.NoError(t, cli.Register(ctx, &script.ExecutedScript{Script: sc, ExecutedAt: time.Now(), Successful: true, RunID: "run-2"}))

	rec = get(t, h, "/api/v1/executed-scripts")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []struct {
		Script string `json:"script"`
		RunID  string `json:"run_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "01_a.sql", got[0].Script)
	assert.Equal(t, "run-2", got[0].RunID)
}
