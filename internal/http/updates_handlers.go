package httpserver

import (
	"context"
	"net/http"
	"time"

	"dbmaintain/internal/script"
	"dbmaintain/internal/updates"
)

type UpdatePlanner interface {
	PendingUpdates(ctx context.Context) (*updates.ScriptUpdates, error)
}

// RecordReader reads the execution record. ResetCache drops what was read
// before so another process's writes become visible.
type RecordReader interface {
	ExecutedScripts(ctx context.Context) ([]*script.ExecutedScript, error)
	ResetCache()
}

// UpdatesHandler reports pending updates and the execution record. It never
// changes the database.
type UpdatesHandler struct {
	planner UpdatePlanner
	records RecordReader
	logger  requestLogger
}

func NewUpdatesHandler(planner UpdatePlanner, records RecordReader, logger requestLogger) *UpdatesHandler {
	return &UpdatesHandler{planner: planner, records: records, logger: logger}
}

type updateView struct {
	Type     updates.UpdateType `json:"type"`
	Script   string             `json:"script"`
	Previous string             `json:"previous,omitempty"`
}

type pendingResponse struct {
	UpToDate       bool         `json:"up_to_date"`
	Irregular      []updateView `json:"irregular"`
	Patch          []updateView `json:"patch"`
	Regular        []updateView `json:"regular"`
	Deleted        []updateView `json:"repeatable_deletions"`
	Renamed        []updateView `json:"renames"`
	Postprocessing []updateView `json:"postprocessing"`
}

type executedView struct {
	Script       string     `json:"script"`
	Checksum     string     `json:"checksum"`
	LastModified int64      `json:"last_modified"`
	ExecutedAt   *time.Time `json:"executed_at,omitempty"`
	Successful   bool       `json:"successful"`
	RunID        string     `json:"run_id,omitempty"`
}

func (h *UpdatesHandler) Pending(w http.ResponseWriter, r *http.Request) {
	h.records.ResetCache()
	u, err := h.planner.PendingUpdates(r.Context())
	if err != nil {
		h.logger.Error("classify scripts", "error", err)
		writeError(w, r, http.StatusInternalServerError, "classification_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pendingResponse{
		UpToDate:       u.IsEmpty(),
		Irregular:      views(u.Irregular()),
		Patch:          views(u.Patch()),
		Regular:        views(u.Regular()),
		Deleted:        views(u.RepeatableDeletions()),
		Renamed:        views(u.Renames()),
		Postprocessing: views(u.Postprocessing()),
	})
}

func (h *UpdatesHandler) Executed(w http.ResponseWriter, r *http.Request) {
	h.records.ResetCache()
	records, err := h.records.ExecutedScripts(r.Context())
	if err != nil {
		h.logger.Error("read executed scripts", "error", err)
		writeError(w, r, http.StatusInternalServerError, "store_unavailable", err.Error())
		return
	}
	out := make([]executedView, 0, len(records))
	for _, e := range records {
		sum, _ := e.Script.Checksum()
		v := executedView{
			Script:       e.Script.Name(),
			Checksum:     sum,
			LastModified: e.Script.LastModified(),
			Successful:   e.Successful,
			RunID:        e.RunID,
		}
		if !e.ExecutedAt.IsZero() {
			at := e.ExecutedAt
			v.ExecutedAt = &at
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

func views(set []updates.ScriptUpdate) []updateView {
	out := make([]updateView, 0, len(set))
	for _, su := range set {
		v := updateView{Type: su.Type, Script: su.Script.Name()}
		if su.Previous != nil {
			v.Previous = su.Previous.Name()
		}
		out = append(out, v)
	}
	return out
}
