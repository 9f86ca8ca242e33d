package runner

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"tangled.sh/tangled.sh/scanline/runner/db"
	"tangled.sh/tangled.sh/scanline/runner/models"
)

// ListPipelines returns pipelines after the "cursor" query parameter,
// oldest first.
func (r *Runner) ListPipelines(w http.ResponseWriter, req *http.Request) {
	var cursor int64
	if c := req.URL.Query().Get("cursor"); c != "" {
		var err error
		cursor, err = strconv.ParseInt(c, 10, 64)
		if err != nil {
			writeError(w, "invalid cursor", http.StatusBadRequest)
			return
		}
	}

	pipelines, err := r.db.GetPipelines(cursor)
	if err != nil {
		r.l.Error("failed to list pipelines", "err", err)
		writeError(w, "failed to list pipelines", http.StatusInternalServerError)
		return
	}
	if pipelines == nil {
		pipelines = []db.Pipeline{}
	}

	writeJSON(w, pipelines)
}

func (r *Runner) GetPipeline(w http.ResponseWriter, req *http.Request) {
	p, ok := r.pipelineParam(w, req)
	if !ok {
		return
	}
	writeJSON(w, p)
}

func (r *Runner) pipelineParam(w http.ResponseWriter, req *http.Request) (db.Pipeline, bool) {
	id, err := models.ParsePipelineId(chi.URLParam(req, "id"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return db.Pipeline{}, false
	}

	p, err := r.db.GetPipeline(id)
	if errors.Is(err, db.ErrNotFound) {
		writeError(w, "pipeline not found", http.StatusNotFound)
		return p, false
	}
	if err != nil {
		r.l.Error("failed to get pipeline", "id", id, "err", err)
		writeError(w, "failed to get pipeline", http.StatusInternalServerError)
		return p, false
	}

	return p, true
}
