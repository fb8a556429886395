// Package httpapi exposes operational endpoints for the parity service.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"oref_parity/internal/metrics"
	"oref_parity/internal/queue"
	"oref_parity/internal/store"
)

// Router builds HTTP handlers for /ops.
type Router struct {
	store   *store.Store
	metrics *metrics.Metrics
	queue   *queue.Queue
	log     *zap.Logger
}

func NewRouter(st *store.Store, m *metrics.Metrics, q *queue.Queue, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{store: st, metrics: m, queue: q, log: log}
}

func (r *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ops/status", r.status)
	mux.HandleFunc("/ops/runs", r.runs)
	mux.HandleFunc("/ops/runs/", r.runDetail)
	mux.HandleFunc("/ops/health", r.health)
}

func (r *Router) status(w http.ResponseWriter, req *http.Request) {
	runs, _ := r.store.ListRuns(req.Context(), 5)
	payload := map[string]any{
		"metrics":     r.metrics.Snapshot(),
		"recent_runs": runs,
	}
	if r.queue != nil {
		stats := r.queue.Stats()
		payload["queue"] = map[string]any{
			"length":    stats.Length,
			"capacity":  stats.Capacity,
			"workers":   stats.WorkerCount,
			"processed": stats.Processed,
			"failed":    stats.Failed,
		}
	}
	r.respondJSON(w, payload)
}

func (r *Router) runs(w http.ResponseWriter, req *http.Request) {
	list, err := r.store.ListRuns(req.Context(), 50)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	r.respondJSON(w, list)
}

// runDetail serves /ops/runs/{id}, /ops/runs/{id}/report and
// /ops/runs/{id}/divergences.
func (r *Router) runDetail(w http.ResponseWriter, req *http.Request) {
	path := strings.TrimPrefix(req.URL.Path, "/ops/runs/")

	if rest, ok := strings.CutSuffix(path, "/divergences"); ok {
		verdicts, err := r.store.ListDivergences(req.Context(), rest, 200)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		r.respondJSON(w, verdicts)
		return
	}

	wantReport := false
	if rest, ok := strings.CutSuffix(path, "/report"); ok {
		path = rest
		wantReport = true
	}
	run, err := r.store.GetRun(req.Context(), path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.NotFound(w, req)
		return
	}
	if wantReport {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(run.ReportText))
		return
	}
	r.respondJSON(w, run)
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Health(req.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	if r.queue != nil && !r.queue.Healthy() {
		http.Error(w, "queue not started", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.log.Warn("write json", zap.Error(err))
	}
}
