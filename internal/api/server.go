package api

import (
	"encoding/json"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fleetcron/internal/registry"
	"fleetcron/internal/scheduler"
	"fleetcron/internal/stats"
	"fleetcron/internal/store"
)

// Server exposes the read-only query surface: registered tasks, per-task
// stats, execution history, and live locks. Authorization is the embedding
// host's concern; nothing here mutates scheduler state.
type Server struct {
	r        *chi.Mux
	reg      *registry.Registry
	reporter *stats.Reporter
	logs     store.ExecutionLogStore
	locks    store.LockStore
}

func NewServer(reg *registry.Registry, reporter *stats.Reporter, logs store.ExecutionLogStore, locks store.LockStore) http.Handler {
	return NewServerWithDebug(reg, reporter, logs, locks, false)
}

func NewServerWithDebug(reg *registry.Registry, reporter *stats.Reporter, logs store.ExecutionLogStore, locks store.LockStore, enableDebug bool) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, reg: reg, reporter: reporter, logs: logs, locks: locks}

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{name}/stats", s.taskStats)
	r.Get("/api/tasks/{name}/executions", s.taskExecutions)
	r.Get("/api/tasks/{name}/executions/latest", s.latestExecution)
	r.Get("/api/locks", s.listLocks)

	if enableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("fleetcron_up 1\n"))
}

type taskInfo struct {
	Name     string  `json:"name"`
	Schedule string  `json:"schedule"`
	Mode     string  `json:"mode"`
	Timeout  string  `json:"timeout,omitempty"`
	NextRun  *string `json:"next_run,omitempty"`
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	defs := s.reg.All()
	infos := make([]taskInfo, 0, len(defs))
	now := time.Now()
	for _, d := range defs {
		info := taskInfo{Name: d.Name, Schedule: d.Schedule, Mode: string(d.Mode)}
		if d.Timeout > 0 {
			info.Timeout = d.Timeout.String()
		}
		if next, err := scheduler.NextRunTime(d.Schedule, now); err == nil {
			n := next.Format(time.RFC3339)
			info.NextRun = &n
		}
		infos = append(infos, info)
	}
	writeJSON(w, 200, infos)
}

func (s *Server) taskStats(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.reg.Get(name); !ok {
		http.Error(w, "not found", 404)
		return
	}
	st, err := s.reporter.TaskStats(r.Context(), name)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, st)
}

func (s *Server) taskExecutions(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.reg.Get(name); !ok {
		http.Error(w, "not found", 404)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.logs.ListRecent(r.Context(), name, limit)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, entries)
}

func (s *Server) latestExecution(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.reg.Get(name); !ok {
		http.Error(w, "not found", 404)
		return
	}
	entry, err := s.reporter.LatestExecution(r.Context(), name)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	if entry == nil {
		http.Error(w, "no executions", 404)
		return
	}
	writeJSON(w, 200, entry)
}

func (s *Server) listLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := s.locks.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, locks)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
