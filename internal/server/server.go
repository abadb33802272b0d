package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"timealign/internal/pipeline"
	"timealign/internal/storage"
	"timealign/internal/tasks"
	"timealign/internal/web"
)

// Queue is the part of the pipeline the server drives.
type Queue interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Options configures a Server.
type Options struct {
	Addr        string
	AnchorsFile string
	ParamsFile  string
	// WatchAnchors queues a solve job whenever the anchor file is saved.
	WatchAnchors bool
}

// Server exposes the job queue, job history and the anchor file over HTTP.
type Server struct {
	opts   Options
	store  *storage.Store
	queue  Queue
	hub    *web.Hub
	log    *slog.Logger
	server *http.Server
}

// New creates a server. store may be nil, in which case job history routes
// report no jobs.
func New(opts Options, store *storage.Store, queue Queue, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		opts:  opts,
		store: store,
		queue: queue,
		hub:   web.NewHub(log),
		log:   log,
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	s.setupAlignmentRoutes(r)
	return r
}

// Start serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	results, unsubscribe := s.queue.Subscribe()
	go func() {
		s.hub.Forward(ctx, results)
		unsubscribe()
	}()

	if s.opts.WatchAnchors && s.opts.AnchorsFile != "" {
		aw, err := tasks.NewAnchorWatcher(s.opts.AnchorsFile, tasks.DefaultDebounce, func(path string) {
			job := s.newSolveJob(path, s.opts.ParamsFile, nil)
			if err := s.queue.Submit(job); err != nil {
				s.log.Warn("auto solve not queued", "anchors", path, "error", err)
				return
			}
			s.log.Info("anchor file changed, solve queued", "anchors", path, "job", job.ID)
		})
		if err != nil {
			s.log.Warn("anchor watcher not started", "error", err)
		} else {
			go func() {
				if err := aw.Run(ctx); err != nil {
					s.log.Error("anchor watcher stopped", "error", err)
				}
			}()
		}
	}

	s.server = &http.Server{
		Addr:    s.opts.Addr,
		Handler: s.Handler(),
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.opts.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// setupRoutes configures basic HTTP routes
func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/", web.HandleDashboard).Methods("GET")
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.Handle("/ws", s.hub).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, []storage.JobRecord{})
		return
	}
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.JobRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

// JobDetail is the response of GET /jobs/{id}.
type JobDetail struct {
	storage.JobRecord
	Meta       map[string]any            `json:"meta,omitempty"`
	Transforms []storage.TransformRecord `json:"transforms,omitempty"`
	Outputs    []storage.OutputRecord    `json:"outputs,omitempty"`
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if s.store == nil {
		http.Error(w, "job history disabled", http.StatusNotFound)
		return
	}
	rec, err := s.store.Job(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "unknown job "+id, http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	detail := JobDetail{JobRecord: rec}
	// queued and running jobs have no result yet
	if detail.Meta, err = s.store.JobMeta(id); err != nil && !errors.Is(err, sql.ErrNoRows) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if detail.Transforms, err = s.store.Transforms(id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if detail.Outputs, err = s.store.Outputs(id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.queue.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(res)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
