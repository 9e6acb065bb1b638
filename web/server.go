package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jnesss/bpf-sandbox/database"
)

const (
	defaultSessionLimit = 50
	defaultEventLimit   = 500
	maxEventLimit       = 10000
)

type Server struct {
	engine     Engine
	db         *database.DB
	gatherer   prometheus.Gatherer
	listenAddr string
	logger     *zap.Logger
	router     *chi.Mux
}

// NewServer wires the status API. db and gatherer may be nil; their routes
// then report 404.
func NewServer(eng Engine, db *database.DB, gatherer prometheus.Gatherer, listenAddr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		engine:     eng,
		db:         db,
		gatherer:   gatherer,
		listenAddr: listenAddr,
		logger:     logger.Named("web"),
		router:     chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", s.handleState)
		r.Get("/events", s.handleEvents)
		if s.db != nil {
			r.Get("/sessions", s.handleSessions)
			r.Get("/sessions/{id}/detections", s.handleDetections)
		}
	})

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.Info("Starting web server", zap.String("addr", s.listenAddr))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server shutdown error", zap.Error(err))
		}
	}()

	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	vs := s.engine.Poll()
	s.writeJSON(w, StateRow{
		Generation:    vs.Generation,
		TimestampNs:   vs.TimestampNs,
		Flags:         uint64(vs.Flags),
		FlagNames:     vs.Flags.String(),
		Progress:      vs.Progress,
		State:         s.engine.State().String(),
		EventCount:    s.engine.EventCount(),
		TargetPID:     s.engine.TargetPID(),
		TargetRunning: s.engine.TargetRunning(),
	})
}

// handleEvents returns committed events starting at ?offset, at most ?limit.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	offset, err := intParam(r, "offset", 0)
	if err != nil || offset < 0 {
		http.Error(w, "Invalid offset", http.StatusBadRequest)
		return
	}
	limit, err := intParam(r, "limit", defaultEventLimit)
	if err != nil || limit <= 0 {
		http.Error(w, "Invalid limit", http.StatusBadRequest)
		return
	}
	limit = min(limit, maxEventLimit)

	count := s.engine.EventCount()
	rows := make([]EventRow, 0, max(0, min(limit, count-offset)))
	for i := offset; i < count && len(rows) < limit; i++ {
		ev, ok := s.engine.GetEvent(i)
		if !ok {
			break
		}
		rows = append(rows, newEventRow(ev))
	}
	s.writeJSON(w, rows)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultSessionLimit)
	if err != nil || limit <= 0 {
		http.Error(w, "Invalid limit", http.StatusBadRequest)
		return
	}

	sessions, err := s.db.ListSessions(limit)
	if err != nil {
		s.logger.Warn("Failed to list sessions", zap.Error(err))
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []database.SessionRecord{}
	}
	s.writeJSON(w, sessions)
}

func (s *Server) handleDetections(w http.ResponseWriter, r *http.Request) {
	dets, err := s.db.GetDetections(chi.URLParam(r, "id"))
	if err != nil {
		s.logger.Warn("Failed to load detections", zap.Error(err))
		http.Error(w, "Database error", http.StatusInternalServerError)
		return
	}
	if dets == nil {
		dets = []database.DetectionRecord{}
	}
	s.writeJSON(w, dets)
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("Error encoding response", zap.Error(err))
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}
