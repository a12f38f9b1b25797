package routes

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"fileforge/config"
	"fileforge/converter"
	"fileforge/history"
	"fileforge/job"
	"fileforge/logger"
	"fileforge/metrics"
	"fileforge/ratelimit"
	"fileforge/taskqueue"
)

// HistoryReader is the read side of the history ledger.
type HistoryReader interface {
	Get(jobID string) (*history.Entry, error)
	List(limit int) ([]history.Entry, error)
	CheckHealth() error
}

// Options wires a Server. History, Metrics and Queue may be nil.
type Options struct {
	Pipeline     *job.Pipeline
	Tools        *converter.Registry
	Limiter      *ratelimit.Limiter
	Limits       config.RateLimitConfig
	Upload       config.UploadConfig
	WorkDir      string
	ProgressPoll time.Duration
	History      HistoryReader
	Metrics      *metrics.Metrics
	Queue        *taskqueue.Queue
}

// Server is the HTTP surface of the conversion service.
type Server struct {
	opts     Options
	global   *rate.Limiter
	upgrader websocket.Upgrader
	router   *chi.Mux
	now      func() time.Time
}

func NewServer(opts Options) *Server {
	if opts.ProgressPoll <= 0 {
		opts.ProgressPoll = 500 * time.Millisecond
	}
	s := &Server{
		opts:   opts,
		router: chi.NewRouter(),
		now:    time.Now,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if opts.Limits.GlobalRPS > 0 {
		burst := max(opts.Limits.GlobalBurst, 1)
		s.global = rate.NewLimiter(rate.Limit(opts.Limits.GlobalRPS), burst)
	}
	s.registerRoutes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", s.HealthHandler)
	r.Get("/version", VersionHandler)
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		convert := s.admit("convert", s.opts.Limits.ConvertMax)
		poll := s.admit("poll", s.opts.Limits.PollMax)

		r.With(convert).Post("/tools/{tool}", s.convert)

		r.Group(func(r chi.Router) {
			r.Use(poll)
			r.Get("/tools", s.listTools)
			r.Get("/jobs/{id}", s.jobStatus)
			r.Get("/jobs/{id}/result", s.jobResult)
			r.Get("/jobs/{id}/ws", s.jobWS)
			r.Get("/history", s.listHistory)
			r.Get("/history/{id}", s.getHistory)
		})
	})
}

// requestLogger logs every request at debug level once it is answered.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Debugf("%s %s -> %d (%d bytes, %v, req=%s)",
			r.Method, r.URL.Path, ww.Status(), ww.BytesWritten(), time.Since(start), middleware.GetReqID(r.Context()))
	})
}
