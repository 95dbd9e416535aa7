package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/promptlab/promptlab/internal/config"
	"github.com/promptlab/promptlab/internal/modelrouter"
	"github.com/promptlab/promptlab/internal/observability"
)

// Server holds the dependencies the HTTP handlers need.
type Server struct {
	log     zerolog.Logger
	router  *modelrouter.Router
	metrics *observability.Metrics
	cfg     *config.Config
}

// New constructs a Server. router and metrics may be nil: without a
// router, /evolve and /generate answer 503 and /stats returns an empty
// object; without metrics, /metrics is not mounted.
func New(cfg *config.Config, log zerolog.Logger, router *modelrouter.Router, metrics *observability.Metrics) *Server {
	return &Server{cfg: cfg, log: log, router: router, metrics: metrics}
}

// Handler assembles the chi.Router with the full middleware chain and
// mounts every route, following the teacher's router.NewRouter shape.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(corsMiddleware([]string{"*"}))
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(s.log))
	r.Use(timeoutMiddleware(s.cfg.DefaultRequestTimeout))

	r.Get("/healthz", s.Healthz)
	if s.metrics != nil {
		r.Get("/metrics", s.metrics.Handler())
	}

	limiter := newRateLimiter(s.log, s.cfg.RateLimitRPM)
	r.Group(func(r chi.Router) {
		if s.cfg.RateLimitEnabled {
			r.Use(limiter.handler)
		}
		r.Post("/evolve", s.Evolve)
		r.Post("/generate", s.Generate)
		r.Get("/stats", s.Stats)
	})

	return r
}
