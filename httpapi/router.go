// Package httpapi exposes metered generation and account administration
// over HTTP.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ineyio/quotagate"
)

// Deps are the components the HTTP surface serves.
type Deps struct {
	Service     *quotagate.Service
	Admin       *quotagate.Admin
	Provisioner *quotagate.Provisioner
	Reporter    *quotagate.Reporter
	Auth        *Authenticator
}

// Server holds the HTTP handlers.
type Server struct {
	service     *quotagate.Service
	admin       *quotagate.Admin
	provisioner *quotagate.Provisioner
	reporter    *quotagate.Reporter
	auth        *Authenticator
	logger      *slog.Logger
	lookback    time.Duration
	now         func() time.Time
}

// Option configures Server.
type Option func(*Server)

// WithLogger sets the logger for request and error logs.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithReportLookback sets how far back /v1/admin/suspicious scans by default.
func WithReportLookback(d time.Duration) Option {
	return func(s *Server) { s.lookback = d }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// NewServer creates a Server from deps.
func NewServer(deps Deps, opts ...Option) *Server {
	s := &Server{
		service:     deps.Service,
		admin:       deps.Admin,
		provisioner: deps.Provisioner,
		reporter:    deps.Reporter,
		auth:        deps.Auth,
		logger:      slog.Default(),
		lookback:    24 * time.Hour,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		middleware.RequestLogger(&middleware.DefaultLogFormatter{
			Logger:  slog.NewLogLogger(s.logger.Handler(), slog.LevelInfo),
			NoColor: true,
		}),
	)

	r.Get("/v1/healthz", s.health)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)

		r.Post("/v1/generate", s.generate)
		r.Get("/v1/me", s.me)
		r.Get("/v1/leaderboard", s.leaderboard)

		r.Route("/v1/admin", func(r chi.Router) {
			r.Get("/suspicious", s.suspicious)
			r.Get("/accounts", s.listAccounts)
			r.Post("/bans", s.banMany)
			r.Delete("/bans", s.unbanMany)

			r.Route("/accounts/{handle}", func(r chi.Router) {
				r.Get("/", s.lookup)
				r.Put("/admin", s.grantAdmin)
				r.Delete("/admin", s.revokeAdmin)
				r.Put("/moderator", s.grantModerator)
				r.Delete("/moderator", s.revokeModerator)
				r.Put("/subscription", s.grantSubscription)
				r.Delete("/subscription", s.revokeSubscription)
				r.Put("/ban", s.ban)
				r.Delete("/ban", s.unban)
				r.Post("/uses", s.adjustUses)
				r.Put("/unlimited", s.setUnlimited)
				r.Put("/handle", s.changeHandle)
			})
		})
	})

	return r
}
