package server

import (
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/eagleeyes/internal/downloads"
	"github.com/dukerupert/eagleeyes/internal/events"
	"github.com/dukerupert/eagleeyes/internal/handler"
	"github.com/dukerupert/eagleeyes/internal/identity"
	"github.com/dukerupert/eagleeyes/internal/licensing"
	"github.com/dukerupert/eagleeyes/internal/metrics"
	"github.com/dukerupert/eagleeyes/internal/middleware"
	"github.com/dukerupert/eagleeyes/internal/store"
)

const (
	publicRateLimit  = 10
	publicRateWindow = time.Minute

	// A desktop app asks for at most a few tokens at startup.
	dispenseRateLimit  = 30
	dispenseRateWindow = time.Minute
)

type Server struct {
	db             *sql.DB
	service        *licensing.Service
	hub            *events.Hub
	verifier       identity.Verifier
	licenseH       *handler.LicenseHandler
	adminH         *handler.AdminHandler
	newsletterH    *handler.NewsletterHandler
	formH          *handler.FormHandler
	downloadH      *handler.DownloadHandler
	eventsH        http.HandlerFunc
	rateLimiter    *middleware.RateLimiter
	requestTimeout time.Duration
	logger         *slog.Logger
}

type Config struct {
	Licensing licensing.Config
	Signer    licensing.Signer
	Identity  identity.Verifier
	// Notifier is optional; without one no mail is sent.
	Notifier       licensing.Notifier
	Downloads      downloads.Config
	EventOrigins   []string
	BackupLink     string
	RequestTimeout time.Duration
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) *Server {
	hub := events.NewHub(logger.With("component", "events"))

	licenseStore := store.NewLicenseStore(db)
	tokenStore := store.NewTokenStore(db)
	signupStore := store.NewSignupStore(db)
	newsletterStore := store.NewNewsletterStore(db)

	opts := []licensing.Option{licensing.WithPublisher(hub)}
	if cfg.Notifier != nil {
		opts = append(opts, licensing.WithNotifier(cfg.Notifier))
	}
	svc := licensing.NewService(licenseStore, tokenStore, cfg.Signer, cfg.Licensing,
		logger.With("component", "licensing"), opts...)

	formH := handler.NewFormHandler(signupStore, cfg.BackupLink, logger.With("component", "forms"))

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Server{
		db:             db,
		service:        svc,
		hub:            hub,
		verifier:       cfg.Identity,
		licenseH:       handler.NewLicenseHandler(svc, logger.With("component", "licenses")),
		adminH:         handler.NewAdminHandler(svc, signupStore, logger.With("component", "admin")),
		newsletterH:    handler.NewNewsletterHandler(newsletterStore, logger.With("component", "newsletter")),
		formH:          formH,
		downloadH:      handler.NewDownloadHandler(downloads.New(cfg.Downloads), formH, logger.With("component", "downloads")),
		eventsH:        events.Handler(hub, cfg.EventOrigins, logger.With("component", "events")),
		rateLimiter:    middleware.NewRateLimiter(),
		requestTimeout: timeout,
		logger:         logger,
	}
}

// Service returns the licensing service so shutdown can drain notifications.
func (s *Server) Service() *licensing.Service {
	return s.service
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// Hub returns the admin event hub.
func (s *Server) Hub() *events.Hub {
	return s.hub
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	// Public routes
	health := handler.Health(s.db)
	mux.HandleFunc("GET /health", health)
	mux.HandleFunc("GET /__/health", health)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /api/licenses/confirm", s.rateLimitedHandler(s.licenseH.Confirm))
	mux.HandleFunc("POST /api/newsletter", s.rateLimitedHandler(s.newsletterH.Signup))

	// Signed-in users
	user := middleware.RequireUser(s.verifier, s.logger.With("component", "auth"))
	mux.Handle("GET /api/licenses/check", user(http.HandlerFunc(s.licenseH.Check)))
	dispenseLimit := middleware.RateLimit(s.rateLimiter, middleware.CallerKey, dispenseRateLimit, dispenseRateWindow)
	mux.Handle("POST /api/tokens", user(dispenseLimit(http.HandlerFunc(s.licenseH.RequestToken))))
	mux.Handle("GET /api/admin/me", user(http.HandlerFunc(s.adminH.Me)))
	mux.Handle("POST /api/forms/register", user(http.HandlerFunc(s.formH.Register)))
	mux.Handle("GET /api/forms/me", user(http.HandlerFunc(s.formH.Mine)))
	mux.Handle("POST /api/downloads/link", user(http.HandlerFunc(s.downloadH.Link)))
	mux.Handle("GET /api/downloads", user(http.HandlerFunc(s.downloadH.List)))

	// Admins
	admin := func(h http.HandlerFunc) http.Handler {
		return user(middleware.RequireAdmin(s.service.IsAdmin)(h))
	}
	mux.Handle("POST /api/admin/licenses", admin(s.adminH.AddLicense))
	mux.Handle("GET /api/admin/events", admin(s.eventsH))

	logged := middleware.RequestLogger(s.logger.With("component", "http"))(mux)
	return middleware.CORS(middleware.Timeout(s.requestTimeout)(logged))
}

func (s *Server) rateLimitedHandler(h http.HandlerFunc) http.HandlerFunc {
	rl := middleware.RateLimit(s.rateLimiter, middleware.RealIP, publicRateLimit, publicRateWindow)
	return rl(h).ServeHTTP
}
