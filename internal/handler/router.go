package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cocktail-auth/internal/middleware"
	"cocktail-auth/internal/security"
	"cocktail-auth/internal/service"
)

// BackendOptions configures the auth server routes
type BackendOptions struct {
	AuthService    *service.AuthService
	Tokens         *security.TokenManager
	CookieSecure   bool
	AllowedOrigins []string
	ReadyChecks    map[string]Check
	OpenAPI        *middleware.OpenAPIValidatorConfig
	// AuthLimiter throttles login and registration. Nil disables throttling.
	AuthLimiter *middleware.RateLimiter
}

// NewBackendRouter wires the auth server's middleware and routes
func NewBackendRouter(opts BackendOptions) http.Handler {
	authHandler := NewAuthHandler(opts.AuthService, opts.Tokens, opts.CookieSecure)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(opts.AllowedOrigins))
	r.Use(middleware.Metrics())

	r.Get("/health", Health)
	r.Get("/health/ready", Ready(opts.ReadyChecks))
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/sanctum/csrf-cookie", authHandler.CSRFCookie)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.CSRF(opts.Tokens))
		r.Use(middleware.OpenAPIValidator(opts.OpenAPI))

		r.Group(func(r chi.Router) {
			if opts.AuthLimiter != nil {
				r.Use(opts.AuthLimiter.Middleware())
			}
			r.Post("/login", authHandler.Login)
			r.Post("/register", authHandler.Register)
		})
		r.Post("/logout", authHandler.Logout)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Auth(opts.AuthService))

			r.Get("/me", authHandler.Me)
			r.Get("/user", authHandler.Me)
			r.Put("/profile", authHandler.UpdateProfile)
			r.Post("/admin/users/{id}/ban", authHandler.Ban)
			r.Delete("/admin/users/{id}/ban", authHandler.Unban)
		})
	})

	return r
}

// AgentOptions configures the session agent routes
type AgentOptions struct {
	Sessions       SessionService
	IdentityStream http.Handler
	ReadyChecks    map[string]Check
}

// NewAgentRouter wires the session agent's local API
func NewAgentRouter(opts AgentOptions) http.Handler {
	sessionHandler := NewSessionHandler(opts.Sessions)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.Metrics())

	r.Get("/health", Health)
	r.Get("/health/ready", Ready(opts.ReadyChecks))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/session", func(r chi.Router) {
		r.Get("/", sessionHandler.State)
		r.Post("/login", sessionHandler.Login)
		r.Post("/logout", sessionHandler.Logout)
		r.Post("/check", sessionHandler.Check)
		r.Put("/profile", sessionHandler.UpdateProfile)
		r.Post("/register", sessionHandler.Register)
	})

	if opts.IdentityStream != nil {
		r.Handle("/ws/identity", opts.IdentityStream)
	}

	return r
}
