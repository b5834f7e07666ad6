package server

import (
	"crypto/subtle"
	"net/http"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/relaypoint/relaypoint/internal/config"
	"github.com/relaypoint/relaypoint/internal/metrics"
	"github.com/relaypoint/relaypoint/internal/observability"
	"github.com/relaypoint/relaypoint/internal/server/handlers"
	servermw "github.com/relaypoint/relaypoint/internal/server/middleware"
)

// AdminTokenHeader authenticates admin routes. Authorization is left for
// platform credentials.
const AdminTokenHeader = "X-Admin-Token"

// registerRoutes registers all HTTP routes
func (s *Server) registerRoutes() {
	s.router.Get("/health", s.health.HealthHandler)
	s.router.Get("/health/live", s.health.LivenessHandler)
	s.router.Get("/health/ready", s.health.ReadinessHandler)
	s.router.Get("/health/startup", s.health.StartupHandler)

	s.router.Get("/version", handlers.VersionHandler)
	s.router.Method(http.MethodGet, "/metrics", observability.MetricsHandler(metrics.Registry))

	if s.app == nil {
		return
	}

	api := &handlers.API{App: s.app}
	admin := config.AdminConfig{}
	if s.app.Config != nil {
		admin = s.app.Config.Admin
	}

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/platforms", api.ListPlatforms)
		r.Get("/usage", api.ListUsage)

		r.Route("/platforms/{platform}/accounts/{account}", func(r chi.Router) {
			r.Get("/limits", api.GetLimits)
			r.Get("/messages", api.FetchMessages)
			r.Post("/messages", api.SendMessage)
			r.Get("/conversations", api.GetConversations)
			r.Post("/conversations/{conversation}/messages/{message}/read", api.MarkAsRead)

			r.Group(func(r chi.Router) {
				r.Use(servermw.Throttle(admin.RequestsPerSecond, admin.Burst, rejectThrottled))
				r.Use(requireAdminToken(admin.Token))
				r.Post("/pause", api.PauseAccount)
				r.Delete("/limits", api.ResetLimits)
			})
		})
	})

	s.registerAdminEndpoint(admin)
}

// requireAdminToken checks X-Admin-Token when a token is configured.
func requireAdminToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(AdminTokenHeader)
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				rejectUnauthorized(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// registerAdminEndpoint exposes signal delivery when an admin token is set.
func (s *Server) registerAdminEndpoint(admin config.AdminConfig) {
	logger := observability.ServerLogger
	if admin.Token == "" {
		if logger != nil {
			logger.Debug("Admin signal endpoint disabled (no " + config.EnvPrefix + "_ADMIN_TOKEN set)")
		}
		return
	}

	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: admin.Token,
		RateLimit: 10,
		RateBurst: 5,
		Manager:   nil,
	})
	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Info("Admin signal endpoint enabled",
			zap.String("path", "/admin/signal"),
			zap.String("auth", "bearer token"),
			zap.String("rate_limit", "10/min, burst 5"))
		logger.Warn("Admin endpoint enabled - ensure this server is not exposed to public internet")
	}
}
