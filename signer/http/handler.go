package http

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/metric"

	"github.com/keybunker/keybunker/signer/daemon"
	"github.com/keybunker/keybunker/signer/http/handlers/apps"
	"github.com/keybunker/keybunker/signer/http/handlers/events"
	"github.com/keybunker/keybunker/signer/http/handlers/keys"
	"github.com/keybunker/keybunker/signer/http/handlers/recovery"
	"github.com/keybunker/keybunker/signer/http/handlers/requests"
	"github.com/keybunker/keybunker/signer/http/middleware"
	"github.com/keybunker/keybunker/signer/metrics"
	"github.com/keybunker/keybunker/signer/notify"
)

const apiPrefix = "/api"

// Config of the confirmation UI API
type Config struct {
	// Token is the bearer token the UI must present. Empty disables authentication.
	Token string
	// AllowedOrigins lists the CORS origins. Empty allows every origin.
	AllowedOrigins []string
	// RateLimit throttles the routes taking a passphrase. Nil uses the defaults.
	RateLimit *middleware.RateLimiterConfig
}

var passphraseRoutes = []string{
	apiPrefix + "/keys/{pubkey}/unlock",
	apiPrefix + "/keys/{pubkey}/export",
	apiPrefix + "/keys/{pubkey}/backup",
	apiPrefix + "/keys/restore",
}

// NewAPIHandler creates the HTTP API handler registering all the available endpoints
func NewAPIHandler(ctx context.Context, d *daemon.Daemon, notifier *notify.Manager, meter metric.Meter, config Config) (http.Handler, error) {
	metricsMiddleware, err := metrics.NewHTTPMiddleware(ctx, meter)
	if err != nil {
		return nil, err
	}

	corsMiddleware := cors.AllowAll()
	if len(config.AllowedOrigins) > 0 {
		corsMiddleware = cors.New(cors.Options{
			AllowedOrigins: config.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
			AllowedHeaders: []string{"Authorization", "Content-Type"},
		})
	}
	authMiddleware := middleware.NewAuthMiddleware(config.Token)
	requestMiddleware := middleware.NewRequestMiddleware()
	rateLimiter := middleware.NewRateLimiter(config.RateLimit, passphraseRoutes...)

	rootRouter := mux.NewRouter()
	router := rootRouter.PathPrefix(apiPrefix).Subrouter()
	router.Use(requestMiddleware.Handler, metricsMiddleware.Handler, corsMiddleware.Handler, authMiddleware.Handler, rateLimiter.Handler)

	keys.AddEndpoints(d, router)
	requests.AddEndpoints(d, router)
	apps.AddEndpoints(d.Manager(), router)
	recovery.AddEndpoints(d, router)
	events.AddEndpoints(notifier, router)

	err = router.Walk(func(route *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		methods, err := route.GetMethods()
		if err != nil {
			return nil
		}
		template, err := route.GetPathTemplate()
		if err != nil {
			return err
		}
		log.Tracef("registered API route %v %s", methods, template)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return rootRouter, nil
}
