package api

import (
	"net/http"

	"jobd/internal/health"
	"jobd/internal/metastore"
	"jobd/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Store         *metastore.Store
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Store, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Job endpoints - auth required
	auth := RequireBearer(cfg.APIKey)
	mux.Handle("GET /v1/jobs", auth(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{username}/{jobID}", auth(http.HandlerFunc(handler.GetJob)))
	mux.Handle("GET /v1/jobs/{username}/{jobID}/files", auth(http.HandlerFunc(handler.ListJobFiles)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = CORS(h)
	if cfg.Metrics != nil {
		h = InstrumentHTTP(cfg.Metrics)(h)
	}
	h = AccessLog(h)
	h = RequestID(h)
	h = Recover(h)

	return h
}
