package router

import (
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pgai-platform/gateway/internal/middleware"
)

// allowedMethods is the full method allow-list for gateway-proxied routes.
var allowedMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}

// allowedContentTypes is the content-type allow-list for body-bearing
// requests admitted to the gateway.
var allowedContentTypes = []string{"application/json"}

// mountAdmissionLayer wires the ordered, always-on chain spec.md §4.7
// requires ahead of routing: request-id stamp, security headers, method
// allow-list, size limit, content-type allow-list, timeout supervisor, and
// the warn-only suspicious-pattern detector. Rate limiting is profile
// specific (auth/api/public) and applied per mount in mountService instead
// of globally, since each profile keys and windows differently.
func mountAdmissionLayer(r chi.Router, deps Dependencies) {
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recoverer(deps.Logger))
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.AllowMethods(allowedMethods...))
	r.Use(middleware.MaxBodySize(deps.Config.Server.MaxBodyBytes))
	r.Use(middleware.AllowContentTypes(allowedContentTypes...))
	r.Use(middleware.Timeout(deps.Config.Server.RequestTimeout))
	r.Use(middleware.SuspiciousPatternDetector(deps.Logger))
}
