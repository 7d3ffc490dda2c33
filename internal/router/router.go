// Package router builds the gateway's upstream routing table: chi
// sub-routers per path prefix, each guarded by the route-level guards
// spec.md §4.6 requires and proxied to its backing service through the
// Circuit Breaker.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pgai-platform/gateway/internal/breaker"
	"github.com/pgai-platform/gateway/internal/config"
	"github.com/pgai-platform/gateway/internal/domain"
	"github.com/pgai-platform/gateway/internal/middleware"
	"github.com/pgai-platform/gateway/internal/ratelimit"
	"github.com/pgai-platform/gateway/internal/response"
	"github.com/rs/zerolog"
)

// authMode selects which authentication guard a mount point uses.
type authMode int

const (
	authNone authMode = iota
	authOptional
	authRequired
)

// mount describes one entry of the prefix → service routing table
// (spec.md §4.6) along with the route-level guards applied before proxying.
type mount struct {
	prefix      string
	service     string
	auth        authMode
	minRole     domain.Role
	ownerParam  string // chi URL param name for requireOwnership; empty to skip
	teamScoped  bool   // apply RequireTeamScope("team_id", RoleAdmin)
}

// routingTable is spec.md §4.6's prefix table: "auth → user, users → user,
// connections → connection, schemas → schema, views → view, versions →
// versioning, docs → documentation". Guards beyond bare authentication are
// an implementation decision recorded in DESIGN.md: auth's own
// login/refresh/logout endpoints stay optionally authenticated, per-user
// resources are owned by the path's {userID} segment, team-scoped
// resources honor a team_id query parameter, and docs stays public.
// changes/history/analytics are top-level prefixes spec.md §6 assigns to
// the schema service alongside schemas/*, so they route to the same
// upstream.
var routingTable = []mount{
	{prefix: "auth", service: "user", auth: authOptional},
	{prefix: "users", service: "user", auth: authRequired, minRole: domain.RoleViewer, ownerParam: "userID"},
	{prefix: "connections", service: "connection", auth: authRequired, minRole: domain.RoleViewer, teamScoped: true},
	{prefix: "schemas", service: "schema", auth: authRequired, minRole: domain.RoleViewer, teamScoped: true},
	{prefix: "changes", service: "schema", auth: authRequired, minRole: domain.RoleViewer, teamScoped: true},
	{prefix: "history", service: "schema", auth: authRequired, minRole: domain.RoleViewer, teamScoped: true},
	{prefix: "analytics", service: "schema", auth: authRequired, minRole: domain.RoleViewer, teamScoped: true},
	{prefix: "views", service: "view", auth: authRequired, minRole: domain.RoleViewer, teamScoped: true},
	{prefix: "versions", service: "versioning", auth: authRequired, minRole: domain.RoleViewer},
	{prefix: "docs", service: "documentation", auth: authNone},
}

// Dependencies holds everything the router needs to mount the routing
// table and its admission-layer guards.
type Dependencies struct {
	Config         *config.Config
	Logger         zerolog.Logger
	Breakers       *breaker.Registry
	Verifier       middleware.Verifier
	RateLimiters   ratelimit.Profiles
	MetricsHandler http.Handler
	Development    bool
}

// New builds the full gateway router: the admission layer (spec.md §4.7),
// followed by one sub-router per configured upstream service. A prefix
// whose service has no configured base URL is silently omitted, per
// spec.md §4.6.
func New(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	mountAdmissionLayer(r, deps)

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(deps))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}

	for _, m := range routingTable {
		svcCfg, ok := deps.Config.Services[m.service]
		if !ok {
			deps.Logger.Info().Str("prefix", m.prefix).Str("service", m.service).
				Msg("no upstream URL configured, route omitted")
			continue
		}
		mountService(r, deps, m, svcCfg)
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		response.WriteError(w, http.StatusNotFound, "not_found", "the requested resource was not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		response.WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "the requested method is not allowed")
	})

	return r
}

func mountService(r chi.Router, deps Dependencies, m mount, svcCfg config.ServiceConfig) {
	br := deps.Breakers.Get(m.service)
	p := newProxy(m.service, svcCfg, br, deps.Logger, deps.Config.Server.Version, deps.Development)

	r.Route("/"+m.prefix, func(sr chi.Router) {
		switch m.auth {
		case authRequired:
			sr.Use(middleware.Authenticate(deps.Verifier, deps.Logger))
			sr.Use(middleware.Authorize(m.minRole))
		case authOptional:
			sr.Use(middleware.OptionalAuthenticate(deps.Verifier, deps.Logger))
		case authNone:
		}
		if m.teamScoped {
			sr.Use(middleware.RequireTeamScope("team_id", domain.RoleAdmin))
		}
		mountRateLimit(sr, deps, m)

		if m.ownerParam != "" {
			sr.Route("/{"+m.ownerParam+"}", func(or chi.Router) {
				or.Use(middleware.RequireOwnership(m.ownerParam, domain.RoleAdmin))
				or.Handle("/*", p)
				or.Handle("/", p)
			})
			sr.Handle("/", p)
			return
		}

		sr.Handle("/*", p)
		sr.Handle("/", p)
	})
}

// mountRateLimit applies the profile matching the mount's auth mode: the
// auth prefix uses the stricter per-IP profile that only counts failed
// attempts, authenticated prefixes use the per-user api profile, and public
// prefixes use the per-IP public profile (spec.md §4.7).
func mountRateLimit(sr chi.Router, deps Dependencies, m mount) {
	switch m.auth {
	case authOptional:
		if deps.RateLimiters.Auth != nil {
			sr.Use(middleware.RateLimitSkipSuccessful(deps.RateLimiters.Auth, deps.Config.RateLimit.Auth.Max, middleware.ByIP, deps.Logger))
		}
	case authRequired:
		if deps.RateLimiters.API != nil {
			sr.Use(middleware.RateLimit(deps.RateLimiters.API, deps.Config.RateLimit.API.Max, middleware.ByUserOrIP, deps.Logger))
		}
	case authNone:
		if deps.RateLimiters.Public != nil {
			sr.Use(middleware.RateLimit(deps.RateLimiters.Public, deps.Config.RateLimit.Public.Max, middleware.ByIP, deps.Logger))
		}
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	response.WriteSuccess(w, "", map[string]string{"status": "ok"})
}

func readyHandler(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		states := deps.Breakers.Snapshot()
		for upstream, state := range states {
			if state == breaker.StateOpen {
				response.WriteSuccessStatus(w, http.StatusServiceUnavailable, "", map[string]interface{}{
					"status":   "degraded",
					"upstream": upstream,
					"breakers": states,
				})
				return
			}
		}
		response.WriteSuccess(w, "", map[string]interface{}{"status": "ready", "breakers": states})
	}
}
