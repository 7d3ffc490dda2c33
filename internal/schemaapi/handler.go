// Package schemaapi is the schema service's external HTTP surface
// (spec.md §6 "Schema service external surface"): on-demand and scheduled
// discovery, the schema cache, drift detection control, change history and
// review, and the room-keyed WebSocket push channel (spec.md §4.11).
package schemaapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/pgai-platform/gateway/internal/apperr"
	"github.com/pgai-platform/gateway/internal/authctx"
	"github.com/pgai-platform/gateway/internal/changedetect"
	"github.com/pgai-platform/gateway/internal/changehistory"
	"github.com/pgai-platform/gateway/internal/discovery"
	"github.com/pgai-platform/gateway/internal/domain"
	"github.com/pgai-platform/gateway/internal/fanout"
	"github.com/pgai-platform/gateway/internal/middleware"
	"github.com/pgai-platform/gateway/internal/registry"
	"github.com/pgai-platform/gateway/internal/response"
	"github.com/pgai-platform/gateway/internal/schemacache"
	"github.com/rs/zerolog"
)

// Handler wires the Schema Discoverer, Schema Cache, Change Detector, and
// fan-out Hub into HTTP and WebSocket endpoints.
type Handler struct {
	registry    *registry.Registry
	discoverer  *discovery.Discoverer
	cache       *schemacache.Cache
	detector    *changedetect.Detector
	history     *changehistory.Store
	hub         *fanout.Hub
	logger      zerolog.Logger
	development bool
}

// New builds a schema service Handler.
func New(reg *registry.Registry, disc *discovery.Discoverer, cache *schemacache.Cache, det *changedetect.Detector, hist *changehistory.Store, hub *fanout.Hub, logger zerolog.Logger, development bool) *Handler {
	return &Handler{
		registry:    reg,
		discoverer:  disc,
		cache:       cache,
		detector:    det,
		history:     hist,
		hub:         hub,
		logger:      logger,
		development: development,
	}
}

// Routes mounts every endpoint spec.md §6 assigns to the schema service.
func Routes(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recoverer(h.logger))
	r.Use(middleware.Logger(h.logger))
	r.Use(middleware.TrustGatewayHeaders())

	r.Get("/health", h.Health)

	r.Route("/schemas", func(sr chi.Router) {
		sr.Post("/discover", h.Discover)
		sr.Post("/search", h.Search)
		sr.Get("/connections/{id}", h.GetCached)
		sr.Get("/ws", h.hub.ServeWS)
	})
	r.Delete("/schemas/cache/{id}", h.InvalidateCache)

	r.Route("/changes", func(cr chi.Router) {
		cr.Post("/start/{id}", h.ChangesStart)
		cr.Post("/stop/{id}", h.ChangesStop)
		cr.Post("/trigger/{id}", h.ChangesTrigger)
		cr.Get("/status", h.ChangesStatus)
		cr.Get("/{id}", h.GetChange)
		cr.Post("/{id}/review", h.ReviewChange)
	})

	r.Get("/history/{id}", h.History)
	r.Get("/analytics/changes/{id}", h.Analytics)

	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	response.WriteSuccess(w, requestID(r), map[string]string{"status": "ok"})
}

func requestID(r *http.Request) string {
	return chimiddleware.GetReqID(r.Context())
}

func writeAppErr(w http.ResponseWriter, r *http.Request, h *Handler, err error) {
	var appErr *apperr.Error
	if apperr.As(err, &appErr) {
		response.WriteAppError(w, requestID(r), appErr, h.development)
		return
	}
	response.WriteAppError(w, requestID(r), apperr.Internal(err), h.development)
}

func ownerFromRequest(r *http.Request) (uuid.UUID, *apperr.Error) {
	auth, ok := authctx.FromContext(r.Context())
	if !ok {
		return uuid.UUID{}, apperr.Unauthorized("authentication required")
	}
	owner, err := uuid.Parse(auth.UserID)
	if err != nil {
		return uuid.UUID{}, apperr.ValidationError("user id is not a valid identifier")
	}
	return owner, nil
}

// resolveConnection loads the ConnectionConfig named by idParam, scoped to
// the requesting owner.
func (h *Handler) resolveConnection(r *http.Request, owner uuid.UUID, idParam string) (domain.ConnectionConfig, *apperr.Error) {
	id, err := uuid.Parse(idParam)
	if err != nil {
		return domain.ConnectionConfig{}, apperr.ValidationError("invalid connection id")
	}
	cfg, err := h.registry.Get(r.Context(), owner, id)
	if err != nil {
		var appErr *apperr.Error
		if apperr.As(err, &appErr) {
			return domain.ConnectionConfig{}, appErr
		}
		return domain.ConnectionConfig{}, apperr.Internal(err)
	}
	return cfg, nil
}

type discoverRequest struct {
	ConnectionID     string `json:"connection_id"`
	ForceRefresh     bool   `json:"force_refresh"`
	IncludeSystem    bool   `json:"include_system"`
	IncludeFunctions bool   `json:"include_functions"`
	IncludeTypes     bool   `json:"include_types"`
}

// Discover returns a connection's schema, serving a fresh cache entry when
// present and force_refresh is false. Concurrent discover calls for the
// same connection with no cache entry coalesce into a single discovery
// through internal/discovery's singleflight group (spec.md §8.4).
func (h *Handler) Discover(w http.ResponseWriter, r *http.Request) {
	owner, aerr := ownerFromRequest(r)
	if aerr != nil {
		writeAppErr(w, r, h, aerr)
		return
	}

	var req discoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppErr(w, r, h, apperr.ValidationError("invalid request body: %v", err))
		return
	}

	cfg, cerr := h.resolveConnection(r, owner, req.ConnectionID)
	if cerr != nil {
		writeAppErr(w, r, h, cerr)
		return
	}

	if !req.ForceRefresh {
		if schema, ok := h.cache.Get(r.Context(), cfg.ID.String()); ok {
			response.WriteSuccess(w, requestID(r), schema)
			return
		}
	}

	schema, err := h.discoverer.Discover(r.Context(), cfg, domain.DiscoveryRequest{
		ConnectionID:     cfg.ID.String(),
		ForceRefresh:     req.ForceRefresh,
		IncludeSystem:    req.IncludeSystem,
		IncludeFunctions: req.IncludeFunctions,
		IncludeTypes:     req.IncludeTypes,
	})
	if err != nil {
		writeAppErr(w, r, h, err)
		return
	}

	h.cache.Set(r.Context(), cfg.ID.String(), schema)
	if err := h.history.RecordSnapshot(r.Context(), schema); err != nil {
		h.logger.Warn().Err(err).Str("connection_id", cfg.ID.String()).Msg("failed to persist schema snapshot")
	}
	h.hub.PublishDiscovered(cfg.ID.String(), domain.DiscoverySummary{
		ConnectionID: cfg.ID.String(),
		VersionHash:  schema.VersionHash,
		Counts:       schema.Counts,
		Duration:     schema.Duration,
	})

	response.WriteSuccess(w, requestID(r), schema)
}

func (h *Handler) GetCached(w http.ResponseWriter, r *http.Request) {
	owner, aerr := ownerFromRequest(r)
	if aerr != nil {
		writeAppErr(w, r, h, aerr)
		return
	}
	cfg, cerr := h.resolveConnection(r, owner, chi.URLParam(r, "id"))
	if cerr != nil {
		writeAppErr(w, r, h, cerr)
		return
	}
	schema, ok := h.cache.Get(r.Context(), cfg.ID.String())
	if !ok {
		writeAppErr(w, r, h, apperr.NotFound("schema"))
		return
	}
	response.WriteSuccess(w, requestID(r), schema)
}

func (h *Handler) InvalidateCache(w http.ResponseWriter, r *http.Request) {
	owner, aerr := ownerFromRequest(r)
	if aerr != nil {
		writeAppErr(w, r, h, aerr)
		return
	}
	cfg, cerr := h.resolveConnection(r, owner, chi.URLParam(r, "id"))
	if cerr != nil {
		writeAppErr(w, r, h, cerr)
		return
	}
	h.cache.Invalidate(r.Context(), cfg.ID.String())
	h.hub.PublishCacheInvalidated(cfg.ID.String())
	response.WriteSuccessStatus(w, http.StatusNoContent, requestID(r), nil)
}

type searchRequest struct {
	ConnectionID string `json:"connection_id"`
	Query        string `json:"query"`
}

// searchMatch is one object or column matching a search query.
type searchMatch struct {
	Kind   domain.ObjectKind `json:"kind"`
	Schema string            `json:"schema"`
	Name   string            `json:"name"`
	Column string            `json:"column,omitempty"`
}

// Search looks up objects and columns in a connection's cached schema whose
// name contains the query substring (case-insensitive). The schema must
// already be cached; a cold connection should be discovered first.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	owner, aerr := ownerFromRequest(r)
	if aerr != nil {
		writeAppErr(w, r, h, aerr)
		return
	}

	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppErr(w, r, h, apperr.ValidationError("invalid request body: %v", err))
		return
	}
	if req.Query == "" {
		writeAppErr(w, r, h, apperr.ValidationError("query is required"))
		return
	}

	cfg, cerr := h.resolveConnection(r, owner, req.ConnectionID)
	if cerr != nil {
		writeAppErr(w, r, h, cerr)
		return
	}

	schema, ok := h.cache.Get(r.Context(), cfg.ID.String())
	if !ok {
		writeAppErr(w, r, h, apperr.NotFound("schema"))
		return
	}

	matches := searchObjects(schema, req.Query)
	response.WriteSuccess(w, requestID(r), matches)
}

func (h *Handler) ChangesStart(w http.ResponseWriter, r *http.Request) {
	owner, aerr := ownerFromRequest(r)
	if aerr != nil {
		writeAppErr(w, r, h, aerr)
		return
	}
	cfg, cerr := h.resolveConnection(r, owner, chi.URLParam(r, "id"))
	if cerr != nil {
		writeAppErr(w, r, h, cerr)
		return
	}
	h.detector.Register(cfg)
	response.WriteSuccess(w, requestID(r), map[string]string{"connection_id": cfg.ID.String(), "status": "monitoring"})
}

func (h *Handler) ChangesStop(w http.ResponseWriter, r *http.Request) {
	h.detector.Unregister(chi.URLParam(r, "id"))
	response.WriteSuccessStatus(w, http.StatusNoContent, requestID(r), nil)
}

func (h *Handler) ChangesTrigger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.detector.CheckNow(r.Context(), id); err != nil {
		writeAppErr(w, r, h, err)
		return
	}
	response.WriteSuccess(w, requestID(r), map[string]string{"connection_id": id, "status": "checked"})
}

func (h *Handler) ChangesStatus(w http.ResponseWriter, r *http.Request) {
	response.WriteSuccess(w, requestID(r), h.detector.Jobs())
}

func (h *Handler) GetChange(w http.ResponseWriter, r *http.Request) {
	change, err := h.history.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppErr(w, r, h, err)
		return
	}
	response.WriteSuccess(w, requestID(r), change)
}

func (h *Handler) ReviewChange(w http.ResponseWriter, r *http.Request) {
	owner, aerr := ownerFromRequest(r)
	if aerr != nil {
		writeAppErr(w, r, h, aerr)
		return
	}
	change, err := h.history.Review(r.Context(), chi.URLParam(r, "id"), owner)
	if err != nil {
		writeAppErr(w, r, h, err)
		return
	}
	response.WriteSuccess(w, requestID(r), change)
}

func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	changes, err := h.history.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeAppErr(w, r, h, err)
		return
	}
	response.WriteSuccess(w, requestID(r), changes)
}

func (h *Handler) Analytics(w http.ResponseWriter, r *http.Request) {
	analytics, err := h.history.Analytics(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeAppErr(w, r, h, err)
		return
	}
	response.WriteSuccess(w, requestID(r), analytics)
}
