// Package connectionapi is the connection service's external HTTP surface
// (spec.md §6 "Connection service external surface"): CRUD over the
// Connection Registry, on-demand probes through the Connection Tester, and
// monitoring reads over the Pool Manager.
package connectionapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/pgai-platform/gateway/internal/apperr"
	"github.com/pgai-platform/gateway/internal/audit"
	"github.com/pgai-platform/gateway/internal/authctx"
	"github.com/pgai-platform/gateway/internal/domain"
	"github.com/pgai-platform/gateway/internal/middleware"
	"github.com/pgai-platform/gateway/internal/pool"
	"github.com/pgai-platform/gateway/internal/registry"
	"github.com/pgai-platform/gateway/internal/response"
	"github.com/pgai-platform/gateway/internal/tester"
	"github.com/rs/zerolog"
)

// Handler wires the Connection Registry, Pool Manager, Connection Tester,
// and audit trail into HTTP endpoints.
type Handler struct {
	registry    *registry.Registry
	pool        *pool.Manager
	tester      *tester.Tester
	audit       *audit.Logger
	results     *resultStore
	logger      zerolog.Logger
	development bool
}

// New builds a connection service Handler.
func New(reg *registry.Registry, poolMgr *pool.Manager, t *tester.Tester, auditLogger *audit.Logger, logger zerolog.Logger, development bool) *Handler {
	return &Handler{
		registry:    reg,
		pool:        poolMgr,
		tester:      t,
		audit:       auditLogger,
		results:     newResultStore(),
		logger:      logger,
		development: development,
	}
}

// Routes mounts every endpoint spec.md §6 assigns to the connection service.
func Routes(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recoverer(h.logger))
	r.Use(middleware.Logger(h.logger))
	r.Use(middleware.TrustGatewayHeaders())

	r.Get("/health", h.Health)

	r.Route("/connections", func(cr chi.Router) {
		cr.Post("/", h.Create)
		cr.Get("/", h.List)
		cr.Route("/{id}", func(ir chi.Router) {
			ir.Get("/", h.Get)
			ir.Patch("/", h.Update)
			ir.Delete("/", h.Delete)
		})
	})

	r.Route("/testing", func(tr chi.Router) {
		tr.Route("/connections", func(cr chi.Router) {
			cr.Post("/", h.TestAdHoc)
			cr.Post("/batch", h.TestBatch)
			cr.Post("/ssh-tunnel", h.TestSSHTunnel)
			cr.Post("/{id}", h.TestByID)
		})
		tr.Get("/results/{id}", h.TestResult)
	})

	r.Route("/monitoring", func(mr chi.Router) {
		mr.Get("/pools", h.Pools)
		mr.Get("/connections/{id}/stats", h.ConnectionStats)
		mr.Get("/health-checks", h.HealthChecks)
		mr.Get("/audit", h.AuditLogs)
		mr.Get("/audit/stats", h.AuditStats)
		mr.Get("/audit/export", h.AuditExport)
		mr.Get("/audit/{id}", h.AuditLog)
	})

	return r
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	response.WriteSuccess(w, requestID(r), map[string]string{"status": "ok"})
}

// ownerFromRequest extracts the owning user's UUID from the AuthContext the
// gateway stamped via its injected headers.
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

type createRequest struct {
	Team        *uuid.UUID        `json:"team,omitempty"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Dialect     domain.Dialect    `json:"dialect"`
	Host        string            `json:"host"`
	Port        int               `json:"port"`
	Database    string            `json:"database"`
	Username    string            `json:"username"`
	Secret      string            `json:"secret"`
	TLSEnabled  bool              `json:"tls_enabled"`
	TLSMaterial *string           `json:"tls_material,omitempty"`
	Options     map[string]string `json:"options,omitempty"`
	Pool        domain.PoolHints  `json:"pool"`
}

func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	owner, aerr := ownerFromRequest(r)
	if aerr != nil {
		writeAppErr(w, r, h, aerr)
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppErr(w, r, h, apperr.ValidationError("invalid request body: %v", err))
		return
	}
	if req.Name == "" {
		writeAppErr(w, r, h, apperr.ValidationError("name is required"))
		return
	}
	if err := req.Pool.Validate(); err != nil {
		writeAppErr(w, r, h, apperr.Wrap(apperr.KindValidation, "invalid pool hints", err))
		return
	}

	cfg := domain.ConnectionConfig{
		Team: req.Team, Name: req.Name, Description: req.Description,
		Dialect: req.Dialect, Host: req.Host, Port: req.Port, Database: req.Database,
		Username: req.Username, TLSEnabled: req.TLSEnabled, TLSMaterial: req.TLSMaterial,
		Options: req.Options, Pool: req.Pool,
	}

	created, err := h.registry.Create(r.Context(), owner, cfg, req.Secret)
	if err != nil {
		writeAppErr(w, r, h, err)
		return
	}
	response.WriteSuccessStatus(w, http.StatusCreated, requestID(r), created)
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	owner, aerr := ownerFromRequest(r)
	if aerr != nil {
		writeAppErr(w, r, h, aerr)
		return
	}

	q := r.URL.Query()
	filter := domain.ConnectionFilter{
		Dialect: domain.Dialect(q.Get("dialect")),
		Status:  domain.ConnectionStatus(q.Get("status")),
		Search:  q.Get("search"),
	}

	conns, err := h.registry.List(r.Context(), owner, filter)
	if err != nil {
		writeAppErr(w, r, h, err)
		return
	}
	response.WriteSuccess(w, requestID(r), conns)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	owner, aerr := ownerFromRequest(r)
	if aerr != nil {
		writeAppErr(w, r, h, aerr)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeAppErr(w, r, h, apperr.ValidationError("invalid connection id"))
		return
	}
	cfg, err := h.registry.Get(r.Context(), owner, id)
	if err != nil {
		writeAppErr(w, r, h, err)
		return
	}
	response.WriteSuccess(w, requestID(r), cfg)
}

func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	owner, aerr := ownerFromRequest(r)
	if aerr != nil {
		writeAppErr(w, r, h, aerr)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeAppErr(w, r, h, apperr.ValidationError("invalid connection id"))
		return
	}

	var patch domain.ConnectionPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeAppErr(w, r, h, apperr.ValidationError("invalid request body: %v", err))
		return
	}

	updated, invalidatesPool, err := h.registry.Update(r.Context(), owner, id, patch)
	if err != nil {
		writeAppErr(w, r, h, err)
		return
	}
	if invalidatesPool {
		h.pool.Drop(id)
	}
	response.WriteSuccess(w, requestID(r), updated)
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	owner, aerr := ownerFromRequest(r)
	if aerr != nil {
		writeAppErr(w, r, h, aerr)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeAppErr(w, r, h, apperr.ValidationError("invalid connection id"))
		return
	}
	if err := h.registry.Delete(r.Context(), owner, id); err != nil {
		writeAppErr(w, r, h, err)
		return
	}
	h.pool.Drop(id)
	response.WriteSuccessStatus(w, http.StatusNoContent, requestID(r), nil)
}

type adHocTestRequest struct {
	Dialect     domain.Dialect    `json:"dialect"`
	Host        string            `json:"host"`
	Port        int               `json:"port"`
	Database    string            `json:"database"`
	Username    string            `json:"username"`
	Secret      string            `json:"secret"`
	TLSEnabled  bool              `json:"tls_enabled"`
	Options     map[string]string `json:"options,omitempty"`
}

func (h *Handler) TestAdHoc(w http.ResponseWriter, r *http.Request) {
	var req adHocTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppErr(w, r, h, apperr.ValidationError("invalid request body: %v", err))
		return
	}
	cfg := domain.ConnectionConfig{
		Dialect: req.Dialect, Host: req.Host, Port: req.Port, Database: req.Database,
		Username: req.Username, TLSEnabled: req.TLSEnabled, Options: req.Options,
	}
	result, err := h.tester.Test(r.Context(), cfg, req.Secret)
	if err != nil {
		writeAppErr(w, r, h, err)
		return
	}
	response.WriteSuccess(w, requestID(r), result)
}

func (h *Handler) TestSSHTunnel(w http.ResponseWriter, r *http.Request) {
	var req adHocTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppErr(w, r, h, apperr.ValidationError("invalid request body: %v", err))
		return
	}
	if req.Options == nil {
		req.Options = map[string]string{}
	}
	req.Options["tunnel"] = "ssh"
	cfg := domain.ConnectionConfig{
		Dialect: req.Dialect, Host: req.Host, Port: req.Port, Database: req.Database,
		Username: req.Username, TLSEnabled: req.TLSEnabled, Options: req.Options,
	}
	result, err := h.tester.Test(r.Context(), cfg, req.Secret)
	if err != nil {
		writeAppErr(w, r, h, err)
		return
	}
	response.WriteSuccess(w, requestID(r), result)
}

func (h *Handler) TestByID(w http.ResponseWriter, r *http.Request) {
	owner, aerr := ownerFromRequest(r)
	if aerr != nil {
		writeAppErr(w, r, h, aerr)
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeAppErr(w, r, h, apperr.ValidationError("invalid connection id"))
		return
	}
	cfg, err := h.registry.Get(r.Context(), owner, id)
	if err != nil {
		writeAppErr(w, r, h, err)
		return
	}
	secret, err := h.registry.OpenSecret(cfg)
	if err != nil {
		writeAppErr(w, r, h, err)
		return
	}
	result, err := h.tester.Test(r.Context(), cfg, secret)
	if err != nil {
		writeAppErr(w, r, h, err)
		return
	}
	h.results.put(id.String(), result)
	response.WriteSuccess(w, requestID(r), result)
}

type batchTestRequest struct {
	IDs []uuid.UUID `json:"ids"`
}

func (h *Handler) TestBatch(w http.ResponseWriter, r *http.Request) {
	owner, aerr := ownerFromRequest(r)
	if aerr != nil {
		writeAppErr(w, r, h, aerr)
		return
	}
	var req batchTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppErr(w, r, h, apperr.ValidationError("invalid request body: %v", err))
		return
	}

	cfgs := make([]domain.ConnectionConfig, 0, len(req.IDs))
	secrets := make(map[uuid.UUID]string, len(req.IDs))
	for _, id := range req.IDs {
		cfg, err := h.registry.Get(r.Context(), owner, id)
		if err != nil {
			continue
		}
		secret, err := h.registry.OpenSecret(cfg)
		if err != nil {
			continue
		}
		cfgs = append(cfgs, cfg)
		secrets[id] = secret
	}

	results := h.tester.Batch(r.Context(), cfgs, secrets)
	for _, res := range results {
		h.results.put(res.ConnectionID, res.Result)
	}
	response.WriteSuccess(w, requestID(r), results)
}

func (h *Handler) TestResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	result, ok := h.results.get(id)
	if !ok {
		writeAppErr(w, r, h, apperr.NotFound("test result"))
		return
	}
	response.WriteSuccess(w, requestID(r), result)
}

func (h *Handler) Pools(w http.ResponseWriter, r *http.Request) {
	response.WriteSuccess(w, requestID(r), h.pool.Snapshot())
}

func (h *Handler) ConnectionStats(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeAppErr(w, r, h, apperr.ValidationError("invalid connection id"))
		return
	}
	stats, ok := h.pool.ConnectionStats(id)
	if !ok {
		writeAppErr(w, r, h, apperr.NotFound("pool"))
		return
	}
	response.WriteSuccess(w, requestID(r), stats)
}

func (h *Handler) HealthChecks(w http.ResponseWriter, r *http.Request) {
	response.WriteSuccess(w, requestID(r), h.results.snapshot())
}

// auditFilterFromQuery builds a domain.AuditLogFilter from the request's
// query parameters, scoping non-admin callers to their own audit trail.
func auditFilterFromQuery(r *http.Request) (domain.AuditLogFilter, *apperr.Error) {
	auth, ok := authctx.FromContext(r.Context())
	if !ok {
		return domain.AuditLogFilter{}, apperr.Unauthorized("authentication required")
	}

	q := r.URL.Query()
	filter := domain.AuditLogFilter{Resource: q.Get("resource")}
	if action := q.Get("action"); action != "" {
		filter.Actions = []domain.AuditAction{domain.AuditAction(action)}
	}
	if outcome := q.Get("outcome"); outcome != "" {
		filter.Outcomes = []domain.AuditOutcome{domain.AuditOutcome(outcome)}
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = offset
	}

	if auth.Role == domain.RoleAdmin {
		filter.OwnerUser = q.Get("owner_user")
	} else {
		filter.OwnerUser = auth.UserID
	}
	return filter, nil
}

// AuditLogs lists or searches (via ?q=) the caller's audit trail; admins may
// scope to another owner via ?owner_user= or omit it to see every owner.
func (h *Handler) AuditLogs(w http.ResponseWriter, r *http.Request) {
	filter, aerr := auditFilterFromQuery(r)
	if aerr != nil {
		writeAppErr(w, r, h, aerr)
		return
	}

	var page domain.AuditLogPage
	if q := r.URL.Query().Get("q"); q != "" {
		page = h.audit.Search(q, filter)
	} else {
		page = h.audit.GetLogs(filter)
	}
	response.WriteSuccess(w, requestID(r), page)
}

func (h *Handler) AuditLog(w http.ResponseWriter, r *http.Request) {
	auth, ok := authctx.FromContext(r.Context())
	if !ok {
		writeAppErr(w, r, h, apperr.Unauthorized("authentication required"))
		return
	}

	log := h.audit.GetLog(chi.URLParam(r, "id"))
	if log == nil || (auth.Role != domain.RoleAdmin && log.OwnerUser != auth.UserID) {
		writeAppErr(w, r, h, apperr.NotFound("audit log"))
		return
	}
	response.WriteSuccess(w, requestID(r), log)
}

func (h *Handler) AuditStats(w http.ResponseWriter, r *http.Request) {
	response.WriteSuccess(w, requestID(r), h.audit.GetStats())
}

func (h *Handler) AuditExport(w http.ResponseWriter, r *http.Request) {
	filter, aerr := auditFilterFromQuery(r)
	if aerr != nil {
		writeAppErr(w, r, h, aerr)
		return
	}

	format := domain.AuditExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = domain.AuditExportJSON
	}
	data, err := h.audit.Export(filter, format)
	if err != nil {
		writeAppErr(w, r, h, apperr.Wrap(apperr.KindInternal, "export audit logs", err))
		return
	}

	contentType := "application/json"
	if format == domain.AuditExportCSV {
		contentType = "text/csv"
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// resultStore retains the most recent test result per connection ID. The
// specification leaves the storage backend for health-check history an
// implementation choice; an in-memory map is enough for a single-process
// deployment and keeps TestResult/TestByID/TestBatch/TestResult consistent
// without another persistence layer.
type resultStore struct {
	mu   sync.RWMutex
	byID map[string]storedResult
}

type storedResult struct {
	Result domain.TestResult `json:"result"`
	At     time.Time         `json:"checked_at"`
}

func newResultStore() *resultStore {
	return &resultStore{byID: make(map[string]storedResult)}
}

func (s *resultStore) put(id string, result domain.TestResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[id] = storedResult{Result: result, At: time.Now()}
}

func (s *resultStore) get(id string) (domain.TestResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[id]
	return r.Result, ok
}

func (s *resultStore) snapshot() map[string]storedResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]storedResult, len(s.byID))
	for k, v := range s.byID {
		out[k] = v
	}
	return out
}
