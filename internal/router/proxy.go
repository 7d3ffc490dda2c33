package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pgai-platform/gateway/internal/apperr"
	"github.com/pgai-platform/gateway/internal/authctx"
	"github.com/pgai-platform/gateway/internal/breaker"
	"github.com/pgai-platform/gateway/internal/config"
	"github.com/pgai-platform/gateway/internal/response"
	"github.com/rs/zerolog"
)

// hopByHopHeaders are stripped from both the outbound request and the
// streamed-back response, per RFC 7230 §6.1.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailers", "Transfer-Encoding", "Upgrade",
}

var jsonBodyMethods = map[string]bool{http.MethodPost: true, http.MethodPut: true, http.MethodPatch: true}

// proxy forwards matched requests to a single upstream service, guarded by
// its own circuit breaker and timeout (spec.md §4.6).
type proxy struct {
	serviceName    string
	cfg            config.ServiceConfig
	breaker        *breaker.Breaker
	client         *http.Client
	logger         zerolog.Logger
	gatewayVersion string
	development    bool
}

func newProxy(serviceName string, cfg config.ServiceConfig, br *breaker.Breaker, logger zerolog.Logger, gatewayVersion string, development bool) *proxy {
	return &proxy{
		serviceName:    serviceName,
		cfg:            cfg,
		breaker:        br,
		client:         &http.Client{Timeout: cfg.Timeout},
		logger:         logger.With().Str("upstream", serviceName).Logger(),
		gatewayVersion: gatewayVersion,
		development:    development,
	}
}

func (p *proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := chimiddleware.GetReqID(r.Context())

	body, err := io.ReadAll(r.Body)
	if err != nil {
		response.WriteAppError(w, requestID, apperr.New(apperr.KindValidation, "could not read request body"), p.development)
		return
	}
	r.Body.Close()

	if jsonBodyMethods[r.Method] && isJSONContentType(r.Header.Get("Content-Type")) && len(body) > 0 {
		if rewritten, ok := rewriteJSONBody(body); ok {
			body = rewritten
		}
	}

	targetURL := strings.TrimRight(p.cfg.BaseURL, "/") + r.URL.Path
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.cfg.Timeout)
	defer cancel()

	outReq, err := http.NewRequestWithContext(ctx, r.Method, targetURL, bytes.NewReader(body))
	if err != nil {
		response.WriteAppError(w, requestID, apperr.Wrap(apperr.KindInternal, "failed to build upstream request", err), p.development)
		return
	}
	copyHeaders(outReq.Header, r.Header)
	p.injectHeaders(outReq, r, requestID)
	outReq.ContentLength = int64(len(body))
	outReq.Header.Set("Content-Length", strconv.Itoa(len(body)))

	if !p.breaker.Allow() {
		response.WriteAppError(w, requestID, apperr.New(apperr.KindCircuitOpen, p.serviceName+" is temporarily unavailable"), p.development)
		return
	}

	start := time.Now()
	resp, err := p.client.Do(outReq)
	if err != nil {
		p.breaker.RecordFailure()
		p.logger.Warn().Err(err).Str("target", targetURL).Dur("elapsed", time.Since(start)).Msg("upstream request failed")
		response.WriteAppError(w, requestID, translateUpstreamError(p.serviceName, err), p.development)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		p.breaker.RecordFailure()
	} else {
		p.breaker.RecordSuccess()
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		p.logger.Warn().Err(err).Msg("error streaming upstream response body")
	}
}

func (p *proxy) injectHeaders(outReq *http.Request, r *http.Request, requestID string) {
	outReq.Header.Set("x-request-id", requestID)
	outReq.Header.Set("x-forwarded-by", "pgai-gateway")
	outReq.Header.Set("x-gateway-version", p.gatewayVersion)

	auth, ok := authctx.FromContext(r.Context())
	if !ok {
		return
	}
	outReq.Header.Set("x-user-id", auth.UserID)
	outReq.Header.Set("x-user-email", auth.Email)
	outReq.Header.Set("x-user-role", string(auth.Role))
	if auth.Team != "" {
		outReq.Header.Set("x-team-id", auth.Team)
	}
	if len(auth.Permissions) > 0 {
		outReq.Header.Set("x-user-permissions", strings.Join(auth.Permissions, ","))
	}
}

func isJSONContentType(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])), "application/json")
}

// rewriteJSONBody re-parses and re-serializes a JSON body, returning the
// compacted bytes. The second return is false when the body is empty once
// parsed (e.g. "null" or "{}") or fails to parse, in which case the caller
// forwards the original bytes unchanged.
func rewriteJSONBody(body []byte) ([]byte, bool) {
	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, false
	}
	if isEmptyJSONValue(parsed) {
		return nil, false
	}
	out, err := json.Marshal(parsed)
	if err != nil {
		return nil, false
	}
	return out, true
}

func isEmptyJSONValue(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case map[string]interface{}:
		return len(t) == 0
	default:
		return false
	}
}

func copyHeaders(dst, src http.Header) {
	for key, values := range src {
		if isHopByHop(key) {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func isHopByHop(header string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(h, header) {
			return true
		}
	}
	return false
}

// translateUpstreamError maps a transport-level failure into the gateway's
// closed error taxonomy: connection refused is the upstream being down
// (503), a context deadline or timeout is the upstream being slow (504),
// anything else is an unexpected proxy failure (502).
func translateUpstreamError(serviceName string, err error) *apperr.Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.KindGatewayTimeout, serviceName+" did not respond in time", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.Wrap(apperr.KindGatewayTimeout, serviceName+" did not respond in time", err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return apperr.Wrap(apperr.KindServiceUnavailable, serviceName+" refused the connection", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return apperr.Wrap(apperr.KindServiceUnavailable, serviceName+" is unreachable", err)
	}
	return apperr.Wrap(apperr.KindBadGateway, "unexpected error proxying to "+serviceName, err)
}
