package middleware

import (
	"net/http"
	"regexp"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// suspiciousPattern is one fixed regex the detector checks the URL and
// User-Agent against, repurposed from the teacher's prompt-injection
// pattern set to spec.md §4.7's traversal/XSS/SQL-injection markers.
type suspiciousPattern struct {
	name string
	re   *regexp.Regexp
}

var suspiciousPatterns = []suspiciousPattern{
	{"path_traversal", regexp.MustCompile(`\.\./|\.\.\\`)},
	{"xss_script_tag", regexp.MustCompile(`(?i)<script[\s>]|javascript:`)},
	{"xss_event_handler", regexp.MustCompile(`(?i)on(error|load|click|mouseover)\s*=`)},
	{"sql_union_select", regexp.MustCompile(`(?i)union(\s+all)?\s+select`)},
	{"sql_comment", regexp.MustCompile(`(?i)(--|#|/\*)\s*$`)},
	{"sql_boolean_injection", regexp.MustCompile(`(?i)\bor\b\s+['"]?\d+['"]?\s*=\s*['"]?\d+['"]?`)},
}

// SuspiciousPatternDetector returns middleware that inspects the request
// URL and User-Agent for a fixed regex set and logs a warning on a match.
// It never blocks the request by itself (spec.md §4.7).
func SuspiciousPatternDetector(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := chimiddleware.GetReqID(r.Context())
			target := r.URL.RequestURI()
			userAgent := r.UserAgent()

			for _, p := range suspiciousPatterns {
				if p.re.MatchString(target) {
					logger.Warn().
						Str("request_id", requestID).
						Str("pattern", p.name).
						Str("field", "url").
						Str("path", r.URL.Path).
						Msg("suspicious request pattern detected")
					break
				}
			}
			for _, p := range suspiciousPatterns {
				if p.re.MatchString(userAgent) {
					logger.Warn().
						Str("request_id", requestID).
						Str("pattern", p.name).
						Str("field", "user_agent").
						Str("user_agent", userAgent).
						Msg("suspicious request pattern detected")
					break
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
