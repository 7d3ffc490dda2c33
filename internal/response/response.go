// Package response writes the gateway's HTTP envelope:
// {success, data?, error?, meta{timestamp, request_id, version}}.
package response

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/pgai-platform/gateway/internal/apperr"
)

// Meta accompanies every response.
type Meta struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	Version   string    `json:"version,omitempty"`
}

// ErrorPayload is the {code, message, details?} shape of an error response.
type ErrorPayload struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Envelope is the wire shape of every gateway HTTP response.
type Envelope struct {
	Success bool          `json:"success"`
	Data    interface{}   `json:"data,omitempty"`
	Error   *ErrorPayload `json:"error,omitempty"`
	Meta    Meta          `json:"meta"`
}

// Version is stamped into every response's meta.version. Overridden at
// startup from config.
var Version = "dev"

func writeJSON(w http.ResponseWriter, status int, env Envelope) {
	env.Meta.Timestamp = time.Now()
	if env.Meta.Version == "" {
		env.Meta.Version = Version
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// WriteSuccess writes a 200 success envelope.
func WriteSuccess(w http.ResponseWriter, requestID string, data interface{}) {
	WriteSuccessStatus(w, http.StatusOK, requestID, data)
}

// WriteSuccessStatus writes a success envelope with a custom status code.
func WriteSuccessStatus(w http.ResponseWriter, status int, requestID string, data interface{}) {
	writeJSON(w, status, Envelope{
		Success: true,
		Data:    data,
		Meta:    Meta{RequestID: requestID},
	})
}

// WriteError writes an error envelope for a raw status/code/message triple.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Envelope{
		Success: false,
		Error:   &ErrorPayload{Code: code, Message: message},
		Meta:    Meta{},
	})
}

// WriteAppError translates an *apperr.Error into the envelope. In
// production mode, Internal-kind messages are replaced with a generic
// message to avoid information disclosure (spec.md §7).
func WriteAppError(w http.ResponseWriter, requestID string, err *apperr.Error, development bool) {
	message := err.Message
	if err.Kind == apperr.KindInternal && !development {
		message = "unexpected error"
	}
	writeJSON(w, err.Status(), Envelope{
		Success: false,
		Error: &ErrorPayload{
			Code:    string(err.Kind),
			Message: message,
			Details: err.Details,
		},
		Meta: Meta{RequestID: requestID},
	})
}
