package httpserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Respond writes a JSON response with the given status code.
func Respond(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("encoding response", "error", err)
	}
}

// ErrorResponse is the standard JSON error envelope. Code carries the
// client-safe error taxonomy (e.g. "rate_limited", "circuit_open",
// "admission_rejected") surfaced separately from the free-text message so
// callers can switch on it without string matching.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    string `json:"code,omitempty"`
}

// RespondError writes a JSON error response.
func RespondError(w http.ResponseWriter, status int, err string, message string) {
	Respond(w, status, ErrorResponse{Error: err, Message: message})
}

// RespondErrorCode writes a JSON error response and also sets the
// X-Sendcat-Error-Code header, so upstream proxies and the ops snapshot can
// classify failures without parsing the body.
func RespondErrorCode(w http.ResponseWriter, status int, err, message, code string) {
	w.Header().Set("X-Sendcat-Error-Code", code)
	Respond(w, status, ErrorResponse{Error: err, Message: message, Code: code})
}
