package gateway

import (
	"net/http"
	"strconv"
	"strings"
)

// originAllowed reports whether origin is present in the configured
// allow-list. A single "*" entry allows everything.
func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return false
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// writeCORSHeaders sets the CORS response headers for an allowed origin.
func writeCORSHeaders(w http.ResponseWriter, origin string) {
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.Header().Set("Vary", "Origin")
}

// handlePreflight answers an OPTIONS preflight request: 204 with CORS
// headers when the origin is allow-listed, 204 with no CORS headers
// otherwise (the browser enforces the block, not the server).
func handlePreflight(w http.ResponseWriter, r *http.Request, allowedOrigins []string) {
	origin := r.Header.Get("Origin")
	if originAllowed(origin, allowedOrigins) {
		writeCORSHeaders(w, origin)
	}
	w.WriteHeader(http.StatusNoContent)
}

// contentTypeIsJSON reports whether the Content-Type header starts with
// application/json (ignoring a trailing charset parameter).
func contentTypeIsJSON(r *http.Request) bool {
	ct := r.Header.Get("Content-Type")
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), "application/json")
}

// bodyTooLarge reports whether Content-Length exceeds the configured cap.
// A missing or unparsable Content-Length is not treated as oversized here;
// the JSON decoder's own MaxBytesReader is the backstop for chunked bodies.
func bodyTooLarge(r *http.Request, maxBytes int64) bool {
	cl := r.Header.Get("Content-Length")
	if cl == "" {
		return false
	}
	n, err := strconv.ParseInt(cl, 10, 64)
	if err != nil {
		return false
	}
	return n > maxBytes
}
