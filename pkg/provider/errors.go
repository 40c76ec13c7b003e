// Package provider implements the upstream chat provider router: model
// class inference, primary/secondary route construction, and the retry/
// failover execution loop wrapped in per-route circuit and bulkhead.
package provider

import (
	"strconv"
	"strings"
)

const (
	CodeQuotaExceeded = "upstream_quota_exceeded"
	CodeRateLimited   = "upstream_rate_limited"
	CodeAuth          = "upstream_auth"
	CodeBadRequest    = "upstream_bad_request"
	CodeUnavailable   = "upstream_unavailable"
	CodeError         = "upstream_error"
	CodeTimeout       = "upstream_timeout"
)

// failoverCodes is the set of upstream error codes that move execution to
// the next route rather than surfacing to the caller.
var failoverCodes = map[string]bool{
	CodeQuotaExceeded: true,
	CodeUnavailable:   true,
	CodeTimeout:       true,
	CodeRateLimited:   true,
	CodeError:         true,
}

// ShouldFailover reports whether code should advance to the next route.
func ShouldFailover(code string) bool {
	return failoverCodes[code]
}

// UpstreamError is the classified, client-safe projection of an upstream
// failure.
type UpstreamError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int    `json:"retryAfterMs,omitempty"`
	Retryable    bool   `json:"retryable"`
	ProviderID   string `json:"providerId"`
	RouteID      string `json:"routeId"`
	Status       int    `json:"status"`
}

func (e *UpstreamError) Error() string {
	return e.Code + ": " + e.Message
}

// ClassifyHTTPStatus implements the upstream error taxonomy's HTTP mapping.
func ClassifyHTTPStatus(status int, retryAfterHeader string, providerID, routeID, message string) *UpstreamError {
	e := &UpstreamError{ProviderID: providerID, RouteID: routeID, Status: status, Message: message}

	switch {
	case status == 402:
		e.Code, e.Retryable = CodeQuotaExceeded, true
	case status == 429:
		e.Code, e.Retryable = CodeRateLimited, true
	case status == 401 || status == 403:
		e.Code, e.Retryable = CodeAuth, false
	case status == 400 || status == 404 || status == 422:
		e.Code, e.Retryable = CodeBadRequest, false
	case status >= 500:
		e.Code, e.Retryable = CodeUnavailable, true
	default:
		e.Code, e.Retryable = CodeError, true
	}

	if retryAfterHeader != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(retryAfterHeader)); err == nil {
			switch e.Code {
			case CodeQuotaExceeded, CodeRateLimited, CodeUnavailable, CodeError:
				e.RetryAfterMs = secs * 1000
			}
		}
	}

	return e
}

// TimeoutError builds the classified error for an aborted/timed-out call.
func TimeoutError(providerID, routeID string) *UpstreamError {
	return &UpstreamError{Code: CodeTimeout, Message: "upstream request timed out", Retryable: true, RetryAfterMs: 1000, ProviderID: providerID, RouteID: routeID}
}

// UnavailableError builds the classified error for circuit-open/bulkhead-
// saturated conditions, carrying the source's own retry hint.
func UnavailableError(providerID, routeID string, retryAfterMs int) *UpstreamError {
	return &UpstreamError{Code: CodeUnavailable, Message: "circuit open or bulkhead saturated", Retryable: true, RetryAfterMs: retryAfterMs, ProviderID: providerID, RouteID: routeID}
}
