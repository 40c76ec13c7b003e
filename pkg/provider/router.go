package provider

import (
	"context"
	"time"

	"github.com/sendcat/chat-gateway/internal/telemetry"
)

// Caller performs the actual upstream HTTP call for one attempt. status=0
// with a non-nil err signals a network/abort failure rather than a
// classified HTTP response.
type Caller interface {
	Call(ctx context.Context, route Route, model string, apiKey string, payload []byte, headers map[string]string) (status int, body []byte, retryAfterHeader string, err error)
}

// CircuitGate is the narrow slice of circuit.Breaker the router needs.
type CircuitGate interface {
	CheckGate(ctx context.Context, route string) (allowed bool, retryAfterMs int, err error)
	RecordSuccess(ctx context.Context, route string) error
	RecordFailure(ctx context.Context, route string, threshold, cooldownMs, maxCooldownMs int) error
}

// BulkheadGate is the narrow slice of bulkhead.Bulkhead the router needs.
type BulkheadGate interface {
	AcquireSlot(ctx context.Context, provider, leaseID string, maxConcurrent, leaseTTLMs, sentryCooldownMs int) (acquired bool, retryAfterMs int)
	ReleaseSlot(ctx context.Context, provider, leaseID string) error
}

// Router executes chat provider requests across primary/secondary routes.
type Router struct {
	caller   Caller
	circuit  CircuitGate
	bulkhead BulkheadGate

	circuitThreshold     int
	circuitCooldownMs    int
	circuitMaxCooldownMs int
	bulkheadMaxConcurrent int
	bulkheadLeaseTTLMs    int
	bulkheadSentryCooldownMs int
}

func NewRouter(caller Caller, circuit CircuitGate, bulkhead BulkheadGate, circuitThreshold, circuitCooldownMs, circuitMaxCooldownMs, bulkheadMaxConcurrent, bulkheadLeaseTTLMs, bulkheadSentryCooldownMs int) *Router {
	return &Router{
		caller: caller, circuit: circuit, bulkhead: bulkhead,
		circuitThreshold: circuitThreshold, circuitCooldownMs: circuitCooldownMs, circuitMaxCooldownMs: circuitMaxCooldownMs,
		bulkheadMaxConcurrent: bulkheadMaxConcurrent, bulkheadLeaseTTLMs: bulkheadLeaseTTLMs, bulkheadSentryCooldownMs: bulkheadSentryCooldownMs,
	}
}

// ExecuteRequest is the input to ExecuteChatProviderRequest.
type ExecuteRequest struct {
	APIKey           string
	RequestedModelID string
	Payload          []byte
	Headers          map[string]string
	Models           ModelConfig
	PrimaryTimeoutMs int
	PrimaryRetries   int
	SecondaryTimeoutMs int
	SecondaryRetries   int
	FailoverEnabled    bool
	LeaseID            string
}

// ExecuteResult is returned by ExecuteChatProviderRequest.
type ExecuteResult struct {
	Response   []byte
	RouteID    string
	ModelClass string
}

// ExecuteChatProviderRequest runs the route/attempt/failover loop described
// in the component design: acquire a bulkhead slot per route, assert the
// circuit before each attempt, retry retryable classified errors with a
// linear backoff, and advance to the next route only for failover-eligible
// error codes.
func (r *Router) ExecuteChatProviderRequest(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	modelClass := InferModelClass(req.RequestedModelID, req.Models.DefaultClass)
	routes := BuildRoutes(req.RequestedModelID, req.Models, req.PrimaryTimeoutMs, req.PrimaryRetries, req.SecondaryTimeoutMs, req.SecondaryRetries, req.FailoverEnabled)

	var lastErr error

	for _, route := range routes {
		acquired, retryAfterMs := r.bulkhead.AcquireSlot(ctx, route.ID, req.LeaseID, r.bulkheadMaxConcurrent, r.bulkheadLeaseTTLMs, r.bulkheadSentryCooldownMs)
		if !acquired {
			lastErr = UnavailableError("", route.ID, retryAfterMs)
			if ShouldFailover(CodeUnavailable) {
				continue
			}
			return ExecuteResult{}, lastErr
		}

		resp, err := r.executeRoute(ctx, route, req)
		_ = r.bulkhead.ReleaseSlot(ctx, route.ID, req.LeaseID)

		if err == nil {
			return ExecuteResult{Response: resp, RouteID: route.ID, ModelClass: modelClass}, nil
		}

		lastErr = err
		if ue, ok := err.(*UpstreamError); ok && ShouldFailover(ue.Code) {
			continue
		}
		return ExecuteResult{}, err
	}

	return ExecuteResult{}, lastErr
}

func (r *Router) executeRoute(ctx context.Context, route Route, req ExecuteRequest) ([]byte, error) {
	model := ""
	if len(route.Models) > 0 {
		model = route.Models[0]
	}

	var lastErr error
	for attempt := 0; attempt <= route.Retries; attempt++ {
		allowed, retryAfterMs, err := r.circuit.CheckGate(ctx, route.ID)
		if err != nil {
			return nil, err
		}
		if !allowed {
			lastErr = UnavailableError("", route.ID, retryAfterMs)
			if attempt < route.Retries {
				sleep(ctx, attempt)
				continue
			}
			return nil, lastErr
		}

		timeoutCtx, cancel := context.WithTimeout(ctx, time.Duration(route.TimeoutMs)*time.Millisecond)
		status, body, retryAfterHeader, callErr := r.caller.Call(timeoutCtx, route, model, req.APIKey, req.Payload, req.Headers)
		cancel()

		if callErr != nil {
			_ = r.circuit.RecordFailure(ctx, route.ID, r.circuitThreshold, r.circuitCooldownMs, r.circuitMaxCooldownMs)
			telemetry.ProviderRequestsTotal.WithLabelValues(route.ID, model, "failure").Inc()
			if timeoutCtx.Err() == context.DeadlineExceeded {
				lastErr = TimeoutError("", route.ID)
			} else {
				lastErr = &UpstreamError{Code: CodeError, Message: callErr.Error(), Retryable: true, RouteID: route.ID}
			}
			if attempt < route.Retries {
				sleep(ctx, attempt)
				continue
			}
			return nil, lastErr
		}

		outcome := ClassifyStatus(status)
		if outcome == "success" {
			_ = r.circuit.RecordSuccess(ctx, route.ID)
			telemetry.ProviderRequestsTotal.WithLabelValues(route.ID, model, "success").Inc()
			return body, nil
		}
		if outcome == "failure" {
			_ = r.circuit.RecordFailure(ctx, route.ID, r.circuitThreshold, r.circuitCooldownMs, r.circuitMaxCooldownMs)
		}

		ue := ClassifyHTTPStatus(status, retryAfterHeader, "", route.ID, "upstream returned non-OK status")
		telemetry.ProviderRequestsTotal.WithLabelValues(route.ID, model, "error").Inc()
		lastErr = ue
		if ue.Retryable && attempt < route.Retries {
			sleep(ctx, attempt)
			continue
		}
		return nil, ue
	}

	return nil, lastErr
}

func sleep(ctx context.Context, attempt int) {
	delay := time.Duration(100+attempt*150) * time.Millisecond
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// ClassifyStatus is re-exported locally to keep provider decoupled from a
// direct import of pkg/circuit; the two classification tables are
// identical by construction (the component design defines the table once,
// in §4.D, and §4.H reuses it verbatim for circuit recording).
func ClassifyStatus(status int) string {
	switch {
	case status >= 200 && status < 400:
		return "success"
	case status == 429:
		return "neutral"
	case status == 408 || status == 425 || status >= 500:
		return "failure"
	default:
		return "neutral"
	}
}
