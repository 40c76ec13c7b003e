package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sendcat/chat-gateway/internal/config"
	"github.com/sendcat/chat-gateway/internal/httpserver"
	"github.com/sendcat/chat-gateway/pkg/admission"
	"github.com/sendcat/chat-gateway/pkg/provider"
	"github.com/sendcat/chat-gateway/pkg/ratelimit"
)

type fakeRateLimiter struct {
	result ratelimit.CheckResult
	err    error
}

func (f fakeRateLimiter) CheckAndIncrement(context.Context, string, string, int, int) (ratelimit.CheckResult, error) {
	return f.result, f.err
}

type fakeAdmitter struct {
	result  admission.Result
	err     error
	release func()
}

func (f fakeAdmitter) CheckAndAcquire(context.Context, admission.Request) (admission.Result, error) {
	return f.result, f.err
}

func (f fakeAdmitter) Release(context.Context, admission.ReleaseRequest) error {
	if f.release != nil {
		f.release()
	}
	return nil
}

type fakeRouter struct {
	result provider.ExecuteResult
	err    error
}

func (f fakeRouter) ExecuteChatProviderRequest(context.Context, provider.ExecuteRequest) (provider.ExecuteResult, error) {
	return f.result, f.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		CORSAllowedOrigins:   []string{"https://app.example.com"},
		RateLimitMsgMax:      30,
		RateLimitMsgWindowMs: 60_000,
		AdmissionEnabled:     true,
		ChatGatewayShadow:    false,
		ChatGatewayHealthEnabled: true,
		ChatPrimaryTimeoutMs: 45_000,
	}
}

func newChatRequest(t *testing.T, body ChatRequest, bearer string) *http.Request {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	return req
}

func baseHandler() *Handler {
	return &Handler{
		Logger: discardLogger(),
		Cfg:    testConfig(),
		RateLim: fakeRateLimiter{result: ratelimit.CheckResult{Allowed: true}},
		Admit:   fakeAdmitter{result: admission.Result{Allowed: true, Ticket: "ticket-1"}},
		Router:  fakeRouter{result: provider.ExecuteResult{Response: []byte("hello"), RouteID: "primary", ModelClass: "agent"}},
	}
}

func TestHandleChat_MethodNotAllowed(t *testing.T) {
	h := baseHandler()
	req := httptest.NewRequest(http.MethodGet, "/api/chat", nil)
	rec := httptest.NewRecorder()
	h.HandleChat(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if rec.Header().Get("X-Sendcat-Error-Code") != ErrCodeMethodNotAllowed {
		t.Errorf("error code header = %q", rec.Header().Get("X-Sendcat-Error-Code"))
	}
}

func TestHandleChat_DisallowedOriginForbidden(t *testing.T) {
	h := baseHandler()
	req := newChatRequest(t, ChatRequest{ThreadID: "t1", Content: "hi"}, "token")
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	h.HandleChat(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestHandleChat_WrongContentType(t *testing.T) {
	h := baseHandler()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader([]byte("{}")))
	req.Header.Set("Content-Type", "text/plain")
	rec := httptest.NewRecorder()
	h.HandleChat(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", rec.Code)
	}
}

func TestHandleChat_MissingAuthUnauthorized(t *testing.T) {
	h := baseHandler()
	req := newChatRequest(t, ChatRequest{ThreadID: "t1", Content: "hi"}, "")
	rec := httptest.NewRecorder()
	h.HandleChat(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestHandleChat_InvalidJSON(t *testing.T) {
	h := baseHandler()
	req := httptest.NewRequest(http.MethodPost, "/api/chat", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()
	h.HandleChat(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if rec.Header().Get("X-Sendcat-Error-Code") != ErrCodeInvalidJSON {
		t.Errorf("error code = %q, want invalid_json", rec.Header().Get("X-Sendcat-Error-Code"))
	}
}

func TestHandleChat_MissingRequiredFieldInvalidRequest(t *testing.T) {
	h := baseHandler()
	req := newChatRequest(t, ChatRequest{ThreadID: "", Content: ""}, "token")
	rec := httptest.NewRecorder()
	h.HandleChat(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if rec.Header().Get("X-Sendcat-Error-Code") != ErrCodeInvalidRequest {
		t.Errorf("error code = %q, want invalid_request", rec.Header().Get("X-Sendcat-Error-Code"))
	}

	var body httpserver.ValidationErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body.Error != "invalid_request" {
		t.Errorf("body.Error = %q, want invalid_request", body.Error)
	}
	if len(body.Details) == 0 {
		t.Error("expected field-level validation details, got none")
	}
}

func TestHandleChat_RateLimitedReturns429WithRetryAfter(t *testing.T) {
	h := baseHandler()
	h.RateLim = fakeRateLimiter{result: ratelimit.CheckResult{Allowed: false, RetryAfterMs: 2500}}
	req := newChatRequest(t, ChatRequest{ThreadID: "t1", Content: "hi"}, "token")
	rec := httptest.NewRecorder()
	h.HandleChat(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "3" {
		t.Errorf("Retry-After = %q, want 3 (ceil(2500ms))", rec.Header().Get("Retry-After"))
	}
}

func TestHandleChat_AdmissionDeniedReturns429(t *testing.T) {
	h := baseHandler()
	h.Admit = fakeAdmitter{result: admission.Result{Allowed: false, Reason: admission.ReasonUserInFlight, RetryAfterMs: 1000}}
	req := newChatRequest(t, ChatRequest{ThreadID: "t1", Content: "hi"}, "token")
	rec := httptest.NewRecorder()
	h.HandleChat(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
}

func TestHandleChat_AdmissionRedisUnavailableBypassesWhenNotFailClosed(t *testing.T) {
	h := baseHandler()
	h.Cfg.AdmissionFailClosedOnRedisError = false
	h.Admit = fakeAdmitter{result: admission.Result{Allowed: false, Reason: admission.ReasonRedisUnavailable}}
	req := newChatRequest(t, ChatRequest{ThreadID: "t1", Content: "hi"}, "token")
	rec := httptest.NewRecorder()
	h.HandleChat(rec, req)
	// Should proceed past admission and stream a 200 (SSE) response.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (bypass on redis_unavailable)", rec.Code)
	}
}

func TestHandleChat_ProviderUpstreamErrorMapsToHTTPStatus(t *testing.T) {
	h := baseHandler()
	h.Router = fakeRouter{err: provider.ClassifyHTTPStatus(402, "", "", "primary", "quota exceeded")}
	req := newChatRequest(t, ChatRequest{ThreadID: "t1", Content: "hi"}, "token")
	rec := httptest.NewRecorder()
	h.HandleChat(rec, req)
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("status = %d, want 402", rec.Code)
	}
	if rec.Header().Get("X-Sendcat-Error-Code") != provider.CodeQuotaExceeded {
		t.Errorf("error code = %q, want %q", rec.Header().Get("X-Sendcat-Error-Code"), provider.CodeQuotaExceeded)
	}
}

func TestHandleChat_SuccessReleasesAdmissionTicket(t *testing.T) {
	released := false
	h := baseHandler()
	h.Admit = fakeAdmitter{
		result:  admission.Result{Allowed: true, Ticket: "ticket-1"},
		release: func() { released = true },
	}
	req := newChatRequest(t, ChatRequest{ThreadID: "t1", Content: "hi"}, "token")
	rec := httptest.NewRecorder()
	h.HandleChat(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !released {
		t.Error("expected admission ticket to be released on success")
	}
}

func TestHandleChat_ProviderErrorStillReleasesTicket(t *testing.T) {
	released := false
	h := baseHandler()
	h.Admit = fakeAdmitter{
		result:  admission.Result{Allowed: true, Ticket: "ticket-1"},
		release: func() { released = true },
	}
	h.Router = fakeRouter{err: provider.UnavailableError("openai", "primary", 500)}
	req := newChatRequest(t, ChatRequest{ThreadID: "t1", Content: "hi"}, "token")
	rec := httptest.NewRecorder()
	h.HandleChat(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !released {
		t.Error("expected admission ticket to be released even on provider error")
	}
}

func TestHandlePreflightOnChatEndpoint(t *testing.T) {
	h := baseHandler()
	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.HandleChat(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
}

func TestHandleHealth_RedactsConfig(t *testing.T) {
	h := baseHandler()
	req := httptest.NewRequest(http.MethodGet, "/api/chat/health", nil)
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := body["config"]; !ok {
		t.Error("expected redacted config in health response")
	}
}

func TestHandleHealth_DisabledReturnsForbidden(t *testing.T) {
	h := baseHandler()
	h.Cfg.ChatGatewayHealthEnabled = false
	req := httptest.NewRequest(http.MethodGet, "/api/chat/health", nil)
	rec := httptest.NewRecorder()
	h.HandleHealth(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}
