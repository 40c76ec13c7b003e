package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sendcat/chat-gateway/internal/config"
	"github.com/sendcat/chat-gateway/internal/httpserver"
	"github.com/sendcat/chat-gateway/pkg/admission"
	"github.com/sendcat/chat-gateway/pkg/provider"
	"github.com/sendcat/chat-gateway/pkg/ratelimit"
	"github.com/sendcat/chat-gateway/pkg/replay"
	"github.com/sendcat/chat-gateway/pkg/toolcache"
	"github.com/sendcat/chat-gateway/pkg/toolqueue"
)

// RateLimiter is the narrow slice of ratelimit.Limiter the handler needs.
type RateLimiter interface {
	CheckAndIncrement(ctx context.Context, bucket, key string, max, windowMs int) (ratelimit.CheckResult, error)
}

// Admitter is the narrow slice of pkg/admission the handler needs.
type Admitter interface {
	CheckAndAcquire(ctx context.Context, req admission.Request) (admission.Result, error)
	Release(ctx context.Context, req admission.ReleaseRequest) error
}

// ProviderRouter is the narrow slice of provider.Router the handler needs.
type ProviderRouter interface {
	ExecuteChatProviderRequest(ctx context.Context, req provider.ExecuteRequest) (provider.ExecuteResult, error)
}

// ToolEnqueuer is the narrow slice of pkg/toolqueue the handler needs to
// translate a webSearch request into a queued tool job.
type ToolEnqueuer interface {
	EnqueueAndWait(ctx context.Context, cfg toolqueue.WaitConfig) (toolqueue.WaitResult, error)
}

// defaultAdmitter adapts the package-level admission functions to the
// Admitter interface.
type defaultAdmitter struct {
	logger   *slog.Logger
	recorder *admission.Recorder
}

func (d defaultAdmitter) CheckAndAcquire(ctx context.Context, req admission.Request) (admission.Result, error) {
	result, err := admission.CheckAndAcquireAdmission(ctx, d.logger, req)
	if err == nil && d.recorder != nil {
		d.recorder.Record(result)
	}
	return result, err
}

func (d defaultAdmitter) Release(ctx context.Context, req admission.ReleaseRequest) error {
	return admission.ReleaseAdmission(ctx, req)
}

// defaultToolEnqueuer adapts toolqueue.EnqueueToolJobAndWait to ToolEnqueuer.
type defaultToolEnqueuer struct {
	queue *toolqueue.Queue
	store toolqueue.Store
	kick  toolqueue.Kick
}

func (d defaultToolEnqueuer) EnqueueAndWait(ctx context.Context, cfg toolqueue.WaitConfig) (toolqueue.WaitResult, error) {
	return toolqueue.EnqueueToolJobAndWait(ctx, d.queue, d.store, cfg, d.kick)
}

// NewDefaultAdmitter wires admission's package functions behind Admitter.
// recorder may be nil, in which case decisions are not retained for the ops
// snapshot's admission summary.
func NewDefaultAdmitter(logger *slog.Logger, recorder *admission.Recorder) Admitter {
	return defaultAdmitter{logger: logger, recorder: recorder}
}

// NewDefaultToolEnqueuer wires toolqueue's package function behind ToolEnqueuer.
func NewDefaultToolEnqueuer(queue *toolqueue.Queue, store toolqueue.Store, kick toolqueue.Kick) ToolEnqueuer {
	return defaultToolEnqueuer{queue: queue, store: store, kick: kick}
}

// Handler serves the chat gateway's HTTP surface.
type Handler struct {
	Logger   *slog.Logger
	Cfg      *config.Config
	RateLim  RateLimiter
	Admit    Admitter
	Router   ProviderRouter
	ToolJobs  ToolEnqueuer
	Auth      Authenticator
	Replay    *replay.Guard
	ToolCache *toolcache.Cache
}

// Routes mounts the chat gateway's endpoints on a chi.Router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Handle("/chat", http.HandlerFunc(h.HandleChat))
	r.Get("/chat/health", h.HandleHealth)
	r.Post("/gmail/push", h.HandleGmailPush)
	r.Get("/gmail/auth/callback", h.HandleGmailAuthCallback)
	r.Get("/whatsapp/webhook", h.HandleWhatsAppWebhook)
	r.Post("/whatsapp/webhook", h.HandleWhatsAppWebhook)
	return r
}

// HandleChat implements POST /api/chat's full guard chain and streams the
// result as server-sent events.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		handlePreflight(w, r, h.Cfg.CORSAllowedOrigins)
		return
	}
	if r.Method != http.MethodPost {
		h.respondErr(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "method not allowed")
		return
	}

	origin := r.Header.Get("Origin")
	if origin != "" && !originAllowed(origin, h.Cfg.CORSAllowedOrigins) {
		h.respondErr(w, http.StatusForbidden, ErrCodeForbidden, "origin not allowed")
		return
	}
	if origin != "" {
		writeCORSHeaders(w, origin)
	}

	if !contentTypeIsJSON(r) {
		h.respondErr(w, http.StatusUnsupportedMediaType, ErrCodeUnsupportedMediaType, "content-type must be application/json")
		return
	}
	if bodyTooLarge(r, maxChatBodyBytes) {
		h.respondErr(w, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "request body too large")
		return
	}

	token, ok := extractBearerToken(r.Header.Get("Authorization"))
	if !ok {
		h.respondErr(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing or invalid bearer token")
		return
	}
	auth := h.Auth
	if auth == nil {
		auth = BearerPassthroughAuthenticator{}
	}
	userID, ok := auth.Authenticate(r.Context(), token)
	if !ok {
		h.respondErr(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid bearer token")
		return
	}

	body := http.MaxBytesReader(w, r.Body, maxChatBodyBytes)
	raw, err := io.ReadAll(body)
	if err != nil {
		h.respondErr(w, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "request body too large")
		return
	}

	var req ChatRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		h.respondErr(w, http.StatusBadRequest, ErrCodeInvalidJSON, "malformed JSON body")
		return
	}
	if errs := httpserver.Validate(&req); len(errs) > 0 {
		httpserver.RespondValidationError(w, errs)
		return
	}

	sessionID := req.ThreadID
	ctx := r.Context()

	rlKey := fmt.Sprintf("session:%s", sessionID)
	rlResult, err := h.RateLim.CheckAndIncrement(ctx, "chat_stream", rlKey, h.Cfg.RateLimitMsgMax, h.Cfg.RateLimitMsgWindowMs)
	if err != nil {
		h.Logger.Error("chat stream rate limit check failed", "error", err)
		h.respondErr(w, http.StatusInternalServerError, ErrCodeInternalError, "rate limit check failed")
		return
	}
	if !rlResult.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(msToSeconds(rlResult.RetryAfterMs)))
		h.respondErr(w, http.StatusTooManyRequests, ErrCodeRateLimited, "chat stream rate limit exceeded")
		return
	}

	admissionCfg := admission.Config{
		Enabled:               h.Cfg.AdmissionEnabled,
		KeyPrefix:             h.Cfg.AdmissionKeyPrefix,
		EnforceUserInFlight:   h.Cfg.AdmissionEnforceUserInFlight,
		EnforceGlobalInFlight: h.Cfg.AdmissionEnforceGlobalInFlight,
		EnforceGlobalMsgRate:  h.Cfg.AdmissionEnforceGlobalMsgRate,
		EnforceGlobalToolRate: h.Cfg.AdmissionEnforceGlobalToolRate,
		UserMaxInFlight:       h.Cfg.AdmissionUserMaxInFlight,
		GlobalMaxInFlight:     h.Cfg.AdmissionGlobalMaxInFlight,
		UserMaxMsgPerSec:      h.Cfg.AdmissionUserMaxMsgPerSec,
		GlobalMaxMsgPerSec:    h.Cfg.AdmissionGlobalMaxMsgPerSec,
		GlobalMaxToolPerSec:   h.Cfg.AdmissionGlobalMaxToolPerSec,
		TicketTTLMs:           h.Cfg.AdmissionTicketTTLMs,
		RetryAfterMs:          h.Cfg.AdmissionRetryAfterMs,
		RetryAfterJitterPct:   h.Cfg.AdmissionRetryAfterJitterPct,
	}
	mode := admission.ModeEnforce
	if h.Cfg.ChatGatewayShadow {
		mode = admission.ModeShadow
	}
	principalKey := fmt.Sprintf("user:%s", userID)

	admitResult, err := h.Admit.CheckAndAcquire(ctx, admission.Request{
		PrincipalKey:       principalKey,
		Mode:                mode,
		EstimatedToolCalls: h.Cfg.AdmissionEstToolCallsPerMsg,
		Config:             admissionCfg,
	})
	if err != nil {
		h.Logger.Error("admission check failed", "error", err)
		h.respondErr(w, http.StatusInternalServerError, ErrCodeInternalError, "admission check failed")
		return
	}
	if !admitResult.Allowed {
		if admitResult.Reason == admission.ReasonRedisUnavailable && !h.Cfg.AdmissionFailClosedOnRedisError {
			h.Logger.Warn("admission redis unavailable, bypassing in legacy-limiter-only mode")
		} else {
			w.Header().Set("Retry-After", strconv.Itoa(msToSeconds(admitResult.RetryAfterMs)))
			h.respondErr(w, http.StatusTooManyRequests, ErrCodeRateLimited, "admission rejected")
			return
		}
	}

	released := false
	releaseTicket := func() {
		if released || admitResult.Ticket == "" {
			return
		}
		released = true
		if err := h.Admit.Release(context.Background(), admission.ReleaseRequest{
			Ticket:       admitResult.Ticket,
			PrincipalKey: principalKey,
			Config:       admissionCfg,
		}); err != nil {
			h.Logger.Warn("releasing admission ticket", "error", err)
		}
	}
	defer releaseTicket()

	result, err := h.Router.ExecuteChatProviderRequest(ctx, provider.ExecuteRequest{
		RequestedModelID:   req.ModelID,
		Payload:            raw,
		Models:             provider.ModelConfig{FastPrimary: h.Cfg.ChatModelFastPrimary, FastSecondary: h.Cfg.ChatModelFastSecondary, AgentPrimary: h.Cfg.ChatModelAgentPrimary, AgentSecondary: h.Cfg.ChatModelAgentSecondary, DefaultClass: h.Cfg.ChatDefaultModelClass},
		PrimaryTimeoutMs:   h.Cfg.ChatPrimaryTimeoutMs,
		PrimaryRetries:     h.Cfg.ChatPrimaryRetries,
		SecondaryTimeoutMs: h.Cfg.ChatSecondaryTimeoutMs,
		SecondaryRetries:   h.Cfg.ChatSecondaryRetries,
		FailoverEnabled:    h.Cfg.ProviderFailoverEnabled,
		LeaseID:            sessionID,
	})
	if err != nil {
		h.respondProviderError(w, err)
		return
	}

	stream, ok := newSSEWriter(w)
	if !ok {
		h.respondErr(w, http.StatusInternalServerError, ErrCodeInternalError, "streaming unsupported")
		return
	}

	_ = stream.writeEvent(EventProviderRoute, providerRouteEvent{RouteID: result.RouteID, ModelClass: result.ModelClass})

	if req.WebSearch && h.ToolJobs != nil {
		h.runWebSearchTool(ctx, stream, string(raw))
	}

	_ = stream.writeTokenChunks(result.Response, 512)
	_ = stream.writeEvent(EventDone, map[string]bool{"done": true})
}

// runWebSearchTool enqueues the webSearch tool call, checking the result
// cache first so an identical recent query skips the queue entirely.
func (h *Handler) runWebSearchTool(ctx context.Context, stream *sseWriter, payload string) {
	const toolName = "search_web"

	if h.ToolCache != nil {
		if cached, found, err := h.ToolCache.Get(ctx, toolName, h.Cfg.ToolCacheNamespaceVersion, payload); err == nil && found {
			_ = stream.writeEvent(EventToolOutputPartiallyAvail, map[string]string{"tool": toolName, "result": cached})
			return
		}
	}

	_ = stream.writeEvent(EventToolCallStarted, map[string]string{"tool": toolName})
	waitResult, err := h.ToolJobs.EnqueueAndWait(ctx, toolqueue.WaitConfig{
		EnqueueRequest: toolqueue.EnqueueRequest{ToolName: toolName, PayloadJSON: payload},
		PollIntervalMs: h.Cfg.ToolJobPollMs,
		WaitTimeoutMs:  h.Cfg.ToolJobWaitMs,
	})
	switch {
	case err != nil:
		h.Logger.Warn("tool job enqueue/wait failed", "error", err)
	case waitResult.Backpressure != "":
		_ = stream.writeEvent(EventToolBackpressure, toolBackpressureEvent{
			Reason:       waitResult.Backpressure,
			Retryable:    waitResult.Retryable,
			RetryAfterMs: waitResult.RetryAfterMs,
		})
	case waitResult.Outcome == toolqueue.WaitOutcomeCompleted:
		_ = stream.writeEvent(EventToolOutputPartiallyAvail, map[string]string{"tool": toolName, "result": waitResult.Job.ResultJSON})
		if h.ToolCache != nil {
			if err := h.ToolCache.Put(ctx, toolName, h.Cfg.ToolCacheNamespaceVersion, payload, waitResult.Job.ResultJSON, h.Cfg.ToolCacheTTLMs); err != nil {
				h.Logger.Warn("tool cache put failed", "error", err)
			}
		}
	}
}

// HandleHealth serves GET /api/chat/health: readiness plus a redacted
// config snapshot. Never returns secrets.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin != "" && !originAllowed(origin, h.Cfg.CORSAllowedOrigins) {
		h.respondErr(w, http.StatusForbidden, ErrCodeForbidden, "origin not allowed")
		return
	}
	if !h.Cfg.ChatGatewayHealthEnabled {
		h.respondErr(w, http.StatusForbidden, ErrCodeForbidden, "health endpoint disabled")
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{
		"status": "ready",
		"config": h.Cfg.Redacted(),
	})
}

// respondErr writes a JSON error response with the x-sendcat-error-code
// header set, as required on every non-2xx response.
func (h *Handler) respondErr(w http.ResponseWriter, status int, code, message string) {
	httpserver.RespondErrorCode(w, status, code, message, code)
}

// respondProviderError maps a classified upstream error to its HTTP status
// and x-sendcat-error-code per the component design's mapping table.
func (h *Handler) respondProviderError(w http.ResponseWriter, err error) {
	var ue *provider.UpstreamError
	if !errors.As(err, &ue) {
		h.Logger.Error("route acquisition failed", "error", err)
		h.respondErr(w, http.StatusInternalServerError, ErrCodeInternalError, "internal error")
		return
	}

	status := http.StatusInternalServerError
	switch ue.Code {
	case provider.CodeQuotaExceeded:
		status = http.StatusPaymentRequired
	case provider.CodeRateLimited:
		status = http.StatusTooManyRequests
	case provider.CodeAuth:
		status = http.StatusUnauthorized
	case provider.CodeBadRequest:
		status = http.StatusBadRequest
	case provider.CodeTimeout:
		status = http.StatusGatewayTimeout
	case provider.CodeUnavailable:
		status = http.StatusServiceUnavailable
	case provider.CodeError:
		status = http.StatusInternalServerError
	}
	if ue.RetryAfterMs > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(msToSeconds(ue.RetryAfterMs)))
	}
	httpserver.RespondErrorCode(w, status, ue.Code, ue.Message, ue.Code)
}

func msToSeconds(ms int) int {
	if ms <= 0 {
		return 1
	}
	s := ms / 1000
	if ms%1000 != 0 {
		s++
	}
	if s < 1 {
		return 1
	}
	return s
}
