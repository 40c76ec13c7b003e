package gateway

import (
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/sendcat/chat-gateway/internal/httpserver"
)

const maxCollabBodyBytes = 65_536

// HandleGmailPush implements POST /api/gmail/push: a replay-deduped,
// size/content-type guarded ingestion endpoint.
func (h *Handler) HandleGmailPush(w http.ResponseWriter, r *http.Request) {
	h.handleCollabIngest(w, r, "gmail_push")
}

// HandleWhatsAppWebhook implements GET/POST /api/whatsapp/webhook.
func (h *Handler) HandleWhatsAppWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		// Verification handshake: echo the challenge query param if present.
		if challenge := r.URL.Query().Get("hub.challenge"); challenge != "" {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(challenge))
			return
		}
		httpserver.Respond(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	h.handleCollabIngest(w, r, "whatsapp_webhook")
}

func (h *Handler) handleCollabIngest(w http.ResponseWriter, r *http.Request, scope string) {
	origin := r.Header.Get("Origin")
	if origin != "" && !originAllowed(origin, h.Cfg.CORSAllowedOrigins) {
		h.respondErr(w, http.StatusForbidden, ErrCodeForbidden, "origin not allowed")
		return
	}
	if !contentTypeIsJSON(r) {
		h.respondErr(w, http.StatusUnsupportedMediaType, ErrCodeUnsupportedMediaType, "content-type must be application/json")
		return
	}
	if bodyTooLarge(r, maxCollabBodyBytes) {
		h.respondErr(w, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "request body too large")
		return
	}

	body := http.MaxBytesReader(w, r.Body, maxCollabBodyBytes)
	raw, err := io.ReadAll(body)
	if err != nil {
		h.respondErr(w, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, "request body too large")
		return
	}
	if len(raw) == 0 {
		h.respondErr(w, http.StatusBadRequest, ErrCodeInvalidJSON, "request body is empty")
		return
	}

	ctx := r.Context()
	dedupeKey := fmt.Sprintf("%x", raw[:min(len(raw), 64)])
	if h.Replay != nil {
		result := h.Replay.ClaimKeyFailOpen(ctx, h.Logger, scope, dedupeKey, 86_400_000)
		if result.Duplicate {
			httpserver.Respond(w, http.StatusOK, map[string]any{"status": "duplicate", "hitCount": result.HitCount})
			return
		}
	}

	if h.RateLim != nil {
		rl, err := h.RateLim.CheckAndIncrement(ctx, scope, "global", h.Cfg.RateLimitToolMax, h.Cfg.RateLimitToolWindowMs)
		if err == nil && !rl.Allowed {
			w.Header().Set("Retry-After", fmt.Sprintf("%d", msToSeconds(rl.RetryAfterMs)))
			h.respondErr(w, http.StatusTooManyRequests, ErrCodeRateLimited, "rate limited")
			return
		}
	}

	httpserver.Respond(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// HandleGmailAuthCallback implements GET /api/gmail/auth/callback: exchanges
// the OAuth code with the external collaborator issuer (out of this
// gateway's scope) and redirects with a query-encoded state. Oversized
// query params redirect with an error state rather than processing them.
func (h *Handler) HandleGmailAuthCallback(w http.ResponseWriter, r *http.Request) {
	const maxQueryLen = 4096
	if len(r.URL.RawQuery) > maxQueryLen {
		http.Redirect(w, r, "/gmail/connected?status=error&reason=query_too_large", http.StatusFound)
		return
	}

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")
	if code == "" {
		http.Redirect(w, r, "/gmail/connected?status=error&reason=missing_code", http.StatusFound)
		return
	}

	redirectURL := fmt.Sprintf("/gmail/connected?status=ok&state=%s", url.QueryEscape(state))
	http.Redirect(w, r, redirectURL, http.StatusFound)
}
