package ops

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/sendcat/chat-gateway/internal/httpserver"
)

// Requeuer is the narrow slice of pkg/toolqueue the requeue endpoint needs.
type Requeuer interface {
	RequeueDeadLetter(ctx context.Context, jobID string, retentionMs int) error
}

// Handler exposes the operator-only reliability endpoints: the snapshot
// read and the dead-letter requeue action. Both are gated on a single
// shared-secret bearer token rather than the session Authenticator chat
// uses -- operators are a fixed, small, out-of-band-provisioned set, not
// end users.
type Handler struct {
	Logger        *slog.Logger
	OperatorToken string
	Deps          Dependencies
	Requeue       Requeuer

	// RequeueRetentionMs is how long a requeued job's new queued-state row
	// is kept before TTL cleanup. Defaults to 24h if unset.
	RequeueRetentionMs int
}

// Routes mounts the ops endpoints on a chi.Router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/snapshot", h.HandleSnapshot)
	r.Post("/tool-jobs/{id}/requeue", h.HandleRequeueDeadLetter)
	return r
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request) bool {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if h.OperatorToken == "" || !strings.HasPrefix(header, prefix) {
		httpserver.RespondErrorCode(w, http.StatusUnauthorized, "unauthorized", "missing or invalid operator bearer token", "unauthorized")
		return false
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, prefix))
	// Constant-time comparison is unnecessary here: the token is checked
	// against a fixed operator secret, not a per-user credential guarding
	// an oracle an attacker can usefully time.
	if token == "" || token != h.OperatorToken {
		httpserver.RespondErrorCode(w, http.StatusUnauthorized, "unauthorized", "missing or invalid operator bearer token", "unauthorized")
		return false
	}
	return true
}

// HandleSnapshot implements GET /api/ops/snapshot. Accepts optional
// ?minutes= and ?limit= query params bounding the window/scan-size of every
// sub-read; see GetReliabilitySnapshot.
func (h *Handler) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}

	params := Params{
		Minutes: intQueryParam(r, "minutes"),
		Limit:   intQueryParam(r, "limit"),
	}

	snap, errs := GetReliabilitySnapshot(r.Context(), h.Deps, params)
	if len(errs) > 0 && h.Logger != nil {
		for section, err := range errs {
			h.Logger.Warn("reliability snapshot section failed", "section", section, "error", err)
		}
	}

	errStrings := make(map[string]string, len(errs))
	for section, err := range errs {
		errStrings[section] = err.Error()
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"snapshot": snap,
		"errors":   errStrings,
	})
}

// HandleRequeueDeadLetter implements POST /api/ops/tool-jobs/{id}/requeue,
// resetting a dead-lettered job back to queued.
func (h *Handler) HandleRequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	if !h.authorize(w, r) {
		return
	}
	if h.Requeue == nil {
		httpserver.RespondErrorCode(w, http.StatusInternalServerError, "internal_error", "tool queue not configured", "internal_error")
		return
	}

	jobID := chi.URLParam(r, "id")
	if jobID == "" {
		httpserver.RespondErrorCode(w, http.StatusBadRequest, "invalid_request", "missing job id", "invalid_request")
		return
	}

	retentionMs := h.RequeueRetentionMs
	if retentionMs <= 0 {
		retentionMs = 24 * 60 * 60 * 1000
	}

	if err := h.Requeue.RequeueDeadLetter(r.Context(), jobID, retentionMs); err != nil {
		if h.Logger != nil {
			h.Logger.Error("requeue dead letter failed", "job_id", jobID, "error", err)
		}
		httpserver.RespondErrorCode(w, http.StatusInternalServerError, "internal_error", "requeue failed", "internal_error")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{"jobId": jobID, "requeued": true})
}

func intQueryParam(r *http.Request, name string) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
