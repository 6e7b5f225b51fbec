// Package webhook ingests e-signature provider status callbacks. The
// endpoint is unauthenticated in the JWT sense; authenticity comes from
// an HMAC signature over the raw body, so the handler reads and verifies
// the payload before any parsing happens.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"signgate/internal/audit"
	"signgate/internal/document/metrics"
	"signgate/internal/document/models"
	"signgate/internal/platform/middleware"
	"signgate/pkg/domain"
	dErrors "signgate/pkg/domain-errors"
	"signgate/pkg/platform/httputil"
	"signgate/pkg/platform/sentinel"
)

// SignatureHeader carries the hex-encoded HMAC-SHA256 of the request body.
const SignatureHeader = "X-Provider-Signature"

// maxBodyBytes bounds webhook payloads; provider events are tiny.
const maxBodyBytes = 64 << 10

// Lifecycle is the slice of the document service the webhook needs.
type Lifecycle interface {
	HandleProviderEvent(ctx context.Context, envelopeID, providerStatus string, eventTime time.Time) error
	FindByEnvelope(ctx context.Context, envelopeID string) (*models.DocumentArtifact, error)
}

// Invalidator drops cached compliance verdicts after an artifact changes.
type Invalidator interface {
	InvalidateUser(ctx context.Context, userID domain.UserID) error
}

// Handler handles provider webhook deliveries.
type Handler struct {
	logger    *slog.Logger
	lifecycle Lifecycle
	publisher *audit.Publisher
	cache     Invalidator
	metrics   *metrics.Metrics
	secret    []byte
}

// New creates a webhook Handler. cache and publisher may be nil.
func New(lifecycle Lifecycle, secret []byte, logger *slog.Logger, publisher *audit.Publisher, cache Invalidator) *Handler {
	return &Handler{
		logger:    logger,
		lifecycle: lifecycle,
		publisher: publisher,
		cache:     cache,
		secret:    secret,
	}
}

// WithMetrics attaches lifecycle metrics so signature rejects are counted
// alongside the service's webhook outcomes.
func (h *Handler) WithMetrics(m *metrics.Metrics) *Handler {
	h.metrics = m
	return h
}

// Register registers the webhook route with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(webhookRouter chi.Router) {
		webhookRouter.Use(middleware.Recovery(h.logger))
		webhookRouter.Use(middleware.RequestID)
		webhookRouter.Use(middleware.Logger(h.logger))
		webhookRouter.Use(middleware.Timeout(15 * time.Second))
		webhookRouter.Post("/documents/webhook", h.handleProviderEvent)
	})
}

type providerEvent struct {
	EnvelopeID     string    `json:"envelopeId"`
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	RecipientEmail string    `json:"recipientEmail"`
}

func (h *Handler) handleProviderEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "unreadable request body"))
		return
	}

	if !h.verifySignature(body, r.Header.Get(SignatureHeader)) {
		h.metrics.IncrementWebhookOutcome("bad_signature")
		h.logger.WarnContext(ctx, "rejected webhook with bad signature",
			"request_id", requestID,
			"remote_addr", r.RemoteAddr,
		)
		h.emit(ctx, audit.Event{
			Action: audit.EventWebhookRejected,
			Reason: "invalid signature",
		})
		httputil.WriteError(w, dErrors.New(dErrors.CodeUnauthorized, "invalid signature"))
		return
	}

	var event providerEvent
	if err := json.Unmarshal(body, &event); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "malformed event payload"))
		return
	}
	if event.EnvelopeID == "" || event.Status == "" || event.Timestamp.IsZero() {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "missing event fields"))
		return
	}

	err = h.lifecycle.HandleProviderEvent(ctx, event.EnvelopeID, event.Status, event.Timestamp)
	switch {
	case err == nil:
	case errors.Is(err, sentinel.ErrNotFound):
		// Not one of ours. Acknowledge so the provider stops retrying,
		// but keep a trace for reconciliation.
		h.logger.InfoContext(ctx, "discarding event for unknown envelope",
			"request_id", requestID,
			"envelope_id", event.EnvelopeID,
			"status", event.Status,
		)
		h.emit(ctx, audit.Event{
			Action:     audit.EventWebhookDiscarded,
			EnvelopeID: event.EnvelopeID,
			Reason:     "unknown envelope",
		})
		w.WriteHeader(http.StatusOK)
		return
	default:
		h.logger.ErrorContext(ctx, "failed to apply provider event",
			"request_id", requestID,
			"envelope_id", event.EnvelopeID,
			"error", err.Error(),
		)
		// A 5xx makes the provider redeliver; the version check makes
		// the redelivery safe.
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "failed to apply event"))
		return
	}

	h.invalidate(ctx, event.EnvelopeID)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) verifySignature(body []byte, header string) bool {
	if header == "" {
		return false
	}
	provided, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// invalidate drops the affected user's cached verdicts. Best effort: the
// cache TTL bounds staleness if this fails.
func (h *Handler) invalidate(ctx context.Context, envelopeID string) {
	if h.cache == nil {
		return
	}
	artifact, err := h.lifecycle.FindByEnvelope(ctx, envelopeID)
	if err != nil {
		return
	}
	if err := h.cache.InvalidateUser(ctx, artifact.UserID); err != nil {
		h.logger.WarnContext(ctx, "failed to invalidate compliance cache",
			"user_id", artifact.UserID,
			"error", err.Error(),
		)
	}
}

func (h *Handler) emit(ctx context.Context, event audit.Event) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.Emit(ctx, event); err != nil {
		h.logger.ErrorContext(ctx, "failed to emit audit event",
			"action", event.Action,
			"error", err.Error(),
		)
	}
}
