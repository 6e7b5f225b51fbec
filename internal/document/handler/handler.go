package handler

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"signgate/internal/document/models"
	"signgate/internal/platform/middleware"
	"signgate/pkg/domain"
	dErrors "signgate/pkg/domain-errors"
	"signgate/pkg/platform/httputil"
)

// Service defines the interface for document artifact operations.
type Service interface {
	ListForUser(ctx context.Context, userID domain.UserID) ([]*models.DocumentArtifact, error)
	RetryFailed(ctx context.Context, userID domain.UserID, artifactID domain.ArtifactID) (*models.DocumentArtifact, error)
	Void(ctx context.Context, actorID string, artifactID domain.ArtifactID) error
}

// Handler handles document-related endpoints.
type Handler struct {
	logger       *slog.Logger
	documents    Service
	jwtValidator middleware.JWTValidator
}

// New creates a new document Handler.
func New(documents Service, logger *slog.Logger, jwtValidator middleware.JWTValidator) *Handler {
	return &Handler{
		logger:       logger,
		documents:    documents,
		jwtValidator: jwtValidator,
	}
}

// Register registers the document routes with the chi router.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(docRouter chi.Router) {
		docRouter.Use(middleware.Recovery(h.logger))
		docRouter.Use(middleware.RequestID)
		docRouter.Use(middleware.Logger(h.logger))
		docRouter.Use(middleware.Timeout(30 * time.Second))
		docRouter.Use(middleware.RequireAuth(h.jwtValidator, h.logger))
		docRouter.Get("/documents/required", h.handleRequired)
		docRouter.Get("/documents/status", h.handleStatus)
		docRouter.Post("/documents/{id}/retry", h.handleRetry)
		docRouter.Route("/admin", func(adminRouter chi.Router) {
			adminRouter.Use(middleware.RequireAdmin(h.logger))
			adminRouter.Post("/documents/{id}/void", h.handleVoid)
		})
	})
}

type artifactResponse struct {
	ID           string     `json:"id"`
	DocumentType string     `json:"document_type"`
	Status       string     `json:"status"`
	SigningURL   string     `json:"signing_url,omitempty"`
	IssuedAt     time.Time  `json:"issued_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	SupersedesID string     `json:"supersedes_id,omitempty"`
}

func toArtifactResponse(a *models.DocumentArtifact) artifactResponse {
	resp := artifactResponse{
		ID:           a.ID.String(),
		DocumentType: string(a.DocumentType),
		Status:       string(a.Status),
		SigningURL:   a.SigningURL,
		IssuedAt:     a.IssuedAt,
		CompletedAt:  a.CompletedAt,
		ExpiresAt:    a.ExpiresAt,
	}
	if a.SupersedesID != nil {
		resp.SupersedesID = a.SupersedesID.String()
	}
	return resp
}

var pendingTemplate = template.Must(template.New("pending").Parse(`<!DOCTYPE html>
<html>
<head><title>Documents required</title></head>
<body>
<h1>Documents required</h1>
{{if .}}
<p>Sign the following documents to continue:</p>
<ul>
{{range .}}<li>{{.DocumentType}} ({{.Status}}){{if .SigningURL}} &mdash; <a href="{{.SigningURL}}">sign now</a>{{end}}</li>
{{end}}</ul>
{{else}}
<p>Nothing pending. You are all set.</p>
{{end}}
</body>
</html>
`))

// currentUser resolves the authenticated user from the request context.
func (h *Handler) currentUser(w http.ResponseWriter, r *http.Request) (domain.UserID, bool) {
	ctx := r.Context()
	userID, err := domain.ParseUserID(middleware.GetUserID(ctx))
	if err != nil {
		h.logger.ErrorContext(ctx, "userID missing from context despite auth middleware",
			"request_id", middleware.GetRequestID(ctx),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "authentication context error"))
		return domain.UserID{}, false
	}
	return userID, true
}

// handleRequired renders the pending-documents view: every in-flight
// artifact with its signing link. Browsers get HTML, everyone else JSON.
func (h *Handler) handleRequired(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	artifacts, err := h.documents.ListForUser(ctx, userID)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list artifacts",
			"request_id", middleware.GetRequestID(ctx),
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "failed to list documents"))
		return
	}

	pending := make([]artifactResponse, 0)
	for _, artifact := range artifacts {
		if artifact.Status.InFlight() {
			pending = append(pending, toArtifactResponse(artifact))
		}
	}

	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := pendingTemplate.Execute(w, pending); err != nil {
			h.logger.ErrorContext(ctx, "failed to render pending view", "error", err.Error())
		}
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

// handleStatus returns the user's full artifact history.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	artifacts, err := h.documents.ListForUser(ctx, userID)
	if err != nil {
		h.logger.ErrorContext(ctx, "failed to list artifacts",
			"request_id", middleware.GetRequestID(ctx),
			"error", err.Error(),
		)
		httputil.WriteError(w, dErrors.New(dErrors.CodeInternal, "failed to list documents"))
		return
	}

	resp := make([]artifactResponse, 0, len(artifacts))
	for _, artifact := range artifacts {
		resp = append(resp, toArtifactResponse(artifact))
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"documents": resp})
}

// handleRetry re-drives a Failed artifact through issuance.
func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.currentUser(w, r)
	if !ok {
		return
	}

	artifactID, err := domain.ParseArtifactID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid document id"))
		return
	}

	artifact, err := h.documents.RetryFailed(ctx, userID, artifactID)
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeInternal) {
			h.logger.ErrorContext(ctx, "failed to retry artifact",
				"request_id", middleware.GetRequestID(ctx),
				"artifact_id", artifactID,
				"error", err.Error(),
			)
		}
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, toArtifactResponse(artifact))
}

// handleVoid voids an artifact by admin override.
func (h *Handler) handleVoid(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	artifactID, err := domain.ParseArtifactID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid document id"))
		return
	}

	if err := h.documents.Void(ctx, middleware.GetUserID(ctx), artifactID); err != nil {
		if dErrors.HasCode(err, dErrors.CodeInternal) {
			h.logger.ErrorContext(ctx, "failed to void artifact",
				"request_id", middleware.GetRequestID(ctx),
				"artifact_id", artifactID,
				"error", err.Error(),
			)
		}
		httputil.WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
