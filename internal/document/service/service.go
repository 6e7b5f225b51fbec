// Package service is the document lifecycle manager: the only writer of
// artifact state. It issues artifacts through the provider, applies
// provider events idempotently, and computes compliance snapshots for the
// enforcement gate.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"signgate/internal/audit"
	"signgate/internal/document/metrics"
	"signgate/internal/document/models"
	"signgate/internal/document/store"
	"signgate/internal/policy"
	"signgate/internal/provider"
	"signgate/pkg/domain"
	dErrors "signgate/pkg/domain-errors"
	"signgate/pkg/platform/sentinel"
)

// AuditPublisher is the slice of the audit pipeline this service needs.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}

// SignerDirectory resolves the signer contact details for a user.
type SignerDirectory func(ctx context.Context, userID domain.UserID) (provider.SignerInfo, error)

// Service coordinates artifact issuance and state transitions. All
// mutations go through the store's uniqueness and version checks, so
// concurrent callers converge instead of corrupting state.
type Service struct {
	store    store.Store
	registry *policy.Registry
	provider provider.Client

	auditPublisher AuditPublisher
	metrics        *metrics.Metrics
	logger         *slog.Logger
	signers        SignerDirectory

	documentTTL time.Duration
	pendingTTL  time.Duration
	now         func() time.Time
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithAuditPublisher(publisher AuditPublisher) Option {
	return func(s *Service) { s.auditPublisher = publisher }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithSignerDirectory(d SignerDirectory) Option {
	return func(s *Service) { s.signers = d }
}

func WithDocumentTTL(ttl time.Duration) Option {
	return func(s *Service) { s.documentTTL = ttl }
}

func WithPendingTTL(ttl time.Duration) Option {
	return func(s *Service) { s.pendingTTL = ttl }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(st store.Store, registry *policy.Registry, client provider.Client, opts ...Option) (*Service, error) {
	if st == nil {
		return nil, fmt.Errorf("artifact store is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("policy registry is required")
	}
	if client == nil {
		return nil, fmt.Errorf("provider client is required")
	}

	svc := &Service{
		store:       st,
		registry:    registry,
		provider:    client,
		logger:      slog.Default(),
		documentTTL: 365 * 24 * time.Hour,
		pendingTTL:  30 * 24 * time.Hour,
		now:         time.Now,
	}
	svc.signers = func(_ context.Context, userID domain.UserID) (provider.SignerInfo, error) {
		return provider.SignerInfo{UserID: userID.String()}, nil
	}

	for _, opt := range opts {
		opt(svc)
	}

	return svc, nil
}

// Snapshot computes the compliance view for (user, action, context)
// without issuing anything. Read-only; safe for polling endpoints.
func (s *Service) Snapshot(ctx context.Context, userID domain.UserID, action policy.ActionType, actionCtx policy.Context) (*models.ComplianceSnapshot, error) {
	required, err := s.registry.Resolve(action, actionCtx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "unresolvable action policy")
	}

	now := s.now()
	snap := &models.ComplianceSnapshot{UserID: userID, Action: action, Complete: true}
	for _, docType := range required {
		req := models.RequirementStatus{DocumentType: docType}

		if artifact, err := s.store.LatestSatisfying(ctx, userID, docType, now); err == nil {
			req.Satisfied = true
			req.Artifact = artifact
		} else if !errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read artifacts")
		} else if inflight, err := s.store.InFlightFor(ctx, userID, docType); err == nil {
			req.Artifact = inflight
		} else if !errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read artifacts")
		}

		if !req.Satisfied {
			snap.Complete = false
		}
		snap.Requirements = append(snap.Requirements, req)
	}
	return snap, nil
}

// EnsureRequirements computes the snapshot and issues an artifact for
// every requirement that has neither a satisfying nor an in-flight
// artifact. Idempotent under concurrency: the storage uniqueness
// invariant guarantees a single winner per (user, document type), and a
// losing caller simply observes the winner's artifact.
func (s *Service) EnsureRequirements(ctx context.Context, userID domain.UserID, action policy.ActionType, actionCtx policy.Context) (*models.ComplianceSnapshot, error) {
	snap, err := s.Snapshot(ctx, userID, action, actionCtx)
	if err != nil {
		return nil, err
	}

	for i := range snap.Requirements {
		req := &snap.Requirements[i]
		if req.Satisfied || req.Artifact != nil {
			continue
		}
		artifact, err := s.Issue(ctx, userID, req.DocumentType, actionCtx)
		if err != nil {
			return nil, err
		}
		req.Artifact = artifact
	}
	return snap, nil
}

// Issue creates an artifact for the pair and sends its envelope. The
// provider call is bounded; on exhausted retries the artifact lands in
// Failed with a user-facing manual retry, not an error. The gate never
// waits on more than one provider round-trip budget.
func (s *Service) Issue(ctx context.Context, userID domain.UserID, docType policy.DocumentType, actionCtx policy.Context) (*models.DocumentArtifact, error) {
	now := s.now()
	artifact := &models.DocumentArtifact{
		ID:             domain.NewArtifactID(),
		UserID:         userID,
		DocumentType:   docType,
		Status:         models.StatusCreated,
		ContextPayload: actionCtx,
		IssuedAt:       now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// Claim the (user, document type) slot before the provider round-trip
	// so a concurrent caller cannot double-issue.
	if err := s.store.Insert(ctx, artifact); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			s.metrics.IncrementIssueResult("raced")
			winner, winErr := s.store.InFlightFor(ctx, userID, docType)
			if winErr != nil {
				return nil, dErrors.Wrap(winErr, dErrors.CodeInternal, "failed to read racing artifact")
			}
			return winner, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create artifact")
	}

	return s.sendEnvelope(ctx, artifact)
}

// sendEnvelope drives Created -> Sent/Failed for an artifact that already
// holds the uniqueness slot.
func (s *Service) sendEnvelope(ctx context.Context, artifact *models.DocumentArtifact) (*models.DocumentArtifact, error) {
	signer, err := s.signers(ctx, artifact.UserID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to resolve signer")
	}

	start := s.now()
	envelope, sendErr := s.provider.SendEnvelope(ctx, provider.EnvelopeRequest{
		DocumentType:  artifact.DocumentType,
		Signer:        signer,
		ContextFields: artifact.ContextPayload,
	})
	readRevision := artifact.Revision

	if sendErr != nil {
		s.metrics.ObserveProviderLatency("error", s.now().Sub(start))
		s.metrics.IncrementIssueResult("failed")
		s.logger.WarnContext(ctx, "envelope creation failed",
			"artifact_id", artifact.ID,
			"document_type", artifact.DocumentType,
			"error", sendErr,
		)
		s.transition(artifact, models.StatusFailed)
		if err := s.store.Update(ctx, artifact, readRevision); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record issue failure")
		}
		s.emit(ctx, audit.Event{
			Action:       audit.EventArtifactFailed,
			UserID:       artifact.UserID,
			ArtifactID:   artifact.ID,
			DocumentType: string(artifact.DocumentType),
			Reason:       sendErr.Error(),
		})
		return artifact, nil
	}

	s.metrics.ObserveProviderLatency("ok", s.now().Sub(start))
	s.metrics.IncrementIssueResult("sent")
	artifact.ProviderEnvelopeID = envelope.EnvelopeID
	artifact.SigningURL = envelope.SigningURL
	s.transition(artifact, models.StatusSent)
	if err := s.store.Update(ctx, artifact, readRevision); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to record issued artifact")
	}

	s.emit(ctx, audit.Event{
		Action:       audit.EventArtifactIssued,
		UserID:       artifact.UserID,
		ArtifactID:   artifact.ID,
		DocumentType: string(artifact.DocumentType),
		EnvelopeID:   envelope.EnvelopeID,
	})
	return artifact, nil
}

// RetryFailed re-drives a Failed artifact through issuance on user
// request. Only the owning user may retry.
func (s *Service) RetryFailed(ctx context.Context, userID domain.UserID, artifactID domain.ArtifactID) (*models.DocumentArtifact, error) {
	artifact, err := s.store.Get(ctx, artifactID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "artifact not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read artifact")
	}
	if artifact.UserID != userID {
		return nil, dErrors.New(dErrors.CodeForbidden, "artifact belongs to another user")
	}
	if artifact.Status != models.StatusFailed {
		return nil, dErrors.Newf(dErrors.CodeConflict, "artifact is %s, only failed artifacts can be retried", artifact.Status)
	}

	readRevision := artifact.Revision
	s.transition(artifact, models.StatusCreated)
	if err := s.store.Update(ctx, artifact, readRevision); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to reset artifact")
	}
	s.emit(ctx, audit.Event{
		Action:       audit.EventArtifactRetried,
		UserID:       userID,
		ArtifactID:   artifact.ID,
		DocumentType: string(artifact.DocumentType),
	})

	return s.sendEnvelope(ctx, artifact)
}

// ListForUser returns the user's full artifact history, newest last.
func (s *Service) ListForUser(ctx context.Context, userID domain.UserID) ([]*models.DocumentArtifact, error) {
	artifacts, err := s.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list artifacts")
	}
	return artifacts, nil
}

// FindByEnvelope resolves a provider envelope id to its artifact.
// Returns sentinel.ErrNotFound for envelopes this system never issued.
func (s *Service) FindByEnvelope(ctx context.Context, envelopeID string) (*models.DocumentArtifact, error) {
	return s.store.GetByEnvelopeID(ctx, envelopeID)
}

func (s *Service) transition(artifact *models.DocumentArtifact, to models.Status) {
	s.metrics.IncrementTransition(string(artifact.Status), string(to))
	artifact.Status = to
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if s.auditPublisher == nil {
		return
	}
	if err := s.auditPublisher.Emit(ctx, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to emit audit event",
			"action", event.Action,
			"error", err,
		)
	}
}
