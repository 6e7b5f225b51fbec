package service

import (
	"context"
	"errors"
	"time"

	"signgate/internal/audit"
	"signgate/internal/document/models"
	"signgate/pkg/domain"
	dErrors "signgate/pkg/domain-errors"
	"signgate/pkg/platform/sentinel"
)

// MarkExpired demotes created/sent/delivered artifacts whose pending TTL
// lapsed. Sweeping Created frees the uniqueness slot when a crash struck
// between the slot claim and the provider send, so the next gated request
// re-issues. Completed artifacts are never mutated here: they simply stop
// satisfying their requirement once expires_at passes, and renewal issues
// a new artifact instead of rewriting the old one.
func (s *Service) MarkExpired(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.pendingTTL)
	stale, err := s.store.ListUnresolvedBefore(ctx, cutoff)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list unresolved artifacts")
	}

	expired := 0
	for _, artifact := range stale {
		readRevision := artifact.Revision
		s.transition(artifact, models.StatusExpired)
		if err := s.store.Update(ctx, artifact, readRevision); err != nil {
			if errors.Is(err, sentinel.ErrConflict) {
				// A webhook resolved it between the list and the write.
				continue
			}
			return expired, dErrors.Wrap(err, dErrors.CodeInternal, "failed to expire artifact")
		}
		expired++
		s.emit(ctx, audit.Event{
			Action:       audit.EventArtifactExpired,
			UserID:       artifact.UserID,
			ArtifactID:   artifact.ID,
			DocumentType: string(artifact.DocumentType),
		})
	}
	return expired, nil
}

// ListRenewable returns completed artifacts entering the renewal window
// that do not already have an in-flight successor.
func (s *Service) ListRenewable(ctx context.Context, window time.Duration) ([]*models.DocumentArtifact, error) {
	horizon := s.now().Add(window)
	expiring, err := s.store.ListExpiring(ctx, horizon)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to list expiring artifacts")
	}

	var renewable []*models.DocumentArtifact
	for _, artifact := range expiring {
		if _, err := s.store.InFlightFor(ctx, artifact.UserID, artifact.DocumentType); err == nil {
			continue // renewal already under way
		} else if !errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to check for renewal in flight")
		}
		renewable = append(renewable, artifact)
	}
	return renewable, nil
}

// IssueRenewal issues a superseding artifact for a completed predecessor.
// The predecessor stays valid until its own expiry, so the user sees no
// interruption while the renewal is out for signature.
func (s *Service) IssueRenewal(ctx context.Context, predecessor *models.DocumentArtifact) (*models.DocumentArtifact, error) {
	now := s.now()
	supersedes := predecessor.ID
	renewal := &models.DocumentArtifact{
		ID:             domain.NewArtifactID(),
		UserID:         predecessor.UserID,
		DocumentType:   predecessor.DocumentType,
		Status:         models.StatusCreated,
		ContextPayload: predecessor.ContextPayload,
		SupersedesID:   &supersedes,
		IssuedAt:       now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.store.Insert(ctx, renewal); err != nil {
		if errors.Is(err, sentinel.ErrConflict) {
			winner, winErr := s.store.InFlightFor(ctx, predecessor.UserID, predecessor.DocumentType)
			if winErr != nil {
				return nil, dErrors.Wrap(winErr, dErrors.CodeInternal, "failed to read racing renewal")
			}
			return winner, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to create renewal artifact")
	}

	s.emit(ctx, audit.Event{
		Action:       audit.EventRenewalIssued,
		UserID:       renewal.UserID,
		ArtifactID:   renewal.ID,
		DocumentType: string(renewal.DocumentType),
	})

	return s.sendEnvelope(ctx, renewal)
}
