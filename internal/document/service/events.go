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

// Provider event statuses as they appear on the wire.
const (
	ProviderStatusDelivered = "delivered"
	ProviderStatusCompleted = "completed"
	ProviderStatusDeclined  = "declined"
	ProviderStatusVoided    = "voided"
)

var providerStatuses = map[string]models.Status{
	ProviderStatusDelivered: models.StatusDelivered,
	ProviderStatusCompleted: models.StatusCompleted,
	ProviderStatusDeclined:  models.StatusDeclined,
	ProviderStatusVoided:    models.StatusVoided,
}

var statusEvents = map[models.Status]audit.AuditEvent{
	models.StatusDelivered: audit.EventArtifactDelivered,
	models.StatusCompleted: audit.EventArtifactCompleted,
	models.StatusDeclined:  audit.EventArtifactDeclined,
	models.StatusVoided:    audit.EventArtifactVoided,
}

// applyAttempts bounds the optimistic retry loop when concurrent webhook
// deliveries for the same envelope collide on the version check.
const applyAttempts = 3

// HandleProviderEvent applies one provider status notification. Safe
// under at-least-once delivery: duplicate, stale, and out-of-order events
// are dropped with an info log, never an error. Unknown envelopes return
// sentinel.ErrNotFound so the webhook handler can discard them.
func (s *Service) HandleProviderEvent(ctx context.Context, envelopeID, providerStatus string, eventTime time.Time) error {
	target, ok := providerStatuses[providerStatus]
	if !ok {
		s.metrics.IncrementWebhookOutcome("unknown_status")
		s.logger.InfoContext(ctx, "ignoring unrecognized provider status",
			"envelope_id", envelopeID,
			"status", providerStatus,
		)
		return nil
	}

	// Event versions derive from the provider's event timestamp, so "newer"
	// is comparable without requiring the provider to send a counter.
	version := eventTime.UnixMilli()

	var lastErr error
	for attempt := 0; attempt < applyAttempts; attempt++ {
		artifact, err := s.store.GetByEnvelopeID(ctx, envelopeID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				s.metrics.IncrementWebhookOutcome("unknown_envelope")
			}
			return err
		}

		if version <= artifact.EventVersion {
			s.metrics.IncrementWebhookOutcome("stale")
			s.logger.InfoContext(ctx, "dropping duplicate or stale provider event",
				"envelope_id", envelopeID,
				"status", providerStatus,
				"event_version", version,
				"stored_version", artifact.EventVersion,
			)
			return nil
		}

		if !models.CanTransition(artifact.Status, target) {
			// A completed artifact never declines; an event arguing
			// otherwise is out of order and carries no information.
			s.metrics.IncrementWebhookOutcome("illegal")
			s.logger.InfoContext(ctx, "dropping out-of-order provider event",
				"envelope_id", envelopeID,
				"from", artifact.Status,
				"to", target,
			)
			return nil
		}

		readRevision := artifact.Revision
		s.transition(artifact, target)
		artifact.EventVersion = version
		if target == models.StatusCompleted {
			completedAt := eventTime
			expiresAt := eventTime.Add(s.documentTTL)
			artifact.CompletedAt = &completedAt
			artifact.ExpiresAt = &expiresAt
		}

		err = s.store.Update(ctx, artifact, readRevision)
		if err == nil {
			s.metrics.IncrementWebhookOutcome("applied")
			s.emit(ctx, audit.Event{
				Action:       statusEvents[target],
				UserID:       artifact.UserID,
				ArtifactID:   artifact.ID,
				DocumentType: string(artifact.DocumentType),
				EnvelopeID:   envelopeID,
			})
			if target == models.StatusCompleted && artifact.SupersedesID != nil {
				s.markSuperseded(ctx, artifact)
			}
			return nil
		}
		if !errors.Is(err, sentinel.ErrConflict) {
			return err
		}
		// Lost the version race to a concurrent delivery; re-read and
		// re-evaluate, most likely concluding the event is now stale.
		lastErr = err
	}
	return lastErr
}

// markSuperseded stamps the predecessor of a completed renewal so expiry
// sweeps stop considering it. Best effort: the predecessor ages out via
// expires_at regardless.
func (s *Service) markSuperseded(ctx context.Context, renewal *models.DocumentArtifact) {
	predecessor, err := s.store.Get(ctx, *renewal.SupersedesID)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to load superseded predecessor",
			"artifact_id", renewal.SupersedesID,
			"error", err,
		)
		return
	}
	if predecessor.SupersededAt != nil {
		return
	}
	now := s.now()
	predecessor.SupersededAt = &now
	if err := s.store.Update(ctx, predecessor, predecessor.Revision); err != nil {
		s.logger.WarnContext(ctx, "failed to mark predecessor superseded",
			"artifact_id", predecessor.ID,
			"error", err,
		)
		return
	}
	s.emit(ctx, audit.Event{
		Action:       audit.EventArtifactSuperseded,
		UserID:       predecessor.UserID,
		ArtifactID:   predecessor.ID,
		DocumentType: string(predecessor.DocumentType),
	})
}

// Void cancels an artifact by explicit admin action. Legal from Sent,
// Delivered, and (as an explicit override) Completed.
func (s *Service) Void(ctx context.Context, actorID string, artifactID domain.ArtifactID) error {
	artifact, err := s.store.Get(ctx, artifactID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "artifact not found")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to read artifact")
	}

	if !models.CanTransition(artifact.Status, models.StatusVoided) {
		return dErrors.Newf(dErrors.CodeConflict, "artifact in status %s cannot be voided", artifact.Status)
	}

	readRevision := artifact.Revision
	s.transition(artifact, models.StatusVoided)
	if err := s.store.Update(ctx, artifact, readRevision); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "failed to void artifact")
	}

	s.emit(ctx, audit.Event{
		Action:       audit.EventArtifactVoided,
		UserID:       artifact.UserID,
		ArtifactID:   artifact.ID,
		DocumentType: string(artifact.DocumentType),
		ActorID:      actorID,
	})
	return nil
}
