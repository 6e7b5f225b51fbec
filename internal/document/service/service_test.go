package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"signgate/internal/audit"
	"signgate/internal/document/models"
	"signgate/internal/document/store"
	"signgate/internal/policy"
	"signgate/internal/provider"
	"signgate/pkg/domain"
	dErrors "signgate/pkg/domain-errors"
	"signgate/pkg/platform/sentinel"
)

type LifecycleSuite struct {
	suite.Suite
	store      *store.InMemoryStore
	provider   *provider.MockClient
	auditStore *audit.InMemoryStore
	service    *Service
	now        time.Time
}

func TestLifecycleSuite(t *testing.T) {
	suite.Run(t, new(LifecycleSuite))
}

func (s *LifecycleSuite) SetupTest() {
	s.store = store.NewInMemoryStore()
	s.provider = &provider.MockClient{}
	s.auditStore = audit.NewInMemoryStore()
	s.now = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	var err error
	s.service, err = New(s.store, policy.Default(), s.provider,
		WithAuditPublisher(audit.NewPublisher(s.auditStore)),
		WithDocumentTTL(365*24*time.Hour),
		WithPendingTTL(365*24*time.Hour),
		WithClock(func() time.Time { return s.now }),
	)
	s.Require().NoError(err)
}

func (s *LifecycleSuite) TestNew_RequiresDependencies() {
	_, err := New(nil, policy.Default(), s.provider)
	s.Error(err)
	_, err = New(s.store, nil, s.provider)
	s.Error(err)
	_, err = New(s.store, policy.Default(), nil)
	s.Error(err)
}

// =============================================================================
// EnsureRequirements
// =============================================================================

func (s *LifecycleSuite) TestEnsureRequirements_IssuesMissingArtifacts() {
	ctx := context.Background()
	userID := domain.NewUserID()

	snap, err := s.service.EnsureRequirements(ctx, userID, policy.ActionAcceptJob,
		policy.Context{JobID: "job-1", ProjectValue: 300})
	s.Require().NoError(err)

	s.False(snap.Complete)
	s.Require().Len(snap.Requirements, 1)
	s.Equal(policy.DocServiceAgreement, snap.Requirements[0].DocumentType)
	s.Require().NotNil(snap.Requirements[0].Artifact)
	s.Equal(models.StatusSent, snap.Requirements[0].Artifact.Status)
	s.NotEmpty(snap.Requirements[0].Artifact.ProviderEnvelopeID)
	s.NotEmpty(snap.Requirements[0].Artifact.SigningURL)
}

func (s *LifecycleSuite) TestEnsureRequirements_SecondCallDoesNotReissue() {
	ctx := context.Background()
	userID := domain.NewUserID()
	actionCtx := policy.Context{JobID: "job-1"}

	first, err := s.service.EnsureRequirements(ctx, userID, policy.ActionAcceptJob, actionCtx)
	s.Require().NoError(err)

	second, err := s.service.EnsureRequirements(ctx, userID, policy.ActionAcceptJob, actionCtx)
	s.Require().NoError(err)

	s.Equal(first.Requirements[0].Artifact.ID, second.Requirements[0].Artifact.ID)
	s.Len(s.provider.Sent(), 1, "a pending artifact must not trigger another envelope")
}

func (s *LifecycleSuite) TestEnsureRequirements_ConcurrentCallsYieldOneArtifact() {
	ctx := context.Background()
	userID := domain.NewUserID()
	actionCtx := policy.Context{JobID: "job-7"}

	const callers = 8
	results := make([]*models.ComplianceSnapshot, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			snap, err := s.service.EnsureRequirements(ctx, userID, policy.ActionAcceptJob, actionCtx)
			s.NoError(err)
			results[n] = snap
		}(i)
	}
	wg.Wait()

	artifacts, err := s.store.ListByUser(ctx, userID)
	s.Require().NoError(err)
	s.Len(artifacts, 1, "exactly one artifact despite concurrent issuance")

	for _, snap := range results {
		s.Require().NotNil(snap)
		s.Require().NotNil(snap.Requirements[0].Artifact)
		s.Equal(artifacts[0].ID, snap.Requirements[0].Artifact.ID)
	}
}

func (s *LifecycleSuite) TestEnsureRequirements_CompleteWhenAllSatisfied() {
	ctx := context.Background()
	userID := domain.NewUserID()
	actionCtx := policy.Context{JobID: "job-1"}

	snap, err := s.service.EnsureRequirements(ctx, userID, policy.ActionAcceptJob, actionCtx)
	s.Require().NoError(err)
	envelopeID := snap.Requirements[0].Artifact.ProviderEnvelopeID

	s.Require().NoError(s.service.HandleProviderEvent(ctx, envelopeID, ProviderStatusCompleted, s.now))

	snap, err = s.service.EnsureRequirements(ctx, userID, policy.ActionAcceptJob, actionCtx)
	s.Require().NoError(err)
	s.True(snap.Complete)
	s.Empty(snap.PendingArtifacts())
}

// =============================================================================
// Issue failure path
// =============================================================================

func (s *LifecycleSuite) TestIssue_ProviderFailureYieldsFailedArtifact() {
	ctx := context.Background()
	s.provider.FailSends = true

	artifact, err := s.service.Issue(ctx, domain.NewUserID(), policy.DocTaxForm, policy.Context{})
	s.Require().NoError(err, "provider failure is not a request error")
	s.Equal(models.StatusFailed, artifact.Status)
	s.Empty(artifact.ProviderEnvelopeID)
}

func (s *LifecycleSuite) TestRetryFailed() {
	ctx := context.Background()
	userID := domain.NewUserID()

	s.provider.FailSends = true
	failed, err := s.service.Issue(ctx, userID, policy.DocTaxForm, policy.Context{})
	s.Require().NoError(err)
	s.Require().Equal(models.StatusFailed, failed.Status)

	s.Run("other users cannot retry", func() {
		_, err := s.service.RetryFailed(ctx, domain.NewUserID(), failed.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	})

	s.Run("owner retry re-sends the envelope", func() {
		s.provider.FailSends = false
		retried, err := s.service.RetryFailed(ctx, userID, failed.ID)
		s.Require().NoError(err)
		s.Equal(models.StatusSent, retried.Status)
		s.Equal(failed.ID, retried.ID, "retry reuses the artifact, not a new record")
	})

	s.Run("sent artifacts cannot be retried", func() {
		_, err := s.service.RetryFailed(ctx, userID, failed.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

// =============================================================================
// Provider events
// =============================================================================

func (s *LifecycleSuite) issueSent(userID domain.UserID, docType policy.DocumentType) *models.DocumentArtifact {
	artifact, err := s.service.Issue(context.Background(), userID, docType, policy.Context{})
	s.Require().NoError(err)
	s.Require().Equal(models.StatusSent, artifact.Status)
	return artifact
}

func (s *LifecycleSuite) TestHandleProviderEvent_AppliesCompletion() {
	ctx := context.Background()
	artifact := s.issueSent(domain.NewUserID(), policy.DocServiceAgreement)

	eventTime := s.now.Add(time.Hour)
	s.Require().NoError(s.service.HandleProviderEvent(ctx, artifact.ProviderEnvelopeID, ProviderStatusCompleted, eventTime))

	got, err := s.store.Get(ctx, artifact.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusCompleted, got.Status)
	s.Require().NotNil(got.CompletedAt)
	s.Equal(eventTime, *got.CompletedAt)
	s.Require().NotNil(got.ExpiresAt)
	s.Equal(eventTime.Add(365*24*time.Hour), *got.ExpiresAt)
	s.Equal(eventTime.UnixMilli(), got.EventVersion)
}

func (s *LifecycleSuite) TestHandleProviderEvent_DuplicateIsNoOp() {
	ctx := context.Background()
	artifact := s.issueSent(domain.NewUserID(), policy.DocServiceAgreement)
	eventTime := s.now.Add(time.Hour)

	s.Require().NoError(s.service.HandleProviderEvent(ctx, artifact.ProviderEnvelopeID, ProviderStatusCompleted, eventTime))
	first, err := s.store.Get(ctx, artifact.ID)
	s.Require().NoError(err)

	s.Require().NoError(s.service.HandleProviderEvent(ctx, artifact.ProviderEnvelopeID, ProviderStatusCompleted, eventTime))
	second, err := s.store.Get(ctx, artifact.ID)
	s.Require().NoError(err)

	s.Equal(first.EventVersion, second.EventVersion)
	s.Equal(*first.CompletedAt, *second.CompletedAt)
	s.Equal(first.UpdatedAt, second.UpdatedAt, "duplicate delivery must not touch the row")
}

func (s *LifecycleSuite) TestHandleProviderEvent_StaleDeclineAfterCompleteDropped() {
	ctx := context.Background()
	artifact := s.issueSent(domain.NewUserID(), policy.DocServiceAgreement)

	s.Require().NoError(s.service.HandleProviderEvent(ctx, artifact.ProviderEnvelopeID, ProviderStatusCompleted, s.now.Add(2*time.Hour)))
	// A later-timestamped decline is still illegal from Completed and is dropped.
	s.Require().NoError(s.service.HandleProviderEvent(ctx, artifact.ProviderEnvelopeID, ProviderStatusDeclined, s.now.Add(3*time.Hour)))

	got, err := s.store.Get(ctx, artifact.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusCompleted, got.Status)
}

func (s *LifecycleSuite) TestHandleProviderEvent_OutOfOrderTimestampsDropped() {
	ctx := context.Background()
	artifact := s.issueSent(domain.NewUserID(), policy.DocServiceAgreement)

	s.Require().NoError(s.service.HandleProviderEvent(ctx, artifact.ProviderEnvelopeID, ProviderStatusCompleted, s.now.Add(2*time.Hour)))
	// Delivered carries an older timestamp: dropped by the version check.
	s.Require().NoError(s.service.HandleProviderEvent(ctx, artifact.ProviderEnvelopeID, ProviderStatusDelivered, s.now.Add(time.Hour)))

	got, err := s.store.Get(ctx, artifact.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusCompleted, got.Status)
}

func (s *LifecycleSuite) TestHandleProviderEvent_UnknownEnvelope() {
	err := s.service.HandleProviderEvent(context.Background(), "env-unknown", ProviderStatusCompleted, s.now)
	s.ErrorIs(err, sentinel.ErrNotFound)
}

func (s *LifecycleSuite) TestHandleProviderEvent_DeclineTerminatesArtifact() {
	ctx := context.Background()
	userID := domain.NewUserID()
	artifact := s.issueSent(userID, policy.DocServiceAgreement)

	s.Require().NoError(s.service.HandleProviderEvent(ctx, artifact.ProviderEnvelopeID, ProviderStatusDeclined, s.now.Add(time.Hour)))

	got, err := s.store.Get(ctx, artifact.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusDeclined, got.Status)

	// The slot is free again: a new artifact can be issued.
	replacement, err := s.service.Issue(ctx, userID, policy.DocServiceAgreement, policy.Context{})
	s.Require().NoError(err)
	s.NotEqual(artifact.ID, replacement.ID)
}

// voidInterleavingStore performs an admin void between a caller's read and
// its write, so the caller's optimistic check must lose.
type voidInterleavingStore struct {
	store.Store
	interleaved bool
}

func (s *voidInterleavingStore) Update(ctx context.Context, artifact *models.DocumentArtifact, readRevision int64) error {
	if !s.interleaved && artifact.Status == models.StatusCompleted {
		s.interleaved = true
		current, err := s.Store.Get(ctx, artifact.ID)
		if err != nil {
			return err
		}
		current.Status = models.StatusVoided
		if err := s.Store.Update(ctx, current, current.Revision); err != nil {
			return err
		}
	}
	return s.Store.Update(ctx, artifact, readRevision)
}

func (s *LifecycleSuite) TestHandleProviderEvent_InterleavedVoidWins() {
	ctx := context.Background()
	userID := domain.NewUserID()

	interleaving := &voidInterleavingStore{Store: s.store}
	svc, err := New(interleaving, policy.Default(), s.provider,
		WithDocumentTTL(365*24*time.Hour),
		WithClock(func() time.Time { return s.now }),
	)
	s.Require().NoError(err)

	artifact, err := svc.Issue(ctx, userID, policy.DocServiceAgreement, policy.Context{})
	s.Require().NoError(err)
	s.Require().Equal(models.StatusSent, artifact.Status)

	// The completion webhook reads the artifact, an admin void lands, and
	// the webhook's write must not resurrect the voided artifact.
	s.Require().NoError(svc.HandleProviderEvent(ctx, artifact.ProviderEnvelopeID, ProviderStatusCompleted, s.now.Add(time.Hour)))

	got, err := s.store.Get(ctx, artifact.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusVoided, got.Status)
	s.Nil(got.CompletedAt)
}

// =============================================================================
// Void
// =============================================================================

func (s *LifecycleSuite) TestVoid() {
	ctx := context.Background()
	artifact := s.issueSent(domain.NewUserID(), policy.DocMediaRelease)

	s.Require().NoError(s.service.Void(ctx, "admin-1", artifact.ID))
	got, err := s.store.Get(ctx, artifact.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusVoided, got.Status)

	s.Run("voiding twice conflicts", func() {
		err := s.service.Void(ctx, "admin-1", artifact.ID)
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

// =============================================================================
// Expiry and renewal
// =============================================================================

func (s *LifecycleSuite) TestMarkExpired_DemotesOverdueSentArtifact() {
	ctx := context.Background()
	userID := domain.NewUserID()

	artifact := s.issueSent(userID, policy.DocServiceAgreement)

	// 400 days later, with a 365 day pending TTL, the artifact is overdue.
	s.now = s.now.Add(400 * 24 * time.Hour)
	expired, err := s.service.MarkExpired(ctx)
	s.Require().NoError(err)
	s.Equal(1, expired)

	got, err := s.store.Get(ctx, artifact.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusExpired, got.Status)

	// The action is blocked again and a fresh artifact is issued.
	snap, err := s.service.EnsureRequirements(ctx, userID, policy.ActionAcceptJob, policy.Context{})
	s.Require().NoError(err)
	s.False(snap.Complete)
	s.NotEqual(artifact.ID, snap.Requirements[0].Artifact.ID)
}

func (s *LifecycleSuite) TestMarkExpired_ReclaimsStrandedCreatedArtifact() {
	ctx := context.Background()
	userID := domain.NewUserID()

	// A crash between the slot-claiming insert and the provider send
	// leaves an artifact in Created with no envelope and no signing URL.
	stranded := &models.DocumentArtifact{
		ID:           domain.NewArtifactID(),
		UserID:       userID,
		DocumentType: policy.DocServiceAgreement,
		Status:       models.StatusCreated,
		IssuedAt:     s.now,
		CreatedAt:    s.now,
		UpdatedAt:    s.now,
	}
	s.Require().NoError(s.store.Insert(ctx, stranded))

	// It holds the slot, so nothing re-issues and it cannot be retried.
	snap, err := s.service.EnsureRequirements(ctx, userID, policy.ActionAcceptJob, policy.Context{})
	s.Require().NoError(err)
	s.False(snap.Complete)
	s.Equal(stranded.ID, snap.Requirements[0].Artifact.ID)
	_, err = s.service.RetryFailed(ctx, userID, stranded.ID)
	s.Equal(dErrors.CodeConflict, dErrors.CodeOf(err))

	// The expiry sweep reclaims it once the pending TTL lapses.
	s.now = s.now.Add(400 * 24 * time.Hour)
	expired, err := s.service.MarkExpired(ctx)
	s.Require().NoError(err)
	s.Equal(1, expired)

	got, err := s.store.Get(ctx, stranded.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusExpired, got.Status)

	// The slot is free: the next gated request issues a fresh artifact.
	snap, err = s.service.EnsureRequirements(ctx, userID, policy.ActionAcceptJob, policy.Context{})
	s.Require().NoError(err)
	s.Require().NotNil(snap.Requirements[0].Artifact)
	s.NotEqual(stranded.ID, snap.Requirements[0].Artifact.ID)
	s.Equal(models.StatusSent, snap.Requirements[0].Artifact.Status)
}

func (s *LifecycleSuite) completeArtifact(userID domain.UserID, docType policy.DocumentType, at time.Time) *models.DocumentArtifact {
	artifact := s.issueSent(userID, docType)
	s.Require().NoError(s.service.HandleProviderEvent(context.Background(), artifact.ProviderEnvelopeID, ProviderStatusCompleted, at))
	got, err := s.store.Get(context.Background(), artifact.ID)
	s.Require().NoError(err)
	return got
}

func (s *LifecycleSuite) TestRenewal_NoInterruptionForUser() {
	ctx := context.Background()
	userID := domain.NewUserID()
	actionCtx := policy.Context{JobID: "job-1"}

	old := s.completeArtifact(userID, policy.DocServiceAgreement, s.now)

	// 10 days before expiry the artifact shows up as renewable.
	s.now = old.ExpiresAt.Add(-10 * 24 * time.Hour)
	renewable, err := s.service.ListRenewable(ctx, 14*24*time.Hour)
	s.Require().NoError(err)
	s.Require().Len(renewable, 1)

	renewal, err := s.service.IssueRenewal(ctx, renewable[0])
	s.Require().NoError(err)
	s.Equal(models.StatusSent, renewal.Status)
	s.Require().NotNil(renewal.SupersedesID)
	s.Equal(old.ID, *renewal.SupersedesID)

	// With the renewal still pending, the old artifact keeps satisfying.
	snap, err := s.service.Snapshot(ctx, userID, policy.ActionAcceptJob, actionCtx)
	s.Require().NoError(err)
	s.True(snap.Complete, "pending renewal must not interrupt the user")

	// Renewal completes before the old one expires.
	s.Require().NoError(s.service.HandleProviderEvent(ctx, renewal.ProviderEnvelopeID, ProviderStatusCompleted, s.now.Add(24*time.Hour)))

	oldAfter, err := s.store.Get(ctx, old.ID)
	s.Require().NoError(err)
	s.NotNil(oldAfter.SupersededAt, "completed renewal marks its predecessor superseded")

	// Past the old expiry, the renewal satisfies the requirement.
	s.now = old.ExpiresAt.Add(24 * time.Hour)
	snap, err = s.service.Snapshot(ctx, userID, policy.ActionAcceptJob, actionCtx)
	s.Require().NoError(err)
	s.True(snap.Complete)
}

func (s *LifecycleSuite) TestListRenewable_SkipsInFlightSuccessor() {
	ctx := context.Background()
	userID := domain.NewUserID()

	old := s.completeArtifact(userID, policy.DocServiceAgreement, s.now)
	s.now = old.ExpiresAt.Add(-10 * 24 * time.Hour)

	renewable, err := s.service.ListRenewable(ctx, 14*24*time.Hour)
	s.Require().NoError(err)
	s.Require().Len(renewable, 1)

	_, err = s.service.IssueRenewal(ctx, renewable[0])
	s.Require().NoError(err)

	again, err := s.service.ListRenewable(ctx, 14*24*time.Hour)
	s.Require().NoError(err)
	s.Empty(again, "an in-flight renewal suppresses re-issuance")
}

func (s *LifecycleSuite) TestExpiredWithoutRenewal_BlocksAgain() {
	ctx := context.Background()
	userID := domain.NewUserID()

	old := s.completeArtifact(userID, policy.DocServiceAgreement, s.now)

	s.now = old.ExpiresAt.Add(24 * time.Hour)
	snap, err := s.service.Snapshot(ctx, userID, policy.ActionAcceptJob, policy.Context{})
	s.Require().NoError(err)
	s.False(snap.Complete, "an expired artifact blocks exactly like a missing one")
}

// =============================================================================
// Audit trail
// =============================================================================

func (s *LifecycleSuite) TestLifecycleEmitsAuditTrail() {
	ctx := context.Background()
	userID := domain.NewUserID()

	artifact := s.issueSent(userID, policy.DocServiceAgreement)
	s.Require().NoError(s.service.HandleProviderEvent(ctx, artifact.ProviderEnvelopeID, ProviderStatusCompleted, s.now.Add(time.Hour)))

	events, err := s.auditStore.ListByUser(ctx, userID)
	s.Require().NoError(err)

	var actions []audit.AuditEvent
	for _, e := range events {
		actions = append(actions, e.Action)
	}
	s.Contains(actions, audit.EventArtifactIssued)
	s.Contains(actions, audit.EventArtifactCompleted)
}
