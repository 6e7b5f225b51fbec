package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"signgate/pkg/domain"
)

// TestTransitionTable enumerates every legal transition and asserts that
// everything outside the table is illegal.
func TestTransitionTable(t *testing.T) {
	all := []Status{
		StatusCreated, StatusSent, StatusDelivered, StatusCompleted,
		StatusDeclined, StatusVoided, StatusExpired, StatusFailed,
	}

	legal := map[[2]Status]bool{
		{StatusCreated, StatusSent}:       true,
		{StatusCreated, StatusFailed}:     true,
		{StatusCreated, StatusExpired}:    true,
		{StatusFailed, StatusCreated}:     true,
		{StatusSent, StatusDelivered}:     true,
		{StatusSent, StatusCompleted}:     true,
		{StatusSent, StatusDeclined}:      true,
		{StatusSent, StatusVoided}:        true,
		{StatusSent, StatusExpired}:       true,
		{StatusDelivered, StatusCompleted}: true,
		{StatusDelivered, StatusDeclined}:  true,
		{StatusDelivered, StatusVoided}:    true,
		{StatusDelivered, StatusExpired}:   true,
		{StatusCompleted, StatusVoided}:    true,
	}

	for _, from := range all {
		for _, to := range all {
			want := legal[[2]Status{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestCompletedNeverDeclines(t *testing.T) {
	// A declined event for a completed envelope is stale by definition.
	assert.False(t, CanTransition(StatusCompleted, StatusDeclined))
}

func TestStatusClassification(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusDeclined.Terminal())
	assert.True(t, StatusVoided.Terminal())
	assert.True(t, StatusExpired.Terminal())
	assert.False(t, StatusFailed.Terminal(), "failed is retryable, not terminal")
	assert.False(t, StatusSent.Terminal())

	assert.True(t, StatusCreated.InFlight())
	assert.True(t, StatusSent.InFlight())
	assert.True(t, StatusDelivered.InFlight())
	assert.True(t, StatusFailed.InFlight())
	assert.False(t, StatusCompleted.InFlight())
	assert.False(t, StatusExpired.InFlight())
}

func TestSatisfies(t *testing.T) {
	now := time.Now()
	future := now.Add(24 * time.Hour)
	past := now.Add(-24 * time.Hour)

	t.Run("completed with future expiry satisfies", func(t *testing.T) {
		a := &DocumentArtifact{Status: StatusCompleted, ExpiresAt: &future}
		assert.True(t, a.Satisfies(now))
	})

	t.Run("completed with past expiry does not satisfy", func(t *testing.T) {
		a := &DocumentArtifact{Status: StatusCompleted, ExpiresAt: &past}
		assert.False(t, a.Satisfies(now))
	})

	t.Run("sent never satisfies", func(t *testing.T) {
		a := &DocumentArtifact{Status: StatusSent, ExpiresAt: &future}
		assert.False(t, a.Satisfies(now))
	})

	t.Run("completed without expiry does not satisfy", func(t *testing.T) {
		a := &DocumentArtifact{Status: StatusCompleted}
		assert.False(t, a.Satisfies(now))
	})
}

func TestSnapshotPendingArtifacts(t *testing.T) {
	inflight := &DocumentArtifact{ID: domain.NewArtifactID(), Status: StatusSent}
	done := &DocumentArtifact{ID: domain.NewArtifactID(), Status: StatusCompleted}

	snap := &ComplianceSnapshot{
		Requirements: []RequirementStatus{
			{DocumentType: "a", Satisfied: true, Artifact: done},
			{DocumentType: "b", Satisfied: false, Artifact: inflight},
			{DocumentType: "c", Satisfied: false, Artifact: nil},
		},
	}

	pending := snap.PendingArtifacts()
	assert.Len(t, pending, 1)
	assert.Equal(t, inflight.ID, pending[0].ID)
}
