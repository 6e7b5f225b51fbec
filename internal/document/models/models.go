// Package models defines the document artifact record and its state
// machine. Artifacts are never deleted; renewals supersede their
// predecessor so the full signing history stays auditable.
package models

import (
	"time"

	"signgate/internal/policy"
	"signgate/pkg/domain"
)

// Status is the lifecycle state of a document artifact.
type Status string

const (
	// StatusCreated: artifact record exists, envelope not yet accepted by
	// the provider.
	StatusCreated Status = "created"
	// StatusSent: envelope created at the provider, awaiting signer.
	StatusSent Status = "sent"
	// StatusDelivered: signer opened the envelope.
	StatusDelivered Status = "delivered"
	// StatusCompleted: all signatures collected. Terminal.
	StatusCompleted Status = "completed"
	// StatusDeclined: signer refused. Terminal.
	StatusDeclined Status = "declined"
	// StatusVoided: cancelled by admin action. Terminal.
	StatusVoided Status = "voided"
	// StatusExpired: demoted by the scheduler after the TTL lapsed. Terminal.
	StatusExpired Status = "expired"
	// StatusFailed: provider call exhausted its retry budget. Retryable,
	// not terminal; distinct from Declined.
	StatusFailed Status = "failed"
)

// transitions is the exhaustive legal-transition table. Sent may move
// straight to Completed because providers collapse delivered+completed
// into one event for single-signer envelopes.
var transitions = map[Status]map[Status]bool{
	StatusCreated: {
		StatusSent:    true,
		StatusFailed:  true,
		StatusExpired: true, // crash between slot claim and send, swept by TTL
	},
	StatusFailed: {
		StatusCreated: true, // manual retry
	},
	StatusSent: {
		StatusDelivered: true,
		StatusCompleted: true,
		StatusDeclined:  true,
		StatusVoided:    true,
		StatusExpired:   true,
	},
	StatusDelivered: {
		StatusCompleted: true,
		StatusDeclined:  true,
		StatusVoided:    true,
		StatusExpired:   true,
	},
	StatusCompleted: {
		StatusVoided: true, // explicit admin override only
	},
	StatusDeclined: {},
	StatusVoided:   {},
	StatusExpired:  {},
}

// CanTransition reports whether moving from to is legal.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Terminal reports whether the status ends the artifact's lifecycle.
// Failed is deliberately excluded: it is retryable.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDeclined, StatusVoided, StatusExpired:
		return true
	}
	return false
}

// InFlight reports whether the artifact is awaiting resolution. In-flight
// artifacts hold the per-(user, document type) uniqueness slot.
func (s Status) InFlight() bool {
	switch s {
	case StatusCreated, StatusSent, StatusDelivered, StatusFailed:
		return true
	}
	return false
}

// DocumentArtifact is one tracked instance of a required document for one
// user. Mutated only by the lifecycle service, the webhook handler, and
// the renewal scheduler.
type DocumentArtifact struct {
	ID                 domain.ArtifactID
	UserID             domain.UserID
	DocumentType       policy.DocumentType
	ProviderEnvelopeID string // empty until the provider accepts the envelope
	Status             Status
	ContextPayload     policy.Context // immutable snapshot taken at issuance
	SigningURL         string
	IssuedAt           time.Time
	CompletedAt        *time.Time
	ExpiresAt          *time.Time
	SupersedesID       *domain.ArtifactID // set on renewals, links to predecessor
	SupersededAt       *time.Time         // set on the predecessor once a renewal completes
	EventVersion       int64              // monotonic, derived from provider event timestamps
	Revision           int64              // bumped by the store on every write, guards lost updates
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Satisfies reports whether this artifact fulfills its document
// requirement at the given instant.
func (a *DocumentArtifact) Satisfies(now time.Time) bool {
	return a.Status == StatusCompleted && a.ExpiresAt != nil && a.ExpiresAt.After(now)
}

// RequirementStatus pairs one required document type with the artifact
// currently standing in for it, if any.
type RequirementStatus struct {
	DocumentType policy.DocumentType
	Satisfied    bool
	Artifact     *DocumentArtifact // nil when nothing has been issued yet
}

// ComplianceSnapshot is a derived, on-demand view of whether a user may
// perform an action. Never persisted; never a source of truth.
type ComplianceSnapshot struct {
	UserID       domain.UserID
	Action       policy.ActionType
	Requirements []RequirementStatus
	Complete     bool
}

// PendingArtifacts returns the in-flight artifacts for unsatisfied
// requirements, for the blocked-response payload.
func (s *ComplianceSnapshot) PendingArtifacts() []*DocumentArtifact {
	var pending []*DocumentArtifact
	for _, req := range s.Requirements {
		if !req.Satisfied && req.Artifact != nil {
			pending = append(pending, req.Artifact)
		}
	}
	return pending
}
