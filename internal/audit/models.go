package audit

import (
	"time"

	"signgate/pkg/domain"
)

// EventCategory classifies audit events by their primary purpose. This
// enables different retention policies and routing downstream.
type EventCategory string

const (
	// CategoryCompliance covers events with legal significance: artifact
	// lifecycle transitions that prove which documents were signed when.
	// These require long retention.
	CategoryCompliance EventCategory = "compliance"

	// CategorySecurity covers events that feed alerting: rejected webhook
	// signatures, admin overrides.
	CategorySecurity EventCategory = "security"

	// CategoryOperations covers routine visibility: gate decisions,
	// scheduler sweeps. Can be sampled.
	CategoryOperations EventCategory = "operations"
)

// AuditEvent names every action the engine records.
type AuditEvent string

const (
	EventArtifactIssued     AuditEvent = "artifact_issued"
	EventArtifactFailed     AuditEvent = "artifact_issue_failed"
	EventArtifactRetried    AuditEvent = "artifact_retried"
	EventArtifactDelivered  AuditEvent = "artifact_delivered"
	EventArtifactCompleted  AuditEvent = "artifact_completed"
	EventArtifactDeclined   AuditEvent = "artifact_declined"
	EventArtifactVoided     AuditEvent = "artifact_voided"
	EventArtifactExpired    AuditEvent = "artifact_expired"
	EventArtifactSuperseded AuditEvent = "artifact_superseded"
	EventRenewalIssued      AuditEvent = "renewal_issued"
	EventActionBlocked      AuditEvent = "action_blocked"
	EventWebhookRejected    AuditEvent = "webhook_signature_rejected"
	EventWebhookDiscarded   AuditEvent = "webhook_event_discarded"
)

var eventCategories = map[AuditEvent]EventCategory{
	EventArtifactIssued:     CategoryCompliance,
	EventArtifactFailed:     CategoryOperations,
	EventArtifactRetried:    CategoryOperations,
	EventArtifactDelivered:  CategoryCompliance,
	EventArtifactCompleted:  CategoryCompliance,
	EventArtifactDeclined:   CategoryCompliance,
	EventArtifactVoided:     CategoryCompliance,
	EventArtifactExpired:    CategoryCompliance,
	EventArtifactSuperseded: CategoryCompliance,
	EventRenewalIssued:      CategoryCompliance,
	EventActionBlocked:      CategoryOperations,
	EventWebhookRejected:    CategorySecurity,
	EventWebhookDiscarded:   CategoryOperations,
}

// Category resolves the category for an event, defaulting to operations.
func (e AuditEvent) Category() EventCategory {
	if c, ok := eventCategories[e]; ok {
		return c
	}
	return CategoryOperations
}

// Event is emitted from domain logic to capture key actions. Keep it
// transport-agnostic so stores and sinks can fan out.
type Event struct {
	Category     EventCategory     `json:"category"`
	Timestamp    time.Time         `json:"timestamp"`
	Action       AuditEvent        `json:"action"`
	UserID       domain.UserID     `json:"user_id,omitempty"`
	ArtifactID   domain.ArtifactID `json:"artifact_id,omitempty"`
	DocumentType string            `json:"document_type,omitempty"`
	EnvelopeID   string            `json:"envelope_id,omitempty"`
	ActionType   string            `json:"action_type,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	// ActorID tracks who performed the action when different from UserID,
	// e.g. the admin voiding an artifact.
	ActorID string `json:"actor_id,omitempty"`
}
