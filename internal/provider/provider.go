// Package provider is the boundary to the external e-signature service.
// Envelope creation is the only outbound call; completion is learned
// exclusively through the webhook channel, never by polling here.
package provider

import (
	"context"

	"signgate/internal/policy"
)

// SignerInfo identifies the recipient of an envelope.
type SignerInfo struct {
	UserID string `json:"user_id"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email"`
}

// EnvelopeRequest asks the provider to create one envelope for signature.
type EnvelopeRequest struct {
	DocumentType  policy.DocumentType `json:"document_type"`
	Signer        SignerInfo          `json:"signer"`
	ContextFields policy.Context      `json:"context_fields"`
}

// Envelope is the provider's acknowledgement of a created envelope.
type Envelope struct {
	EnvelopeID string `json:"envelope_id"`
	SigningURL string `json:"signing_url"`
}

// Client creates envelopes at the e-signature provider. Implementations
// must bound each call; callers rely on SendEnvelope returning promptly.
type Client interface {
	SendEnvelope(ctx context.Context, req EnvelopeRequest) (*Envelope, error)
}
