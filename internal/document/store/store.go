// Package store persists document artifacts. At most one in-flight
// artifact may exist per (user, document type); the storage layer enforces
// this so concurrent issuance races resolve to a single winner regardless
// of application-level locking.
package store

import (
	"context"
	"time"

	"signgate/internal/document/models"
	"signgate/internal/policy"
	"signgate/pkg/domain"
)

// Store is the artifact persistence contract. Implementations return
// sentinel errors (pkg/platform/sentinel): ErrNotFound for missing rows,
// ErrConflict for uniqueness or optimistic-version violations.
type Store interface {
	// Insert persists a new artifact. Returns sentinel.ErrConflict when an
	// in-flight artifact already holds the (user, document type) slot.
	Insert(ctx context.Context, artifact *models.DocumentArtifact) error

	// Update persists artifact mutations with an optimistic check against
	// the revision the caller read. Every successful write bumps the row
	// revision and reflects it on the passed artifact, so any interleaved
	// writer, including status-only ones like Void, forces a re-read.
	// Returns sentinel.ErrConflict when a concurrent writer got there first.
	Update(ctx context.Context, artifact *models.DocumentArtifact, readRevision int64) error

	Get(ctx context.Context, id domain.ArtifactID) (*models.DocumentArtifact, error)
	GetByEnvelopeID(ctx context.Context, envelopeID string) (*models.DocumentArtifact, error)
	ListByUser(ctx context.Context, userID domain.UserID) ([]*models.DocumentArtifact, error)

	// LatestSatisfying returns the newest completed, unexpired artifact
	// for the pair, or sentinel.ErrNotFound.
	LatestSatisfying(ctx context.Context, userID domain.UserID, docType policy.DocumentType, now time.Time) (*models.DocumentArtifact, error)

	// InFlightFor returns the artifact currently holding the uniqueness
	// slot for the pair, or sentinel.ErrNotFound.
	InFlightFor(ctx context.Context, userID domain.UserID, docType policy.DocumentType) (*models.DocumentArtifact, error)

	// ListExpiring returns completed, non-superseded artifacts whose
	// expiry falls at or before the horizon.
	ListExpiring(ctx context.Context, horizon time.Time) ([]*models.DocumentArtifact, error)

	// ListUnresolvedBefore returns created/sent/delivered artifacts issued
	// before the cutoff, candidates for expiry demotion. Created is
	// included so a crash between the slot claim and the provider send
	// cannot hold the uniqueness slot forever.
	ListUnresolvedBefore(ctx context.Context, cutoff time.Time) ([]*models.DocumentArtifact, error)

	// ClaimSweep records a scheduler run marker. Returns false when the
	// marker already exists, making sweeps idempotent across restarts.
	ClaimSweep(ctx context.Context, key string) (bool, error)
}
