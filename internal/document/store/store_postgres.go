package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/google/uuid"

	"signgate/internal/document/models"
	"signgate/internal/policy"
	"signgate/pkg/domain"
	"signgate/pkg/platform/sentinel"
)

// PostgresStore persists artifacts in PostgreSQL. The in-flight uniqueness
// invariant is a partial unique index (see migrations/001_init.sql), so the
// concurrent issuance race is settled by the database, not by this process.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const artifactColumns = `
	id, user_id, document_type, provider_envelope_id, status,
	context_payload, signing_url, issued_at, completed_at, expires_at,
	supersedes_id, superseded_at, event_version, revision, created_at, updated_at`

func (s *PostgresStore) Insert(ctx context.Context, a *models.DocumentArtifact) error {
	payload, err := json.Marshal(a.ContextPayload)
	if err != nil {
		return fmt.Errorf("marshal context payload: %w", err)
	}

	query := `
		INSERT INTO document_artifacts (` + artifactColumns + `)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12, $13, 0, now(), now())`
	_, err = s.pool.Exec(ctx, query,
		uuid.UUID(a.ID),
		uuid.UUID(a.UserID),
		string(a.DocumentType),
		a.ProviderEnvelopeID,
		string(a.Status),
		payload,
		a.SigningURL,
		a.IssuedAt,
		a.CompletedAt,
		a.ExpiresAt,
		supersedesValue(a.SupersedesID),
		a.SupersededAt,
		a.EventVersion,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert artifact: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, a *models.DocumentArtifact, readRevision int64) error {
	payload, err := json.Marshal(a.ContextPayload)
	if err != nil {
		return fmt.Errorf("marshal context payload: %w", err)
	}

	query := `
		UPDATE document_artifacts SET
			provider_envelope_id = NULLIF($2, ''),
			status = $3,
			context_payload = $4,
			signing_url = $5,
			issued_at = $6,
			completed_at = $7,
			expires_at = $8,
			superseded_at = $9,
			event_version = $10,
			revision = revision + 1,
			updated_at = now()
		WHERE id = $1 AND revision = $11
		RETURNING revision`
	err = s.pool.QueryRow(ctx, query,
		uuid.UUID(a.ID),
		a.ProviderEnvelopeID,
		string(a.Status),
		payload,
		a.SigningURL,
		a.IssuedAt,
		a.CompletedAt,
		a.ExpiresAt,
		a.SupersededAt,
		a.EventVersion,
		readRevision,
	).Scan(&a.Revision)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either the row vanished (never happens, artifacts are immortal)
			// or a concurrent writer advanced the revision first.
			return sentinel.ErrConflict
		}
		return fmt.Errorf("update artifact: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id domain.ArtifactID) (*models.DocumentArtifact, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM document_artifacts WHERE id = $1`,
		uuid.UUID(id))
	return scanArtifact(row)
}

func (s *PostgresStore) GetByEnvelopeID(ctx context.Context, envelopeID string) (*models.DocumentArtifact, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM document_artifacts WHERE provider_envelope_id = $1`,
		envelopeID)
	return scanArtifact(row)
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID domain.UserID) ([]*models.DocumentArtifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+artifactColumns+` FROM document_artifacts
		 WHERE user_id = $1 ORDER BY created_at`,
		uuid.UUID(userID))
	if err != nil {
		return nil, fmt.Errorf("list artifacts by user: %w", err)
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

func (s *PostgresStore) LatestSatisfying(ctx context.Context, userID domain.UserID, docType policy.DocumentType, now time.Time) (*models.DocumentArtifact, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM document_artifacts
		 WHERE user_id = $1 AND document_type = $2
		   AND status = 'completed' AND expires_at > $3
		 ORDER BY completed_at DESC LIMIT 1`,
		uuid.UUID(userID), string(docType), now)
	return scanArtifact(row)
}

func (s *PostgresStore) InFlightFor(ctx context.Context, userID domain.UserID, docType policy.DocumentType) (*models.DocumentArtifact, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM document_artifacts
		 WHERE user_id = $1 AND document_type = $2
		   AND status IN ('created', 'sent', 'delivered', 'failed')
		 LIMIT 1`,
		uuid.UUID(userID), string(docType))
	return scanArtifact(row)
}

func (s *PostgresStore) ListExpiring(ctx context.Context, horizon time.Time) ([]*models.DocumentArtifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+artifactColumns+` FROM document_artifacts
		 WHERE status = 'completed' AND superseded_at IS NULL AND expires_at <= $1`,
		horizon)
	if err != nil {
		return nil, fmt.Errorf("list expiring artifacts: %w", err)
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

func (s *PostgresStore) ListUnresolvedBefore(ctx context.Context, cutoff time.Time) ([]*models.DocumentArtifact, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+artifactColumns+` FROM document_artifacts
		 WHERE status IN ('created', 'sent', 'delivered') AND issued_at < $1`,
		cutoff)
	if err != nil {
		return nil, fmt.Errorf("list unresolved artifacts: %w", err)
	}
	defer rows.Close()
	return scanArtifacts(rows)
}

func (s *PostgresStore) ClaimSweep(ctx context.Context, key string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO sweep_runs (run_key, claimed_at) VALUES ($1, now())
		 ON CONFLICT (run_key) DO NOTHING`,
		key)
	if err != nil {
		return false, fmt.Errorf("claim sweep: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func supersedesValue(id *domain.ArtifactID) any {
	if id == nil {
		return nil
	}
	return uuid.UUID(*id)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*models.DocumentArtifact, error) {
	var (
		a            models.DocumentArtifact
		artifactID   uuid.UUID
		userID       uuid.UUID
		docType      string
		envelopeID   *string
		status       string
		payload      []byte
		supersedesID *uuid.UUID
	)
	err := row.Scan(
		&artifactID, &userID, &docType, &envelopeID, &status,
		&payload, &a.SigningURL, &a.IssuedAt, &a.CompletedAt, &a.ExpiresAt,
		&supersedesID, &a.SupersededAt, &a.EventVersion, &a.Revision, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan artifact: %w", err)
	}

	a.ID = domain.ArtifactID(artifactID)
	a.UserID = domain.UserID(userID)
	a.DocumentType = policy.DocumentType(docType)
	a.Status = models.Status(status)
	if envelopeID != nil {
		a.ProviderEnvelopeID = *envelopeID
	}
	if supersedesID != nil {
		sid := domain.ArtifactID(*supersedesID)
		a.SupersedesID = &sid
	}
	if err := json.Unmarshal(payload, &a.ContextPayload); err != nil {
		return nil, fmt.Errorf("unmarshal context payload: %w", err)
	}
	return &a, nil
}

func scanArtifacts(rows pgx.Rows) ([]*models.DocumentArtifact, error) {
	var out []*models.DocumentArtifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
