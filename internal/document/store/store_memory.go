package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"signgate/internal/document/models"
	"signgate/internal/policy"
	"signgate/pkg/domain"
	"signgate/pkg/platform/sentinel"
)

// InMemoryStore keeps artifacts in process memory. Used by tests and by
// development mode when no Postgres URL is configured.
type InMemoryStore struct {
	mu         sync.RWMutex
	artifacts  map[domain.ArtifactID]*models.DocumentArtifact
	byEnvelope map[string]domain.ArtifactID
	sweeps     map[string]bool
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		artifacts:  make(map[domain.ArtifactID]*models.DocumentArtifact),
		byEnvelope: make(map[string]domain.ArtifactID),
		sweeps:     make(map[string]bool),
	}
}

func (s *InMemoryStore) Insert(_ context.Context, artifact *models.DocumentArtifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.artifacts {
		if existing.UserID == artifact.UserID &&
			existing.DocumentType == artifact.DocumentType &&
			existing.Status.InFlight() {
			return sentinel.ErrConflict
		}
	}

	cp := *artifact
	s.artifacts[artifact.ID] = &cp
	if artifact.ProviderEnvelopeID != "" {
		s.byEnvelope[artifact.ProviderEnvelopeID] = artifact.ID
	}
	return nil
}

func (s *InMemoryStore) Update(_ context.Context, artifact *models.DocumentArtifact, readRevision int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.artifacts[artifact.ID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if current.Revision != readRevision {
		return sentinel.ErrConflict
	}

	cp := *artifact
	cp.Revision = readRevision + 1
	cp.UpdatedAt = time.Now()
	artifact.Revision = cp.Revision
	s.artifacts[artifact.ID] = &cp
	if artifact.ProviderEnvelopeID != "" {
		s.byEnvelope[artifact.ProviderEnvelopeID] = artifact.ID
	}
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, id domain.ArtifactID) (*models.DocumentArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	artifact, ok := s.artifacts[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *artifact
	return &cp, nil
}

func (s *InMemoryStore) GetByEnvelopeID(_ context.Context, envelopeID string) (*models.DocumentArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byEnvelope[envelopeID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	cp := *s.artifacts[id]
	return &cp, nil
}

func (s *InMemoryStore) ListByUser(_ context.Context, userID domain.UserID) ([]*models.DocumentArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.DocumentArtifact
	for _, artifact := range s.artifacts {
		if artifact.UserID == userID {
			cp := *artifact
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) LatestSatisfying(_ context.Context, userID domain.UserID, docType policy.DocumentType, now time.Time) (*models.DocumentArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *models.DocumentArtifact
	for _, artifact := range s.artifacts {
		if artifact.UserID != userID || artifact.DocumentType != docType {
			continue
		}
		if !artifact.Satisfies(now) {
			continue
		}
		if best == nil || artifact.CompletedAt.After(*best.CompletedAt) {
			best = artifact
		}
	}
	if best == nil {
		return nil, sentinel.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (s *InMemoryStore) InFlightFor(_ context.Context, userID domain.UserID, docType policy.DocumentType) (*models.DocumentArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, artifact := range s.artifacts {
		if artifact.UserID == userID &&
			artifact.DocumentType == docType &&
			artifact.Status.InFlight() {
			cp := *artifact
			return &cp, nil
		}
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemoryStore) ListExpiring(_ context.Context, horizon time.Time) ([]*models.DocumentArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.DocumentArtifact
	for _, artifact := range s.artifacts {
		if artifact.Status != models.StatusCompleted || artifact.SupersededAt != nil {
			continue
		}
		if artifact.ExpiresAt != nil && !artifact.ExpiresAt.After(horizon) {
			cp := *artifact
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListUnresolvedBefore(_ context.Context, cutoff time.Time) ([]*models.DocumentArtifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.DocumentArtifact
	for _, artifact := range s.artifacts {
		switch artifact.Status {
		case models.StatusCreated, models.StatusSent, models.StatusDelivered:
		default:
			continue
		}
		if artifact.IssuedAt.Before(cutoff) {
			cp := *artifact
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ClaimSweep(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sweeps[key] {
		return false, nil
	}
	s.sweeps[key] = true
	return true, nil
}
