// Package domain holds typed identifiers shared across the module.
// IDs are UUIDs wrapped in distinct types so a user id can never be
// passed where an artifact id belongs.
package domain

import (
	"github.com/google/uuid"

	dErrors "signgate/pkg/domain-errors"
)

// UserID identifies a signer.
type UserID uuid.UUID

// ArtifactID identifies one tracked document artifact.
type ArtifactID uuid.UUID

// NewUserID returns a fresh random UserID.
func NewUserID() UserID {
	return UserID(uuid.New())
}

// NewArtifactID returns a fresh random ArtifactID.
func NewArtifactID() ArtifactID {
	return ArtifactID(uuid.New())
}

// ParseUserID validates and returns a UserID. Empty strings and the nil
// UUID are rejected; construct at trust boundaries, never by casting.
func ParseUserID(s string) (UserID, error) {
	id, err := parseUUID(s)
	if err != nil {
		return UserID{}, err
	}
	return UserID(id), nil
}

// ParseArtifactID validates and returns an ArtifactID.
func ParseArtifactID(s string) (ArtifactID, error) {
	id, err := parseUUID(s)
	if err != nil {
		return ArtifactID{}, err
	}
	return ArtifactID(id), nil
}

func parseUUID(s string) (uuid.UUID, error) {
	if s == "" {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id must not be empty")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, dErrors.Wrap(err, dErrors.CodeInvalidInput, "id must be a valid UUID")
	}
	if id == uuid.Nil {
		return uuid.Nil, dErrors.New(dErrors.CodeInvalidInput, "id must not be the nil UUID")
	}
	return id, nil
}

func (id UserID) String() string {
	return uuid.UUID(id).String()
}

func (id UserID) IsNil() bool {
	return uuid.UUID(id) == uuid.Nil
}

// MarshalText makes UserID render as its canonical UUID string in JSON
// and log output.
func (id UserID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *UserID) UnmarshalText(text []byte) error {
	parsed, err := ParseUserID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func (id ArtifactID) String() string {
	return uuid.UUID(id).String()
}

func (id ArtifactID) IsNil() bool {
	return uuid.UUID(id) == uuid.Nil
}

func (id ArtifactID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ArtifactID) UnmarshalText(text []byte) error {
	parsed, err := ParseArtifactID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
