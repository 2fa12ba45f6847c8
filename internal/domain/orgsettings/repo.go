package orgsettings

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound means no settings row exists for the organization; callers
// normally fall back to Defaults.
var ErrNotFound = errors.New("organization settings not found")

type Repository interface {
	Get(ctx context.Context, orgID uuid.UUID) (*Settings, error)
	Upsert(ctx context.Context, s *Settings) error
}
