package cases

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Filter narrows List queries. Zero values mean "don't filter".
type Filter struct {
	OrganizationID   uuid.UUID
	Stages           []Stage
	SubStatus        SubStatus
	Track            Track
	Priority         Priority
	AssignedTo       *uuid.UUID
	Unassigned       bool
	BatchID          *uuid.UUID
	QCClassification QCStatus
	WithoutBatch     bool
	OldestFirst      bool
}

// Repository is the conditional store for cases. Every mutation that starts
// from a read must go through UpdateIfMatch so concurrent writers are
// serialized by the version token rather than by locks.
type Repository interface {
	Create(ctx context.Context, c *Case) error
	Get(ctx context.Context, orgID, id uuid.UUID) (*Case, error)

	// UpdateIfMatch persists c only if the stored version still equals
	// expectedVersion, bumping the version and appending any new comments in
	// the same transaction. Returns ErrConflict when another writer got
	// there first.
	UpdateIfMatch(ctx context.Context, c *Case, expectedVersion int) error

	List(ctx context.Context, f Filter, limit, offset int) ([]*Case, int, error)

	// ListCandidates returns allocation candidates for the given queue
	// stages: unassigned cases plus cases whose lock is older than lockTTL,
	// ordered priority-high-first then oldest-first.
	ListCandidates(ctx context.Context, orgID uuid.UUID, stages []Stage, lockTTL time.Duration, limit int) ([]*Case, error)

	ListComments(ctx context.Context, caseID uuid.UUID) ([]Comment, error)
	StageCounts(ctx context.Context, orgID uuid.UUID) (map[Stage]int, error)

	// TryOrgLock takes the organization-scoped advisory lock that serializes
	// batch sampling runs. Returns false without blocking when another run
	// holds it. ReleaseOrgLock must be called on the same ctx connection.
	TryOrgLock(ctx context.Context, orgID uuid.UUID) (bool, error)
	ReleaseOrgLock(ctx context.Context, orgID uuid.UUID) error
}
