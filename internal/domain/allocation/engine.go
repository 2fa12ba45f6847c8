// Package allocation hands out exclusive case ownership to pull-based
// workers. Exclusivity comes from the store's conditional writes, not from
// locks: every claim is an UpdateIfMatch on the version the engine just
// read, so two workers racing for the same case cannot both win.
package allocation

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/pvflow/pvflow/internal/domain/cases"
	"github.com/pvflow/pvflow/internal/platform/auth"
)

// Queue names an allocation pool a worker can pull from.
type Queue string

const (
	QueueTriage        Queue = "triage"
	QueueQC            Queue = "qc"
	QueueDataEntry     Queue = "data_entry"
	QueueFormQC        Queue = "form_qc"
	QueueMedicalReview Queue = "medical_review"
)

// queueStages maps each pool onto the case stages it serves.
var queueStages = map[Queue][]cases.Stage{
	QueueTriage:        {cases.StagePendingReview},
	QueueQC:            {cases.StageQCAllocation},
	QueueDataEntry:     {cases.StageDataEntry},
	QueueFormQC:        {cases.StageQCDataEntry},
	QueueMedicalReview: {cases.StageMedicalReview},
}

// queueRoles maps each pool onto the roles allowed to pull from it.
var queueRoles = map[Queue][]string{
	QueueTriage:        {auth.RoleReviewer},
	QueueQC:            {auth.RoleQCReviewer},
	QueueDataEntry:     {auth.RoleDataEntry},
	QueueFormQC:        {auth.RoleQCReviewer},
	QueueMedicalReview: {auth.RoleMedicalReviewer},
}

func (q Queue) Valid() bool {
	_, ok := queueStages[q]
	return ok
}

// ErrQueueForbidden means the worker's roles do not grant access to the
// requested queue.
var ErrQueueForbidden = errors.New("queue not permitted for worker roles")

// Engine allocates cases to workers. Each Allocate call scans a bounded
// window of candidates and claims the first one it can win; losing the race
// on one candidate moves on to the next rather than failing the request.
type Engine struct {
	repo    cases.Repository
	lockTTL time.Duration
	window  int
	rounds  int
	log     zerolog.Logger
}

func NewEngine(repo cases.Repository, lockTTL time.Duration, window, rounds int, log zerolog.Logger) *Engine {
	if window < 1 {
		window = 10
	}
	if rounds < 1 {
		rounds = 3
	}
	return &Engine{repo: repo, lockTTL: lockTTL, window: window, rounds: rounds, log: log}
}

// Allocate claims the next available case in the queue for the worker.
// Candidates are served high priority first, then oldest first. Returns
// cases.ErrNoCasesAvailable when the pool is empty.
func (e *Engine) Allocate(ctx context.Context, worker auth.Actor, queue Queue) (*cases.Case, error) {
	if !queue.Valid() {
		return nil, errors.New("unknown queue")
	}
	if !worker.HasRole(queueRoles[queue]...) {
		return nil, ErrQueueForbidden
	}
	stages := queueStages[queue]
	m := cases.NewMachine(cases.DefaultPipelineConfig(), e.lockTTL)

	for round := 0; round < e.rounds; round++ {
		candidates, err := e.repo.ListCandidates(ctx, worker.OrgID, stages, e.lockTTL, e.window)
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			return nil, cases.ErrNoCasesAvailable
		}
		for _, c := range candidates {
			if err := m.Allocate(c, worker); err != nil {
				continue
			}
			err := e.repo.UpdateIfMatch(ctx, c, c.Version)
			if errors.Is(err, cases.ErrConflict) {
				// another worker won this candidate, try the next
				continue
			}
			if err != nil {
				return nil, err
			}
			e.log.Debug().
				Str("case_id", c.ID.String()).
				Str("worker_id", worker.ID.String()).
				Str("queue", string(queue)).
				Msg("case allocated")
			return c, nil
		}
		// whole window lost to concurrent claimers, rescan
	}
	return nil, cases.ErrNoCasesAvailable
}

// Allocated lists the cases a worker currently holds in the given queue's
// stages, letting clients resume after a disconnect.
func (e *Engine) Allocated(ctx context.Context, worker auth.Actor, queue Queue) ([]*cases.Case, error) {
	if !queue.Valid() {
		return nil, errors.New("unknown queue")
	}
	id := worker.ID
	items, _, err := e.repo.List(ctx, cases.Filter{
		OrganizationID: worker.OrgID,
		Stages:         queueStages[queue],
		AssignedTo:     &id,
	}, e.window, 0)
	return items, err
}
