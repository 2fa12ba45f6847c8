// Package sampling implements batch QC routing: a slice of pending
// classification-QC cases is split by the organization's sampling
// percentage, the sampled share stays queued for manual QC and the rest is
// approved automatically under a system identity.
package sampling

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pvflow/pvflow/internal/domain/cases"
	"github.com/pvflow/pvflow/internal/platform/auth"
)

// ErrBatchRunning means another batch run holds the organization's advisory
// lock; runs for the same org are strictly serialized.
var ErrBatchRunning = errors.New("a batch run is already in progress for this organization")

// SystemActorName labels automatic approvals in the audit trail.
const SystemActorName = "qc-sampling"

// systemActorID is a fixed identity so automatic approvals are attributable
// and distinguishable from any human reviewer.
var systemActorID = uuid.MustParse("00000000-0000-0000-0000-0000000000fb")

// SettingsProvider supplies the per-organization sampling knobs.
type SettingsProvider interface {
	SamplingFor(ctx context.Context, orgID uuid.UUID) (percent, maxBatch int, err error)
	PipelineFor(ctx context.Context, orgID uuid.UUID) (cases.PipelineConfig, error)
}

// Result summarizes one batch run.
type Result struct {
	BatchID     uuid.UUID   `json:"batch_id"`
	Eligible    int         `json:"eligible"`
	QueuedForQC int         `json:"queued_for_qc"`
	AutoPassed  int         `json:"auto_passed"`
	Skipped     int         `json:"skipped"`
	QCCaseIDs   []uuid.UUID `json:"qc_case_ids"`
}

// Router runs sampling batches.
type Router struct {
	repo     cases.Repository
	settings SettingsProvider
	log      zerolog.Logger
}

func NewRouter(repo cases.Repository, settings SettingsProvider, log zerolog.Logger) *Router {
	return &Router{repo: repo, settings: settings, log: log}
}

// sampleIndices picks which positions of an ordered batch stay for manual
// QC. The stride selection is deterministic and order-stable: position i is
// kept when the running total of percent crosses the next whole hundred, so
// a 20% rate keeps every fifth case and k = floor(n*percent/100) overall,
// spread evenly rather than clustered at the front.
func sampleIndices(n, percent int) map[int]bool {
	keep := make(map[int]bool)
	if n == 0 || percent <= 0 {
		return keep
	}
	if percent >= 100 {
		for i := 0; i < n; i++ {
			keep[i] = true
		}
		return keep
	}
	for i := 0; i < n; i++ {
		if (i+1)*percent/100 > i*percent/100 {
			keep[i] = true
		}
	}
	return keep
}

// RunBatch processes the organization's pending classification-QC pool:
// assigns a fresh batch ID to every eligible case, keeps the sampled share
// for manual QC and auto-approves the remainder. Cases that change under us
// mid-batch are skipped, not retried; the next run picks them up.
func (r *Router) RunBatch(ctx context.Context, actor auth.Actor, orgID uuid.UUID) (*Result, error) {
	locked, err := r.repo.TryOrgLock(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, ErrBatchRunning
	}
	defer func() {
		if err := r.repo.ReleaseOrgLock(ctx, orgID); err != nil {
			r.log.Warn().Err(err).Str("org_id", orgID.String()).Msg("failed to release batch lock")
		}
	}()

	percent, maxBatch, err := r.settings.SamplingFor(ctx, orgID)
	if err != nil {
		return nil, err
	}
	cfg, err := r.settings.PipelineFor(ctx, orgID)
	if err != nil {
		return nil, err
	}

	// Eligibility lives in the query so the batch cap lands on the oldest
	// still-pending cases rather than recounting already-batched ones.
	ordered, _, err := r.repo.List(ctx, cases.Filter{
		OrganizationID:   orgID,
		Stages:           []cases.Stage{cases.StageQCAllocation},
		Unassigned:       true,
		QCClassification: cases.QCPending,
		WithoutBatch:     true,
		OldestFirst:      true,
	}, maxBatch, 0)
	if err != nil {
		return nil, err
	}

	batchID := uuid.New()
	res := &Result{BatchID: batchID, Eligible: len(ordered)}
	keep := sampleIndices(len(ordered), percent)
	system := auth.Actor{ID: systemActorID, Name: SystemActorName, OrgID: orgID}
	m := cases.NewMachine(cfg, 0)

	for i, c := range ordered {
		id := batchID
		c.BatchID = &id
		if keep[i] {
			m.Annotate(c, system, fmt.Sprintf("sampled for manual QC in batch %s", batchID))
		} else {
			if err := m.ApproveClassification(c, system, "auto-approved by sampling"); err != nil {
				// state moved since the read; leave it for the next run
				res.Skipped++
				continue
			}
			c.IsAutoPassed = true
		}
		if err := r.repo.UpdateIfMatch(ctx, c, c.Version); err != nil {
			if errors.Is(err, cases.ErrConflict) {
				res.Skipped++
				continue
			}
			return nil, err
		}
		if keep[i] {
			res.QueuedForQC++
			res.QCCaseIDs = append(res.QCCaseIDs, c.ID)
		} else {
			res.AutoPassed++
		}
	}

	r.log.Info().
		Str("org_id", orgID.String()).
		Str("batch_id", batchID.String()).
		Str("triggered_by", actor.Name).
		Int("eligible", res.Eligible).
		Int("auto_passed", res.AutoPassed).
		Int("queued_for_qc", res.QueuedForQC).
		Int("skipped", res.Skipped).
		Msg("sampling batch completed")
	return res, nil
}
