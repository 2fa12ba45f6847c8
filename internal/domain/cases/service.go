package cases

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pvflow/pvflow/internal/platform/auth"
)

// PipelineProvider resolves the pipeline toggles for an organization. The
// org settings service implements it.
type PipelineProvider interface {
	PipelineFor(ctx context.Context, orgID uuid.UUID) (PipelineConfig, error)
}

// StaticPipeline is a PipelineProvider that always returns the same config.
// Used by tests and single-tenant deployments.
type StaticPipeline PipelineConfig

func (p StaticPipeline) PipelineFor(context.Context, uuid.UUID) (PipelineConfig, error) {
	return PipelineConfig(p), nil
}

// Service applies lifecycle transitions: read fresh, run the state machine,
// write conditionally. A lost write is retried against a fresh read, bounded
// by maxRetries, so callers only see ErrConflict when contention persists.
type Service struct {
	repo       Repository
	pipelines  PipelineProvider
	lockTTL    time.Duration
	maxRetries int
	log        zerolog.Logger
}

func NewService(repo Repository, pipelines PipelineProvider, lockTTL time.Duration, maxRetries int, log zerolog.Logger) *Service {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Service{repo: repo, pipelines: pipelines, lockTTL: lockTTL, maxRetries: maxRetries, log: log}
}

// Repo exposes the underlying repository for wiring sibling services.
func (s *Service) Repo() Repository { return s.repo }

// LockTTL reports the allocation lock TTL the service runs with.
func (s *Service) LockTTL() time.Duration { return s.lockTTL }

func (s *Service) machineFor(ctx context.Context, orgID uuid.UUID) (*Machine, error) {
	cfg, err := s.pipelines.PipelineFor(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return NewMachine(cfg, s.lockTTL), nil
}

// apply runs one transition with conflict retries. Each attempt starts from
// a fresh read so the state machine always sees current state; a retry after
// ErrConflict may legitimately fail with a transition error instead.
func (s *Service) apply(ctx context.Context, orgID, id uuid.UUID, fn func(m *Machine, c *Case) error) (*Case, error) {
	var lastErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		c, err := s.repo.Get(ctx, orgID, id)
		if err != nil {
			return nil, err
		}
		m, err := s.machineFor(ctx, orgID)
		if err != nil {
			return nil, err
		}
		if err := fn(m, c); err != nil {
			return nil, err
		}
		if err := s.repo.UpdateIfMatch(ctx, c, c.Version); err != nil {
			if errors.Is(err, ErrConflict) {
				lastErr = err
				s.log.Debug().Str("case_id", id.String()).Int("attempt", attempt+1).Msg("conditional write lost, retrying")
				continue
			}
			return nil, err
		}
		return c, nil
	}
	return nil, lastErr
}

// CreateCase registers a new literature case at triage.
func (s *Service) CreateCase(ctx context.Context, orgID uuid.UUID, title string, sourceRef *string) (*Case, error) {
	c := &Case{
		ID:             uuid.New(),
		OrganizationID: orgID,
		Title:          title,
		SourceRef:      sourceRef,
		Stage:          StagePendingReview,
		SubStatus:      SubStatusTriage,
		Priority:       PriorityNormal,
		FormStatus:     FormNotStarted,
		MedicalReview:  MRNotStarted,
		Version:        1,
		CreatedAt:      time.Now(),
	}
	if err := s.repo.Create(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) GetCase(ctx context.Context, orgID, id uuid.UUID) (*Case, error) {
	return s.repo.Get(ctx, orgID, id)
}

func (s *Service) ListCases(ctx context.Context, f Filter, limit, offset int) ([]*Case, int, error) {
	return s.repo.List(ctx, f, limit, offset)
}

func (s *Service) ListComments(ctx context.Context, orgID, id uuid.UUID) ([]Comment, error) {
	if _, err := s.repo.Get(ctx, orgID, id); err != nil {
		return nil, err
	}
	return s.repo.ListComments(ctx, id)
}

func (s *Service) StageCounts(ctx context.Context, orgID uuid.UUID) (map[Stage]int, error) {
	return s.repo.StageCounts(ctx, orgID)
}

func (s *Service) Classify(ctx context.Context, actor auth.Actor, id uuid.UUID, tag ClassificationTag) (*Case, error) {
	return s.apply(ctx, actor.OrgID, id, func(m *Machine, c *Case) error {
		return m.Classify(c, actor, tag)
	})
}

func (s *Service) ApproveClassification(ctx context.Context, actor auth.Actor, id uuid.UUID, comments string) (*Case, error) {
	return s.apply(ctx, actor.OrgID, id, func(m *Machine, c *Case) error {
		return m.ApproveClassification(c, actor, comments)
	})
}

func (s *Service) RejectClassification(ctx context.Context, actor auth.Actor, id uuid.UUID, reason string, target Stage) (*Case, error) {
	return s.apply(ctx, actor.OrgID, id, func(m *Machine, c *Case) error {
		return m.RejectClassification(c, actor, reason, target)
	})
}

func (s *Service) Route(ctx context.Context, actor auth.Actor, id uuid.UUID, dest RouteDestination, comments string) (*Case, error) {
	return s.apply(ctx, actor.OrgID, id, func(m *Machine, c *Case) error {
		return m.Route(c, actor, dest, comments)
	})
}

func (s *Service) StartForm(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Case, error) {
	return s.apply(ctx, actor.OrgID, id, func(m *Machine, c *Case) error {
		return m.StartForm(c, actor)
	})
}

func (s *Service) CompleteForm(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Case, error) {
	return s.apply(ctx, actor.OrgID, id, func(m *Machine, c *Case) error {
		return m.CompleteForm(c, actor)
	})
}

func (s *Service) ApproveForm(ctx context.Context, actor auth.Actor, id uuid.UUID, comments string) (*Case, error) {
	return s.apply(ctx, actor.OrgID, id, func(m *Machine, c *Case) error {
		return m.ApproveForm(c, actor, comments)
	})
}

func (s *Service) RejectForm(ctx context.Context, actor auth.Actor, id uuid.UUID, reason string) (*Case, error) {
	return s.apply(ctx, actor.OrgID, id, func(m *Machine, c *Case) error {
		return m.RejectForm(c, actor, reason)
	})
}

func (s *Service) CompleteMedicalReview(ctx context.Context, actor auth.Actor, id uuid.UUID) (*Case, error) {
	return s.apply(ctx, actor.OrgID, id, func(m *Machine, c *Case) error {
		return m.CompleteMedicalReview(c, actor)
	})
}

func (s *Service) Revoke(ctx context.Context, actor auth.Actor, id uuid.UUID, reason string, target RevokeTarget) (*Case, error) {
	return s.apply(ctx, actor.OrgID, id, func(m *Machine, c *Case) error {
		return m.Revoke(c, actor, reason, target)
	})
}

func (s *Service) AddComment(ctx context.Context, actor auth.Actor, id uuid.UUID, text string) (*Case, error) {
	return s.apply(ctx, actor.OrgID, id, func(m *Machine, c *Case) error {
		return m.AddComment(c, actor, text)
	})
}
