package orgsettings

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/pvflow/pvflow/internal/domain/cases"
)

// Service reads and writes organization settings. It implements both the
// case service's PipelineProvider and the sampling router's
// SettingsProvider, so one wiring point feeds both consumers.
type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Get returns the organization's settings, falling back to Defaults when
// none are stored yet.
func (s *Service) Get(ctx context.Context, orgID uuid.UUID) (*Settings, error) {
	stored, err := s.repo.Get(ctx, orgID)
	if errors.Is(err, ErrNotFound) {
		return Defaults(orgID), nil
	}
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// Update validates and persists new settings.
func (s *Service) Update(ctx context.Context, set *Settings) error {
	if set.QCSamplePercent < 0 || set.QCSamplePercent > 100 {
		return fmt.Errorf("qc_sample_percent must be between 0 and 100, got %d", set.QCSamplePercent)
	}
	if set.MaxBatchSize < 1 {
		return fmt.Errorf("max_batch_size must be positive, got %d", set.MaxBatchSize)
	}
	return s.repo.Upsert(ctx, set)
}

// PipelineFor implements cases.PipelineProvider.
func (s *Service) PipelineFor(ctx context.Context, orgID uuid.UUID) (cases.PipelineConfig, error) {
	set, err := s.Get(ctx, orgID)
	if err != nil {
		return cases.PipelineConfig{}, err
	}
	return set.Pipeline(), nil
}

// SamplingFor implements the sampling router's SettingsProvider.
func (s *Service) SamplingFor(ctx context.Context, orgID uuid.UUID) (int, int, error) {
	set, err := s.Get(ctx, orgID)
	if err != nil {
		return 0, 0, err
	}
	return set.QCSamplePercent, set.MaxBatchSize, nil
}
