package orgsettings

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pvflow/pvflow/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type settingsRepoPG struct{ pool *pgxpool.Pool }

func NewSettingsRepoPG(pool *pgxpool.Pool) Repository {
	return &settingsRepoPG{pool: pool}
}

func (r *settingsRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func (r *settingsRepoPG) Get(ctx context.Context, orgID uuid.UUID) (*Settings, error) {
	var s Settings
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT organization_id, qc_classification_enabled, qc_data_entry_enabled,
			medical_review_enabled, qc_sample_percent, max_batch_size, updated_at
		FROM org_settings WHERE organization_id = $1`, orgID).
		Scan(&s.OrganizationID, &s.QCClassificationEnabled, &s.QCDataEntryEnabled,
			&s.MedicalReviewEnabled, &s.QCSamplePercent, &s.MaxBatchSize, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *settingsRepoPG) Upsert(ctx context.Context, s *Settings) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO org_settings (organization_id, qc_classification_enabled,
			qc_data_entry_enabled, medical_review_enabled, qc_sample_percent, max_batch_size)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (organization_id) DO UPDATE SET
			qc_classification_enabled = EXCLUDED.qc_classification_enabled,
			qc_data_entry_enabled = EXCLUDED.qc_data_entry_enabled,
			medical_review_enabled = EXCLUDED.medical_review_enabled,
			qc_sample_percent = EXCLUDED.qc_sample_percent,
			max_batch_size = EXCLUDED.max_batch_size,
			updated_at = NOW()`,
		s.OrganizationID, s.QCClassificationEnabled, s.QCDataEntryEnabled,
		s.MedicalReviewEnabled, s.QCSamplePercent, s.MaxBatchSize)
	return err
}

// memoryRepo backs tests.
type memoryRepo struct {
	mu   sync.Mutex
	data map[uuid.UUID]Settings
}

// NewMemoryRepo returns an empty in-memory settings repository.
func NewMemoryRepo() Repository {
	return &memoryRepo{data: make(map[uuid.UUID]Settings)}
}

func (r *memoryRepo) Get(_ context.Context, orgID uuid.UUID) (*Settings, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.data[orgID]
	if !ok {
		return nil, ErrNotFound
	}
	out := s
	return &out, nil
}

func (r *memoryRepo) Upsert(_ context.Context, s *Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[s.OrganizationID] = *s
	return nil
}
