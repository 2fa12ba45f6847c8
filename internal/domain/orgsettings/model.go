package orgsettings

import (
	"time"

	"github.com/google/uuid"

	"github.com/pvflow/pvflow/internal/domain/cases"
)

// Settings holds the per-organization pipeline toggles and sampling knobs.
type Settings struct {
	OrganizationID          uuid.UUID `db:"organization_id" json:"organization_id"`
	QCClassificationEnabled bool      `db:"qc_classification_enabled" json:"qc_classification_enabled"`
	QCDataEntryEnabled      bool      `db:"qc_data_entry_enabled" json:"qc_data_entry_enabled"`
	MedicalReviewEnabled    bool      `db:"medical_review_enabled" json:"medical_review_enabled"`
	QCSamplePercent         int       `db:"qc_sample_percent" json:"qc_sample_percent"`
	MaxBatchSize            int       `db:"max_batch_size" json:"max_batch_size"`
	UpdatedAt               time.Time `db:"updated_at" json:"updated_at"`
}

// Defaults are what an organization runs with before anyone touches its
// settings: every gate on, 20% sampling, batches capped at 500.
func Defaults(orgID uuid.UUID) *Settings {
	return &Settings{
		OrganizationID:          orgID,
		QCClassificationEnabled: true,
		QCDataEntryEnabled:      true,
		MedicalReviewEnabled:    true,
		QCSamplePercent:         20,
		MaxBatchSize:            500,
	}
}

// Pipeline projects the settings onto the state machine's config.
func (s *Settings) Pipeline() cases.PipelineConfig {
	return cases.PipelineConfig{
		QCClassificationEnabled: s.QCClassificationEnabled,
		QCDataEntryEnabled:      s.QCDataEntryEnabled,
		MedicalReviewEnabled:    s.MedicalReviewEnabled,
	}
}
