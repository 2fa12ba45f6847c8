package cases

import (
	"time"

	"github.com/google/uuid"
)

// ClassificationTag is the triage outcome assigned to a literature case.
type ClassificationTag string

const (
	TagICSR   ClassificationTag = "ICSR"
	TagAOI    ClassificationTag = "AOI"
	TagNoCase ClassificationTag = "NoCase"
)

func (t ClassificationTag) Valid() bool {
	switch t {
	case TagICSR, TagAOI, TagNoCase:
		return true
	}
	return false
}

// Track identifies which of the three parallel review pipelines a case
// currently belongs to. Tracks share the reporting tail.
type Track string

const (
	TrackICSR   Track = "ICSR"
	TrackAOI    Track = "AOI"
	TrackNoCase Track = "NoCase"
)

// Stage is the coarse queue position consumed by filters and downstream
// pollers. The string values are the wire format; human-readable labels come
// from DisplayName.
type Stage string

const (
	StagePendingReview    Stage = "pending_review"
	StageQCAllocation     Stage = "qc_allocation"
	StageAssessment       Stage = "assessment"
	StageAOIAssessment    Stage = "aoi_assessment"
	StageNoCaseAssessment Stage = "no_case_assessment"
	StageDataEntry        Stage = "data_entry"
	StageQCDataEntry      Stage = "qc_data_entry"
	StageMedicalReview    Stage = "medical_review"
	StageReporting        Stage = "reporting"
)

var stageDisplayNames = map[Stage]string{
	StagePendingReview:    "Pending Review",
	StageQCAllocation:     "QC Allocation",
	StageAssessment:       "Assessment",
	StageAOIAssessment:    "AOI Assessment",
	StageNoCaseAssessment: "No Case Assessment",
	StageDataEntry:        "Data Entry",
	StageQCDataEntry:      "QC Data Entry",
	StageMedicalReview:    "Medical Review",
	StageReporting:        "Reporting",
}

// DisplayName returns the human-readable label for the stage.
func (s Stage) DisplayName() string {
	if name, ok := stageDisplayNames[s]; ok {
		return name
	}
	return string(s)
}

func (s Stage) Valid() bool {
	_, ok := stageDisplayNames[s]
	return ok
}

// SubStatus is the fine-grained position within the current track's
// lifecycle.
type SubStatus string

const (
	SubStatusTriage        SubStatus = "triage"
	SubStatusAllocation    SubStatus = "allocation"
	SubStatusAssessment    SubStatus = "assessment"
	SubStatusDataEntry     SubStatus = "data_entry"
	SubStatusMedicalReview SubStatus = "medical_review"
	SubStatusReporting     SubStatus = "reporting"
)

// QCStatus is the state of a quality-control gate. The empty value means the
// gate has not been armed.
type QCStatus string

const (
	QCPending       QCStatus = "pending"
	QCApproved      QCStatus = "approved"
	QCRejected      QCStatus = "rejected"
	QCNotApplicable QCStatus = "not_applicable"
)

// FormStatus tracks structured data entry progress.
type FormStatus string

const (
	FormNotStarted FormStatus = "not_started"
	FormInProgress FormStatus = "in_progress"
	FormCompleted  FormStatus = "completed"
)

// MedicalReviewStatus tracks the medical review stage.
type MedicalReviewStatus string

const (
	MRNotStarted MedicalReviewStatus = "not_started"
	MRInProgress MedicalReviewStatus = "in_progress"
	MRCompleted  MedicalReviewStatus = "completed"
	MRRevoked    MedicalReviewStatus = "revoked"
)

// Priority orders the allocation queue. Rejected and revoked cases come back
// as high priority so they are served first.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// CommentKind distinguishes system transition comments from free-form
// reviewer notes.
type CommentKind string

const (
	CommentSystem CommentKind = "system"
	CommentUser   CommentKind = "user"
)

// Comment is one entry of a case's append-only audit trail. Seq orders
// comments within a case; every state transition appends exactly one system
// comment in the same logical write as the transition itself.
type Comment struct {
	ID        uuid.UUID   `db:"id" json:"id"`
	CaseID    uuid.UUID   `db:"case_id" json:"case_id"`
	Seq       int         `db:"seq" json:"seq"`
	ActorID   uuid.UUID   `db:"actor_id" json:"actor_id"`
	ActorName string      `db:"actor_name" json:"actor_name"`
	Text      string      `db:"text" json:"text"`
	Kind      CommentKind `db:"kind" json:"kind"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
}

// Case maps to the cases table: one literature-derived candidate safety
// report moving through review. Version is the store's optimistic
// concurrency token; every write must supply the version it read.
type Case struct {
	ID             uuid.UUID `db:"id" json:"id"`
	OrganizationID uuid.UUID `db:"organization_id" json:"organization_id"`
	Title          string    `db:"title" json:"title"`
	SourceRef      *string   `db:"source_ref" json:"source_ref,omitempty"`

	ClassificationTag ClassificationTag `db:"classification_tag" json:"classification_tag,omitempty"`
	Track             Track             `db:"workflow_track" json:"workflow_track,omitempty"`
	Stage             Stage             `db:"stage" json:"stage"`
	SubStatus         SubStatus         `db:"sub_status" json:"sub_status"`

	AssignedTo  *uuid.UUID `db:"assigned_to" json:"assigned_to,omitempty"`
	LockedAt    *time.Time `db:"locked_at" json:"locked_at,omitempty"`
	AllocatedAt *time.Time `db:"allocated_at" json:"allocated_at,omitempty"`
	Priority    Priority   `db:"priority" json:"priority"`

	QCClassification   QCStatus   `db:"qc_classification_status" json:"qc_classification_status,omitempty"`
	QCApprovedBy       *uuid.UUID `db:"qc_approved_by" json:"qc_approved_by,omitempty"`
	QCApprovedAt       *time.Time `db:"qc_approved_at" json:"qc_approved_at,omitempty"`
	QCRejectedBy       *uuid.UUID `db:"qc_rejected_by" json:"qc_rejected_by,omitempty"`
	QCRejectedAt       *time.Time `db:"qc_rejected_at" json:"qc_rejected_at,omitempty"`
	QCComments         *string    `db:"qc_comments" json:"qc_comments,omitempty"`
	LastClassifiedBy   *uuid.UUID `db:"last_classified_by" json:"last_classified_by,omitempty"`
	LastClassifiedName *string    `db:"last_classified_name" json:"last_classified_name,omitempty"`

	FormStatus      FormStatus `db:"form_status" json:"form_status"`
	FormCompletedBy *uuid.UUID `db:"form_completed_by" json:"form_completed_by,omitempty"`
	FormCompletedAt *time.Time `db:"form_completed_at" json:"form_completed_at,omitempty"`
	QCForm          QCStatus   `db:"qc_form_status" json:"qc_form_status,omitempty"`

	MedicalReview MedicalReviewStatus `db:"medical_review_status" json:"medical_review_status"`

	SourceTrack    Track      `db:"source_track" json:"source_track,omitempty"`
	SourceTrackAt  *time.Time `db:"source_track_at" json:"source_track_at,omitempty"`
	LastQueueStage Stage      `db:"last_queue_stage" json:"last_queue_stage,omitempty"`
	IsAutoPassed   bool       `db:"is_auto_passed" json:"is_auto_passed"`
	BatchID        *uuid.UUID `db:"batch_id" json:"batch_id,omitempty"`

	RevokedBy        *uuid.UUID `db:"revoked_by" json:"revoked_by,omitempty"`
	RevokedAt        *time.Time `db:"revoked_at" json:"revoked_at,omitempty"`
	RevocationReason *string    `db:"revocation_reason" json:"revocation_reason,omitempty"`

	Version   int       `db:"version" json:"version"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`

	// Comments is the audit trail, loaded on point reads. Transitions append
	// here; the repository persists entries whose Seq is not yet stored.
	Comments []Comment `json:"comments,omitempty"`
}

// StageDisplay is the derived human-readable label for the current stage.
func (c *Case) StageDisplay() string { return c.Stage.DisplayName() }

// IsAssigned reports whether a worker currently holds the case, treating a
// lock older than ttl as expired. A zero ttl means locks never expire.
func (c *Case) IsAssigned(now time.Time, ttl time.Duration) bool {
	if c.AssignedTo == nil {
		return false
	}
	if ttl <= 0 || c.LockedAt == nil {
		return true
	}
	return now.Sub(*c.LockedAt) < ttl
}

// HeldBy reports whether the given worker currently holds the case lock.
func (c *Case) HeldBy(workerID uuid.UUID) bool {
	return c.AssignedTo != nil && *c.AssignedTo == workerID
}

func (c *Case) clearAssignment() {
	c.AssignedTo = nil
	c.LockedAt = nil
	c.AllocatedAt = nil
}

func (c *Case) nextCommentSeq() int {
	max := 0
	for _, cm := range c.Comments {
		if cm.Seq > max {
			max = cm.Seq
		}
	}
	return max + 1
}
