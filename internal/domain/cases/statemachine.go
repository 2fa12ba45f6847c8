package cases

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pvflow/pvflow/internal/platform/auth"
)

// PipelineConfig holds the per-organization toggles that shape the case
// lifecycle. Disabling a gate does not create a distinct pipeline; the same
// transitions run and the gate auto-resolves.
type PipelineConfig struct {
	QCClassificationEnabled bool `json:"qc_classification_enabled"`
	QCDataEntryEnabled      bool `json:"qc_data_entry_enabled"`
	MedicalReviewEnabled    bool `json:"medical_review_enabled"`
}

// DefaultPipelineConfig enables every gate.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		QCClassificationEnabled: true,
		QCDataEntryEnabled:      true,
		MedicalReviewEnabled:    true,
	}
}

// Action names a lifecycle transition.
type Action string

const (
	ActionAllocate              Action = "allocate"
	ActionClassify              Action = "classify"
	ActionApproveClassification Action = "approve_classification"
	ActionRejectClassification  Action = "reject_classification"
	ActionRoute                 Action = "route_from_assessment"
	ActionStartForm             Action = "start_form"
	ActionCompleteForm          Action = "complete_form"
	ActionApproveForm           Action = "approve_form"
	ActionRejectForm            Action = "reject_form"
	ActionCompleteMedicalReview Action = "complete_medical_review"
	ActionRevoke                Action = "revoke"
)

// allowedFrom is the transition table: which actions are legal from each
// sub-status. Allocate and revoke are handled separately because their
// legality depends on lock state and history, not position.
var allowedFrom = map[SubStatus]map[Action]bool{
	SubStatusTriage: {
		ActionClassify: true,
	},
	SubStatusAssessment: {
		ActionApproveClassification: true,
		ActionRejectClassification:  true,
		ActionRoute:                 true,
	},
	SubStatusDataEntry: {
		ActionStartForm:    true,
		ActionCompleteForm: true,
		ActionApproveForm:  true,
		ActionRejectForm:   true,
	},
	SubStatusMedicalReview: {
		ActionCompleteMedicalReview: true,
	},
	SubStatusReporting: {},
}

// dataEntryExit describes where a case lands after its form is completed or
// its form QC approved, depending on which downstream gates are enabled.
type dataEntryExit struct {
	Stage         Stage
	SubStatus     SubStatus
	MedicalReview MedicalReviewStatus
}

// dataEntryExits keys on MedicalReviewEnabled. When medical review is
// disabled the case lands in reporting with a synthetic completion so the
// reporting invariant (medical review completed) still holds.
var dataEntryExits = map[bool]dataEntryExit{
	true:  {Stage: StageMedicalReview, SubStatus: SubStatusMedicalReview, MedicalReview: MRNotStarted},
	false: {Stage: StageReporting, SubStatus: SubStatusReporting, MedicalReview: MRCompleted},
}

// RouteDestination is the target chosen when routing a case out of
// assessment.
type RouteDestination string

const (
	RouteDataEntry        RouteDestination = "data_entry"
	RouteAOIAssessment    RouteDestination = "aoi_assessment"
	RouteNoCaseAssessment RouteDestination = "no_case_assessment"
	RouteReporting        RouteDestination = "reporting"
)

func (d RouteDestination) Valid() bool {
	switch d {
	case RouteDataEntry, RouteAOIAssessment, RouteNoCaseAssessment, RouteReporting:
		return true
	}
	return false
}

// RevokeTarget is the stage a revoked case is sent back to.
type RevokeTarget string

const (
	RevokeToTriage    RevokeTarget = "triage"
	RevokeToQCTriage  RevokeTarget = "qc_triage"
	RevokeToDataEntry RevokeTarget = "data_entry"
	RevokeToQCForm    RevokeTarget = "qc_data_entry"
)

func (t RevokeTarget) Valid() bool {
	switch t {
	case RevokeToTriage, RevokeToQCTriage, RevokeToDataEntry, RevokeToQCForm:
		return true
	}
	return false
}

// Machine applies lifecycle transitions to cases. It is pure: no I/O, all
// effects are mutations of the passed *Case, and time is injectable for
// tests. One Machine is built per request from the organization's pipeline
// config.
type Machine struct {
	cfg     PipelineConfig
	lockTTL time.Duration
	now     func() time.Time
}

// NewMachine builds a machine for the given pipeline config. lockTTL bounds
// how long an allocation lock shields a case from reclaim; zero disables
// expiry.
func NewMachine(cfg PipelineConfig, lockTTL time.Duration) *Machine {
	return &Machine{cfg: cfg, lockTTL: lockTTL, now: time.Now}
}

// WithClock overrides the machine's clock. Test hook.
func (m *Machine) WithClock(now func() time.Time) *Machine {
	m.now = now
	return m
}

func (m *Machine) check(c *Case, a Action) error {
	if allowedFrom[c.SubStatus][a] {
		return nil
	}
	return fmt.Errorf("%w: cannot %s while in %s", ErrInvalidTransition, a, c.SubStatus)
}

func (m *Machine) comment(c *Case, actor auth.Actor, text string) {
	c.Comments = append(c.Comments, Comment{
		ID:        uuid.New(),
		CaseID:    c.ID,
		Seq:       c.nextCommentSeq(),
		ActorID:   actor.ID,
		ActorName: actor.Name,
		Text:      text,
		Kind:      CommentSystem,
		CreatedAt: m.now(),
	})
}

// Allocate claims the case for a worker. It succeeds only when no other
// worker holds an unexpired lock; expired locks are silently reclaimed.
func (m *Machine) Allocate(c *Case, actor auth.Actor) error {
	now := m.now()
	if c.IsAssigned(now, m.lockTTL) && !c.HeldBy(actor.ID) {
		return ErrAlreadyAssigned
	}
	reclaimed := c.AssignedTo != nil && !c.HeldBy(actor.ID)
	c.AssignedTo = &actor.ID
	c.LockedAt = &now
	c.AllocatedAt = &now
	if reclaimed {
		m.comment(c, actor, fmt.Sprintf("allocated to %s (reclaimed expired lock)", actor.Name))
	} else {
		m.comment(c, actor, fmt.Sprintf("allocated to %s", actor.Name))
	}
	return nil
}

// Classify tags a triage case and moves it into its track's assessment
// phase. The acting worker must hold the allocation lock. When the
// classification QC gate is disabled the gate auto-resolves and the case
// skips straight past the QC pool.
func (m *Machine) Classify(c *Case, actor auth.Actor, tag ClassificationTag) error {
	if err := m.check(c, ActionClassify); err != nil {
		return err
	}
	if !c.HeldBy(actor.ID) {
		return ErrNotAllocated
	}
	if !tag.Valid() {
		return fmt.Errorf("%w: unknown classification %q", ErrInvalidTransition, tag)
	}
	c.ClassificationTag = tag
	c.Track = Track(tag)
	c.LastClassifiedBy = &actor.ID
	name := actor.Name
	c.LastClassifiedName = &name
	c.SubStatus = SubStatusAssessment
	c.Priority = PriorityNormal
	c.clearAssignment()
	if m.cfg.QCClassificationEnabled {
		c.QCClassification = QCPending
		c.Stage = StageQCAllocation
		m.comment(c, actor, fmt.Sprintf("classified as %s; queued for classification QC", tag))
	} else {
		c.QCClassification = QCNotApplicable
		c.Stage = StageAssessment
		m.comment(c, actor, fmt.Sprintf("classified as %s; classification QC skipped", tag))
	}
	return nil
}

// ApproveClassification stamps the classification QC gate and moves the case
// out of the QC pool into its track's assessment queue. Approval is not
// idempotent: a second approval is rejected so audit stamps are never
// overwritten.
func (m *Machine) ApproveClassification(c *Case, actor auth.Actor, comments string) error {
	if c.QCClassification == QCApproved {
		return ErrAlreadyApproved
	}
	if err := m.check(c, ActionApproveClassification); err != nil {
		return err
	}
	if c.QCClassification != QCPending {
		return fmt.Errorf("%w: classification QC is %q, not pending", ErrInvalidTransition, c.QCClassification)
	}
	now := m.now()
	c.QCClassification = QCApproved
	c.QCApprovedBy = &actor.ID
	c.QCApprovedAt = &now
	if comments != "" {
		c.QCComments = &comments
	}
	c.clearAssignment()
	if c.Stage == StageQCAllocation {
		c.Stage = StageAssessment
	}
	m.comment(c, actor, "classification approved")
	return nil
}

// RejectClassification sends the case back for rework with a mandatory
// reason, to the target stage when given and to triage otherwise. The case is
// handed straight back to the worker who classified it, at high priority, so
// the rework lands on the same desk.
func (m *Machine) RejectClassification(c *Case, actor auth.Actor, reason string, target Stage) error {
	if strings.TrimSpace(reason) == "" {
		return ErrMissingReason
	}
	if target == "" {
		target = StagePendingReview
	}
	if !target.Valid() {
		return fmt.Errorf("%w: unknown reject target %q", ErrInvalidTransition, target)
	}
	if c.QCClassification == QCApproved {
		return ErrAlreadyApproved
	}
	if err := m.check(c, ActionRejectClassification); err != nil {
		return err
	}
	if c.QCClassification != QCPending {
		return fmt.Errorf("%w: classification QC is %q, not pending", ErrInvalidTransition, c.QCClassification)
	}
	now := m.now()
	c.QCClassification = QCRejected
	c.QCRejectedBy = &actor.ID
	c.QCRejectedAt = &now
	c.ClassificationTag = ""
	c.Track = ""
	c.SubStatus = SubStatusTriage
	c.Stage = target
	c.Priority = PriorityHigh
	if c.LastClassifiedBy != nil {
		id := *c.LastClassifiedBy
		c.AssignedTo = &id
		c.LockedAt = &now
		c.AllocatedAt = &now
	} else {
		c.clearAssignment()
	}
	m.comment(c, actor, fmt.Sprintf("classification rejected: %s", reason))
	return nil
}

// Route dispatches an assessment case to its next queue. A non-empty
// comments argument turns the call into a rejection instead of an advance:
// the case drops back to triage at high priority.
func (m *Machine) Route(c *Case, actor auth.Actor, dest RouteDestination, comments string) error {
	if err := m.check(c, ActionRoute); err != nil {
		return err
	}
	now := m.now()
	if strings.TrimSpace(comments) != "" {
		c.QCClassification = QCRejected
		c.QCRejectedBy = &actor.ID
		c.QCRejectedAt = &now
		c.ClassificationTag = ""
		c.Track = ""
		c.SubStatus = SubStatusTriage
		c.Stage = StagePendingReview
		c.Priority = PriorityHigh
		c.clearAssignment()
		m.comment(c, actor, fmt.Sprintf("returned to triage from assessment: %s", comments))
		return nil
	}
	if !dest.Valid() {
		return fmt.Errorf("%w: unknown route destination %q", ErrInvalidTransition, dest)
	}
	c.LastQueueStage = c.Stage
	c.clearAssignment()
	switch dest {
	case RouteDataEntry:
		c.SourceTrack = c.Track
		c.SourceTrackAt = &now
		c.Stage = StageDataEntry
		c.SubStatus = SubStatusDataEntry
		if c.FormStatus == "" {
			c.FormStatus = FormNotStarted
		}
	case RouteAOIAssessment:
		c.Stage = StageAOIAssessment
	case RouteNoCaseAssessment:
		c.Stage = StageNoCaseAssessment
	case RouteReporting:
		c.Stage = StageReporting
		c.SubStatus = SubStatusReporting
	}
	m.comment(c, actor, fmt.Sprintf("routed to %s", c.Stage.DisplayName()))
	return nil
}

// StartForm marks structured data entry as begun.
func (m *Machine) StartForm(c *Case, actor auth.Actor) error {
	if err := m.check(c, ActionStartForm); err != nil {
		return err
	}
	if c.FormStatus == FormCompleted {
		return ErrAlreadyCompleted
	}
	if c.FormStatus == FormInProgress {
		return nil
	}
	c.FormStatus = FormInProgress
	m.comment(c, actor, "data entry started")
	return nil
}

// CompleteForm finishes data entry. Cases that reached data entry without a
// classification are tagged ICSR here, since only ICSRs need structured
// forms. The downstream stage depends on which gates the organization runs.
func (m *Machine) CompleteForm(c *Case, actor auth.Actor) error {
	if err := m.check(c, ActionCompleteForm); err != nil {
		return err
	}
	if c.FormStatus == FormCompleted {
		return ErrAlreadyCompleted
	}
	now := m.now()
	c.FormStatus = FormCompleted
	c.FormCompletedBy = &actor.ID
	c.FormCompletedAt = &now
	if c.ClassificationTag == "" {
		c.ClassificationTag = TagICSR
		c.Track = TrackICSR
	}
	c.Priority = PriorityNormal
	c.clearAssignment()
	if m.cfg.QCDataEntryEnabled {
		c.QCForm = QCPending
		c.Stage = StageQCDataEntry
		m.comment(c, actor, "form completed; queued for form QC")
		return nil
	}
	c.QCForm = QCNotApplicable
	exit := dataEntryExits[m.cfg.MedicalReviewEnabled]
	c.Stage = exit.Stage
	c.SubStatus = exit.SubStatus
	c.MedicalReview = exit.MedicalReview
	m.comment(c, actor, fmt.Sprintf("form completed; form QC skipped, advanced to %s", exit.Stage.DisplayName()))
	return nil
}

// ApproveForm stamps the form QC gate and advances the case past data entry.
func (m *Machine) ApproveForm(c *Case, actor auth.Actor, comments string) error {
	if c.QCForm == QCApproved {
		return ErrAlreadyApproved
	}
	if err := m.check(c, ActionApproveForm); err != nil {
		return err
	}
	if c.FormStatus != FormCompleted {
		return ErrFormNotCompleted
	}
	if c.QCForm != QCPending {
		return fmt.Errorf("%w: form QC is %q, not pending", ErrInvalidTransition, c.QCForm)
	}
	c.QCForm = QCApproved
	if comments != "" {
		c.QCComments = &comments
	}
	c.clearAssignment()
	exit := dataEntryExits[m.cfg.MedicalReviewEnabled]
	c.Stage = exit.Stage
	c.SubStatus = exit.SubStatus
	c.MedicalReview = exit.MedicalReview
	m.comment(c, actor, fmt.Sprintf("form approved; advanced to %s", exit.Stage.DisplayName()))
	return nil
}

// RejectForm sends the form back to the worker who completed it, reopened
// and at high priority.
func (m *Machine) RejectForm(c *Case, actor auth.Actor, reason string) error {
	if strings.TrimSpace(reason) == "" {
		return ErrMissingReason
	}
	if c.QCForm == QCApproved {
		return ErrAlreadyApproved
	}
	if err := m.check(c, ActionRejectForm); err != nil {
		return err
	}
	if c.QCForm != QCPending {
		return fmt.Errorf("%w: form QC is %q, not pending", ErrInvalidTransition, c.QCForm)
	}
	now := m.now()
	c.QCForm = QCRejected
	c.FormStatus = FormInProgress
	c.Stage = StageDataEntry
	c.SubStatus = SubStatusDataEntry
	c.Priority = PriorityHigh
	if c.FormCompletedBy != nil {
		id := *c.FormCompletedBy
		c.AssignedTo = &id
		c.LockedAt = &now
		c.AllocatedAt = &now
	} else {
		c.clearAssignment()
	}
	m.comment(c, actor, fmt.Sprintf("form rejected: %s", reason))
	return nil
}

// CompleteMedicalReview finishes medical review and moves the case into
// reporting. Any earlier revocation markers are cleared: a completed review
// supersedes them.
func (m *Machine) CompleteMedicalReview(c *Case, actor auth.Actor) error {
	if c.MedicalReview == MRCompleted {
		return ErrAlreadyCompleted
	}
	if err := m.check(c, ActionCompleteMedicalReview); err != nil {
		return err
	}
	c.MedicalReview = MRCompleted
	c.Stage = StageReporting
	c.SubStatus = SubStatusReporting
	c.RevokedBy = nil
	c.RevokedAt = nil
	c.RevocationReason = nil
	c.clearAssignment()
	m.comment(c, actor, "medical review completed; case moved to reporting")
	return nil
}

// Revoke pulls a case back from a late stage to an earlier one, recording
// who, when, and why. The target decides how much progress is undone.
func (m *Machine) Revoke(c *Case, actor auth.Actor, reason string, target RevokeTarget) error {
	if strings.TrimSpace(reason) == "" {
		return ErrMissingReason
	}
	if !target.Valid() {
		return fmt.Errorf("%w: unknown revoke target %q", ErrInvalidTransition, target)
	}
	now := m.now()
	c.MedicalReview = MRNotStarted
	c.RevokedBy = &actor.ID
	c.RevokedAt = &now
	c.RevocationReason = &reason
	c.Priority = PriorityHigh
	c.clearAssignment()
	switch target {
	case RevokeToTriage:
		c.ClassificationTag = ""
		c.Track = ""
		c.QCClassification = ""
		c.SubStatus = SubStatusTriage
		c.Stage = StagePendingReview
		if c.LastClassifiedBy != nil {
			id := *c.LastClassifiedBy
			c.AssignedTo = &id
			c.LockedAt = &now
			c.AllocatedAt = &now
		}
	case RevokeToQCTriage:
		c.QCClassification = QCPending
		c.SubStatus = SubStatusAssessment
		c.Stage = StageQCAllocation
	case RevokeToQCForm:
		c.QCForm = QCPending
		c.SubStatus = SubStatusDataEntry
		c.Stage = StageQCDataEntry
	case RevokeToDataEntry:
		c.FormStatus = FormInProgress
		c.QCForm = ""
		c.SubStatus = SubStatusDataEntry
		c.Stage = StageDataEntry
	}
	m.comment(c, actor, fmt.Sprintf("revoked to %s: %s", c.Stage.DisplayName(), reason))
	return nil
}

// Annotate appends a system comment without moving the case. Batch jobs use
// it to leave an audit trail for actions that are not transitions.
func (m *Machine) Annotate(c *Case, actor auth.Actor, text string) {
	m.comment(c, actor, text)
}

// AddComment appends a free-form reviewer note without moving the case.
func (m *Machine) AddComment(c *Case, actor auth.Actor, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrMissingReason
	}
	c.Comments = append(c.Comments, Comment{
		ID:        uuid.New(),
		CaseID:    c.ID,
		Seq:       c.nextCommentSeq(),
		ActorID:   actor.ID,
		ActorName: actor.Name,
		Text:      text,
		Kind:      CommentUser,
		CreatedAt: m.now(),
	})
	return nil
}
