package cases

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

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

type caseRepoPG struct{ pool *pgxpool.Pool }

// NewCaseRepoPG returns the Postgres-backed case repository.
func NewCaseRepoPG(pool *pgxpool.Pool) Repository {
	return &caseRepoPG{pool: pool}
}

func (r *caseRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const caseCols = `id, organization_id, title, source_ref,
	classification_tag, workflow_track, stage, sub_status,
	assigned_to, locked_at, allocated_at, priority,
	qc_classification_status, qc_approved_by, qc_approved_at,
	qc_rejected_by, qc_rejected_at, qc_comments,
	last_classified_by, last_classified_name,
	form_status, form_completed_by, form_completed_at, qc_form_status,
	medical_review_status,
	source_track, source_track_at, last_queue_stage, is_auto_passed, batch_id,
	revoked_by, revoked_at, revocation_reason,
	version, created_at, updated_at`

func (r *caseRepoPG) scanCase(row pgx.Row) (*Case, error) {
	var c Case
	var tag, track, qcClass, qcForm, srcTrack, lastQueue *string
	err := row.Scan(&c.ID, &c.OrganizationID, &c.Title, &c.SourceRef,
		&tag, &track, &c.Stage, &c.SubStatus,
		&c.AssignedTo, &c.LockedAt, &c.AllocatedAt, &c.Priority,
		&qcClass, &c.QCApprovedBy, &c.QCApprovedAt,
		&c.QCRejectedBy, &c.QCRejectedAt, &c.QCComments,
		&c.LastClassifiedBy, &c.LastClassifiedName,
		&c.FormStatus, &c.FormCompletedBy, &c.FormCompletedAt, &qcForm,
		&c.MedicalReview,
		&srcTrack, &c.SourceTrackAt, &lastQueue, &c.IsAutoPassed, &c.BatchID,
		&c.RevokedBy, &c.RevokedAt, &c.RevocationReason,
		&c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if tag != nil {
		c.ClassificationTag = ClassificationTag(*tag)
	}
	if track != nil {
		c.Track = Track(*track)
	}
	if qcClass != nil {
		c.QCClassification = QCStatus(*qcClass)
	}
	if qcForm != nil {
		c.QCForm = QCStatus(*qcForm)
	}
	if srcTrack != nil {
		c.SourceTrack = Track(*srcTrack)
	}
	if lastQueue != nil {
		c.LastQueueStage = Stage(*lastQueue)
	}
	return &c, nil
}

func stageStrings(stages []Stage) []string {
	out := make([]string, len(stages))
	for i, s := range stages {
		out[i] = string(s)
	}
	return out
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (r *caseRepoPG) Create(ctx context.Context, c *Case) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO cases (id, organization_id, title, source_ref,
			classification_tag, workflow_track, stage, sub_status,
			assigned_to, locked_at, allocated_at, priority,
			qc_classification_status, form_status, qc_form_status,
			medical_review_status, is_auto_passed, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		c.ID, c.OrganizationID, c.Title, c.SourceRef,
		nullStr(string(c.ClassificationTag)), nullStr(string(c.Track)), c.Stage, c.SubStatus,
		c.AssignedTo, c.LockedAt, c.AllocatedAt, c.Priority,
		nullStr(string(c.QCClassification)), c.FormStatus, nullStr(string(c.QCForm)),
		c.MedicalReview, c.IsAutoPassed, c.Version)
	return err
}

func (r *caseRepoPG) Get(ctx context.Context, orgID, id uuid.UUID) (*Case, error) {
	c, err := r.scanCase(r.conn(ctx).QueryRow(ctx,
		`SELECT `+caseCols+` FROM cases WHERE id = $1 AND organization_id = $2`, id, orgID))
	if err != nil {
		return nil, err
	}
	comments, err := r.ListComments(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	c.Comments = comments
	return c, nil
}

// UpdateIfMatch writes the case guarded by its version token and appends any
// comments not yet stored, all in one transaction. Zero rows updated means
// another writer bumped the version first.
func (r *caseRepoPG) UpdateIfMatch(ctx context.Context, c *Case, expectedVersion int) error {
	run := func(ctx context.Context, q queryable) error {
		tag, err := q.Exec(ctx, `
			UPDATE cases SET
				title=$3, source_ref=$4,
				classification_tag=$5, workflow_track=$6, stage=$7, sub_status=$8,
				assigned_to=$9, locked_at=$10, allocated_at=$11, priority=$12,
				qc_classification_status=$13, qc_approved_by=$14, qc_approved_at=$15,
				qc_rejected_by=$16, qc_rejected_at=$17, qc_comments=$18,
				last_classified_by=$19, last_classified_name=$20,
				form_status=$21, form_completed_by=$22, form_completed_at=$23, qc_form_status=$24,
				medical_review_status=$25,
				source_track=$26, source_track_at=$27, last_queue_stage=$28,
				is_auto_passed=$29, batch_id=$30,
				revoked_by=$31, revoked_at=$32, revocation_reason=$33,
				version=version+1, updated_at=NOW()
			WHERE id = $1 AND version = $2`,
			c.ID, expectedVersion,
			c.Title, c.SourceRef,
			nullStr(string(c.ClassificationTag)), nullStr(string(c.Track)), c.Stage, c.SubStatus,
			c.AssignedTo, c.LockedAt, c.AllocatedAt, c.Priority,
			nullStr(string(c.QCClassification)), c.QCApprovedBy, c.QCApprovedAt,
			c.QCRejectedBy, c.QCRejectedAt, c.QCComments,
			c.LastClassifiedBy, c.LastClassifiedName,
			c.FormStatus, c.FormCompletedBy, c.FormCompletedAt, nullStr(string(c.QCForm)),
			c.MedicalReview,
			nullStr(string(c.SourceTrack)), c.SourceTrackAt, nullStr(string(c.LastQueueStage)),
			c.IsAutoPassed, c.BatchID,
			c.RevokedBy, c.RevokedAt, c.RevocationReason)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrConflict
		}
		for _, cm := range c.Comments {
			_, err := q.Exec(ctx, `
				INSERT INTO case_comment (id, case_id, seq, actor_id, actor_name, text, kind, created_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
				ON CONFLICT (case_id, seq) DO NOTHING`,
				cm.ID, cm.CaseID, cm.Seq, cm.ActorID, cm.ActorName, cm.Text, cm.Kind, cm.CreatedAt)
			if err != nil {
				return err
			}
		}
		return nil
	}

	if tx := db.TxFromContext(ctx); tx != nil {
		if err := run(ctx, tx); err != nil {
			return err
		}
		c.Version = expectedVersion + 1
		return nil
	}
	// Transact on the tenant-pinned connection when the request carries one;
	// pool.Begin would hand back a connection with the wrong search_path.
	var tx pgx.Tx
	var err error
	if conn := db.ConnFromContext(ctx); conn != nil {
		tx, err = conn.Begin(ctx)
	} else {
		tx, err = r.pool.Begin(ctx)
	}
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if err := run(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	c.Version = expectedVersion + 1
	return nil
}

func (r *caseRepoPG) List(ctx context.Context, f Filter, limit, offset int) ([]*Case, int, error) {
	where := "organization_id = $1"
	args := []interface{}{f.OrganizationID}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(f.Stages) > 0 {
		where += fmt.Sprintf(" AND stage = ANY(%s)", arg(stageStrings(f.Stages)))
	}
	if f.SubStatus != "" {
		where += fmt.Sprintf(" AND sub_status = %s", arg(f.SubStatus))
	}
	if f.Track != "" {
		where += fmt.Sprintf(" AND workflow_track = %s", arg(f.Track))
	}
	if f.Priority != "" {
		where += fmt.Sprintf(" AND priority = %s", arg(f.Priority))
	}
	if f.AssignedTo != nil {
		where += fmt.Sprintf(" AND assigned_to = %s", arg(*f.AssignedTo))
	}
	if f.Unassigned {
		where += " AND assigned_to IS NULL"
	}
	if f.BatchID != nil {
		where += fmt.Sprintf(" AND batch_id = %s", arg(*f.BatchID))
	}
	if f.QCClassification != "" {
		where += fmt.Sprintf(" AND qc_classification_status = %s", arg(f.QCClassification))
	}
	if f.WithoutBatch {
		where += " AND batch_id IS NULL"
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM cases WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	order := "DESC"
	if f.OldestFirst {
		order = "ASC"
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+caseCols+` FROM cases WHERE `+where+
			fmt.Sprintf(` ORDER BY created_at %s LIMIT %s OFFSET %s`, order, arg(limit), arg(offset)),
		args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Case
	for rows.Next() {
		c, err := r.scanCase(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, c)
	}
	return items, total, rows.Err()
}

// ListCandidates serves the allocation engine: unassigned cases plus cases
// with expired locks, high priority first, then oldest first. Cases whose QC
// gate for the stage is no longer pending (approved, auto-passed) are not
// candidates. The partial index on (organization_id, stage) WHERE
// assigned_to IS NULL keeps the common path cheap.
func (r *caseRepoPG) ListCandidates(ctx context.Context, orgID uuid.UUID, stages []Stage, lockTTL time.Duration, limit int) ([]*Case, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+caseCols+` FROM cases
		WHERE organization_id = $1 AND stage = ANY($2)
		  AND (stage <> 'qc_allocation' OR qc_classification_status = 'pending')
		  AND (stage <> 'qc_data_entry' OR qc_form_status = 'pending')
		  AND (assigned_to IS NULL
		       OR ($3::interval > interval '0' AND locked_at IS NOT NULL AND locked_at < NOW() - $3::interval))
		ORDER BY (priority = 'high') DESC, created_at ASC
		LIMIT $4`,
		orgID, stageStrings(stages), lockTTL, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Case
	for rows.Next() {
		c, err := r.scanCase(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *caseRepoPG) ListComments(ctx context.Context, caseID uuid.UUID) ([]Comment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, case_id, seq, actor_id, actor_name, text, kind, created_at
		FROM case_comment WHERE case_id = $1 ORDER BY seq ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Comment
	for rows.Next() {
		var cm Comment
		if err := rows.Scan(&cm.ID, &cm.CaseID, &cm.Seq, &cm.ActorID, &cm.ActorName, &cm.Text, &cm.Kind, &cm.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, cm)
	}
	return items, rows.Err()
}

func (r *caseRepoPG) StageCounts(ctx context.Context, orgID uuid.UUID) (map[Stage]int, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT stage, COUNT(*) FROM cases WHERE organization_id = $1 GROUP BY stage`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[Stage]int)
	for rows.Next() {
		var s Stage
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

// orgLockKey derives a stable advisory lock key from the organization ID.
func orgLockKey(orgID uuid.UUID) int64 {
	h := fnv.New64a()
	h.Write(orgID[:])
	return int64(h.Sum64())
}

func (r *caseRepoPG) TryOrgLock(ctx context.Context, orgID uuid.UUID) (bool, error) {
	var got bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, orgLockKey(orgID)).Scan(&got)
	return got, err
}

func (r *caseRepoPG) ReleaseOrgLock(ctx context.Context, orgID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `SELECT pg_advisory_unlock($1)`, orgLockKey(orgID))
	return err
}
