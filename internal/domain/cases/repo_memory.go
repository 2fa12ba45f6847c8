package cases

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// memoryRepo is an in-memory Repository with the same conditional-write
// semantics as the Postgres one. It backs tests, including the concurrent
// allocation ones, so the version-token contract must hold exactly.
type memoryRepo struct {
	mu       sync.Mutex
	cases    map[uuid.UUID]*Case
	comments map[uuid.UUID][]Comment
	orgLocks map[int64]bool
	now      func() time.Time
}

// NewMemoryRepo returns an empty in-memory case repository.
func NewMemoryRepo() Repository {
	return &memoryRepo{
		cases:    make(map[uuid.UUID]*Case),
		comments: make(map[uuid.UUID][]Comment),
		orgLocks: make(map[int64]bool),
		now:      time.Now,
	}
}

func cloneCase(c *Case) *Case {
	cp := *c
	cp.Comments = append([]Comment(nil), c.Comments...)
	return &cp
}

func (r *memoryRepo) Create(_ context.Context, c *Case) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := r.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Version == 0 {
		c.Version = 1
	}
	stored := cloneCase(c)
	stored.Comments = nil
	r.cases[c.ID] = stored
	r.comments[c.ID] = append([]Comment(nil), c.Comments...)
	return nil
}

func (r *memoryRepo) Get(_ context.Context, orgID, id uuid.UUID) (*Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cases[id]
	if !ok || c.OrganizationID != orgID {
		return nil, ErrNotFound
	}
	out := cloneCase(c)
	out.Comments = append([]Comment(nil), r.comments[id]...)
	return out, nil
}

func (r *memoryRepo) UpdateIfMatch(_ context.Context, c *Case, expectedVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.cases[c.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != expectedVersion {
		return ErrConflict
	}
	existing := r.comments[c.ID]
	maxSeq := 0
	for _, cm := range existing {
		if cm.Seq > maxSeq {
			maxSeq = cm.Seq
		}
	}
	for _, cm := range c.Comments {
		if cm.Seq > maxSeq {
			existing = append(existing, cm)
		}
	}
	r.comments[c.ID] = existing

	next := cloneCase(c)
	next.Comments = nil
	next.Version = expectedVersion + 1
	next.UpdatedAt = r.now()
	r.cases[c.ID] = next
	c.Version = next.Version
	return nil
}

func (r *memoryRepo) List(_ context.Context, f Filter, limit, offset int) ([]*Case, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*Case
	for _, c := range r.cases {
		if matchesFilter(c, f) {
			all = append(all, cloneCase(c))
		}
	}
	if f.OldestFirst {
		sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	} else {
		sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	}
	total := len(all)
	if offset >= len(all) {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

func matchesFilter(c *Case, f Filter) bool {
	if f.OrganizationID != uuid.Nil && c.OrganizationID != f.OrganizationID {
		return false
	}
	if len(f.Stages) > 0 {
		found := false
		for _, s := range f.Stages {
			if c.Stage == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.SubStatus != "" && c.SubStatus != f.SubStatus {
		return false
	}
	if f.Track != "" && c.Track != f.Track {
		return false
	}
	if f.Priority != "" && c.Priority != f.Priority {
		return false
	}
	if f.AssignedTo != nil && (c.AssignedTo == nil || *c.AssignedTo != *f.AssignedTo) {
		return false
	}
	if f.Unassigned && c.AssignedTo != nil {
		return false
	}
	if f.BatchID != nil && (c.BatchID == nil || *c.BatchID != *f.BatchID) {
		return false
	}
	if f.QCClassification != "" && c.QCClassification != f.QCClassification {
		return false
	}
	if f.WithoutBatch && c.BatchID != nil {
		return false
	}
	return true
}

func (r *memoryRepo) ListCandidates(_ context.Context, orgID uuid.UUID, stages []Stage, lockTTL time.Duration, limit int) ([]*Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var out []*Case
	for _, c := range r.cases {
		if c.OrganizationID != orgID {
			continue
		}
		inStage := false
		for _, s := range stages {
			if c.Stage == s {
				inStage = true
				break
			}
		}
		if !inStage {
			continue
		}
		if c.Stage == StageQCAllocation && c.QCClassification != QCPending {
			continue
		}
		if c.Stage == StageQCDataEntry && c.QCForm != QCPending {
			continue
		}
		if c.IsAssigned(now, lockTTL) {
			continue
		}
		out = append(out, cloneCase(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if (out[i].Priority == PriorityHigh) != (out[j].Priority == PriorityHigh) {
			return out[i].Priority == PriorityHigh
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryRepo) ListComments(_ context.Context, caseID uuid.UUID) ([]Comment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := append([]Comment(nil), r.comments[caseID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (r *memoryRepo) StageCounts(_ context.Context, orgID uuid.UUID) (map[Stage]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[Stage]int)
	for _, c := range r.cases {
		if c.OrganizationID == orgID {
			counts[c.Stage]++
		}
	}
	return counts, nil
}

func (r *memoryRepo) TryOrgLock(_ context.Context, orgID uuid.UUID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := orgLockKey(orgID)
	if r.orgLocks[key] {
		return false, nil
	}
	r.orgLocks[key] = true
	return true, nil
}

func (r *memoryRepo) ReleaseOrgLock(_ context.Context, orgID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.orgLocks, orgLockKey(orgID))
	return nil
}
