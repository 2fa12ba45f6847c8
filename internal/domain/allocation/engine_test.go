package allocation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pvflow/pvflow/internal/domain/cases"
	"github.com/pvflow/pvflow/internal/platform/auth"
)

func worker(org uuid.UUID, name string, roles ...string) auth.Actor {
	return auth.Actor{ID: uuid.New(), Name: name, OrgID: org, Roles: roles}
}

func seedTriage(t *testing.T, repo cases.Repository, org uuid.UUID, n int) []uuid.UUID {
	t.Helper()
	ids := make([]uuid.UUID, 0, n)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < n; i++ {
		c := &cases.Case{
			ID:             uuid.New(),
			OrganizationID: org,
			Title:          "seeded case",
			Stage:          cases.StagePendingReview,
			SubStatus:      cases.SubStatusTriage,
			Priority:       cases.PriorityNormal,
			FormStatus:     cases.FormNotStarted,
			MedicalReview:  cases.MRNotStarted,
			Version:        1,
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}
		if err := repo.Create(context.Background(), c); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, c.ID)
	}
	return ids
}

func TestAllocate_OldestFirst(t *testing.T) {
	repo := cases.NewMemoryRepo()
	org := uuid.New()
	ids := seedTriage(t, repo, org, 5)
	e := NewEngine(repo, 30*time.Minute, 10, 3, zerolog.Nop())

	got, err := e.Allocate(context.Background(), worker(org, "alice", auth.RoleReviewer), QueueTriage)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if got.ID != ids[0] {
		t.Errorf("allocated %s, want oldest %s", got.ID, ids[0])
	}
	if got.AssignedTo == nil || got.LockedAt == nil {
		t.Error("allocation should set assigned_to and locked_at")
	}
}

func TestAllocate_HighPriorityJumpsQueue(t *testing.T) {
	repo := cases.NewMemoryRepo()
	org := uuid.New()
	ids := seedTriage(t, repo, org, 5)
	ctx := context.Background()

	// bump the newest case to high priority
	c, err := repo.Get(ctx, org, ids[4])
	if err != nil {
		t.Fatal(err)
	}
	c.Priority = cases.PriorityHigh
	if err := repo.UpdateIfMatch(ctx, c, c.Version); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(repo, 30*time.Minute, 10, 3, zerolog.Nop())
	got, err := e.Allocate(ctx, worker(org, "alice", auth.RoleReviewer), QueueTriage)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != ids[4] {
		t.Errorf("allocated %s, want high-priority %s", got.ID, ids[4])
	}
}

func TestAllocate_SkipsResolvedQCGates(t *testing.T) {
	repo := cases.NewMemoryRepo()
	org := uuid.New()
	ctx := context.Background()
	approver := uuid.New()
	now := time.Now()

	pending := &cases.Case{
		ID:               uuid.New(),
		OrganizationID:   org,
		Title:            "awaiting manual qc",
		Stage:            cases.StageQCAllocation,
		SubStatus:        cases.SubStatusAssessment,
		Priority:         cases.PriorityNormal,
		QCClassification: cases.QCPending,
		FormStatus:       cases.FormNotStarted,
		MedicalReview:    cases.MRNotStarted,
		Version:          1,
		CreatedAt:        now.Add(-time.Minute),
	}
	autoPassed := &cases.Case{
		ID:               uuid.New(),
		OrganizationID:   org,
		Title:            "auto-passed by sampling",
		Stage:            cases.StageQCAllocation,
		SubStatus:        cases.SubStatusAssessment,
		Priority:         cases.PriorityNormal,
		QCClassification: cases.QCApproved,
		QCApprovedBy:     &approver,
		QCApprovedAt:     &now,
		IsAutoPassed:     true,
		FormStatus:       cases.FormNotStarted,
		MedicalReview:    cases.MRNotStarted,
		Version:          1,
		CreatedAt:        now.Add(-time.Hour),
	}
	for _, c := range []*cases.Case{pending, autoPassed} {
		if err := repo.Create(ctx, c); err != nil {
			t.Fatal(err)
		}
	}

	e := NewEngine(repo, 30*time.Minute, 10, 3, zerolog.Nop())
	qc := worker(org, "quinn", auth.RoleQCReviewer)

	got, err := e.Allocate(ctx, qc, QueueQC)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if got.ID != pending.ID {
		t.Fatalf("allocated %s, want the still-pending case %s", got.ID, pending.ID)
	}

	// nothing else in the pool: the approved case must never be served
	if _, err := e.Allocate(ctx, worker(org, "quentin", auth.RoleQCReviewer), QueueQC); !errors.Is(err, cases.ErrNoCasesAvailable) {
		t.Fatalf("err = %v, want ErrNoCasesAvailable", err)
	}
}

func TestAllocate_EmptyPool(t *testing.T) {
	repo := cases.NewMemoryRepo()
	org := uuid.New()
	e := NewEngine(repo, 30*time.Minute, 10, 3, zerolog.Nop())

	_, err := e.Allocate(context.Background(), worker(org, "alice", auth.RoleReviewer), QueueTriage)
	if !errors.Is(err, cases.ErrNoCasesAvailable) {
		t.Fatalf("err = %v, want ErrNoCasesAvailable", err)
	}
}

func TestAllocate_RoleGuard(t *testing.T) {
	repo := cases.NewMemoryRepo()
	org := uuid.New()
	seedTriage(t, repo, org, 1)
	e := NewEngine(repo, 30*time.Minute, 10, 3, zerolog.Nop())

	_, err := e.Allocate(context.Background(), worker(org, "dana", auth.RoleDataEntry), QueueTriage)
	if !errors.Is(err, ErrQueueForbidden) {
		t.Fatalf("err = %v, want ErrQueueForbidden", err)
	}
	// admin can pull from any queue
	if _, err := e.Allocate(context.Background(), worker(org, "root", auth.RoleAdmin), QueueTriage); err != nil {
		t.Fatalf("admin allocate: %v", err)
	}
}

func TestAllocate_DoesNotCrossOrganizations(t *testing.T) {
	repo := cases.NewMemoryRepo()
	orgA := uuid.New()
	orgB := uuid.New()
	seedTriage(t, repo, orgA, 3)
	e := NewEngine(repo, 30*time.Minute, 10, 3, zerolog.Nop())

	_, err := e.Allocate(context.Background(), worker(orgB, "eve", auth.RoleReviewer), QueueTriage)
	if !errors.Is(err, cases.ErrNoCasesAvailable) {
		t.Fatalf("err = %v, want ErrNoCasesAvailable for foreign org", err)
	}
}

func TestAllocate_ExpiredLockIsReclaimed(t *testing.T) {
	repo := cases.NewMemoryRepo()
	org := uuid.New()
	ids := seedTriage(t, repo, org, 1)
	ctx := context.Background()

	stale := time.Now().Add(-2 * time.Hour)
	holder := uuid.New()
	c, _ := repo.Get(ctx, org, ids[0])
	c.AssignedTo = &holder
	c.LockedAt = &stale
	if err := repo.UpdateIfMatch(ctx, c, c.Version); err != nil {
		t.Fatal(err)
	}

	e := NewEngine(repo, 30*time.Minute, 10, 3, zerolog.Nop())
	got, err := e.Allocate(ctx, worker(org, "alice", auth.RoleReviewer), QueueTriage)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if got.AssignedTo == nil || *got.AssignedTo == holder {
		t.Error("expired lock should have been reclaimed by the new worker")
	}
}

// The core exclusivity property: N workers pulling concurrently from the
// same pool never receive the same case, and each pull succeeds while cases
// remain.
func TestAllocate_ConcurrentWorkersGetDisjointCases(t *testing.T) {
	repo := cases.NewMemoryRepo()
	org := uuid.New()
	const nCases = 40
	const nWorkers = 8
	seedTriage(t, repo, org, nCases)
	e := NewEngine(repo, 30*time.Minute, 10, 10, zerolog.Nop())

	var mu sync.Mutex
	seen := make(map[uuid.UUID]uuid.UUID) // case -> worker
	var wg sync.WaitGroup

	for w := 0; w < nWorkers; w++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			me := worker(org, "worker", auth.RoleReviewer)
			for {
				got, err := e.Allocate(context.Background(), me, QueueTriage)
				if errors.Is(err, cases.ErrNoCasesAvailable) {
					return
				}
				if err != nil {
					t.Errorf("allocate: %v", err)
					return
				}
				mu.Lock()
				if prev, dup := seen[got.ID]; dup {
					t.Errorf("case %s allocated to both %s and %s", got.ID, prev, me.ID)
				}
				seen[got.ID] = me.ID
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(seen) != nCases {
		t.Fatalf("allocated %d distinct cases, want %d", len(seen), nCases)
	}
}
