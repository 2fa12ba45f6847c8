package sampling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pvflow/pvflow/internal/domain/cases"
	"github.com/pvflow/pvflow/internal/platform/auth"
)

type fakeSettings struct {
	percent  int
	maxBatch int
	cfg      cases.PipelineConfig
}

func (f fakeSettings) SamplingFor(context.Context, uuid.UUID) (int, int, error) {
	return f.percent, f.maxBatch, nil
}

func (f fakeSettings) PipelineFor(context.Context, uuid.UUID) (cases.PipelineConfig, error) {
	return f.cfg, nil
}

func seedQCPool(t *testing.T, repo cases.Repository, org uuid.UUID, n int) []uuid.UUID {
	t.Helper()
	base := time.Now().Add(-time.Hour)
	ids := make([]uuid.UUID, 0, n)
	classifier := uuid.New()
	for i := 0; i < n; i++ {
		c := &cases.Case{
			ID:                uuid.New(),
			OrganizationID:    org,
			Title:             "pending qc",
			ClassificationTag: cases.TagICSR,
			Track:             cases.TrackICSR,
			Stage:             cases.StageQCAllocation,
			SubStatus:         cases.SubStatusAssessment,
			Priority:          cases.PriorityNormal,
			QCClassification:  cases.QCPending,
			LastClassifiedBy:  &classifier,
			FormStatus:        cases.FormNotStarted,
			MedicalReview:     cases.MRNotStarted,
			Version:           1,
			CreatedAt:         base.Add(time.Duration(i) * time.Second),
		}
		if err := repo.Create(context.Background(), c); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, c.ID)
	}
	return ids
}

func admin(org uuid.UUID) auth.Actor {
	return auth.Actor{ID: uuid.New(), Name: "root", OrgID: org, Roles: []string{auth.RoleAdmin}}
}

func TestSampleIndices_Distribution(t *testing.T) {
	tests := []struct {
		n, percent, want int
	}{
		{100, 20, 20},
		{100, 0, 0},
		{100, 100, 100},
		{10, 50, 5},
		{3, 20, 0},
		{5, 20, 1},
		{7, 33, 2},
		{0, 20, 0},
	}
	for _, tt := range tests {
		got := len(sampleIndices(tt.n, tt.percent))
		if got != tt.want {
			t.Errorf("sampleIndices(%d, %d) kept %d, want %d", tt.n, tt.percent, got, tt.want)
		}
	}
}

func TestSampleIndices_OrderStable(t *testing.T) {
	a := sampleIndices(50, 20)
	b := sampleIndices(50, 20)
	for i := 0; i < 50; i++ {
		if a[i] != b[i] {
			t.Fatalf("selection not deterministic at index %d", i)
		}
	}
}

func TestRunBatch_PartitionsPool(t *testing.T) {
	repo := cases.NewMemoryRepo()
	org := uuid.New()
	ids := seedQCPool(t, repo, org, 100)
	r := NewRouter(repo, fakeSettings{percent: 20, maxBatch: 500, cfg: cases.DefaultPipelineConfig()}, zerolog.Nop())

	res, err := r.RunBatch(context.Background(), admin(org), org)
	if err != nil {
		t.Fatalf("run batch: %v", err)
	}
	if res.Eligible != 100 {
		t.Errorf("eligible = %d, want 100", res.Eligible)
	}
	if res.QueuedForQC != 20 {
		t.Errorf("queued for QC = %d, want 20", res.QueuedForQC)
	}
	if res.AutoPassed != 80 {
		t.Errorf("auto-passed = %d, want 80", res.AutoPassed)
	}
	if res.Skipped != 0 {
		t.Errorf("skipped = %d, want 0", res.Skipped)
	}

	ctx := context.Background()
	autoPassed, queued := 0, 0
	for _, id := range ids {
		c, err := repo.Get(ctx, org, id)
		if err != nil {
			t.Fatal(err)
		}
		if c.BatchID == nil || *c.BatchID != res.BatchID {
			t.Fatalf("case %s missing batch id", id)
		}
		switch {
		case c.IsAutoPassed:
			if c.QCClassification != cases.QCApproved {
				t.Fatalf("auto-passed case %s has qc status %s", id, c.QCClassification)
			}
			autoPassed++
		default:
			if c.QCClassification != cases.QCPending {
				t.Fatalf("sampled case %s has qc status %s", id, c.QCClassification)
			}
			queued++
		}
	}
	if autoPassed != 80 || queued != 20 {
		t.Fatalf("stored partition %d/%d, want 80/20", autoPassed, queued)
	}
}

func TestRunBatch_SecondRunFindsNothing(t *testing.T) {
	repo := cases.NewMemoryRepo()
	org := uuid.New()
	seedQCPool(t, repo, org, 10)
	r := NewRouter(repo, fakeSettings{percent: 20, maxBatch: 500, cfg: cases.DefaultPipelineConfig()}, zerolog.Nop())

	if _, err := r.RunBatch(context.Background(), admin(org), org); err != nil {
		t.Fatal(err)
	}
	res, err := r.RunBatch(context.Background(), admin(org), org)
	if err != nil {
		t.Fatal(err)
	}
	if res.Eligible != 0 {
		t.Errorf("second run eligible = %d, want 0 (batch already stamped)", res.Eligible)
	}
}

func TestRunBatch_AutoPassedLeaveQCPool(t *testing.T) {
	repo := cases.NewMemoryRepo()
	org := uuid.New()
	ids := seedQCPool(t, repo, org, 4)
	r := NewRouter(repo, fakeSettings{percent: 0, maxBatch: 500, cfg: cases.DefaultPipelineConfig()}, zerolog.Nop())

	if _, err := r.RunBatch(context.Background(), admin(org), org); err != nil {
		t.Fatal(err)
	}
	for _, id := range ids {
		c, err := repo.Get(context.Background(), org, id)
		if err != nil {
			t.Fatal(err)
		}
		if c.Stage == cases.StageQCAllocation {
			t.Fatalf("auto-passed case %s still sits in the QC pool", id)
		}
		if c.Stage != cases.StageAssessment {
			t.Errorf("auto-passed case %s stage = %s, want %s", id, c.Stage, cases.StageAssessment)
		}
	}
}

// Successive capped runs must walk the whole pool oldest-first instead of
// re-reading the same slice of it.
func TestRunBatch_CappedRunsDrainThePool(t *testing.T) {
	repo := cases.NewMemoryRepo()
	org := uuid.New()
	ids := seedQCPool(t, repo, org, 25)
	r := NewRouter(repo, fakeSettings{percent: 20, maxBatch: 10, cfg: cases.DefaultPipelineConfig()}, zerolog.Nop())

	wantEligible := []int{10, 10, 5, 0}
	for run, want := range wantEligible {
		res, err := r.RunBatch(context.Background(), admin(org), org)
		if err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		if res.Eligible != want {
			t.Fatalf("run %d eligible = %d, want %d", run, res.Eligible, want)
		}
	}
	for _, id := range ids {
		c, err := repo.Get(context.Background(), org, id)
		if err != nil {
			t.Fatal(err)
		}
		if c.BatchID == nil {
			t.Fatalf("case %s was never batched", id)
		}
	}
}

func TestRunBatch_RespectsMaxBatchSize(t *testing.T) {
	repo := cases.NewMemoryRepo()
	org := uuid.New()
	seedQCPool(t, repo, org, 30)
	r := NewRouter(repo, fakeSettings{percent: 50, maxBatch: 10, cfg: cases.DefaultPipelineConfig()}, zerolog.Nop())

	res, err := r.RunBatch(context.Background(), admin(org), org)
	if err != nil {
		t.Fatal(err)
	}
	if res.Eligible != 10 {
		t.Errorf("eligible = %d, want max batch 10", res.Eligible)
	}
}

func TestRunBatch_SerializedPerOrg(t *testing.T) {
	repo := cases.NewMemoryRepo()
	org := uuid.New()
	seedQCPool(t, repo, org, 5)
	r := NewRouter(repo, fakeSettings{percent: 20, maxBatch: 500, cfg: cases.DefaultPipelineConfig()}, zerolog.Nop())

	ctx := context.Background()
	locked, err := repo.TryOrgLock(ctx, org)
	if err != nil || !locked {
		t.Fatalf("pre-lock: locked=%v err=%v", locked, err)
	}
	if _, err := r.RunBatch(ctx, admin(org), org); !errors.Is(err, ErrBatchRunning) {
		t.Fatalf("err = %v, want ErrBatchRunning while lock held", err)
	}
	if err := repo.ReleaseOrgLock(ctx, org); err != nil {
		t.Fatal(err)
	}
	if _, err := r.RunBatch(ctx, admin(org), org); err != nil {
		t.Fatalf("run after release: %v", err)
	}
}

func TestRunBatch_ZeroPercentAutoPassesEverything(t *testing.T) {
	repo := cases.NewMemoryRepo()
	org := uuid.New()
	seedQCPool(t, repo, org, 8)
	r := NewRouter(repo, fakeSettings{percent: 0, maxBatch: 500, cfg: cases.DefaultPipelineConfig()}, zerolog.Nop())

	res, err := r.RunBatch(context.Background(), admin(org), org)
	if err != nil {
		t.Fatal(err)
	}
	if res.AutoPassed != 8 || res.QueuedForQC != 0 {
		t.Fatalf("partition %d/%d, want 8/0", res.AutoPassed, res.QueuedForQC)
	}
}
