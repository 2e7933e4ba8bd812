package exports

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alcast-labs/alcast-go/internal/canonical"
	"github.com/alcast-labs/alcast-go/internal/domain"
	"github.com/alcast-labs/alcast-go/internal/platform/objectstore"
	"github.com/alcast-labs/alcast-go/internal/repo"
)

var exportAsOf = time.Date(2026, 1, 16, 0, 0, 0, 0, time.UTC)

func TestComputeExportIDDeterministic(t *testing.T) {
	idA, hashA, err := ComputeExportIDAndHash(domain.ExportTypeStateAtTime, exportAsOf, domain.ScopeFilters{"desk": "metals"})
	if err != nil {
		t.Fatalf("ComputeExportIDAndHash: %v", err)
	}
	idB, hashB, err := ComputeExportIDAndHash(domain.ExportTypeStateAtTime, exportAsOf, domain.ScopeFilters{"desk": "metals"})
	if err != nil {
		t.Fatalf("ComputeExportIDAndHash: %v", err)
	}
	if idA != idB || hashA != hashB {
		t.Fatal("identical inputs must produce identical export identity")
	}
	if !strings.HasPrefix(idA, "exp_") || len(idA) != 4+32 {
		t.Fatalf("export id %q must be exp_ plus 32 hash chars", idA)
	}
	if hashA[:32] != idA[4:] {
		t.Fatal("export id must be a prefix of the inputs hash")
	}
}

func TestManifestIsDeterministic(t *testing.T) {
	build := func() []byte {
		manifest, err := BuildManifest(domain.ExportTypeStateAtTime, exportAsOf, domain.ScopeFilters{"desk": "metals"}, map[string]int{"mtm": 3}, "1.4.0")
		if err != nil {
			t.Fatalf("BuildManifest: %v", err)
		}
		raw, err := canonical.JSON(manifest)
		if err != nil {
			t.Fatalf("encode manifest: %v", err)
		}
		return raw
	}
	first := build()
	second := build()
	if !bytes.Equal(first, second) {
		t.Fatal("manifest bytes must be identical across builds")
	}
	if !bytes.Contains(first, []byte(`"generated_at":"2026-01-16T00:00:00Z"`)) {
		t.Fatalf("generated_at must equal the cutoff, got %s", first)
	}
}

type fakeJobRepo struct {
	jobs map[string]*domain.ExportJob
}

func newFakeJobRepo() *fakeJobRepo {
	return &fakeJobRepo{jobs: map[string]*domain.ExportJob{}}
}

func (f *fakeJobRepo) EnsureJob(_ context.Context, job domain.ExportJob) (domain.ExportJob, bool, error) {
	for _, existing := range f.jobs {
		if existing.ExportID == job.ExportID {
			return *existing, false, nil
		}
	}
	stored := job
	f.jobs[job.ID] = &stored
	return stored, true, nil
}

func (f *fakeJobRepo) GetJob(_ context.Context, id string) (domain.ExportJob, error) {
	job, ok := f.jobs[id]
	if !ok {
		return domain.ExportJob{}, repo.ErrNotFound
	}
	return *job, nil
}

func (f *fakeJobRepo) GetJobByExportID(_ context.Context, exportID string) (domain.ExportJob, error) {
	for _, job := range f.jobs {
		if job.ExportID == exportID {
			return *job, nil
		}
	}
	return domain.ExportJob{}, repo.ErrNotFound
}

func (f *fakeJobRepo) ListQueuedJobs(_ context.Context, limit int) ([]domain.ExportJob, error) {
	out := []domain.ExportJob{}
	for _, job := range f.jobs {
		if job.Status == domain.StatusQueued && len(out) < limit {
			out = append(out, *job)
		}
	}
	return out, nil
}

func (f *fakeJobRepo) TransitionJob(_ context.Context, id string, tr repo.Transition) error {
	job, ok := f.jobs[id]
	if !ok {
		return repo.ErrNotFound
	}
	allowed := false
	for _, s := range tr.AllowedFrom {
		if s == job.Status {
			allowed = true
		}
	}
	if !allowed {
		return fmt.Errorf("job is %s: %w", job.Status, repo.ErrConflict)
	}
	job.Status = tr.To
	job.ErrorCode = tr.ErrorCode
	job.ErrorMessage = tr.ErrorMessage
	return nil
}

func (f *fakeJobRepo) SetJobObjectKey(_ context.Context, id, key string) error {
	job, ok := f.jobs[id]
	if !ok {
		return repo.ErrNotFound
	}
	job.ObjectKey = key
	return nil
}

type fakeSnapshotReads struct {
	runs  map[string]domain.SnapshotRun
	items map[string][]domain.SnapshotItem
}

func (f *fakeSnapshotReads) EnsureSnapshotRun(_ context.Context, run domain.SnapshotRun) (domain.SnapshotRun, bool, error) {
	return run, true, nil
}

func (f *fakeSnapshotReads) EnsureSnapshotItem(_ context.Context, item domain.SnapshotItem) (domain.SnapshotItem, bool, error) {
	return item, true, nil
}

func (f *fakeSnapshotReads) GetSnapshotRunByInputsHash(_ context.Context, family domain.SnapshotFamily, hash string) (domain.SnapshotRun, error) {
	run, ok := f.runs[string(family)+"/"+hash]
	if !ok {
		return domain.SnapshotRun{}, repo.ErrNotFound
	}
	return run, nil
}

func (f *fakeSnapshotReads) GetSnapshotItem(context.Context, domain.SnapshotFamily, string, time.Time, string) (domain.SnapshotItem, error) {
	return domain.SnapshotItem{}, repo.ErrNotFound
}

func (f *fakeSnapshotReads) ListSnapshotItems(_ context.Context, family domain.SnapshotFamily, runID string) ([]domain.SnapshotItem, error) {
	return f.items[string(family)+"/"+runID], nil
}

type fakeObjectStore struct {
	objects map[string][]byte
}

func (f *fakeObjectStore) Put(_ context.Context, bucket, key string, body io.Reader, _ int64, _ string) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.objects[bucket+"/"+key] = raw
	return nil
}

func (f *fakeObjectStore) Get(context.Context, string, string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	return nil, objectstore.ObjectInfo{}, fmt.Errorf("not implemented")
}

func (f *fakeObjectStore) Stat(context.Context, string, string) (objectstore.ObjectInfo, error) {
	return objectstore.ObjectInfo{}, fmt.Errorf("not implemented")
}

func (f *fakeObjectStore) PresignGet(context.Context, string, string, time.Duration) (string, error) {
	return "", fmt.Errorf("not implemented")
}

func TestEnsureJobConverges(t *testing.T) {
	jobs := newFakeJobRepo()
	svc := NewService(jobs, slog.Default())

	first, reused, err := svc.EnsureJob(context.Background(), domain.ExportTypeStateAtTime, exportAsOf, domain.ScopeFilters{"desk": "metals"}, "pipeline")
	if err != nil {
		t.Fatalf("EnsureJob: %v", err)
	}
	if reused {
		t.Fatal("first call must create the job")
	}
	second, reused, err := svc.EnsureJob(context.Background(), domain.ExportTypeStateAtTime, exportAsOf, domain.ScopeFilters{"desk": "metals"}, "someone-else")
	if err != nil {
		t.Fatalf("EnsureJob: %v", err)
	}
	if !reused {
		t.Fatal("second call must reuse the job")
	}
	if second.ID != first.ID || second.ExportID != first.ExportID {
		t.Fatal("repeat requests must converge on one job")
	}
}

func TestWorkerBuildsAndFinishesJob(t *testing.T) {
	jobs := newFakeJobRepo()
	store := &fakeObjectStore{objects: map[string][]byte{}}
	snapshots := &fakeSnapshotReads{runs: map[string]domain.SnapshotRun{}, items: map[string][]domain.SnapshotItem{}}

	svc := NewService(jobs, slog.Default())
	job, _, err := svc.EnsureJob(context.Background(), domain.ExportTypeStateAtTime, exportAsOf, nil, "pipeline")
	if err != nil {
		t.Fatalf("EnsureJob: %v", err)
	}

	worker := NewWorker(jobs, snapshots, store, "exports", "1.4.0", time.Second, slog.Default())
	if err := worker.ProcessOnce(context.Background()); err != nil {
		t.Fatalf("ProcessOnce: %v", err)
	}

	finished, err := jobs.GetJob(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if finished.Status != domain.StatusDone {
		t.Fatalf("job status = %s, want done", finished.Status)
	}
	if finished.ObjectKey == "" {
		t.Fatal("finished job must record its object key")
	}
	raw, ok := store.objects["exports/"+finished.ObjectKey]
	if !ok {
		t.Fatalf("uploaded object missing, have %v", store.objects)
	}
	if !bytes.Contains(raw, []byte(job.ExportID)) {
		t.Fatal("uploaded document must embed the export id")
	}
}

func TestWorkerSkipsAlreadyClaimedJob(t *testing.T) {
	jobs := newFakeJobRepo()
	store := &fakeObjectStore{objects: map[string][]byte{}}
	snapshots := &fakeSnapshotReads{runs: map[string]domain.SnapshotRun{}, items: map[string][]domain.SnapshotItem{}}

	svc := NewService(jobs, slog.Default())
	job, _, err := svc.EnsureJob(context.Background(), domain.ExportTypeStateAtTime, exportAsOf, nil, "pipeline")
	if err != nil {
		t.Fatalf("EnsureJob: %v", err)
	}
	// Another worker claims the job between listing and claiming.
	stale := *jobs.jobs[job.ID]
	jobs.jobs[job.ID].Status = domain.StatusRunning

	worker := NewWorker(jobs, snapshots, store, "exports", "1.4.0", time.Second, slog.Default())
	if err := worker.processJob(context.Background(), stale); err != nil {
		t.Fatalf("processJob: %v", err)
	}
	if len(store.objects) != 0 {
		t.Fatal("claimed job must not be rebuilt by this worker")
	}
}
