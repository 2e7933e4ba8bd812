package exports

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alcast-labs/alcast-go/internal/canonical"
	"github.com/alcast-labs/alcast-go/internal/domain"
	"github.com/alcast-labs/alcast-go/internal/platform/objectstore"
	"github.com/alcast-labs/alcast-go/internal/repo"
	"github.com/alcast-labs/alcast-go/internal/snapshot"
)

// familyVersions maps each snapshot family to the version whose runs the
// state-at-time export reads.
var familyVersions = map[domain.SnapshotFamily]string{
	domain.FamilyMtm:              snapshot.MtmVersion,
	domain.FamilyPnl:              snapshot.PnlVersion,
	domain.FamilyCashflowBaseline: snapshot.CashflowBaselineVersion,
	domain.FamilyRiskFlags:        snapshot.RiskFlagsVersion,
}

// Worker drains queued export jobs: claim, build, upload, finish. Multiple
// workers may run concurrently; the guarded claim transition ensures each
// job is built exactly once.
type Worker struct {
	jobs         repo.ExportJobRepository
	snapshots    repo.SnapshotRepository
	store        objectstore.Store
	bucket       string
	buildVersion string
	interval     time.Duration
	batchSize    int
	logger       *slog.Logger
	now          func() time.Time
}

func NewWorker(jobs repo.ExportJobRepository, snapshots repo.SnapshotRepository, store objectstore.Store, bucket, buildVersion string, interval time.Duration, logger *slog.Logger) *Worker {
	if jobs == nil || snapshots == nil || store == nil || bucket == "" {
		return nil
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		jobs:         jobs,
		snapshots:    snapshots,
		store:        store,
		bucket:       bucket,
		buildVersion: buildVersion,
		interval:     interval,
		batchSize:    10,
		logger:       logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// Run polls for queued jobs until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w == nil {
		return fmt.Errorf("export worker not initialized")
	}
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.ProcessOnce(ctx); err != nil {
				w.logger.ErrorContext(ctx, "export worker pass failed", "error", err)
			}
		}
	}
}

// ProcessOnce claims and builds up to one batch of queued jobs.
func (w *Worker) ProcessOnce(ctx context.Context) error {
	queued, err := w.jobs.ListQueuedJobs(ctx, w.batchSize)
	if err != nil {
		return err
	}
	for _, job := range queued {
		if err := w.processJob(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func (w *Worker) processJob(ctx context.Context, job domain.ExportJob) error {
	// Claim. A conflict means another worker got there first.
	err := w.jobs.TransitionJob(ctx, job.ID, repo.Transition{
		To:          domain.StatusRunning,
		AllowedFrom: []domain.Status{domain.StatusQueued, domain.StatusFailed},
		At:          w.now(),
	})
	if errors.Is(err, repo.ErrConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	objectKey, buildErr := w.buildAndUpload(ctx, job)
	if buildErr != nil {
		w.logger.ErrorContext(ctx, "export build failed",
			"export_id", job.ExportID,
			"error", buildErr,
		)
		return w.jobs.TransitionJob(ctx, job.ID, repo.Transition{
			To:           domain.StatusFailed,
			AllowedFrom:  []domain.Status{domain.StatusRunning},
			ErrorCode:    "export_build_failed",
			ErrorMessage: buildErr.Error(),
			At:           w.now(),
		})
	}

	if err := w.jobs.SetJobObjectKey(ctx, job.ID, objectKey); err != nil {
		return err
	}
	if err := w.jobs.TransitionJob(ctx, job.ID, repo.Transition{
		To:          domain.StatusDone,
		AllowedFrom: []domain.Status{domain.StatusRunning},
		At:          w.now(),
	}); err != nil {
		return err
	}
	w.logger.InfoContext(ctx, "export built",
		"export_id", job.ExportID,
		"object_key", objectKey,
	)
	return nil
}

// document is the uploaded state-at-time artifact: manifest plus the items
// of every snapshot family at the cutoff.
type document struct {
	Manifest Manifest                    `json:"manifest"`
	Families map[string][]documentItem   `json:"families"`
}

type documentItem struct {
	SubjectID  string          `json:"subject_id"`
	AsOfDate   string          `json:"as_of_date"`
	Currency   string          `json:"currency"`
	ValueUSD   *float64        `json:"value_usd"`
	Flags      []string        `json:"flags"`
	References domain.Metadata `json:"references"`
	InputsHash string          `json:"inputs_hash"`
}

func (w *Worker) buildAndUpload(ctx context.Context, job domain.ExportJob) (string, error) {
	families := make(map[string][]documentItem, len(familyVersions))
	counts := make(map[string]int, len(familyVersions))

	for family, version := range familyVersions {
		hash, err := snapshot.FamilyInputsHash(version, job.AsOf, job.Filters)
		if err != nil {
			return "", err
		}
		items := []domain.SnapshotItem{}
		run, err := w.snapshots.GetSnapshotRunByInputsHash(ctx, family, hash)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			// No run materialized for this family and cutoff; export an
			// empty section rather than failing the whole job.
		case err != nil:
			return "", err
		default:
			items, err = w.snapshots.ListSnapshotItems(ctx, family, run.ID)
			if err != nil {
				return "", err
			}
		}
		section := make([]documentItem, 0, len(items))
		for _, item := range items {
			section = append(section, documentItem{
				SubjectID:  item.SubjectID,
				AsOfDate:   item.AsOfDate.UTC().Format(time.DateOnly),
				Currency:   item.Currency,
				ValueUSD:   item.ValueUSD,
				Flags:      item.Flags,
				References: item.References,
				InputsHash: item.InputsHash,
			})
		}
		families[string(family)] = section
		counts[string(family)] = len(section)
	}

	manifest, err := BuildManifest(job.ExportType, job.AsOf, job.Filters, counts, w.buildVersion)
	if err != nil {
		return "", err
	}
	raw, err := canonical.JSON(document{Manifest: manifest, Families: families})
	if err != nil {
		return "", fmt.Errorf("encode export document: %w", err)
	}

	objectKey := fmt.Sprintf("%s/%s/%s.json", job.ExportType, job.AsOf.UTC().Format(time.DateOnly), job.ExportID)
	if err := w.store.Put(ctx, w.bucket, objectKey, bytes.NewReader(raw), int64(len(raw)), "application/json"); err != nil {
		return "", fmt.Errorf("upload export: %w", err)
	}
	return objectKey, nil
}
