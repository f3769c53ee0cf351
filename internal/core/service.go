// Package core implements the sync pipeline: cell parsing, the row
// transformer, and the run orchestrator that publishes treated rows under
// a global advisory lock.
package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-zp/zaifinancialctrl/internal/logging"
)

// Trigger records what started a run.
type Trigger string

const (
	TriggerManual Trigger = "manual"
	TriggerCron   Trigger = "cron"
)

// ParseTrigger maps the X-Trigger header value to a Trigger. Anything
// other than cron (case-insensitive) is manual.
func ParseTrigger(s string) Trigger {
	if strings.EqualFold(strings.TrimSpace(s), string(TriggerCron)) {
		return TriggerCron
	}
	return TriggerManual
}

// RunStatus is the lifecycle state of a sync run.
type RunStatus string

const (
	StatusRunning RunStatus = "running"
	StatusSuccess RunStatus = "success"
	StatusError   RunStatus = "error"
	StatusSkipped RunStatus = "skipped"
)

// ForceErrorAfterStaging is the failure-injection marker accepted by
// Execute. It raises an error after staging completes and before apply, so
// the compensation path can be exercised end to end.
const ForceErrorAfterStaging = "after_staging"

// SheetSource fetches the raw grid from the external spreadsheet.
type SheetSource interface {
	Fetch(ctx context.Context) ([][]Cell, error)
	SheetID() string
	TabName() string
	RangeA1() string
}

// RunLedger owns the sync_runs audit records.
type RunLedger interface {
	CreateRun(ctx context.Context, trigger Trigger, sourceHash string) (string, error)
	FinishRun(ctx context.Context, runID string, status RunStatus, message string, rowsWritten *int) error
}

// Locker is the store's named advisory lock, keyed by one configured
// integer shared by every deployment of the pipeline.
type Locker interface {
	AcquireLock(ctx context.Context, key int64) (bool, error)
	ReleaseLock(ctx context.Context, key int64) error
}

// Stager holds treated rows per run until the atomic apply.
type Stager interface {
	StageRows(ctx context.Context, runID string, rows []TreatedRow) error
	DiscardRows(ctx context.Context, runID string) error
}

// Publisher is the store's atomic-publish RPC: all listed months commit or
// none do. The orchestrator relies on that guarantee rather than
// implementing it.
type Publisher interface {
	ApplyRun(ctx context.Context, runID string, months []string) error
}

// Snapshot is one archived raw grid.
type Snapshot struct {
	SheetID   string
	TabName   string
	RangeA1   string
	Hash      string
	Grid      [][]Cell
	FetchedAt time.Time
}

// SnapshotArchive stores raw grids for later inspection. Fire-and-forget:
// the orchestrator never fails a run over an archive error.
type SnapshotArchive interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) error
}

// Store aggregates the persistent collaborators the orchestrator needs.
type Store interface {
	RunLedger
	Locker
	Stager
	Publisher
	SnapshotArchive
}

// Result is the outcome of one pipeline invocation, mirrored verbatim in
// the HTTP response body.
type Result struct {
	OK              bool
	Status          RunStatus
	RunID           string
	MonthsPublished int
	RowsWritten     int
	Message         string
}

// Service is the run orchestrator. One Execute call is a single-threaded
// sequential pipeline; cross-invocation exclusion comes from the store's
// advisory lock, never from in-process state.
type Service struct {
	source  SheetSource
	store   Store
	lockKey int64
	now     func() time.Time
}

// NewService wires the orchestrator to its collaborators.
func NewService(source SheetSource, store Store, lockKey int64) *Service {
	return &Service{
		source:  source,
		store:   store,
		lockKey: lockKey,
		now:     time.Now,
	}
}

// Execute runs the full publish pipeline:
//
//	fetch → hash → create run → snapshot (best-effort) → lock → transform
//	→ stage → apply → finalize
//
// Lock contention ends the run as skipped, an empty transform as success
// with zero rows; both are terminal non-error outcomes. Any failure after
// the run record exists discards that run's staged rows (best-effort),
// marks the run as error, and returns the error alongside the Result. A
// failPoint of ForceErrorAfterStaging injects a failure between staging
// and apply.
func (s *Service) Execute(ctx context.Context, trigger Trigger, failPoint string) (Result, error) {
	log := logging.FromContext(ctx)

	grid, err := s.source.Fetch(ctx)
	if err != nil {
		err = fmt.Errorf("fetch sheet: %w", err)
		return Result{Status: StatusError, Message: err.Error()}, err
	}

	hash := SourceHash(grid)

	runID, err := s.store.CreateRun(ctx, trigger, hash)
	if err != nil {
		// No run record means nothing to compensate; abort un-audited.
		err = fmt.Errorf("create sync run: %w", err)
		return Result{Status: StatusError, Message: err.Error()}, err
	}
	log = log.With("run_id", runID, "trigger", string(trigger))

	s.attempt(ctx, "snapshot archive", func() error {
		return s.store.SaveSnapshot(ctx, Snapshot{
			SheetID:   s.source.SheetID(),
			TabName:   s.source.TabName(),
			RangeA1:   s.source.RangeA1(),
			Hash:      hash,
			Grid:      grid,
			FetchedAt: s.now().UTC(),
		})
	})

	locked, err := s.store.AcquireLock(ctx, s.lockKey)
	if err != nil {
		return s.fail(ctx, runID, fmt.Errorf("acquire lock: %w", err))
	}
	if !locked {
		const msg = "Another sync is already running"
		zero := 0
		if err := s.store.FinishRun(ctx, runID, StatusSkipped, msg, &zero); err != nil {
			return s.fail(ctx, runID, fmt.Errorf("finish skipped run: %w", err))
		}
		log.Info("sync skipped, lock held elsewhere")
		return Result{Status: StatusSkipped, RunID: runID, Message: msg}, nil
	}
	defer s.attempt(ctx, "lock release", func() error {
		return s.store.ReleaseLock(ctx, s.lockKey)
	})

	rows := Transform(grid)
	if len(rows) == 0 {
		zero := 0
		if err := s.store.FinishRun(ctx, runID, StatusSuccess, "No rows to publish", &zero); err != nil {
			return s.fail(ctx, runID, fmt.Errorf("finish empty run: %w", err))
		}
		log.Info("sync finished with empty transform")
		return Result{OK: true, Status: StatusSuccess, RunID: runID}, nil
	}

	months := PublishedMonths(rows)

	if err := s.store.StageRows(ctx, runID, rows); err != nil {
		return s.fail(ctx, runID, fmt.Errorf("stage rows: %w", err))
	}
	if failPoint == ForceErrorAfterStaging {
		return s.fail(ctx, runID, fmt.Errorf("forced error after staging"))
	}
	if err := s.store.ApplyRun(ctx, runID, months); err != nil {
		return s.fail(ctx, runID, fmt.Errorf("apply run: %w", err))
	}

	written := len(rows)
	if err := s.store.FinishRun(ctx, runID, StatusSuccess, "", &written); err != nil {
		return s.fail(ctx, runID, fmt.Errorf("finish run: %w", err))
	}

	log.Info("sync published", "months", len(months), "rows", written)
	return Result{
		OK:              true,
		Status:          StatusSuccess,
		RunID:           runID,
		MonthsPublished: len(months),
		RowsWritten:     written,
	}, nil
}

// fail is the compensation path for every error after run creation: staged
// rows for the run are discarded and the run is marked as error, both
// best-effort. The original error is always the one returned; bookkeeping
// failures are only logged.
func (s *Service) fail(ctx context.Context, runID string, cause error) (Result, error) {
	s.attempt(ctx, "staging cleanup", func() error {
		return s.store.DiscardRows(ctx, runID)
	})
	s.attempt(ctx, "error status update", func() error {
		return s.store.FinishRun(ctx, runID, StatusError, cause.Error(), nil)
	})
	return Result{Status: StatusError, RunID: runID, Message: cause.Error()}, cause
}

// attempt runs a best-effort step. Failures are logged and swallowed; the
// suppression boundary for snapshot archiving, cleanup, lock release, and
// finalization updates lives here and nowhere else.
func (s *Service) attempt(ctx context.Context, step string, fn func() error) {
	if err := fn(); err != nil {
		logging.FromContext(ctx).Error("best-effort step failed", "step", step, "error", err)
	}
}
