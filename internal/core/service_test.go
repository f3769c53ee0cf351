package core

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// fakeSource serves a fixed grid and records fetch calls.
type fakeSource struct {
	grid     [][]Cell
	fetchErr error
	fetches  int
}

func (f *fakeSource) Fetch(ctx context.Context) ([][]Cell, error) {
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.grid, nil
}

func (f *fakeSource) SheetID() string { return "sheet-1" }
func (f *fakeSource) TabName() string { return "Planilha de Rentabilidade" }
func (f *fakeSource) RangeA1() string { return "Planilha de Rentabilidade!A1:AL250" }

type finishCall struct {
	runID       string
	status      RunStatus
	message     string
	rowsWritten *int
}

// fakeStore is an in-memory Store with per-step failure injection.
type fakeStore struct {
	createErr   error
	finishErr   error
	acquireErr  error
	lockHeld    bool
	stageErr    error
	applyErr    error
	snapshotErr error

	runs      int
	finishes  []finishCall
	acquires  int
	releases  int
	staged    map[string][]TreatedRow
	discards  []string
	applied   map[string][]string
	snapshots []Snapshot
	lockKeys  []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		staged:  make(map[string][]TreatedRow),
		applied: make(map[string][]string),
	}
}

func (s *fakeStore) CreateRun(ctx context.Context, trigger Trigger, sourceHash string) (string, error) {
	if s.createErr != nil {
		return "", s.createErr
	}
	s.runs++
	return "run-1", nil
}

func (s *fakeStore) FinishRun(ctx context.Context, runID string, status RunStatus, message string, rowsWritten *int) error {
	if s.finishErr != nil {
		return s.finishErr
	}
	s.finishes = append(s.finishes, finishCall{runID, status, message, rowsWritten})
	return nil
}

func (s *fakeStore) AcquireLock(ctx context.Context, key int64) (bool, error) {
	s.acquires++
	s.lockKeys = append(s.lockKeys, key)
	if s.acquireErr != nil {
		return false, s.acquireErr
	}
	return !s.lockHeld, nil
}

func (s *fakeStore) ReleaseLock(ctx context.Context, key int64) error {
	s.releases++
	return nil
}

func (s *fakeStore) StageRows(ctx context.Context, runID string, rows []TreatedRow) error {
	if s.stageErr != nil {
		return s.stageErr
	}
	s.staged[runID] = append(s.staged[runID], rows...)
	return nil
}

func (s *fakeStore) DiscardRows(ctx context.Context, runID string) error {
	s.discards = append(s.discards, runID)
	delete(s.staged, runID)
	return nil
}

func (s *fakeStore) ApplyRun(ctx context.Context, runID string, months []string) error {
	if s.applyErr != nil {
		return s.applyErr
	}
	s.applied[runID] = months
	return nil
}

func (s *fakeStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	if s.snapshotErr != nil {
		return s.snapshotErr
	}
	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (s *fakeStore) lastFinish(t *testing.T) finishCall {
	t.Helper()
	if len(s.finishes) == 0 {
		t.Fatal("no FinishRun calls recorded")
	}
	return s.finishes[len(s.finishes)-1]
}

// publishableGrid yields two treated rows for a single month comfortably in
// the past, so the current-month cutoff never interferes.
func publishableGrid() [][]Cell {
	return [][]Cell{
		header("PETR4", "VALE3"),
		monthMarker("2023-03-01"),
		metricLine("Valor final no mês", NumberCell(100), NumberCell(200)),
	}
}

const testLockKey = int64(20260221)

func newTestService(source SheetSource, store Store) *Service {
	return NewService(source, store, testLockKey)
}

func TestExecute_PublishesRows(t *testing.T) {
	source := &fakeSource{grid: publishableGrid()}
	store := newFakeStore()
	svc := newTestService(source, store)

	res, err := svc.Execute(context.Background(), TriggerManual, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if !res.OK || res.Status != StatusSuccess {
		t.Errorf("result = %+v, want ok success", res)
	}
	if res.RunID != "run-1" {
		t.Errorf("run id = %q, want run-1", res.RunID)
	}
	if res.MonthsPublished != 1 || res.RowsWritten != 2 {
		t.Errorf("months=%d rows=%d, want 1 and 2", res.MonthsPublished, res.RowsWritten)
	}

	if got := store.applied["run-1"]; len(got) != 1 || got[0] != "2023-03-01" {
		t.Errorf("applied months = %v, want [2023-03-01]", got)
	}
	if len(store.staged["run-1"]) != 2 {
		t.Errorf("staged %d rows, want 2", len(store.staged["run-1"]))
	}
	fin := store.lastFinish(t)
	if fin.status != StatusSuccess || fin.rowsWritten == nil || *fin.rowsWritten != 2 {
		t.Errorf("finish call = %+v, want success with 2 rows", fin)
	}
	if store.acquires != 1 || store.releases != 1 {
		t.Errorf("lock acquired %d / released %d times, want 1/1", store.acquires, store.releases)
	}
	if store.lockKeys[0] != testLockKey {
		t.Errorf("lock key = %d, want %d", store.lockKeys[0], testLockKey)
	}
}

func TestExecute_ArchivesSnapshot(t *testing.T) {
	source := &fakeSource{grid: publishableGrid()}
	store := newFakeStore()
	svc := newTestService(source, store)

	if _, err := svc.Execute(context.Background(), TriggerCron, ""); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if len(store.snapshots) != 1 {
		t.Fatalf("archived %d snapshots, want 1", len(store.snapshots))
	}
	snap := store.snapshots[0]
	if snap.SheetID != "sheet-1" || snap.Hash != SourceHash(source.grid) {
		t.Errorf("snapshot = %+v mismatches source", snap)
	}
	if snap.FetchedAt.IsZero() {
		t.Error("snapshot fetched_at is zero")
	}
}

func TestExecute_SnapshotFailureDoesNotFailRun(t *testing.T) {
	source := &fakeSource{grid: publishableGrid()}
	store := newFakeStore()
	store.snapshotErr = errors.New("archive down")
	svc := newTestService(source, store)

	res, err := svc.Execute(context.Background(), TriggerManual, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.OK || res.Status != StatusSuccess {
		t.Errorf("result = %+v, want success despite archive failure", res)
	}
}

func TestExecute_LockContentionSkips(t *testing.T) {
	source := &fakeSource{grid: publishableGrid()}
	store := newFakeStore()
	store.lockHeld = true
	svc := newTestService(source, store)

	res, err := svc.Execute(context.Background(), TriggerManual, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if res.OK || res.Status != StatusSkipped {
		t.Errorf("result = %+v, want skipped", res)
	}
	if res.Message != "Another sync is already running" {
		t.Errorf("message = %q", res.Message)
	}
	fin := store.lastFinish(t)
	if fin.status != StatusSkipped || fin.rowsWritten == nil || *fin.rowsWritten != 0 {
		t.Errorf("finish call = %+v, want skipped with 0 rows", fin)
	}
	if len(store.staged) != 0 {
		t.Error("rows staged despite lock contention")
	}
	// A lock we never held must not be released.
	if store.releases != 0 {
		t.Errorf("released lock %d times, want 0", store.releases)
	}
}

func TestExecute_EmptyTransformSucceedsWithZeroRows(t *testing.T) {
	source := &fakeSource{grid: [][]Cell{header("PETR4")}}
	store := newFakeStore()
	svc := newTestService(source, store)

	res, err := svc.Execute(context.Background(), TriggerManual, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if !res.OK || res.Status != StatusSuccess {
		t.Errorf("result = %+v, want success", res)
	}
	if res.MonthsPublished != 0 || res.RowsWritten != 0 {
		t.Errorf("months=%d rows=%d, want zeroes", res.MonthsPublished, res.RowsWritten)
	}
	fin := store.lastFinish(t)
	if fin.status != StatusSuccess || fin.message != "No rows to publish" {
		t.Errorf("finish call = %+v", fin)
	}
	if len(store.staged) != 0 || len(store.applied) != 0 {
		t.Error("empty transform must not stage or apply")
	}
	if store.releases != 1 {
		t.Errorf("released lock %d times, want 1", store.releases)
	}
}

func TestExecute_ForcedErrorAfterStaging(t *testing.T) {
	source := &fakeSource{grid: publishableGrid()}
	store := newFakeStore()
	svc := newTestService(source, store)

	res, err := svc.Execute(context.Background(), TriggerManual, ForceErrorAfterStaging)
	if err == nil {
		t.Fatal("Execute returned nil error")
	}

	if res.OK || res.Status != StatusError {
		t.Errorf("result = %+v, want error", res)
	}
	if res.RunID != "run-1" {
		t.Errorf("run id = %q, want run-1", res.RunID)
	}
	if len(store.applied) != 0 {
		t.Error("rows applied despite forced error")
	}
	if len(store.discards) != 1 || store.discards[0] != "run-1" {
		t.Errorf("discards = %v, want [run-1]", store.discards)
	}
	if len(store.staged["run-1"]) != 0 {
		t.Error("staged rows survived the cleanup")
	}
	fin := store.lastFinish(t)
	if fin.status != StatusError || !strings.Contains(fin.message, "forced error") {
		t.Errorf("finish call = %+v, want error status", fin)
	}
	if store.releases != 1 {
		t.Errorf("released lock %d times, want 1", store.releases)
	}
}

func TestExecute_ApplyFailureCompensates(t *testing.T) {
	source := &fakeSource{grid: publishableGrid()}
	store := newFakeStore()
	store.applyErr = errors.New("publish rpc rejected")
	svc := newTestService(source, store)

	res, err := svc.Execute(context.Background(), TriggerManual, "")
	if err == nil {
		t.Fatal("Execute returned nil error")
	}

	if res.Status != StatusError {
		t.Errorf("status = %q, want error", res.Status)
	}
	if !strings.Contains(res.Message, "publish rpc rejected") {
		t.Errorf("message = %q, want wrapped apply error", res.Message)
	}
	if len(store.discards) != 1 {
		t.Errorf("discards = %v, want one cleanup", store.discards)
	}
	if store.releases != 1 {
		t.Errorf("released lock %d times, want 1", store.releases)
	}
}

func TestExecute_StageFailureCompensates(t *testing.T) {
	source := &fakeSource{grid: publishableGrid()}
	store := newFakeStore()
	store.stageErr = errors.New("copy failed")
	svc := newTestService(source, store)

	res, err := svc.Execute(context.Background(), TriggerManual, "")
	if err == nil {
		t.Fatal("Execute returned nil error")
	}
	if res.Status != StatusError {
		t.Errorf("status = %q, want error", res.Status)
	}
	if len(store.applied) != 0 {
		t.Error("rows applied despite stage failure")
	}
	fin := store.lastFinish(t)
	if fin.status != StatusError {
		t.Errorf("finish status = %q, want error", fin.status)
	}
}

func TestExecute_FetchFailureCreatesNoRun(t *testing.T) {
	source := &fakeSource{fetchErr: errors.New("sheets api 503")}
	store := newFakeStore()
	svc := newTestService(source, store)

	res, err := svc.Execute(context.Background(), TriggerManual, "")
	if err == nil {
		t.Fatal("Execute returned nil error")
	}

	if res.Status != StatusError || res.RunID != "" {
		t.Errorf("result = %+v, want error without run id", res)
	}
	if store.runs != 0 {
		t.Errorf("created %d runs, want 0", store.runs)
	}
	if store.acquires != 0 {
		t.Error("lock touched before a run record exists")
	}
}

func TestExecute_CreateRunFailureAborts(t *testing.T) {
	source := &fakeSource{grid: publishableGrid()}
	store := newFakeStore()
	store.createErr = errors.New("insert rejected")
	svc := newTestService(source, store)

	res, err := svc.Execute(context.Background(), TriggerManual, "")
	if err == nil {
		t.Fatal("Execute returned nil error")
	}

	if res.Status != StatusError || res.RunID != "" {
		t.Errorf("result = %+v, want error without run id", res)
	}
	if store.acquires != 0 || len(store.staged) != 0 {
		t.Error("pipeline continued past the failed run insert")
	}
}

func TestExecute_AcquireErrorMarksRunFailed(t *testing.T) {
	source := &fakeSource{grid: publishableGrid()}
	store := newFakeStore()
	store.acquireErr = errors.New("lock rpc unavailable")
	svc := newTestService(source, store)

	res, err := svc.Execute(context.Background(), TriggerManual, "")
	if err == nil {
		t.Fatal("Execute returned nil error")
	}

	if res.Status != StatusError || res.RunID != "run-1" {
		t.Errorf("result = %+v, want error for run-1", res)
	}
	fin := store.lastFinish(t)
	if fin.status != StatusError {
		t.Errorf("finish status = %q, want error", fin.status)
	}
	if store.releases != 0 {
		t.Error("released a lock that was never acquired")
	}
}

func TestParseTrigger(t *testing.T) {
	cases := map[string]Trigger{
		"cron":   TriggerCron,
		"CRON":   TriggerCron,
		" cron ": TriggerCron,
		"manual": TriggerManual,
		"":       TriggerManual,
		"other":  TriggerManual,
	}
	for in, want := range cases {
		if got := ParseTrigger(in); got != want {
			t.Errorf("ParseTrigger(%q) = %q, want %q", in, got, want)
		}
	}
}
