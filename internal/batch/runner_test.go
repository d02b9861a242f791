package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/governance"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

type memoryRepo struct {
	mu     sync.Mutex
	runs   map[uuid.UUID]Run
	lines  map[uuid.UUID][]RunLine
	nextID int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{runs: make(map[uuid.UUID]Run), lines: make(map[uuid.UUID][]RunLine), nextID: 1}
}

func (m *memoryRepo) CreateRun(ctx context.Context, run Run, lines []RunLine) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	for i := range lines {
		lines[i].ID = m.nextID
		m.nextID++
	}
	m.lines[run.ID] = lines
	return run, nil
}

func (m *memoryRepo) GetRun(ctx context.Context, runID uuid.UUID) (Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return run, nil
}

func (m *memoryRepo) ListLines(ctx context.Context, runID uuid.UUID) ([]RunLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RunLine, len(m.lines[runID]))
	copy(out, m.lines[runID])
	return out, nil
}

func (m *memoryRepo) SetRunStatus(ctx context.Context, runID uuid.UUID, status RunStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	run.Status = status
	run.Error = errMsg
	m.runs[runID] = run
	return nil
}

func (m *memoryRepo) SetLineResult(ctx context.Context, lineID int64, status LineStatus, entryID *int64, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for runID, lines := range m.lines {
		for i, line := range lines {
			if line.ID == lineID {
				lines[i].Status = status
				lines[i].EntryID = entryID
				lines[i].Error = errMsg
				m.lines[runID] = lines
				return nil
			}
		}
	}
	return errors.New("line not found")
}

func (m *memoryRepo) ListRunsByStatus(ctx context.Context, status RunStatus, limit int) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Run
	for _, run := range m.runs {
		if run.Status == status && len(out) < limit {
			out = append(out, run)
		}
	}
	return out, nil
}

type fakeLedger struct {
	mu       sync.Mutex
	posted   []ledger.PostingInput
	seenKeys map[string]struct{}
	byRef    map[string]ledger.JournalEntry
	failOn   string
	nextID   int64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		seenKeys: make(map[string]struct{}),
		byRef:    make(map[string]ledger.JournalEntry),
		nextID:   1,
	}
}

func (f *fakeLedger) PostEntry(ctx context.Context, actor *shared.Actor, in ledger.PostingInput) (ledger.PostResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if in.Description == f.failOn {
		return ledger.PostResult{}, ledger.ErrUnbalanced
	}
	if _, seen := f.seenKeys[in.IdempotencyKey]; seen {
		return ledger.PostResult{}, shared.ErrIdempotencyConflict
	}
	f.seenKeys[in.IdempotencyKey] = struct{}{}
	f.posted = append(f.posted, in)
	f.nextID++
	entry := ledger.JournalEntry{ID: f.nextID, RefKind: in.RefKind, RefID: in.RefID}
	f.byRef[string(in.RefKind)+":"+in.RefID.String()] = entry
	return ledger.PostResult{Entry: entry}, nil
}

func (f *fakeLedger) EntryBySource(ctx context.Context, kind ledger.ReferenceKind, refID string) (ledger.JournalEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.byRef[string(kind)+":"+refID]
	if !ok {
		return ledger.JournalEntry{}, ledger.ErrEntryNotFound
	}
	return entry, nil
}

func testActor() *shared.Actor {
	return &shared.Actor{ID: 5, TenantID: 1, Role: governance.RoleAccountant}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func sampleInputs(n int) []ledger.PostingInput {
	inputs := make([]ledger.PostingInput, 0, n)
	for i := 0; i < n; i++ {
		inputs = append(inputs, ledger.PostingInput{
			Date:        time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC),
			Description: string(rune('a' + i)),
			RefKind:     ledger.RefAdjustment,
			RefID:       uuid.New(),
			Lines: []ledger.LineInput{
				{AccountID: 1, Debit: dec("10")},
				{AccountID: 2, Credit: dec("10")},
			},
		})
	}
	return inputs
}

func newTestRunner(t *testing.T, repo *memoryRepo, lp *fakeLedger) (*Runner, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRunner(nil, repo, lp, client), client
}

func TestRunPostsEveryLine(t *testing.T) {
	repo := newMemoryRepo()
	lp := newFakeLedger()
	runner, _ := newTestRunner(t, repo, lp)

	run, err := runner.Create(context.Background(), testActor(), "import", sampleInputs(3))
	require.NoError(t, err)
	require.Equal(t, StatusDraft, run.Status)

	progress, err := runner.Process(context.Background(), testActor(), run.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPosted, progress.Run.Status)
	require.Equal(t, 3, progress.Posted)
	require.Zero(t, progress.Failed)
	require.Len(t, lp.posted, 3)
}

func TestRunFailureStopsAndMarksFailed(t *testing.T) {
	repo := newMemoryRepo()
	lp := newFakeLedger()
	lp.failOn = "b"
	runner, _ := newTestRunner(t, repo, lp)

	run, err := runner.Create(context.Background(), testActor(), "import", sampleInputs(3))
	require.NoError(t, err)

	progress, err := runner.Process(context.Background(), testActor(), run.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, progress.Run.Status)
	require.Equal(t, 1, progress.Posted, "line before the failure stays posted")
	require.Equal(t, 1, progress.Failed)
}

func TestResumeSkipsPostedLines(t *testing.T) {
	repo := newMemoryRepo()
	lp := newFakeLedger()
	lp.failOn = "b"
	runner, _ := newTestRunner(t, repo, lp)

	run, err := runner.Create(context.Background(), testActor(), "import", sampleInputs(3))
	require.NoError(t, err)

	_, err = runner.Process(context.Background(), testActor(), run.ID)
	require.NoError(t, err)

	// Clear the failure cause and resume from PROCESSING.
	lp.failOn = ""
	require.NoError(t, repo.SetRunStatus(context.Background(), run.ID, StatusProcessing, ""))

	progress, err := runner.Process(context.Background(), testActor(), run.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPosted, progress.Run.Status)
	require.Equal(t, 3, progress.Posted)
	// Line "a" must not have posted twice.
	require.Len(t, lp.posted, 3)
}

func TestResumeRecoversLineCommittedBeforeCrash(t *testing.T) {
	repo := newMemoryRepo()
	lp := newFakeLedger()
	runner, _ := newTestRunner(t, repo, lp)

	run, err := runner.Create(context.Background(), testActor(), "import", sampleInputs(2))
	require.NoError(t, err)

	// The first line's entry committed, but the worker died before the
	// line bookkeeping ran: its key is burned and the entry exists while
	// the line still reads PENDING.
	lines, err := repo.ListLines(context.Background(), run.ID)
	require.NoError(t, err)
	_, err = lp.PostEntry(context.Background(), testActor(), lines[0].Input)
	require.NoError(t, err)
	require.NoError(t, repo.SetRunStatus(context.Background(), run.ID, StatusProcessing, ""))

	progress, err := runner.Process(context.Background(), testActor(), run.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPosted, progress.Run.Status)
	require.Equal(t, 2, progress.Posted)
	require.Zero(t, progress.Failed)
	require.Len(t, lp.posted, 2, "the recovered line must not post twice")

	lines, err = repo.ListLines(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, LinePosted, lines[0].Status)
	require.NotNil(t, lines[0].EntryID)
}

func TestIdempotencyKeysAreStablePerLine(t *testing.T) {
	repo := newMemoryRepo()
	lp := newFakeLedger()
	runner, _ := newTestRunner(t, repo, lp)

	run, err := runner.Create(context.Background(), testActor(), "import", sampleInputs(2))
	require.NoError(t, err)

	lines, err := repo.ListLines(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, lineKey(run.ID, 0), lines[0].Input.IdempotencyKey)
	require.Equal(t, lineKey(run.ID, 1), lines[1].Input.IdempotencyKey)
	require.NotEqual(t, lines[0].Input.IdempotencyKey, lines[1].Input.IdempotencyKey)
}

func TestConcurrentWorkersExcludedByLock(t *testing.T) {
	repo := newMemoryRepo()
	lp := newFakeLedger()
	runner, client := newTestRunner(t, repo, lp)

	run, err := runner.Create(context.Background(), testActor(), "import", sampleInputs(1))
	require.NoError(t, err)

	// Simulate another worker holding the lock.
	require.NoError(t, client.SetNX(context.Background(), "batch:lock:"+run.ID.String(), "1", time.Minute).Err())

	_, err = runner.Process(context.Background(), testActor(), run.ID)
	require.ErrorIs(t, err, ErrRunLocked)
	require.Empty(t, lp.posted)
}

func TestProcessRejectsFinishedRun(t *testing.T) {
	repo := newMemoryRepo()
	lp := newFakeLedger()
	runner, _ := newTestRunner(t, repo, lp)

	run, err := runner.Create(context.Background(), testActor(), "import", sampleInputs(1))
	require.NoError(t, err)
	_, err = runner.Process(context.Background(), testActor(), run.ID)
	require.NoError(t, err)

	_, err = runner.Process(context.Background(), testActor(), run.ID)
	require.ErrorIs(t, err, ErrRunNotDraft)
}

func TestCreateRejectsEmptyRun(t *testing.T) {
	repo := newMemoryRepo()
	runner, _ := newTestRunner(t, repo, newFakeLedger())

	_, err := runner.Create(context.Background(), testActor(), "empty", nil)
	require.ErrorIs(t, err, ErrEmptyRun)
}

func TestResumeStalledPicksUpProcessingRuns(t *testing.T) {
	repo := newMemoryRepo()
	lp := newFakeLedger()
	runner, _ := newTestRunner(t, repo, lp)

	run, err := runner.Create(context.Background(), testActor(), "import", sampleInputs(2))
	require.NoError(t, err)
	require.NoError(t, repo.SetRunStatus(context.Background(), run.ID, StatusProcessing, ""))

	resumed, err := runner.ResumeStalled(context.Background(), testActor(), 10)
	require.NoError(t, err)
	require.Equal(t, 1, resumed)

	final, err := repo.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPosted, final.Status)
}
