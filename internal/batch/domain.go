package batch

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
)

// RunStatus tracks a batch run through its lifecycle.
type RunStatus string

const (
	StatusDraft      RunStatus = "DRAFT"
	StatusProcessing RunStatus = "PROCESSING"
	StatusPosted     RunStatus = "POSTED"
	StatusFailed     RunStatus = "FAILED"
)

// LineStatus tracks an individual posting within a run.
type LineStatus string

const (
	LinePending LineStatus = "PENDING"
	LinePosted  LineStatus = "POSTED"
	LineFailed  LineStatus = "FAILED"
)

// Run groups postings that commit together, e.g. a month-end close or a
// bulk import. A run survives worker restarts: already posted lines are
// skipped when it resumes.
type Run struct {
	ID          uuid.UUID
	TenantID    int64
	Description string
	Status      RunStatus
	CreatedBy   int64
	CreatedAt   time.Time
	StartedAt   *time.Time
	FinishedAt  *time.Time
	Error       string
}

// RunLine is one posting inside a run. The line index is stable, so a
// resumed run maps back onto the same idempotency keys.
type RunLine struct {
	ID      int64
	RunID   uuid.UUID
	Index   int
	Status  LineStatus
	EntryID *int64
	Error   string
	Input   ledger.PostingInput
}

// Progress summarizes a run's state.
type Progress struct {
	Run    Run
	Total  int
	Posted int
	Failed int
}

var (
	// ErrRunNotFound indicates an unknown run id.
	ErrRunNotFound = errors.New("batch: run not found")
	// ErrRunNotDraft indicates a run that already started or finished.
	ErrRunNotDraft = errors.New("batch: run is not in draft")
	// ErrRunLocked indicates another worker is processing the run.
	ErrRunLocked = errors.New("batch: run locked by another worker")
	// ErrEmptyRun indicates a run with no lines.
	ErrEmptyRun = errors.New("batch: run has no lines")
)
