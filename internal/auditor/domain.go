package auditor

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/ledger"
)

// FindingKind classifies a reconciliation anomaly.
type FindingKind string

const (
	// FindingUnbalanced flags an entry whose lines do not sum to zero.
	FindingUnbalanced FindingKind = "UNBALANCED_ENTRY"
	// FindingAbnormalBalance flags an account carrying value against its
	// natural side, e.g. a negative asset.
	FindingAbnormalBalance FindingKind = "ABNORMAL_BALANCE"
	// FindingEquationMismatch flags assets not equal to liabilities plus
	// equity plus retained income.
	FindingEquationMismatch FindingKind = "EQUATION_MISMATCH"
	// FindingOrphanedReference flags a source link or journal line pointing
	// at a row that no longer exists.
	FindingOrphanedReference FindingKind = "ORPHANED_REFERENCE"
)

// Finding is a single anomaly detected during reconciliation.
type Finding struct {
	Kind       FindingKind
	EntryID    int64
	AccountID  int64
	Difference decimal.Decimal
	Detail     string
}

// Report is the result of one reconciliation pass over entries dated up to
// AsOf. The auditor only ever reads; corrections are posted separately and
// explicitly.
type Report struct {
	TenantID   int64
	AsOf       time.Time
	RunAt      time.Time
	ScannedAt  time.Time
	Findings   []Finding
	EntryCount int64
}

// Clean reports whether the pass found nothing.
func (r Report) Clean() bool { return len(r.Findings) == 0 }

// EntryImbalance is a journal entry whose debit and credit totals differ.
type EntryImbalance struct {
	EntryID    int64
	Debit      decimal.Decimal
	Credit     decimal.Decimal
	Difference decimal.Decimal
}

// AccountBalance is an account's signed balance, positive on its natural
// side.
type AccountBalance struct {
	AccountID int64
	Code      string
	Type      ledger.AccountType
	SubType   ledger.AccountSubType
	Balance   decimal.Decimal
}

// OrphanedReference is a source link whose entry is gone, or a journal
// line charged to an account that no longer exists.
type OrphanedReference struct {
	EntryID   int64
	AccountID int64
	RefKind   string
	RefID     string
}
