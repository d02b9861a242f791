package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/governance"
)

// AccountType enumerates CoA categories.
type AccountType string

const (
	AccountTypeAsset     AccountType = "ASSET"
	AccountTypeLiability AccountType = "LIABILITY"
	AccountTypeEquity    AccountType = "EQUITY"
	AccountTypeIncome    AccountType = "INCOME"
	AccountTypeExpense   AccountType = "EXPENSE"
)

// NormalBalance is the side on which an account naturally carries value.
type NormalBalance string

const (
	NormalDebit  NormalBalance = "DEBIT"
	NormalCredit NormalBalance = "CREDIT"
)

// Normal returns the natural balance side for the account type.
func (t AccountType) Normal() NormalBalance {
	switch t {
	case AccountTypeAsset, AccountTypeExpense:
		return NormalDebit
	default:
		return NormalCredit
	}
}

// AccountSubType refines the account type for posting templates and
// polarity checks.
type AccountSubType string

const (
	SubTypeCash               AccountSubType = "CASH"
	SubTypeAccountsReceivable AccountSubType = "ACCOUNTS_RECEIVABLE"
	SubTypeInventory          AccountSubType = "INVENTORY"
	SubTypeAccountsPayable    AccountSubType = "ACCOUNTS_PAYABLE"
	SubTypeWithholdingPayable AccountSubType = "WITHHOLDING_PAYABLE"
	SubTypeRetainedEarnings   AccountSubType = "RETAINED_EARNINGS"
	SubTypeSalesRevenue       AccountSubType = "SALES_REVENUE"
	SubTypeCOGS               AccountSubType = "COGS"
	SubTypePayrollExpense     AccountSubType = "PAYROLL_EXPENSE"
	SubTypeWriteOffExpense    AccountSubType = "WRITE_OFF_EXPENSE"
)

// Account models a chart of accounts node. Structure is immutable once a
// posted line references it; only display metadata may change.
type Account struct {
	ID        int64
	TenantID  int64
	Code      string
	Name      string
	Type      AccountType
	SubType   AccountSubType
	Normal    NormalBalance
	ParentID  *int64
	Level     int
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EntryStatus enumerates journal entry lifecycle values. Entries post
// atomically and never exist in a draft state; batch runs carry their own
// draft status instead.
type EntryStatus string

const (
	StatusPosted   EntryStatus = "POSTED"
	StatusReversed EntryStatus = "REVERSED"
)

// ReferenceKind links an entry back to its source document.
type ReferenceKind string

const (
	RefInvoice    ReferenceKind = "INVOICE"
	RefBill       ReferenceKind = "BILL"
	RefPayrollRun ReferenceKind = "PAYROLL_RUN"
	RefReturn     ReferenceKind = "RETURN"
	RefWriteOff   ReferenceKind = "WRITE_OFF"
	RefAdjustment ReferenceKind = "ADJUSTMENT"
	RefOpening    ReferenceKind = "OPENING"
	RefCorrection ReferenceKind = "CORRECTION"
)

// JournalEntry captures posting metadata. Entries are immutable after
// posting; the only later change is the flip to REVERSED once fully offset.
type JournalEntry struct {
	ID             int64
	Scope          governance.Scope
	Date           time.Time
	Description    string
	RefKind        ReferenceKind
	RefID          uuid.UUID
	Status         EntryStatus
	ReversedAmount decimal.Decimal
	PostedBy       int64
	PostedAt       time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Lines          []JournalLine
}

// TotalDebit sums the debit side.
func (e JournalEntry) TotalDebit() decimal.Decimal {
	total := decimal.Zero
	for _, line := range e.Lines {
		total = total.Add(line.Debit)
	}
	return total
}

// TotalCredit sums the credit side.
func (e JournalEntry) TotalCredit() decimal.Decimal {
	total := decimal.Zero
	for _, line := range e.Lines {
		total = total.Add(line.Credit)
	}
	return total
}

// JournalLine stores a debit or credit amount for an account. Lines are
// owned by their entry and written together with it or not at all.
type JournalLine struct {
	ID          int64
	EntryID     int64
	AccountID   int64
	Debit       decimal.Decimal
	Credit      decimal.Decimal
	Description string
}

// LineInput describes a journal line for a posting request. Currency may
// name a foreign currency; the service normalizes it to base before
// balancing.
type LineInput struct {
	AccountID   int64
	Debit       decimal.Decimal
	Credit      decimal.Decimal
	Currency    string
	Description string
}

// PostingInput groups fields required to create a journal entry.
type PostingInput struct {
	Date           time.Time
	Description    string
	RefKind        ReferenceKind
	RefID          uuid.UUID
	Override       governance.Override
	IdempotencyKey string
	Lines          []LineInput
}

// PostResult is a posted entry together with non-fatal conversion warnings.
type PostResult struct {
	Entry    JournalEntry
	Warnings []string
}

// Epsilon is the monetary rounding tolerance for the balance invariant,
// expressed in base currency units.
var Epsilon = decimal.RequireFromString("0.01")

var (
	// ErrUnbalanced indicates debit != credit beyond Epsilon.
	ErrUnbalanced = errors.New("ledger: journal lines must balance")
	// ErrTooFewLines indicates less than two lines.
	ErrTooFewLines = errors.New("ledger: journal requires at least two lines")
	// ErrAccountNotFound indicates a line referencing a missing account.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrEntryNotFound indicates a missing entry.
	ErrEntryNotFound = errors.New("ledger: journal entry not found")
	// ErrSourceAlreadyLinked indicates the source document was already posted.
	ErrSourceAlreadyLinked = errors.New("ledger: source already linked")
	// ErrInvalidStatus indicates action can't proceed from current status.
	ErrInvalidStatus = errors.New("ledger: invalid status transition")
	// ErrReversalExceedsOriginal indicates cumulative reversals beyond the original amount.
	ErrReversalExceedsOriginal = errors.New("ledger: reversal exceeds original amount")

	ErrValidation = errors.New("ledger: invalid input")
)

// Validate ensures posting input meets structural criteria. The balance
// check happens after currency normalization in the service.
func (in PostingInput) Validate() error {
	if len(in.Lines) < 2 {
		return ErrTooFewLines
	}
	for idx, line := range in.Lines {
		if line.AccountID == 0 {
			return fmt.Errorf("ledger: line %d missing account", idx)
		}
		if line.Debit.Sign() < 0 || line.Credit.Sign() < 0 {
			return fmt.Errorf("ledger: line %d negative amount", idx)
		}
		if line.Debit.Sign() > 0 && line.Credit.Sign() > 0 {
			return fmt.Errorf("ledger: line %d cannot be both debit and credit", idx)
		}
	}
	if in.RefKind == "" {
		return errors.New("ledger: reference kind required")
	}
	if in.RefID == uuid.Nil {
		return errors.New("ledger: reference id required")
	}
	if in.Date.IsZero() {
		return errors.New("ledger: date required")
	}
	return nil
}

// Balanced reports whether total debits equal total credits within Epsilon.
func Balanced(debit, credit decimal.Decimal) bool {
	return debit.Sub(credit).Abs().LessThanOrEqual(Epsilon)
}
