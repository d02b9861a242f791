package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/fx"
	"github.com/meridian-erp/meridian-erp/internal/governance"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort abstracts transactional repository behaviour.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetEntryWithLines(ctx context.Context, entryID int64) (JournalEntry, error)
	GetEntryBySource(ctx context.Context, kind ReferenceKind, refID string) (JournalEntry, error)
	GetAccountBySubType(ctx context.Context, tenantID int64, subType AccountSubType) (Account, error)
	ListAccounts(ctx context.Context, tenantID int64) ([]Account, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	MissingAccounts(ctx context.Context, tenantID int64, accountIDs []int64) ([]int64, error)
	InsertEntry(ctx context.Context, entry JournalEntry) (JournalEntry, error)
	InsertLines(ctx context.Context, entryID int64, lines []JournalLine) error
	LinkSource(ctx context.Context, kind ReferenceKind, refID string, entryID int64) error
	GetEntryForUpdate(ctx context.Context, entryID int64) (JournalEntry, error)
	SetReversedAmount(ctx context.Context, entryID int64, amount decimal.Decimal, status EntryStatus) error
}

// ConverterPort normalizes amounts to the ledger base currency.
type ConverterPort interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to string, on time.Time) (fx.Conversion, error)
}

// AuditPort records ledger events for compliance.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyPort guards replayed postings.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// ReversalPort generates offsetting entries. Implemented by the reversal
// engine and injected after construction to keep the dependency one-way.
type ReversalPort interface {
	ReverseEntry(ctx context.Context, actor *shared.Actor, entryID int64, portion decimal.Decimal) (JournalEntry, error)
}

// MetricsPort counts posted entries.
type MetricsPort interface {
	RecordPosting(refKind string)
}

// Service builds and posts balanced journal entries from business events.
type Service struct {
	repo      RepositoryPort
	resolver  *governance.Resolver
	converter ConverterPort
	audit     AuditPort
	idem      IdempotencyPort
	reversals ReversalPort
	costs     CostPort
	metrics   MetricsPort
	base      string
	now       func() time.Time
}

// NewService constructs the ledger service. base is the ledger's base
// currency code.
func NewService(repo RepositoryPort, resolver *governance.Resolver, converter ConverterPort, audit AuditPort, idem IdempotencyPort, base string) *Service {
	return &Service{
		repo:      repo,
		resolver:  resolver,
		converter: converter,
		audit:     audit,
		idem:      idem,
		base:      base,
		now:       time.Now,
	}
}

// SetReversalEngine injects the reversal engine after both sides exist.
func (s *Service) SetReversalEngine(engine ReversalPort) {
	s.reversals = engine
}

// SetMetrics injects the metrics sink.
func (s *Service) SetMetrics(metrics MetricsPort) {
	s.metrics = metrics
}

// WithNow overrides the clock for testing.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// BaseCurrency returns the ledger's base currency code.
func (s *Service) BaseCurrency() string {
	return s.base
}

// PostEntry validates, normalizes, and persists a new journal entry as one
// atomic unit. Unbalanced input, unresolved scope, and unknown accounts are
// rejected before any write.
func (s *Service) PostEntry(ctx context.Context, actor *shared.Actor, in PostingInput) (PostResult, error) {
	if err := s.resolver.Authorize(actor, governance.CapPostEntry); err != nil {
		return PostResult{}, err
	}
	scope, err := s.resolver.Resolve(ctx, actor, in.Override)
	if err != nil {
		return PostResult{}, err
	}
	if err := in.Validate(); err != nil {
		return PostResult{}, err
	}

	lines, warnings, err := s.normalizeLines(ctx, in)
	if err != nil {
		return PostResult{}, err
	}
	var debit, credit decimal.Decimal
	for _, line := range lines {
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	if !Balanced(debit, credit) {
		return PostResult{}, fmt.Errorf("%w: debit %s credit %s", ErrUnbalanced, debit, credit)
	}

	insertedKey := false
	if s.idem != nil && in.IdempotencyKey != "" {
		if err := s.idem.CheckAndInsert(ctx, in.IdempotencyKey, "ledger"); err != nil {
			return PostResult{}, err
		}
		insertedKey = true
	}

	entry := JournalEntry{
		Scope:          scope,
		Date:           in.Date,
		Description:    in.Description,
		RefKind:        in.RefKind,
		RefID:          in.RefID,
		Status:         StatusPosted,
		ReversedAmount: decimal.Zero,
		PostedBy:       actor.ID,
		PostedAt:       s.now().UTC(),
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		ids := make([]int64, 0, len(lines))
		for _, line := range lines {
			ids = append(ids, line.AccountID)
		}
		missing, err := tx.MissingAccounts(ctx, scope.TenantID, ids)
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			return fmt.Errorf("%w: %v", ErrAccountNotFound, missing)
		}
		inserted, err := tx.InsertEntry(ctx, entry)
		if err != nil {
			return err
		}
		if err := tx.InsertLines(ctx, inserted.ID, lines); err != nil {
			return err
		}
		if err := tx.LinkSource(ctx, in.RefKind, in.RefID.String(), inserted.ID); err != nil {
			return err
		}
		inserted.Lines = lines
		entry = inserted
		return nil
	})
	if err != nil {
		if insertedKey {
			_ = s.idem.Delete(ctx, in.IdempotencyKey)
		}
		return PostResult{}, err
	}

	if s.metrics != nil {
		s.metrics.RecordPosting(string(in.RefKind))
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  actor.ID,
			TenantID: scope.TenantID,
			Action:   "ledger.post",
			Entity:   "journal_entry",
			EntityID: fmt.Sprintf("%d", entry.ID),
			Meta: map[string]any{
				"ref_kind": string(in.RefKind),
				"ref_id":   in.RefID.String(),
				"debit":    debit.String(),
			},
			At: s.now(),
		})
	}
	return PostResult{Entry: entry, Warnings: warnings}, nil
}

// normalizeLines converts foreign-currency amounts to base and rounds to
// the minor unit. Conversion warnings are carried, not fatal.
func (s *Service) normalizeLines(ctx context.Context, in PostingInput) ([]JournalLine, []string, error) {
	lines := make([]JournalLine, 0, len(in.Lines))
	var warnings []string
	for _, input := range in.Lines {
		line := JournalLine{
			AccountID:   input.AccountID,
			Debit:       input.Debit,
			Credit:      input.Credit,
			Description: input.Description,
		}
		if input.Currency != "" && input.Currency != s.base && s.converter != nil {
			var err error
			if line.Debit, warnings, err = s.convertSide(ctx, line.Debit, input.Currency, in.Date, warnings); err != nil {
				return nil, nil, err
			}
			if line.Credit, warnings, err = s.convertSide(ctx, line.Credit, input.Currency, in.Date, warnings); err != nil {
				return nil, nil, err
			}
		}
		line.Debit = line.Debit.RoundBank(2)
		line.Credit = line.Credit.RoundBank(2)
		lines = append(lines, line)
	}
	return lines, warnings, nil
}

func (s *Service) convertSide(ctx context.Context, amount decimal.Decimal, currency string, on time.Time, warnings []string) (decimal.Decimal, []string, error) {
	if amount.Sign() == 0 {
		return amount, warnings, nil
	}
	conv, err := s.converter.Convert(ctx, amount, currency, s.base, on)
	if err != nil {
		return decimal.Zero, nil, err
	}
	if conv.Warning != nil {
		warnings = append(warnings, conv.Warning.Error())
	}
	return conv.Amount, warnings, nil
}

// ReverseEntry delegates to the reversal engine.
func (s *Service) ReverseEntry(ctx context.Context, actor *shared.Actor, entryID int64, portion decimal.Decimal) (JournalEntry, error) {
	if err := s.resolver.Authorize(actor, governance.CapReverseEntry); err != nil {
		return JournalEntry{}, err
	}
	if s.reversals == nil {
		return JournalEntry{}, errors.New("ledger: reversal engine not configured")
	}
	return s.reversals.ReverseEntry(ctx, actor, entryID, portion)
}

// RecordReversal accumulates the reversed portion on the original entry and
// flips it to REVERSED once fully offset. Called by the reversal engine
// after the offsetting entry posts.
func (s *Service) RecordReversal(ctx context.Context, entryID int64, portion decimal.Decimal) (JournalEntry, error) {
	var updated JournalEntry
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		entry, err := tx.GetEntryForUpdate(ctx, entryID)
		if err != nil {
			return err
		}
		if entry.Status == StatusReversed {
			return ErrInvalidStatus
		}
		total := entry.TotalDebit()
		cumulative := entry.ReversedAmount.Add(portion)
		if cumulative.Sub(total).GreaterThan(Epsilon) {
			return ErrReversalExceedsOriginal
		}
		status := entry.Status
		if total.Sub(cumulative).Abs().LessThanOrEqual(Epsilon) {
			status = StatusReversed
		}
		if err := tx.SetReversedAmount(ctx, entryID, cumulative, status); err != nil {
			return err
		}
		entry.ReversedAmount = cumulative
		entry.Status = status
		updated = entry
		return nil
	})
	if err != nil {
		return JournalEntry{}, err
	}
	return updated, nil
}

// EntryWithLines loads an entry and its lines.
func (s *Service) EntryWithLines(ctx context.Context, entryID int64) (JournalEntry, error) {
	return s.repo.GetEntryWithLines(ctx, entryID)
}

// EntryBySource finds the entry posted for a business document.
func (s *Service) EntryBySource(ctx context.Context, kind ReferenceKind, refID string) (JournalEntry, error) {
	return s.repo.GetEntryBySource(ctx, kind, refID)
}

// AccountBySubType resolves the tenant's posting account for a sub-type.
func (s *Service) AccountBySubType(ctx context.Context, tenantID int64, subType AccountSubType) (Account, error) {
	return s.repo.GetAccountBySubType(ctx, tenantID, subType)
}
