package auditor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/meridian-erp/meridian-erp/internal/governance"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort reads ledger aggregates for reconciliation. All queries
// are read-only.
type RepositoryPort interface {
	UnbalancedEntries(ctx context.Context, tenantID int64, asOf time.Time, epsilon decimal.Decimal) ([]EntryImbalance, error)
	AccountBalances(ctx context.Context, tenantID int64, asOf time.Time) ([]AccountBalance, error)
	OrphanedReferences(ctx context.Context, tenantID int64, asOf time.Time) ([]OrphanedReference, error)
	EntryCount(ctx context.Context, tenantID int64, asOf time.Time) (int64, error)
}

// LedgerPort posts corrective entries.
type LedgerPort interface {
	PostEntry(ctx context.Context, actor *shared.Actor, in ledger.PostingInput) (ledger.PostResult, error)
}

// MetricsPort counts reconciliation findings.
type MetricsPort interface {
	RecordFinding(kind string)
}

// Service runs balance reconciliation across a tenant's books.
type Service struct {
	logger   *slog.Logger
	repo     RepositoryPort
	ledger   LedgerPort
	resolver *governance.Resolver
	metrics  MetricsPort
	now      func() time.Time
}

// NewService constructs the auditor service.
func NewService(logger *slog.Logger, repo RepositoryPort, ledgerPort LedgerPort, resolver *governance.Resolver) *Service {
	return &Service{logger: logger, repo: repo, ledger: ledgerPort, resolver: resolver, now: time.Now}
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

// Reconcile scans the tenant's books through asOf and reports anomalies.
// A zero asOf scans everything dated up to now. It never mutates anything;
// a dirty report is input for PostCorrection, not an automatic fix.
func (s *Service) Reconcile(ctx context.Context, actor *shared.Actor, asOf time.Time) (Report, error) {
	if err := s.resolver.Authorize(actor, governance.CapRunReconcile); err != nil {
		return Report{}, err
	}
	if asOf.IsZero() {
		asOf = s.now().UTC()
	}
	report := Report{TenantID: actor.TenantID, AsOf: asOf, RunAt: s.now().UTC()}

	var (
		imbalances []EntryImbalance
		balances   []AccountBalance
		orphans    []OrphanedReference
		count      int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		imbalances, err = s.repo.UnbalancedEntries(gctx, actor.TenantID, asOf, ledger.Epsilon)
		return err
	})
	g.Go(func() error {
		var err error
		balances, err = s.repo.AccountBalances(gctx, actor.TenantID, asOf)
		return err
	})
	g.Go(func() error {
		var err error
		orphans, err = s.repo.OrphanedReferences(gctx, actor.TenantID, asOf)
		return err
	})
	g.Go(func() error {
		var err error
		count, err = s.repo.EntryCount(gctx, actor.TenantID, asOf)
		return err
	})
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	for _, im := range imbalances {
		report.Findings = append(report.Findings, Finding{
			Kind:       FindingUnbalanced,
			EntryID:    im.EntryID,
			Difference: im.Difference,
			Detail:     fmt.Sprintf("entry %d: debit %s vs credit %s", im.EntryID, im.Debit, im.Credit),
		})
	}
	report.Findings = append(report.Findings, signAnomalies(balances)...)
	if f, ok := equationMismatch(balances); ok {
		report.Findings = append(report.Findings, f)
	}
	for _, orphan := range orphans {
		report.Findings = append(report.Findings, Finding{
			Kind:      FindingOrphanedReference,
			EntryID:   orphan.EntryID,
			AccountID: orphan.AccountID,
			Detail:    orphanDetail(orphan),
		})
	}
	report.EntryCount = count
	report.ScannedAt = s.now().UTC()

	if s.metrics != nil {
		for _, f := range report.Findings {
			s.metrics.RecordFinding(string(f.Kind))
		}
	}

	if s.logger != nil {
		s.logger.Info("reconciliation complete",
			slog.Int64("tenant_id", actor.TenantID),
			slog.Time("as_of", asOf),
			slog.Int64("entries", count),
			slog.Int("findings", len(report.Findings)))
	}
	return report, nil
}

func orphanDetail(o OrphanedReference) string {
	if o.AccountID != 0 {
		return fmt.Sprintf("entry %d charges account %d which does not exist", o.EntryID, o.AccountID)
	}
	return fmt.Sprintf("source link %s %s points at entry %d which does not exist", o.RefKind, o.RefID, o.EntryID)
}

// signAnomalies flags accounts carrying value against their natural side.
// Balances arrive positive on the natural side, so any negative one is
// abnormal.
func signAnomalies(balances []AccountBalance) []Finding {
	var findings []Finding
	for _, b := range balances {
		if b.Balance.Sign() < 0 {
			findings = append(findings, Finding{
				Kind:       FindingAbnormalBalance,
				AccountID:  b.AccountID,
				Difference: b.Balance,
				Detail:     fmt.Sprintf("account %s (%s) holds %s against its %s side", b.Code, b.SubType, b.Balance, b.Type.Normal()),
			})
		}
	}
	return findings
}

// equationMismatch checks Assets = Liabilities + Equity + (Income - Expense).
func equationMismatch(balances []AccountBalance) (Finding, bool) {
	var assets, liabilities, equity, income, expense decimal.Decimal
	for _, b := range balances {
		switch b.Type {
		case ledger.AccountTypeAsset:
			assets = assets.Add(b.Balance)
		case ledger.AccountTypeLiability:
			liabilities = liabilities.Add(b.Balance)
		case ledger.AccountTypeEquity:
			equity = equity.Add(b.Balance)
		case ledger.AccountTypeIncome:
			income = income.Add(b.Balance)
		case ledger.AccountTypeExpense:
			expense = expense.Add(b.Balance)
		}
	}
	residual := assets.Sub(liabilities.Add(equity).Add(income.Sub(expense)))
	if residual.Abs().LessThanOrEqual(ledger.Epsilon) {
		return Finding{}, false
	}
	return Finding{
		Kind:       FindingEquationMismatch,
		Difference: residual,
		Detail: fmt.Sprintf("assets %s vs liabilities %s + equity %s + net income %s",
			assets, liabilities, equity, income.Sub(expense)),
	}, true
}

// CorrectionInput describes a manual corrective entry tied to a finding.
type CorrectionInput struct {
	Date        time.Time
	Description string
	Override    governance.Override
	Lines       []ledger.LineInput
}

// PostCorrection posts a corrective journal entry. It goes through the
// normal posting path, so it must itself balance and carry full scope.
func (s *Service) PostCorrection(ctx context.Context, actor *shared.Actor, in CorrectionInput) (ledger.PostResult, error) {
	if err := s.resolver.Authorize(actor, governance.CapPostCorrection); err != nil {
		return ledger.PostResult{}, err
	}
	date := in.Date
	if date.IsZero() {
		date = s.now().UTC()
	}
	return s.ledger.PostEntry(ctx, actor, ledger.PostingInput{
		Date:        date,
		Description: in.Description,
		RefKind:     ledger.RefCorrection,
		RefID:       uuid.New(),
		Override:    in.Override,
		Lines:       in.Lines,
	})
}
