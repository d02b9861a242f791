package auditor

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Repository reads reconciliation aggregates straight from the ledger
// tables.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// UnbalancedEntries finds entries dated up to asOf whose line totals
// differ by more than epsilon.
func (r *Repository) UnbalancedEntries(ctx context.Context, tenantID int64, asOf time.Time, epsilon decimal.Decimal) ([]EntryImbalance, error) {
	rows, err := r.pool.Query(ctx, `SELECT e.id, COALESCE(SUM(l.debit),0)::text, COALESCE(SUM(l.credit),0)::text
FROM journal_entries e
JOIN journal_lines l ON l.entry_id = e.id
WHERE e.tenant_id = $1 AND e.entry_date <= $2
GROUP BY e.id
HAVING ABS(COALESCE(SUM(l.debit),0) - COALESCE(SUM(l.credit),0)) > $3
ORDER BY e.id ASC`, tenantID, asOf, epsilon.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EntryImbalance
	for rows.Next() {
		var im EntryImbalance
		var debit, credit string
		if err := rows.Scan(&im.EntryID, &debit, &credit); err != nil {
			return nil, err
		}
		if im.Debit, err = decimal.NewFromString(debit); err != nil {
			return nil, err
		}
		if im.Credit, err = decimal.NewFromString(credit); err != nil {
			return nil, err
		}
		im.Difference = im.Debit.Sub(im.Credit)
		out = append(out, im)
	}
	return out, rows.Err()
}

// AccountBalances computes each account's balance from lines dated up to
// asOf, signed toward its natural side: debit-normal accounts report debit
// minus credit, credit-normal the inverse. A healthy account never goes
// negative here.
func (r *Repository) AccountBalances(ctx context.Context, tenantID int64, asOf time.Time) ([]AccountBalance, error) {
	rows, err := r.pool.Query(ctx, `SELECT a.id, a.code, a.type, a.sub_type,
(CASE WHEN a.type IN ('ASSET','EXPENSE')
	THEN COALESCE(SUM(l.debit),0) - COALESCE(SUM(l.credit),0)
	ELSE COALESCE(SUM(l.credit),0) - COALESCE(SUM(l.debit),0)
END)::text
FROM accounts a
LEFT JOIN (journal_lines l
	JOIN journal_entries e ON e.id = l.entry_id AND e.entry_date <= $2
) ON l.account_id = a.id
WHERE a.tenant_id = $1 AND a.is_active
GROUP BY a.id, a.code, a.type, a.sub_type
ORDER BY a.code ASC`, tenantID, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AccountBalance
	for rows.Next() {
		var b AccountBalance
		var balance string
		if err := rows.Scan(&b.AccountID, &b.Code, &b.Type, &b.SubType, &balance); err != nil {
			return nil, err
		}
		if b.Balance, err = decimal.NewFromString(balance); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// OrphanedReferences finds source links pointing at deleted entries and
// journal lines charged to accounts that no longer exist.
func (r *Repository) OrphanedReferences(ctx context.Context, tenantID int64, asOf time.Time) ([]OrphanedReference, error) {
	rows, err := r.pool.Query(ctx, `SELECT s.entry_id, 0, s.ref_kind, s.ref_id
FROM source_links s
LEFT JOIN journal_entries e ON e.id = s.entry_id
WHERE e.id IS NULL
UNION ALL
SELECT l.entry_id, l.account_id, '', ''
FROM journal_lines l
JOIN journal_entries e ON e.id = l.entry_id
LEFT JOIN accounts a ON a.id = l.account_id
WHERE e.tenant_id = $1 AND e.entry_date <= $2 AND a.id IS NULL
ORDER BY 1 ASC`, tenantID, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OrphanedReference
	for rows.Next() {
		var o OrphanedReference
		if err := rows.Scan(&o.EntryID, &o.AccountID, &o.RefKind, &o.RefID); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// EntryCount reports how many entries the pass covered.
func (r *Repository) EntryCount(ctx context.Context, tenantID int64, asOf time.Time) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM journal_entries WHERE tenant_id=$1 AND entry_date<=$2`, tenantID, asOf).Scan(&count)
	return count, err
}
