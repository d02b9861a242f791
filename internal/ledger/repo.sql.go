package ledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/platform/db"
)

// Repository persists journal entries, lines, accounts, and source links.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	tx pgx.Tx
}

// txAttempts bounds retries when repeatable-read transactions lose a
// serialization race against concurrent postings.
const txAttempts = 3

// WithTx executes fn within a repeatable-read transaction, retrying on
// serialization conflicts.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	return db.WithTxRetry(ctx, r.pool, txAttempts, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const entryColumns = `id, tenant_id, branch_id, cost_center_id, warehouse_id, entry_date, description,
ref_kind, ref_id, status, reversed_amount::text, posted_by, posted_at, created_at, updated_at`

func scanEntry(row pgx.Row) (JournalEntry, error) {
	var e JournalEntry
	var reversed string
	err := row.Scan(&e.ID, &e.Scope.TenantID, &e.Scope.BranchID, &e.Scope.CostCenterID, &e.Scope.WarehouseID,
		&e.Date, &e.Description, &e.RefKind, &e.RefID, &e.Status, &reversed, &e.PostedBy, &e.PostedAt, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return JournalEntry{}, err
	}
	if e.ReversedAmount, err = decimal.NewFromString(reversed); err != nil {
		return JournalEntry{}, err
	}
	return e, nil
}

func (r *txRepository) MissingAccounts(ctx context.Context, tenantID int64, accountIDs []int64) ([]int64, error) {
	rows, err := r.tx.Query(ctx, `SELECT id FROM accounts WHERE tenant_id=$1 AND id = ANY($2)`, tenantID, accountIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	found := make(map[int64]struct{}, len(accountIDs))
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		found[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var missing []int64
	for _, id := range accountIDs {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing, nil
}

func (r *txRepository) InsertEntry(ctx context.Context, entry JournalEntry) (JournalEntry, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO journal_entries (tenant_id, branch_id, cost_center_id, warehouse_id, entry_date, description, ref_kind, ref_id, status, reversed_amount, posted_by, posted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12) RETURNING id, created_at, updated_at`,
		entry.Scope.TenantID, entry.Scope.BranchID, entry.Scope.CostCenterID, entry.Scope.WarehouseID,
		entry.Date, entry.Description, entry.RefKind, entry.RefID, entry.Status,
		entry.ReversedAmount.String(), entry.PostedBy, entry.PostedAt)
	if err := row.Scan(&entry.ID, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

func (r *txRepository) InsertLines(ctx context.Context, entryID int64, lines []JournalLine) error {
	for _, line := range lines {
		if _, err := r.tx.Exec(ctx, `INSERT INTO journal_lines (entry_id, account_id, debit, credit, description)
VALUES ($1,$2,$3,$4,$5)`,
			entryID, line.AccountID, line.Debit.String(), line.Credit.String(), line.Description); err != nil {
			return err
		}
	}
	return nil
}

func (r *txRepository) LinkSource(ctx context.Context, kind ReferenceKind, refID string, entryID int64) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO source_links (ref_kind, ref_id, entry_id) VALUES ($1,$2,$3)`,
		kind, refID, entryID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrSourceAlreadyLinked
		}
		return err
	}
	return nil
}

func (r *txRepository) GetEntryForUpdate(ctx context.Context, entryID int64) (JournalEntry, error) {
	entry, err := scanEntry(r.tx.QueryRow(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE id=$1 FOR UPDATE`, entryID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, ErrEntryNotFound
		}
		return JournalEntry{}, err
	}
	entry.Lines, err = queryLines(ctx, r.tx, entryID)
	if err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

func (r *txRepository) SetReversedAmount(ctx context.Context, entryID int64, amount decimal.Decimal, status EntryStatus) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE journal_entries SET reversed_amount=$2, status=$3, updated_at=now() WHERE id=$1`,
		entryID, amount.String(), status)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrEntryNotFound
	}
	return nil
}

// GetEntryWithLines loads an entry and its lines without locking.
func (r *Repository) GetEntryWithLines(ctx context.Context, entryID int64) (JournalEntry, error) {
	entry, err := scanEntry(r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM journal_entries WHERE id=$1`, entryID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, ErrEntryNotFound
		}
		return JournalEntry{}, err
	}
	entry.Lines, err = queryLines(ctx, r.pool, entryID)
	if err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

// GetEntryBySource finds the entry posted for a business document.
func (r *Repository) GetEntryBySource(ctx context.Context, kind ReferenceKind, refID string) (JournalEntry, error) {
	entry, err := scanEntry(r.pool.QueryRow(ctx, `SELECT `+entryColumns+` FROM journal_entries
WHERE id = (SELECT entry_id FROM source_links WHERE ref_kind=$1 AND ref_id=$2)`, kind, refID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return JournalEntry{}, ErrEntryNotFound
		}
		return JournalEntry{}, err
	}
	entry.Lines, err = queryLines(ctx, r.pool, entry.ID)
	if err != nil {
		return JournalEntry{}, err
	}
	return entry, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryLines(ctx context.Context, q querier, entryID int64) ([]JournalLine, error) {
	rows, err := q.Query(ctx, `SELECT id, entry_id, account_id, debit::text, credit::text, description
FROM journal_lines WHERE entry_id=$1 ORDER BY id ASC`, entryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []JournalLine
	for rows.Next() {
		var line JournalLine
		var debit, credit string
		if err := rows.Scan(&line.ID, &line.EntryID, &line.AccountID, &debit, &credit, &line.Description); err != nil {
			return nil, err
		}
		if line.Debit, err = decimal.NewFromString(debit); err != nil {
			return nil, err
		}
		if line.Credit, err = decimal.NewFromString(credit); err != nil {
			return nil, err
		}
		lines = append(lines, line)
	}
	return lines, rows.Err()
}

const accountColumns = `id, tenant_id, code, name, type, sub_type, normal_balance, parent_id, level, is_active, created_at, updated_at`

func scanAccount(row pgx.Row) (Account, error) {
	var acc Account
	err := row.Scan(&acc.ID, &acc.TenantID, &acc.Code, &acc.Name, &acc.Type, &acc.SubType,
		&acc.Normal, &acc.ParentID, &acc.Level, &acc.IsActive, &acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return Account{}, err
	}
	return acc, nil
}

// GetAccountBySubType returns the tenant's account for a posting sub-type.
func (r *Repository) GetAccountBySubType(ctx context.Context, tenantID int64, subType AccountSubType) (Account, error) {
	acc, err := scanAccount(r.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts
WHERE tenant_id=$1 AND sub_type=$2 AND is_active ORDER BY id ASC LIMIT 1`, tenantID, subType))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, err
	}
	return acc, nil
}

// ListAccounts returns the tenant's chart of accounts.
func (r *Repository) ListAccounts(ctx context.Context, tenantID int64) ([]Account, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+accountColumns+` FROM accounts WHERE tenant_id=$1 ORDER BY code ASC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []Account
	for rows.Next() {
		acc, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}
