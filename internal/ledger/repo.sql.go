package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/pharmacore/pharmacore/internal/platform/db"
	"github.com/pharmacore/pharmacore/internal/posting"
	"github.com/pharmacore/pharmacore/internal/shared"
)

// Repository persists ledger entries in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// TxRepository exposes transactional operations. Other modules obtain one
// bound to their own transaction through NewTxRepository.
type TxRepository interface {
	// CountingSession share locks the branch row and returns its active
	// stock-take session, 0 when the branch accepts postings.
	CountingSession(ctx context.Context, branchID int64) (int64, error)
	// ClaimKey records the idempotency key of a posting. It fails with
	// shared.ErrIdempotencyConflict when the key exists.
	ClaimKey(ctx context.Context, key string) error
	InsertEntry(ctx context.Context, e Entry) (Entry, error)
	SumQuantity(ctx context.Context, q BalanceQuery) (decimal.Decimal, error)
	LastUnitCost(ctx context.Context, q BalanceQuery) (decimal.Decimal, bool, error)
}

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository binds ledger writes to an existing transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("ledger repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	if err != nil && db.Retryable(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

const sumQuantitySQL = `SELECT COALESCE(SUM(quantity_delta), 0) FROM ledger_entries
WHERE item_id=$1 AND branch_id=$2 AND ($3::text IS NULL OR batch_number=$3)`

func (r *Repository) SumQuantity(ctx context.Context, q BalanceQuery) (decimal.Decimal, error) {
	if r == nil {
		return decimal.Zero, errors.New("ledger repository not initialised")
	}
	var qty decimal.Decimal
	err := r.pool.QueryRow(ctx, sumQuantitySQL, q.ItemID, q.BranchID, q.BatchNumber).Scan(&qty)
	return qty, err
}

func (r *Repository) SumQuantityBefore(ctx context.Context, q BalanceQuery, before time.Time) (decimal.Decimal, error) {
	if r == nil {
		return decimal.Zero, errors.New("ledger repository not initialised")
	}
	var qty decimal.Decimal
	err := r.pool.QueryRow(ctx, `SELECT COALESCE(SUM(quantity_delta), 0) FROM ledger_entries
WHERE item_id=$1 AND branch_id=$2 AND ($3::text IS NULL OR batch_number=$3) AND created_at < $4`,
		q.ItemID, q.BranchID, q.BatchNumber, before).Scan(&qty)
	return qty, err
}

func (r *Repository) ListBalances(ctx context.Context, branchID, itemID int64) ([]Balance, error) {
	if r == nil {
		return nil, errors.New("ledger repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT item_id, branch_id, batch_number, MIN(expiry_date), SUM(quantity_delta),
  (ARRAY_AGG(unit_cost ORDER BY created_at DESC, id DESC) FILTER (WHERE quantity_delta > 0))[1]
FROM ledger_entries
WHERE branch_id=$1 AND ($2::bigint = 0 OR item_id=$2)
GROUP BY item_id, branch_id, batch_number
ORDER BY item_id, batch_number NULLS FIRST`, branchID, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	balances := []Balance{}
	for rows.Next() {
		var b Balance
		var cost decimal.NullDecimal
		if err := rows.Scan(&b.ItemID, &b.BranchID, &b.BatchNumber, &b.ExpiryDate, &b.Quantity, &cost); err != nil {
			return nil, err
		}
		b.LastUnitCost = cost.Decimal
		balances = append(balances, b)
	}
	return balances, rows.Err()
}

func (r *Repository) ListEntries(ctx context.Context, filter StockCardFilter) ([]Entry, error) {
	if r == nil {
		return nil, errors.New("ledger repository not initialised")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx, `SELECT `+entryColumns+`
FROM ledger_entries
WHERE branch_id=$1 AND item_id=$2 AND created_at BETWEEN COALESCE($3, '-infinity') AND COALESCE($4, 'infinity')
ORDER BY created_at ASC, id ASC
LIMIT $5`, filter.BranchID, filter.ItemID, nullTime(filter.From), nullTime(filter.To), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

const entryColumns = `id, item_id, branch_id, quantity_delta, batch_number, expiry_date, unit_cost, source_type, source_document, note, created_at, created_by`

func scanEntry(row pgx.Row) (Entry, error) {
	var e Entry
	var created *int64
	err := row.Scan(&e.ID, &e.ItemID, &e.BranchID, &e.QuantityDelta, &e.BatchNumber, &e.ExpiryDate, &e.UnitCost,
		&e.SourceType, &e.SourceDocument, &e.Note, &e.CreatedAt, &created)
	if created != nil {
		e.CreatedBy = *created
	}
	return e, err
}

func (r *txRepository) CountingSession(ctx context.Context, branchID int64) (int64, error) {
	var sessionID *int64
	err := r.tx.QueryRow(ctx, `SELECT active_stock_take_session_id FROM branches WHERE id=$1 FOR SHARE`, branchID).Scan(&sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, posting.ErrBranchNotFound
		}
		return 0, err
	}
	if sessionID == nil {
		return 0, nil
	}
	return *sessionID, nil
}

func (r *txRepository) ClaimKey(ctx context.Context, key string) error {
	return shared.ClaimKey(ctx, r.tx, key, "ledger")
}

func (r *txRepository) InsertEntry(ctx context.Context, e Entry) (Entry, error) {
	row := r.tx.QueryRow(ctx, `INSERT INTO ledger_entries (item_id, branch_id, quantity_delta, batch_number, expiry_date, unit_cost, source_type, source_document, note, created_at, created_by)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING `+entryColumns,
		e.ItemID, e.BranchID, e.QuantityDelta, e.BatchNumber, e.ExpiryDate, e.UnitCost, string(e.SourceType), e.SourceDocument, e.Note, e.CreatedAt, nullInt(e.CreatedBy))
	return scanEntry(row)
}

func (r *txRepository) SumQuantity(ctx context.Context, q BalanceQuery) (decimal.Decimal, error) {
	var qty decimal.Decimal
	err := r.tx.QueryRow(ctx, sumQuantitySQL, q.ItemID, q.BranchID, q.BatchNumber).Scan(&qty)
	return qty, err
}

// LastUnitCost returns the cost of the latest inbound entry of the batch.
func (r *txRepository) LastUnitCost(ctx context.Context, q BalanceQuery) (decimal.Decimal, bool, error) {
	var cost decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT unit_cost FROM ledger_entries
WHERE item_id=$1 AND branch_id=$2 AND ($3::text IS NULL OR batch_number=$3) AND quantity_delta > 0
ORDER BY created_at DESC, id DESC LIMIT 1`, q.ItemID, q.BranchID, q.BatchNumber).Scan(&cost)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, false, nil
		}
		return decimal.Zero, false, err
	}
	return cost, true, nil
}

func nullInt(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
