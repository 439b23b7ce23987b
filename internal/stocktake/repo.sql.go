package stocktake

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pharmacore/pharmacore/internal/ledger"
	"github.com/pharmacore/pharmacore/internal/platform/db"
	"github.com/pharmacore/pharmacore/internal/posting"
	"github.com/pharmacore/pharmacore/internal/shared"
)

const (
	constraintSessionCode   = "stock_take_sessions_code_key"
	constraintActiveSession = "stock_take_sessions_one_active_per_branch"
)

// Repository persists stock-take state in PostgreSQL.
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

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("stocktake repository not initialised")
	}
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	if err != nil && db.Retryable(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// WithCompletionTx runs fn at read committed. Count writers hold a share lock
// on the session row until they commit, so once GetSessionForUpdate returns
// every later statement reads their committed rows.
func (r *Repository) WithCompletionTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("stocktake repository not initialised")
	}
	err := db.WithTxOptions(ctx, r.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
	if err != nil && db.Retryable(err) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

const sessionColumns = `id, branch_id, status, started_at, started_by, completed_at, completed_by`

func scanSession(row pgx.Row) (Session, error) {
	var s Session
	var status string
	if err := row.Scan(&s.ID, &s.BranchID, &status, &s.StartedAt, &s.StartedBy, &s.CompletedAt, &s.CompletedBy); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, err
	}
	s.Status = SessionStatus(status)
	return s, nil
}

func (r *Repository) GetSession(ctx context.Context, id int64) (Session, error) {
	return scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM stock_take_sessions WHERE id=$1`, id))
}

func (r *Repository) ActiveSession(ctx context.Context, branchID int64) (Session, error) {
	return scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM stock_take_sessions WHERE branch_id=$1 AND status='ACTIVE'`, branchID))
}

func (r *Repository) ListSessions(ctx context.Context, branchID int64) ([]Session, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+sessionColumns+` FROM stock_take_sessions WHERE branch_id=$1 ORDER BY started_at DESC, id DESC LIMIT 100`, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	sessions := []Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

const shelfSummarySQL = `SELECT s.location, s.owner_id, s.submitted_at IS NOT NULL,
  COUNT(c.id),
  COUNT(c.id) FILTER (WHERE c.verification_status='PENDING'),
  COUNT(c.id) FILTER (WHERE c.verification_status='APPROVED'),
  COUNT(c.id) FILTER (WHERE c.verification_status='REJECTED')
FROM stock_take_shelves s
LEFT JOIN stock_take_counts c ON c.session_id=s.session_id AND c.shelf_key=s.location_key
WHERE s.session_id=$1 AND ($2::text IS NULL OR s.location_key=$2)
GROUP BY s.location_key, s.location, s.owner_id, s.submitted_at`

func scanShelfSummary(row pgx.Row) (ShelfSummary, error) {
	var sum ShelfSummary
	if err := row.Scan(&sum.Location, &sum.OwnerID, &sum.Submitted, &sum.CountTotal, &sum.Pending, &sum.Approved, &sum.Rejected); err != nil {
		return ShelfSummary{}, err
	}
	sum.Status = AggregateStatus(sum.Pending, sum.Approved, sum.Rejected)
	return sum, nil
}

func (r *Repository) ListShelves(ctx context.Context, sessionID int64) ([]ShelfSummary, error) {
	rows, err := r.pool.Query(ctx, shelfSummarySQL+`
HAVING COUNT(c.id) > 0
ORDER BY s.location_key`, sessionID, nil)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	shelves := []ShelfSummary{}
	for rows.Next() {
		sum, err := scanShelfSummary(rows)
		if err != nil {
			return nil, err
		}
		shelves = append(shelves, sum)
	}
	return shelves, rows.Err()
}

const countColumns = `id, session_id, shelf_location, item_id, batch_number, expiry_date, unit_name, quantity_in_unit,
counted_quantity, counted_by, notes, verification_status, verified_by, verified_at, rejection_reason, created_at, updated_at`

func scanCount(row pgx.Row) (Count, error) {
	var c Count
	var status string
	err := row.Scan(&c.ID, &c.SessionID, &c.ShelfLocation, &c.ItemID, &c.BatchNumber, &c.ExpiryDate, &c.UnitName,
		&c.QuantityInUnit, &c.CountedQuantity, &c.CountedBy, &c.Notes, &status, &c.VerifiedBy, &c.VerifiedAt,
		&c.RejectionReason, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Count{}, ErrCountNotFound
		}
		return Count{}, err
	}
	c.VerificationStatus = VerificationStatus(status)
	return c, nil
}

func collectCounts(rows pgx.Rows) ([]Count, error) {
	defer rows.Close()
	counts := []Count{}
	for rows.Next() {
		c, err := scanCount(rows)
		if err != nil {
			return nil, err
		}
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func (r *Repository) ListCounts(ctx context.Context, filter CountFilter) ([]Count, error) {
	var shelf, status any
	if filter.Shelf != "" {
		shelf = ShelfKey(filter.Shelf)
	}
	if filter.Status != "" {
		status = string(filter.Status)
	}
	rows, err := r.pool.Query(ctx, `SELECT `+countColumns+` FROM stock_take_counts
WHERE session_id=$1 AND ($2::text IS NULL OR shelf_key=$2) AND ($3::bigint = 0 OR counted_by=$3) AND ($4::text IS NULL OR verification_status=$4)
ORDER BY shelf_key, id`, filter.SessionID, shelf, filter.CountedBy, status)
	if err != nil {
		return nil, err
	}
	return collectCounts(rows)
}

func (t *txRepository) LockBranch(ctx context.Context, branchID int64) (int64, error) {
	var active *int64
	err := t.tx.QueryRow(ctx, `SELECT active_stock_take_session_id FROM branches WHERE id=$1 FOR UPDATE`, branchID).Scan(&active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, posting.ErrBranchNotFound
		}
		return 0, err
	}
	if active == nil {
		return 0, nil
	}
	return *active, nil
}

func (t *txRepository) InsertSession(ctx context.Context, s Session, code string) (Session, error) {
	stored, err := scanSession(t.tx.QueryRow(ctx, `INSERT INTO stock_take_sessions (branch_id, code, status, started_at, started_by)
VALUES ($1,$2,$3,$4,$5) RETURNING `+sessionColumns, s.BranchID, code, string(s.Status), s.StartedAt, s.StartedBy))
	if constraint, ok := db.UniqueViolation(err); ok {
		switch constraint {
		case constraintSessionCode:
			return Session{}, errSessionCodeTaken
		case constraintActiveSession:
			return Session{}, ErrSessionAlreadyActive
		}
		return Session{}, ErrConflict
	}
	return stored, err
}

func (t *txRepository) SetBranchCounting(ctx context.Context, branchID, sessionID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE branches SET active_stock_take_session_id=$2 WHERE id=$1`, branchID, sessionID)
	return err
}

func (t *txRepository) ClearBranchCounting(ctx context.Context, branchID, sessionID int64) error {
	_, err := t.tx.Exec(ctx, `UPDATE branches SET active_stock_take_session_id=NULL WHERE id=$1 AND active_stock_take_session_id=$2`, branchID, sessionID)
	return err
}

func (t *txRepository) GetSession(ctx context.Context, id int64) (Session, error) {
	return scanSession(t.tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM stock_take_sessions WHERE id=$1 FOR SHARE`, id))
}

func (t *txRepository) GetSessionForUpdate(ctx context.Context, id int64) (Session, error) {
	return scanSession(t.tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM stock_take_sessions WHERE id=$1 FOR UPDATE`, id))
}

func (t *txRepository) MarkSessionCompleted(ctx context.Context, id, actorID int64, at time.Time) (Session, error) {
	return scanSession(t.tx.QueryRow(ctx, `UPDATE stock_take_sessions SET status='COMPLETED', completed_at=$2, completed_by=$3
WHERE id=$1 AND status='ACTIVE' RETURNING `+sessionColumns, id, at, actorID))
}

func (t *txRepository) ClaimCompletion(ctx context.Context, key string) error {
	err := shared.ClaimKey(ctx, t.tx, key, "stocktake")
	if errors.Is(err, shared.ErrIdempotencyConflict) {
		return ErrSessionNotActive
	}
	return err
}

// AcquireShelf inserts the shelf unless its folded name exists, then returns
// the stored row so the caller can compare owners.
func (t *txRepository) AcquireShelf(ctx context.Context, sessionID int64, location string, ownerID int64, at time.Time) (Shelf, error) {
	_, err := t.tx.Exec(ctx, `INSERT INTO stock_take_shelves (session_id, location_key, location, owner_id, created_at)
VALUES ($1,$2,$3,$4,$5) ON CONFLICT (session_id, location_key) DO NOTHING`, sessionID, ShelfKey(location), location, ownerID, at)
	if err != nil {
		return Shelf{}, err
	}
	shelf, err := t.GetShelf(ctx, sessionID, location)
	if errors.Is(err, ErrShelfNotFound) {
		// Inserted by a transaction our snapshot cannot see yet.
		return Shelf{}, ErrConflict
	}
	return shelf, err
}

func (t *txRepository) GetShelf(ctx context.Context, sessionID int64, location string) (Shelf, error) {
	var s Shelf
	err := t.tx.QueryRow(ctx, `SELECT session_id, location, owner_id, submitted_at FROM stock_take_shelves
WHERE session_id=$1 AND location_key=$2`, sessionID, ShelfKey(location)).Scan(&s.SessionID, &s.Location, &s.OwnerID, &s.SubmittedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Shelf{}, fmt.Errorf("%w: %s", ErrShelfNotFound, location)
		}
		return Shelf{}, err
	}
	return s, nil
}

func (t *txRepository) MarkShelfSubmitted(ctx context.Context, sessionID int64, location string, at *time.Time) error {
	_, err := t.tx.Exec(ctx, `UPDATE stock_take_shelves SET submitted_at=$3 WHERE session_id=$1 AND location_key=$2`, sessionID, ShelfKey(location), at)
	return err
}

func (t *txRepository) ShelfSummary(ctx context.Context, sessionID int64, location string) (ShelfSummary, error) {
	sum, err := scanShelfSummary(t.tx.QueryRow(ctx, shelfSummarySQL, sessionID, ShelfKey(location)))
	if errors.Is(err, pgx.ErrNoRows) {
		return ShelfSummary{}, fmt.Errorf("%w: %s", ErrShelfNotFound, location)
	}
	return sum, err
}

func (t *txRepository) FindEditableCount(ctx context.Context, key CountKey) (Count, bool, error) {
	c, err := scanCount(t.tx.QueryRow(ctx, `SELECT `+countColumns+` FROM stock_take_counts
WHERE session_id=$1 AND shelf_key=$2 AND counted_by=$3 AND item_id=$4
  AND batch_number IS NOT DISTINCT FROM $5 AND expiry_date IS NOT DISTINCT FROM $6 AND unit_name=$7
  AND verification_status IN ('PENDING','REJECTED')
FOR UPDATE`, key.SessionID, ShelfKey(key.Shelf), key.CountedBy, key.ItemID, key.BatchNumber, key.ExpiryDate, key.UnitName))
	if errors.Is(err, ErrCountNotFound) {
		return Count{}, false, nil
	}
	if err != nil {
		return Count{}, false, err
	}
	return c, true, nil
}

func (t *txRepository) GetCountForUpdate(ctx context.Context, id int64) (Count, error) {
	return scanCount(t.tx.QueryRow(ctx, `SELECT `+countColumns+` FROM stock_take_counts WHERE id=$1 FOR UPDATE`, id))
}

func (t *txRepository) InsertCount(ctx context.Context, c Count) (Count, error) {
	stored, err := scanCount(t.tx.QueryRow(ctx, `INSERT INTO stock_take_counts (session_id, shelf_key, shelf_location, item_id, batch_number, expiry_date,
  unit_name, quantity_in_unit, counted_quantity, counted_by, notes, verification_status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14) RETURNING `+countColumns,
		c.SessionID, ShelfKey(c.ShelfLocation), c.ShelfLocation, c.ItemID, c.BatchNumber, c.ExpiryDate, c.UnitName,
		c.QuantityInUnit, c.CountedQuantity, c.CountedBy, c.Notes, string(c.VerificationStatus), c.CreatedAt, c.UpdatedAt))
	if _, ok := db.UniqueViolation(err); ok {
		return Count{}, ErrConflict
	}
	return stored, err
}

func (t *txRepository) UpdateCount(ctx context.Context, c Count) (Count, error) {
	stored, err := scanCount(t.tx.QueryRow(ctx, `UPDATE stock_take_counts SET batch_number=$2, expiry_date=$3, unit_name=$4,
  quantity_in_unit=$5, counted_quantity=$6, notes=$7, verification_status=$8, verified_by=$9, verified_at=$10,
  rejection_reason=$11, updated_at=$12
WHERE id=$1 RETURNING `+countColumns,
		c.ID, c.BatchNumber, c.ExpiryDate, c.UnitName, c.QuantityInUnit, c.CountedQuantity, c.Notes,
		string(c.VerificationStatus), c.VerifiedBy, c.VerifiedAt, c.RejectionReason, c.UpdatedAt))
	if _, ok := db.UniqueViolation(err); ok {
		return Count{}, ErrConflict
	}
	return stored, err
}

func (t *txRepository) DeleteCount(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM stock_take_counts WHERE id=$1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrCountNotFound
	}
	return nil
}

func (t *txRepository) ApproveShelfCounts(ctx context.Context, sessionID int64, location string, verifierID int64, at time.Time) (int, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE stock_take_counts SET verification_status='APPROVED', verified_by=$3, verified_at=$4, rejection_reason=NULL, updated_at=$4
WHERE session_id=$1 AND shelf_key=$2 AND verification_status='PENDING'`, sessionID, ShelfKey(location), verifierID, at)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *txRepository) RejectShelfCounts(ctx context.Context, sessionID int64, location string, verifierID int64, reason string, at time.Time) (int, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE stock_take_counts SET verification_status='REJECTED', verified_by=$3, verified_at=$4, rejection_reason=$5, updated_at=$4
WHERE session_id=$1 AND shelf_key=$2 AND verification_status='PENDING'`, sessionID, ShelfKey(location), verifierID, at, reason)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *txRepository) ResetRejectedCounts(ctx context.Context, sessionID int64, location string, counterID int64, at time.Time) (int, error) {
	tag, err := t.tx.Exec(ctx, `UPDATE stock_take_counts SET verification_status='PENDING', verified_by=NULL, verified_at=NULL, rejection_reason=NULL, updated_at=$4
WHERE session_id=$1 AND shelf_key=$2 AND counted_by=$3 AND verification_status='REJECTED'`, sessionID, ShelfKey(location), counterID, at)
	if _, ok := db.UniqueViolation(err); ok {
		return 0, ErrConflict
	}
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (t *txRepository) PendingShelves(ctx context.Context, sessionID int64) ([]string, error) {
	rows, err := t.tx.Query(ctx, `SELECT DISTINCT ON (shelf_key) shelf_location FROM stock_take_counts
WHERE session_id=$1 AND verification_status='PENDING' ORDER BY shelf_key`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var shelves []string
	for rows.Next() {
		var shelf string
		if err := rows.Scan(&shelf); err != nil {
			return nil, err
		}
		shelves = append(shelves, shelf)
	}
	return shelves, rows.Err()
}

func (t *txRepository) ApprovedCounts(ctx context.Context, sessionID int64) ([]Count, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+countColumns+` FROM stock_take_counts
WHERE session_id=$1 AND verification_status='APPROVED' ORDER BY item_id, id`, sessionID)
	if err != nil {
		return nil, err
	}
	return collectCounts(rows)
}

func (t *txRepository) Ledger() ledger.TxRepository {
	return ledger.NewTxRepository(t.tx)
}
