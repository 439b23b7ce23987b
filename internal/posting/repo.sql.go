package posting

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository reads branch posting state from PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const draftDocumentsSQL = `
SELECT 'SALES_INVOICE', id, number, created_at FROM sales_invoices WHERE branch_id=$1 AND status='DRAFT'
UNION ALL
SELECT 'PURCHASE_GRN', id, number, created_at FROM purchase_grns WHERE branch_id=$1 AND status='DRAFT'
UNION ALL
SELECT 'CREDIT_NOTE', id, number, created_at FROM credit_notes WHERE branch_id=$1 AND status='DRAFT'
ORDER BY 4, 2`

func (r *Repository) ListDraftDocuments(ctx context.Context, branchID int64) ([]DocumentRef, error) {
	rows, err := r.pool.Query(ctx, draftDocumentsSQL, branchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var docs []DocumentRef
	for rows.Next() {
		var d DocumentRef
		var kind string
		if err := rows.Scan(&kind, &d.ID, &d.Number, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Kind = DocumentKind(kind)
		docs = append(docs, d)
	}
	return docs, rows.Err()
}
