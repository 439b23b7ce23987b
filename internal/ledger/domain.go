package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// SourceType enumerates the documents that move stock.
type SourceType string

const (
	// SourceSale is a posted sales invoice (POS).
	SourceSale SourceType = "SALE"
	// SourcePurchase is a posted goods received note.
	SourcePurchase SourceType = "PURCHASE"
	// SourceCreditNote is a posted customer credit note.
	SourceCreditNote SourceType = "CREDIT_NOTE"
	// SourceStockTake is a reconciliation adjustment of a stock-take session.
	SourceStockTake SourceType = "STOCK_TAKE"
	// SourceOpening is an opening balance.
	SourceOpening SourceType = "OPENING"
)

// Valid reports whether the source type is known.
func (s SourceType) Valid() bool {
	switch s {
	case SourceSale, SourcePurchase, SourceCreditNote, SourceStockTake, SourceOpening:
		return true
	}
	return false
}

// Entry is an immutable stock movement in base units.
type Entry struct {
	ID             int64           `json:"id"`
	ItemID         int64           `json:"item_id"`
	BranchID       int64           `json:"branch_id"`
	QuantityDelta  decimal.Decimal `json:"quantity_delta"`
	BatchNumber    *string         `json:"batch_number,omitempty"`
	ExpiryDate     *time.Time      `json:"expiry_date,omitempty"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	SourceType     SourceType      `json:"source_type"`
	SourceDocument string          `json:"source_document"`
	Note           string          `json:"note,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	CreatedBy      int64           `json:"created_by"`
}

// BalanceQuery selects the entries summed for quantity on hand.
type BalanceQuery struct {
	ItemID   int64
	BranchID int64
	// BatchNumber narrows to one batch when set.
	BatchNumber *string
}

// Balance is a computed per batch quantity on hand.
type Balance struct {
	ItemID       int64           `json:"item_id"`
	BranchID     int64           `json:"branch_id"`
	BatchNumber  *string         `json:"batch_number,omitempty"`
	ExpiryDate   *time.Time      `json:"expiry_date,omitempty"`
	Quantity     decimal.Decimal `json:"quantity"`
	LastUnitCost decimal.Decimal `json:"last_unit_cost"`
}

// StockCardEntry describes a ledger entry with its running balance.
type StockCardEntry struct {
	Entry
	QtyIn      decimal.Decimal `json:"qty_in"`
	QtyOut     decimal.Decimal `json:"qty_out"`
	BalanceQty decimal.Decimal `json:"balance_qty"`
}

// StockCardFilter filters card entries.
type StockCardFilter struct {
	BranchID int64
	ItemID   int64
	From     time.Time
	To       time.Time
	Limit    int
}

var (
	// ErrZeroQuantity indicates a zero movement.
	ErrZeroQuantity = errors.New("ledger: quantity delta must be non zero")
	// ErrMissingBatch indicates a batch tracked item without batch number.
	ErrMissingBatch = errors.New("ledger: batch number required for batch tracked item")
	// ErrMissingExpiry indicates an expiry tracked item without expiry date.
	ErrMissingExpiry = errors.New("ledger: expiry date required for expiry tracked item")
	// ErrInvalidUnitCost indicates invalid cost value.
	ErrInvalidUnitCost = errors.New("ledger: unit cost must be >= 0")
	// ErrInvalidEntry indicates missing identifiers or source.
	ErrInvalidEntry = errors.New("ledger: item, branch and source document required")
	// ErrItemMismatch indicates the item definition does not match the entry.
	ErrItemMismatch = errors.New("ledger: item definition does not match entry")
	// ErrConflict indicates a concurrent change to the branch; retry the posting.
	ErrConflict = errors.New("ledger: concurrent update, retry")
)
