package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pharmacore/pharmacore/internal/catalog"
	"github.com/pharmacore/pharmacore/internal/posting"
	"github.com/pharmacore/pharmacore/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	SumQuantity(ctx context.Context, q BalanceQuery) (decimal.Decimal, error)
	SumQuantityBefore(ctx context.Context, q BalanceQuery, before time.Time) (decimal.Decimal, error)
	ListBalances(ctx context.Context, branchID, itemID int64) ([]Balance, error)
	ListEntries(ctx context.Context, filter StockCardFilter) ([]Entry, error)
}

// ItemLookup resolves item definitions for validation.
type ItemLookup interface {
	Item(ctx context.Context, id int64) (catalog.Item, error)
}

// AuditPort records ledger postings.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service appends to and reads from the inventory ledger.
type Service struct {
	repo  RepositoryPort
	items ItemLookup
	audit AuditPort
	now   func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, items ItemLookup, audit AuditPort) *Service {
	return &Service{repo: repo, items: items, audit: audit, now: time.Now}
}

// Append validates and writes a single entry. It is the only mutation of the
// ledger outside reconciliation. Postings other than stock-take adjustments
// are refused while the branch is in counting mode. Each (document, item,
// batch) posts once; documents with several lines for one item and batch go
// through AppendBatch.
func (s *Service) Append(ctx context.Context, entry Entry) (Entry, error) {
	if entry.ItemID == 0 || entry.BranchID == 0 {
		return Entry{}, ErrInvalidEntry
	}
	item, err := s.items.Item(ctx, entry.ItemID)
	if err != nil {
		return Entry{}, err
	}
	entry, err = Validate(item, entry)
	if err != nil {
		return Entry{}, err
	}
	entry.CreatedAt = s.now().UTC()

	var stored Entry
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if err := ensureOpen(ctx, tx, entry); err != nil {
			return err
		}
		if err := tx.ClaimKey(ctx, postingKey(entry)); err != nil {
			return err
		}
		var err error
		stored, err = tx.InsertEntry(ctx, entry)
		return err
	})
	if err != nil {
		return Entry{}, err
	}
	if s.audit != nil {
		_ = s.audit.Record(ctx, shared.AuditLog{
			ActorID:  stored.CreatedBy,
			Action:   fmt.Sprintf("ledger:%s", stored.SourceType),
			Entity:   "ledger_entry",
			EntityID: fmt.Sprintf("%d", stored.ID),
			Meta: map[string]any{
				"branch_id":       stored.BranchID,
				"item_id":         stored.ItemID,
				"qty":             stored.QuantityDelta.String(),
				"source_document": stored.SourceDocument,
			},
		})
	}
	return stored, nil
}

// AppendBatch writes all entries in one transaction or none of them. Each
// source document in the batch posts once, so a document may repeat an item
// and batch on several lines. Counting mode applies as in Append.
func (s *Service) AppendBatch(ctx context.Context, entries []Entry) ([]Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	validated := make([]Entry, 0, len(entries))
	for i, entry := range entries {
		if entry.ItemID == 0 || entry.BranchID == 0 {
			return nil, fmt.Errorf("line %d: %w", i+1, ErrInvalidEntry)
		}
		item, err := s.items.Item(ctx, entry.ItemID)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		entry, err = Validate(item, entry)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		entry.CreatedAt = s.now().UTC()
		validated = append(validated, entry)
	}
	stored := make([]Entry, 0, len(validated))
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		claimed := make(map[string]bool)
		for i, entry := range validated {
			if err := ensureOpen(ctx, tx, entry); err != nil {
				return err
			}
			key := documentKey(entry)
			if !claimed[key] {
				if err := tx.ClaimKey(ctx, key); err != nil {
					return err
				}
				claimed[key] = true
			}
			saved, err := tx.InsertEntry(ctx, entry)
			if err != nil {
				return fmt.Errorf("line %d: %w", i+1, err)
			}
			stored = append(stored, saved)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func ensureOpen(ctx context.Context, tx TxRepository, entry Entry) error {
	if entry.SourceType == SourceStockTake {
		return nil
	}
	sessionID, err := tx.CountingSession(ctx, entry.BranchID)
	if err != nil {
		return err
	}
	return posting.CheckOpen(entry.BranchID, sessionID)
}

// LastUnitCost returns the cost of the latest inbound entry for the item,
// optionally narrowed to a batch. ok is false when nothing was received yet.
func (s *Service) LastUnitCost(ctx context.Context, itemID, branchID int64, batch *string) (cost decimal.Decimal, ok bool, err error) {
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		cost, ok, err = tx.LastUnitCost(ctx, BalanceQuery{ItemID: itemID, BranchID: branchID, BatchNumber: batch})
		return err
	})
	return cost, ok, err
}

// QuantityOnHand sums the entries of (item, branch[, batch]). It is always
// computed from the ledger rows.
func (s *Service) QuantityOnHand(ctx context.Context, itemID, branchID int64, batch *string) (decimal.Decimal, error) {
	if itemID == 0 || branchID == 0 {
		return decimal.Zero, ErrInvalidEntry
	}
	return s.repo.SumQuantity(ctx, BalanceQuery{ItemID: itemID, BranchID: branchID, BatchNumber: batch})
}

// Balances lists the per batch balances of a branch, optionally for one item.
func (s *Service) Balances(ctx context.Context, branchID, itemID int64) ([]Balance, error) {
	if branchID == 0 {
		return nil, errors.New("ledger: branch required")
	}
	return s.repo.ListBalances(ctx, branchID, itemID)
}

// StockCard lists entries with a running balance.
func (s *Service) StockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error) {
	if filter.BranchID == 0 || filter.ItemID == 0 {
		return nil, errors.New("ledger: branch and item required")
	}
	opening := decimal.Zero
	if !filter.From.IsZero() {
		var err error
		opening, err = s.repo.SumQuantityBefore(ctx, BalanceQuery{ItemID: filter.ItemID, BranchID: filter.BranchID}, filter.From)
		if err != nil {
			return nil, err
		}
	}
	entries, err := s.repo.ListEntries(ctx, filter)
	if err != nil {
		return nil, err
	}
	return BuildStockCard(opening, entries), nil
}

// BuildStockCard folds entries into card rows starting at opening.
func BuildStockCard(opening decimal.Decimal, entries []Entry) []StockCardEntry {
	running := opening
	cards := make([]StockCardEntry, 0, len(entries))
	for _, e := range entries {
		running = running.Add(e.QuantityDelta)
		card := StockCardEntry{Entry: e, QtyIn: decimal.Zero, QtyOut: decimal.Zero, BalanceQty: running}
		if e.QuantityDelta.IsPositive() {
			card.QtyIn = e.QuantityDelta
		} else {
			card.QtyOut = e.QuantityDelta.Neg()
		}
		cards = append(cards, card)
	}
	return cards
}

func documentKey(e Entry) string {
	return fmt.Sprintf("doc:%s:%s:%d", e.SourceType, e.SourceDocument, e.BranchID)
}

func postingKey(e Entry) string {
	batch := ""
	if e.BatchNumber != nil {
		batch = *e.BatchNumber
	}
	return fmt.Sprintf("%s:%s:%d:%d:%s", e.SourceType, e.SourceDocument, e.BranchID, e.ItemID, batch)
}
