package stocktake

import (
	"context"
	"sort"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/pharmacore/pharmacore/internal/catalog"
	"github.com/pharmacore/pharmacore/internal/ledger"
	"github.com/pharmacore/pharmacore/internal/rbac"
)

type lineKey struct {
	itemID int64
	batch  string
}

// GroupCounts sums approved counts into reconciliation lines. Batch tracked
// items get one line per batch, everything else one line per item. The
// earliest counted expiry is kept for the line.
func GroupCounts(counts []Count, items map[int64]catalog.Item) []Adjustment {
	index := make(map[lineKey]int)
	lines := make([]Adjustment, 0)
	for _, c := range counts {
		if c.VerificationStatus != StatusApproved {
			continue
		}
		key := lineKey{itemID: c.ItemID}
		var batch *string
		if items[c.ItemID].RequiresBatchTracking && c.BatchNumber != nil {
			key.batch = *c.BatchNumber
			b := *c.BatchNumber
			batch = &b
		}
		i, ok := index[key]
		if !ok {
			lines = append(lines, Adjustment{ItemID: c.ItemID, BatchNumber: batch, Counted: decimal.Zero, Expected: decimal.Zero, Delta: decimal.Zero})
			i = len(lines) - 1
			index[key] = i
		}
		lines[i].Counted = lines[i].Counted.Add(c.CountedQuantity)
		if c.ExpiryDate != nil && (lines[i].ExpiryDate == nil || c.ExpiryDate.Before(*lines[i].ExpiryDate)) {
			exp := *c.ExpiryDate
			lines[i].ExpiryDate = &exp
		}
	}
	sort.Slice(lines, func(a, b int) bool {
		if lines[a].ItemID != lines[b].ItemID {
			return lines[a].ItemID < lines[b].ItemID
		}
		return batchValue(lines[a].BatchNumber) < batchValue(lines[b].BatchNumber)
	})
	return lines
}

// BuildAdjustments computes each line's delta from its expected quantity and
// returns the lines that move stock.
func BuildAdjustments(lines []Adjustment) []Adjustment {
	out := make([]Adjustment, 0, len(lines))
	for _, line := range lines {
		line.Delta = line.Counted.Sub(line.Expected)
		if line.Delta.IsZero() {
			continue
		}
		out = append(out, line)
	}
	return out
}

// reconcile posts one ledger entry per non zero line inside tx. It validates
// every line first so the error lists all failing items.
func (s *Service) reconcile(ctx context.Context, tx TxRepository, actor rbac.Actor, session Session) ([]Adjustment, int, error) {
	counts, err := tx.ApprovedCounts(ctx, session.ID)
	if err != nil {
		return nil, 0, err
	}
	ids := make([]int64, 0, len(counts))
	for _, c := range counts {
		ids = append(ids, c.ItemID)
	}
	snap, err := s.catalog.Lookup(ctx, ids...)
	if err != nil {
		return nil, 0, err
	}
	items := make(map[int64]catalog.Item, len(ids))
	var failures []AdjustmentFailure
	for _, id := range ids {
		if _, ok := items[id]; ok {
			continue
		}
		item, err := snap.Item(id)
		if err != nil {
			failures = append(failures, AdjustmentFailure{ItemID: id, Reason: err.Error()})
			continue
		}
		items[id] = item
	}
	if len(failures) > 0 {
		return nil, 0, &ReconciliationError{Failed: failures}
	}

	lines := GroupCounts(counts, items)
	book := tx.Ledger()
	for i := range lines {
		q := ledger.BalanceQuery{ItemID: lines[i].ItemID, BranchID: session.BranchID, BatchNumber: lines[i].BatchNumber}
		expected, err := book.SumQuantity(ctx, q)
		if err != nil {
			return nil, 0, err
		}
		lines[i].Expected = expected
		cost, known, err := book.LastUnitCost(ctx, q)
		if err != nil {
			return nil, 0, err
		}
		if known {
			lines[i].UnitCost = cost
		} else {
			lines[i].UnitCost = s.opts.DefaultCost
			lines[i].NewBatch = lines[i].BatchNumber != nil
		}
	}
	adjustments := BuildAdjustments(lines)

	source := strconv.FormatInt(session.ID, 10)
	now := s.now().UTC()
	entries := make([]ledger.Entry, 0, len(adjustments))
	for _, adj := range adjustments {
		entry, err := ledger.Validate(items[adj.ItemID], ledger.Entry{
			ItemID:         adj.ItemID,
			BranchID:       session.BranchID,
			QuantityDelta:  adj.Delta,
			BatchNumber:    adj.BatchNumber,
			ExpiryDate:     adj.ExpiryDate,
			UnitCost:       adj.UnitCost,
			SourceType:     ledger.SourceStockTake,
			SourceDocument: source,
			Note:           "stock take adjustment",
			CreatedAt:      now,
			CreatedBy:      actor.ID,
		})
		if err != nil {
			failures = append(failures, AdjustmentFailure{ItemID: adj.ItemID, BatchNumber: adj.BatchNumber, Reason: err.Error()})
			continue
		}
		entries = append(entries, entry)
	}
	if len(failures) > 0 {
		return nil, 0, &ReconciliationError{Failed: failures}
	}
	for i, entry := range entries {
		if _, err := book.InsertEntry(ctx, entry); err != nil {
			return nil, 0, &ReconciliationError{Failed: []AdjustmentFailure{{
				ItemID:      adjustments[i].ItemID,
				BatchNumber: adjustments[i].BatchNumber,
				Reason:      err.Error(),
			}}}
		}
	}
	return adjustments, len(lines), nil
}

func batchValue(b *string) string {
	if b == nil {
		return ""
	}
	return *b
}
