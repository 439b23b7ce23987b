package stocktake

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pharmacore/pharmacore/internal/catalog"
	"github.com/pharmacore/pharmacore/internal/rbac"
)

// RecordCountInput is what a counter enters for one line.
type RecordCountInput struct {
	SessionID     int64
	ShelfLocation string
	ItemID        int64
	UnitName      string
	Quantity      decimal.Decimal
	BatchNumber   *string
	ExpiryDate    *time.Time
	Notes         string
}

// UpdateCountInput edits an existing count.
type UpdateCountInput struct {
	UnitName    string
	Quantity    decimal.Decimal
	BatchNumber *string
	ExpiryDate  *time.Time
	Notes       string
}

type measured struct {
	batch    *string
	expiry   *time.Time
	unit     catalog.ItemUnit
	quantity decimal.Decimal
	base     decimal.Decimal
}

// measure validates tracking data and converts the quantity to base units.
func (s *Service) measure(ctx context.Context, itemID int64, unitName string, qty decimal.Decimal, batch *string, expiry *time.Time) (measured, error) {
	if qty.IsNegative() {
		return measured{}, ErrInvalidQuantity
	}
	snap, err := s.catalog.Lookup(ctx, itemID)
	if err != nil {
		return measured{}, err
	}
	item, err := snap.Item(itemID)
	if err != nil {
		return measured{}, err
	}
	batch = normalizeBatch(batch)
	if item.RequiresBatchTracking && batch == nil {
		return measured{}, ErrMissingBatchInfo
	}
	if expiry != nil && expiry.IsZero() {
		expiry = nil
	}
	if item.RequiresExpiryTracking && expiry == nil {
		return measured{}, ErrMissingExpiryInfo
	}
	if expiry != nil {
		d := expiry.UTC().Truncate(24 * time.Hour)
		expiry = &d
	}
	base, unit, err := snap.ConvertToBase(itemID, unitName, qty)
	if err != nil {
		return measured{}, err
	}
	return measured{batch: batch, expiry: expiry, unit: unit, quantity: qty, base: base}, nil
}

// RecordCount stores a counted line immediately. A second entry for the same
// shelf, item, batch, expiry and unit replaces the counter's editable row.
func (s *Service) RecordCount(ctx context.Context, actor rbac.Actor, in RecordCountInput) (Count, error) {
	if err := authorize(actor, rbac.CapStockTakeCount); err != nil {
		return Count{}, err
	}
	location := normalizeLocation(in.ShelfLocation)
	if location == "" {
		return Count{}, ErrShelfRequired
	}
	m, err := s.measure(ctx, in.ItemID, in.UnitName, in.Quantity, in.BatchNumber, in.ExpiryDate)
	if err != nil {
		return Count{}, err
	}

	var stored Count
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := activeSession(ctx, tx, in.SessionID); err != nil {
			return err
		}
		now := s.now().UTC()
		shelf, err := tx.AcquireShelf(ctx, in.SessionID, location, actor.ID, now)
		if err != nil {
			return err
		}
		if shelf.OwnerID != actor.ID {
			return fmt.Errorf("%w: %s", ErrShelfNameTaken, shelf.Location)
		}
		existing, found, err := tx.FindEditableCount(ctx, CountKey{
			SessionID:   in.SessionID,
			Shelf:       shelf.Location,
			CountedBy:   actor.ID,
			ItemID:      in.ItemID,
			BatchNumber: m.batch,
			ExpiryDate:  m.expiry,
			UnitName:    m.unit.UnitName,
		})
		if err != nil {
			return err
		}
		if found {
			existing.QuantityInUnit = m.quantity
			existing.CountedQuantity = m.base
			existing.Notes = strings.TrimSpace(in.Notes)
			resetReview(&existing)
			existing.UpdatedAt = now
			stored, err = tx.UpdateCount(ctx, existing)
			return err
		}
		stored, err = tx.InsertCount(ctx, Count{
			SessionID:          in.SessionID,
			ShelfLocation:      shelf.Location,
			ItemID:             in.ItemID,
			BatchNumber:        m.batch,
			ExpiryDate:         m.expiry,
			UnitName:           m.unit.UnitName,
			QuantityInUnit:     m.quantity,
			CountedQuantity:    m.base,
			CountedBy:          actor.ID,
			Notes:              strings.TrimSpace(in.Notes),
			VerificationStatus: StatusPending,
			CreatedAt:          now,
			UpdatedAt:          now,
		})
		return err
	})
	if err != nil {
		return Count{}, err
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.CountRecorded()
	}
	return stored, nil
}

// UpdateCount edits a PENDING or REJECTED count of the caller. Editing a
// rejected row puts only that row back to PENDING.
func (s *Service) UpdateCount(ctx context.Context, actor rbac.Actor, sessionID, countID int64, in UpdateCountInput) (Count, error) {
	if err := authorize(actor, rbac.CapStockTakeCount); err != nil {
		return Count{}, err
	}
	var stored Count
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := activeSession(ctx, tx, sessionID); err != nil {
			return err
		}
		count, err := tx.GetCountForUpdate(ctx, countID)
		if err != nil {
			return err
		}
		if count.SessionID != sessionID {
			return ErrCountNotFound
		}
		if count.CountedBy != actor.ID {
			return fmt.Errorf("%w: count belongs to another counter", ErrForbidden)
		}
		if !count.Editable() {
			return ErrCountLocked
		}
		m, err := s.measure(ctx, count.ItemID, in.UnitName, in.Quantity, in.BatchNumber, in.ExpiryDate)
		if err != nil {
			return err
		}
		count.BatchNumber = m.batch
		count.ExpiryDate = m.expiry
		count.UnitName = m.unit.UnitName
		count.QuantityInUnit = m.quantity
		count.CountedQuantity = m.base
		count.Notes = strings.TrimSpace(in.Notes)
		resetReview(&count)
		count.UpdatedAt = s.now().UTC()
		stored, err = tx.UpdateCount(ctx, count)
		return err
	})
	if err != nil {
		return Count{}, err
	}
	return stored, nil
}

// DeleteCount removes a count. Owners may delete PENDING or REJECTED rows;
// an admin may also remove an APPROVED row, which reverts it.
func (s *Service) DeleteCount(ctx context.Context, actor rbac.Actor, sessionID, countID int64) error {
	if !actor.Can(rbac.CapStockTakeCount) && !actor.IsAdmin() {
		return fmt.Errorf("stocktake: %w", ErrForbidden)
	}
	var deleted Count
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := activeSession(ctx, tx, sessionID); err != nil {
			return err
		}
		count, err := tx.GetCountForUpdate(ctx, countID)
		if err != nil {
			return err
		}
		if count.SessionID != sessionID {
			return ErrCountNotFound
		}
		if !actor.IsAdmin() {
			if count.CountedBy != actor.ID {
				return fmt.Errorf("%w: count belongs to another counter", ErrForbidden)
			}
			if !count.Editable() {
				return ErrCountLocked
			}
		}
		deleted = count
		return tx.DeleteCount(ctx, countID)
	})
	if err != nil {
		return err
	}
	if deleted.VerificationStatus == StatusApproved {
		s.audit(ctx, actor, "stocktake:count_delete_approved", "stock_take_count", strconv.FormatInt(countID, 10), map[string]any{
			"session_id": sessionID,
			"shelf":      deleted.ShelfLocation,
			"item_id":    deleted.ItemID,
			"qty":        deleted.CountedQuantity.String(),
		})
	}
	return nil
}

// SubmitShelf hands the caller's shelf to verification. Rejected rows on the
// shelf go back to PENDING.
func (s *Service) SubmitShelf(ctx context.Context, actor rbac.Actor, sessionID int64, location string) (ShelfSummary, error) {
	if err := authorize(actor, rbac.CapStockTakeCount); err != nil {
		return ShelfSummary{}, err
	}
	location = normalizeLocation(location)
	if location == "" {
		return ShelfSummary{}, ErrShelfRequired
	}
	var summary ShelfSummary
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := activeSession(ctx, tx, sessionID); err != nil {
			return err
		}
		shelf, err := tx.GetShelf(ctx, sessionID, location)
		if err != nil {
			return err
		}
		if shelf.OwnerID != actor.ID {
			return fmt.Errorf("%w: %s", ErrShelfNameTaken, shelf.Location)
		}
		current, err := tx.ShelfSummary(ctx, sessionID, shelf.Location)
		if err != nil {
			return err
		}
		if current.CountTotal == 0 {
			return fmt.Errorf("%w: %s", ErrShelfNotFound, shelf.Location)
		}
		now := s.now().UTC()
		if _, err := tx.ResetRejectedCounts(ctx, sessionID, shelf.Location, actor.ID, now); err != nil {
			return err
		}
		if err := tx.MarkShelfSubmitted(ctx, sessionID, shelf.Location, &now); err != nil {
			return err
		}
		summary, err = tx.ShelfSummary(ctx, sessionID, shelf.Location)
		return err
	})
	if err != nil {
		return ShelfSummary{}, err
	}
	return summary, nil
}

// ListCounts returns the counts of a session, optionally one shelf or counter.
func (s *Service) ListCounts(ctx context.Context, filter CountFilter) ([]Count, error) {
	if filter.Shelf != "" {
		filter.Shelf = normalizeLocation(filter.Shelf)
	}
	return s.repo.ListCounts(ctx, filter)
}

func resetReview(c *Count) {
	c.VerificationStatus = StatusPending
	c.VerifiedBy = nil
	c.VerifiedAt = nil
	c.RejectionReason = nil
}

func normalizeBatch(batch *string) *string {
	if batch == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*batch)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
