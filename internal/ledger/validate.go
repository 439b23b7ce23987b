package ledger

import (
	"strings"
	"time"

	"github.com/pharmacore/pharmacore/internal/catalog"
)

// Validate checks an entry against the tracking requirements of its item and
// returns the normalised entry. It never touches storage.
func Validate(item catalog.Item, e Entry) (Entry, error) {
	if e.ItemID == 0 || e.BranchID == 0 || strings.TrimSpace(e.SourceDocument) == "" || !e.SourceType.Valid() {
		return Entry{}, ErrInvalidEntry
	}
	if item.ID != e.ItemID {
		return Entry{}, ErrItemMismatch
	}
	if e.QuantityDelta.IsZero() {
		return Entry{}, ErrZeroQuantity
	}
	if e.UnitCost.IsNegative() {
		return Entry{}, ErrInvalidUnitCost
	}
	if e.BatchNumber != nil {
		trimmed := strings.TrimSpace(*e.BatchNumber)
		if trimmed == "" {
			e.BatchNumber = nil
		} else {
			e.BatchNumber = &trimmed
		}
	}
	if item.RequiresBatchTracking && e.BatchNumber == nil {
		return Entry{}, ErrMissingBatch
	}
	if item.RequiresExpiryTracking && (e.ExpiryDate == nil || e.ExpiryDate.IsZero()) {
		return Entry{}, ErrMissingExpiry
	}
	if e.ExpiryDate != nil {
		d := e.ExpiryDate.UTC().Truncate(24 * time.Hour)
		e.ExpiryDate = &d
	}
	e.SourceDocument = strings.TrimSpace(e.SourceDocument)
	return e, nil
}
