package catalog

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Item is the read-only catalog view consumed by the ledger and stock take.
type Item struct {
	ID                     int64  `json:"id"`
	Name                   string `json:"name"`
	BaseUnit               string `json:"base_unit"`
	RequiresBatchTracking  bool   `json:"requires_batch_tracking"`
	RequiresExpiryTracking bool   `json:"requires_expiry_tracking"`
}

// ItemUnit maps a named unit of an item to its base unit multiplier.
type ItemUnit struct {
	ItemID           int64           `json:"item_id"`
	UnitName         string          `json:"unit_name"`
	MultiplierToBase decimal.Decimal `json:"multiplier_to_base"`
	IsDefault        bool            `json:"is_default"`
}

var (
	// ErrUnknownUnit indicates the unit is not registered for the item.
	ErrUnknownUnit = errors.New("catalog: unknown unit for item")
	// ErrItemNotFound indicates a missing item.
	ErrItemNotFound = errors.New("catalog: item not found")
	// ErrInvalidMultiplier indicates a non positive multiplier.
	ErrInvalidMultiplier = errors.New("catalog: multiplier must be greater than zero")
	// ErrDuplicateUnit indicates two units share the same case-insensitive name.
	ErrDuplicateUnit = errors.New("catalog: unit name must be unique per item")
	// ErrDefaultUnit indicates zero or several default units.
	ErrDefaultUnit = errors.New("catalog: exactly one default unit required")
	// ErrUnitNameRequired indicates an empty unit name.
	ErrUnitNameRequired = errors.New("catalog: unit name required")
)
