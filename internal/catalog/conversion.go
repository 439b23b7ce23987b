package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
)

// UnitTable indexes item units by item id and folded unit name.
type UnitTable struct {
	units map[int64]map[string]ItemUnit
}

// NewUnitTable builds a table after validating the per-item unit invariants.
func NewUnitTable(units []ItemUnit) (*UnitTable, error) {
	grouped := make(map[int64][]ItemUnit)
	for _, u := range units {
		grouped[u.ItemID] = append(grouped[u.ItemID], u)
	}
	table := &UnitTable{units: make(map[int64]map[string]ItemUnit, len(grouped))}
	for itemID, list := range grouped {
		if err := ValidateUnits(list); err != nil {
			return nil, fmt.Errorf("item %d: %w", itemID, err)
		}
		index := make(map[string]ItemUnit, len(list))
		for _, u := range list {
			u.UnitName = strings.TrimSpace(u.UnitName)
			index[FoldUnitName(u.UnitName)] = u
		}
		table.units[itemID] = index
	}
	return table, nil
}

// ValidateUnits checks the unit list of a single item.
func ValidateUnits(units []ItemUnit) error {
	seen := make(map[string]struct{}, len(units))
	defaults := 0
	for _, u := range units {
		name := FoldUnitName(u.UnitName)
		if name == "" {
			return ErrUnitNameRequired
		}
		if _, ok := seen[name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateUnit, u.UnitName)
		}
		seen[name] = struct{}{}
		if !u.MultiplierToBase.IsPositive() {
			return fmt.Errorf("%w: %s", ErrInvalidMultiplier, u.UnitName)
		}
		if u.IsDefault {
			defaults++
		}
	}
	if defaults != 1 {
		return ErrDefaultUnit
	}
	return nil
}

// FoldUnitName normalises a unit name for case-insensitive lookups.
func FoldUnitName(name string) string {
	return cases.Fold().String(strings.TrimSpace(name))
}

// Lookup returns the unit registered for the item.
func (t *UnitTable) Lookup(itemID int64, unitName string) (ItemUnit, error) {
	if t != nil {
		if index, ok := t.units[itemID]; ok {
			if unit, ok := index[FoldUnitName(unitName)]; ok {
				return unit, nil
			}
		}
	}
	return ItemUnit{}, fmt.Errorf("%w: %q", ErrUnknownUnit, unitName)
}

// ConvertToBase converts quantity in the named unit to base units.
func (t *UnitTable) ConvertToBase(itemID int64, unitName string, qty decimal.Decimal) (decimal.Decimal, ItemUnit, error) {
	unit, err := t.Lookup(itemID, unitName)
	if err != nil {
		return decimal.Zero, ItemUnit{}, err
	}
	return qty.Mul(unit.MultiplierToBase), unit, nil
}

// FromBase converts a base-unit quantity back into the named unit.
func (t *UnitTable) FromBase(itemID int64, unitName string, base decimal.Decimal) (decimal.Decimal, error) {
	unit, err := t.Lookup(itemID, unitName)
	if err != nil {
		return decimal.Zero, err
	}
	return base.Div(unit.MultiplierToBase), nil
}

// DefaultUnit returns the default unit of an item.
func (t *UnitTable) DefaultUnit(itemID int64) (ItemUnit, bool) {
	if t == nil {
		return ItemUnit{}, false
	}
	for _, u := range t.units[itemID] {
		if u.IsDefault {
			return u, true
		}
	}
	return ItemUnit{}, false
}

// Units lists the units of an item.
func (t *UnitTable) Units(itemID int64) []ItemUnit {
	if t == nil {
		return nil
	}
	out := make([]ItemUnit, 0, len(t.units[itemID]))
	for _, u := range t.units[itemID] {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].MultiplierToBase.Cmp(out[j].MultiplierToBase); c != 0 {
			return c < 0
		}
		return out[i].UnitName < out[j].UnitName
	})
	return out
}

// Snapshot bundles item definitions with their unit table.
type Snapshot struct {
	items map[int64]Item
	units *UnitTable
}

// NewSnapshot builds a Snapshot from loaded rows.
func NewSnapshot(items []Item, units []ItemUnit) (Snapshot, error) {
	table, err := NewUnitTable(units)
	if err != nil {
		return Snapshot{}, err
	}
	index := make(map[int64]Item, len(items))
	for _, it := range items {
		index[it.ID] = it
	}
	return Snapshot{items: index, units: table}, nil
}

// Item returns the item definition.
func (s Snapshot) Item(id int64) (Item, error) {
	item, ok := s.items[id]
	if !ok {
		return Item{}, fmt.Errorf("%w: %d", ErrItemNotFound, id)
	}
	return item, nil
}

// Units exposes the unit table.
func (s Snapshot) Units() *UnitTable {
	return s.units
}

// ConvertToBase converts using the snapshot unit table.
func (s Snapshot) ConvertToBase(itemID int64, unitName string, qty decimal.Decimal) (decimal.Decimal, ItemUnit, error) {
	if _, err := s.Item(itemID); err != nil {
		return decimal.Zero, ItemUnit{}, err
	}
	return s.units.ConvertToBase(itemID, unitName, qty)
}
