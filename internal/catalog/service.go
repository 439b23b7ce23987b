package catalog

import (
	"context"
	"fmt"
	"strings"
)

// RepositoryPort abstracts catalog persistence.
type RepositoryPort interface {
	GetItems(ctx context.Context, ids []int64) ([]Item, error)
	ListUnits(ctx context.Context, itemIDs []int64) ([]ItemUnit, error)
	ReplaceUnits(ctx context.Context, itemID int64, units []ItemUnit) error
}

// Service serves item definitions and unit conversions.
type Service struct {
	repo RepositoryPort
}

// NewService builds Service.
func NewService(repo RepositoryPort) *Service {
	return &Service{repo: repo}
}

// Lookup loads the definitions and unit tables of the given items.
func (s *Service) Lookup(ctx context.Context, ids ...int64) (Snapshot, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return NewSnapshot(nil, nil)
	}
	items, err := s.repo.GetItems(ctx, ids)
	if err != nil {
		return Snapshot{}, fmt.Errorf("catalog: load items: %w", err)
	}
	units, err := s.repo.ListUnits(ctx, ids)
	if err != nil {
		return Snapshot{}, fmt.Errorf("catalog: load units: %w", err)
	}
	return NewSnapshot(items, units)
}

// Item returns a single item definition.
func (s *Service) Item(ctx context.Context, id int64) (Item, error) {
	snap, err := s.Lookup(ctx, id)
	if err != nil {
		return Item{}, err
	}
	return snap.Item(id)
}

// Units lists the registered units of an item.
func (s *Service) Units(ctx context.Context, itemID int64) ([]ItemUnit, error) {
	snap, err := s.Lookup(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if _, err := snap.Item(itemID); err != nil {
		return nil, err
	}
	return snap.Units().Units(itemID), nil
}

// RegisterUnits replaces the unit table of an item.
func (s *Service) RegisterUnits(ctx context.Context, itemID int64, units []ItemUnit) ([]ItemUnit, error) {
	if _, err := s.Item(ctx, itemID); err != nil {
		return nil, err
	}
	normalized := make([]ItemUnit, 0, len(units))
	for _, u := range units {
		u.ItemID = itemID
		u.UnitName = strings.TrimSpace(u.UnitName)
		normalized = append(normalized, u)
	}
	if err := ValidateUnits(normalized); err != nil {
		return nil, err
	}
	if err := s.repo.ReplaceUnits(ctx, itemID, normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}

func uniqueIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
