package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository persists catalog data in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) GetItems(ctx context.Context, ids []int64) ([]Item, error) {
	if r == nil {
		return nil, errors.New("catalog repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT id, name, base_unit, requires_batch_tracking, requires_expiry_tracking
FROM items WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []Item{}
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.Name, &it.BaseUnit, &it.RequiresBatchTracking, &it.RequiresExpiryTracking); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

func (r *Repository) ListUnits(ctx context.Context, itemIDs []int64) ([]ItemUnit, error) {
	if r == nil {
		return nil, errors.New("catalog repository not initialised")
	}
	rows, err := r.pool.Query(ctx, `SELECT item_id, unit_name, multiplier_to_base, is_default
FROM item_units WHERE item_id = ANY($1) ORDER BY item_id, multiplier_to_base`, itemIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	units := []ItemUnit{}
	for rows.Next() {
		var u ItemUnit
		if err := rows.Scan(&u.ItemID, &u.UnitName, &u.MultiplierToBase, &u.IsDefault); err != nil {
			return nil, err
		}
		units = append(units, u)
	}
	return units, rows.Err()
}

// ReplaceUnits swaps the unit table of an item in one transaction.
func (r *Repository) ReplaceUnits(ctx context.Context, itemID int64, units []ItemUnit) error {
	if r == nil {
		return errors.New("catalog repository not initialised")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if _, err := tx.Exec(ctx, `DELETE FROM item_units WHERE item_id=$1`, itemID); err != nil {
		return err
	}
	batch := &pgx.Batch{}
	for _, u := range units {
		batch.Queue(`INSERT INTO item_units (item_id, unit_name, multiplier_to_base, is_default) VALUES ($1,$2,$3,$4)`,
			itemID, u.UnitName, u.MultiplierToBase, u.IsDefault)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
