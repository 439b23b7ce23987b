package rbac

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates that the requested record does not exist.
var ErrNotFound = errors.New("rbac: not found")

// Service resolves actors from user records.
type Service struct {
	pool *pgxpool.Pool
}

// NewService constructs a Service backed by the provided pool.
func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// ResolveActor loads the role of an active user.
func (s *Service) ResolveActor(ctx context.Context, userID int64) (Actor, error) {
	var raw string
	err := s.pool.QueryRow(ctx, `SELECT role FROM users WHERE id=$1 AND is_active`, userID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Actor{}, ErrNotFound
		}
		return Actor{}, err
	}
	role, err := ParseRole(raw)
	if err != nil {
		return Actor{}, err
	}
	return Actor{ID: userID, Role: role}, nil
}
