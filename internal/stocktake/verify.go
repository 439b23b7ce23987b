package stocktake

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/pharmacore/pharmacore/internal/rbac"
)

// ListShelves returns every shelf of the session with its aggregate status.
func (s *Service) ListShelves(ctx context.Context, sessionID int64) ([]ShelfSummary, error) {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.repo.ListShelves(ctx, sessionID)
}

// ApproveShelf approves the PENDING counts of a shelf. Counts approved
// earlier keep their verifier and timestamp.
func (s *Service) ApproveShelf(ctx context.Context, actor rbac.Actor, sessionID int64, location string) (ShelfSummary, error) {
	if err := authorize(actor, rbac.CapStockTakeVerify); err != nil {
		return ShelfSummary{}, err
	}
	var changed int
	summary, err := s.review(ctx, sessionID, location, func(ctx context.Context, tx TxRepository, shelf string) error {
		var err error
		changed, err = tx.ApproveShelfCounts(ctx, sessionID, shelf, actor.ID, s.now().UTC())
		return err
	})
	if err != nil {
		return ShelfSummary{}, err
	}
	if changed > 0 {
		s.verified(ctx, actor, "approve", sessionID, summary, nil)
	}
	return summary, nil
}

// RejectShelf rejects the PENDING counts of a shelf and returns it to the
// counter for correction.
func (s *Service) RejectShelf(ctx context.Context, actor rbac.Actor, sessionID int64, location, reason string) (ShelfSummary, error) {
	if err := authorize(actor, rbac.CapStockTakeVerify); err != nil {
		return ShelfSummary{}, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return ShelfSummary{}, ErrReasonRequired
	}
	var changed int
	summary, err := s.review(ctx, sessionID, location, func(ctx context.Context, tx TxRepository, shelf string) error {
		var err error
		changed, err = tx.RejectShelfCounts(ctx, sessionID, shelf, actor.ID, reason, s.now().UTC())
		if err != nil {
			return err
		}
		return tx.MarkShelfSubmitted(ctx, sessionID, shelf, nil)
	})
	if err != nil {
		return ShelfSummary{}, err
	}
	if changed > 0 {
		s.verified(ctx, actor, "reject", sessionID, summary, map[string]any{"reason": reason})
	}
	return summary, nil
}

// RevertCount moves an APPROVED count back to PENDING. Admin only.
func (s *Service) RevertCount(ctx context.Context, actor rbac.Actor, sessionID, countID int64) (Count, error) {
	if !actor.IsAdmin() {
		return Count{}, fmt.Errorf("stocktake: %w: revert requires admin", ErrForbidden)
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
		if count.VerificationStatus != StatusApproved {
			stored = count
			return nil
		}
		resetReview(&count)
		count.UpdatedAt = s.now().UTC()
		stored, err = tx.UpdateCount(ctx, count)
		return err
	})
	if err != nil {
		return Count{}, err
	}
	s.audit(ctx, actor, "stocktake:count_revert", "stock_take_count", strconv.FormatInt(countID, 10), map[string]any{
		"session_id": sessionID,
		"shelf":      stored.ShelfLocation,
	})
	return stored, nil
}

func (s *Service) review(ctx context.Context, sessionID int64, location string, apply func(context.Context, TxRepository, string) error) (ShelfSummary, error) {
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
		current, err := tx.ShelfSummary(ctx, sessionID, shelf.Location)
		if err != nil {
			return err
		}
		if current.CountTotal == 0 {
			return fmt.Errorf("%w: %s", ErrShelfNotFound, shelf.Location)
		}
		if err := apply(ctx, tx, shelf.Location); err != nil {
			return err
		}
		summary, err = tx.ShelfSummary(ctx, sessionID, shelf.Location)
		return err
	})
	return summary, err
}

func (s *Service) verified(ctx context.Context, actor rbac.Actor, outcome string, sessionID int64, summary ShelfSummary, extra map[string]any) {
	meta := map[string]any{"session_id": sessionID, "shelf": summary.Location, "status": string(summary.Status)}
	for k, v := range extra {
		meta[k] = v
	}
	s.audit(ctx, actor, "stocktake:shelf_"+outcome, "stock_take_shelf", fmt.Sprintf("%d:%s", sessionID, summary.Location), meta)
	if s.deps.Metrics != nil {
		s.deps.Metrics.ShelfVerified(outcome)
	}
}
