package stocktake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/pharmacore/pharmacore/internal/rbac"
	"github.com/pharmacore/pharmacore/internal/shared"
)

const sessionCodeAttempts = 3

// errSessionCodeTaken is returned by the repository when the generated code collides.
var errSessionCodeTaken = errors.New("stocktake: session code taken")

// newSessionCode returns the internal code stored with the session row.
func newSessionCode() string {
	raw := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "ST-" + raw[:12]
}

// Start opens a session and puts the branch into counting mode.
func (s *Service) Start(ctx context.Context, actor rbac.Actor, branchID int64) (Session, error) {
	if err := authorize(actor, rbac.CapStockTakeManage); err != nil {
		return Session{}, err
	}
	if branchID <= 0 {
		return Session{}, fmt.Errorf("stocktake: branch required")
	}
	if s.deps.Documents != nil {
		docs, err := s.deps.Documents.OpenDocuments(ctx, branchID)
		if err != nil {
			return Session{}, err
		}
		if len(docs) > 0 {
			return Session{}, &OpenDocumentsError{Documents: docs}
		}
	}

	var session Session
	var err error
	for attempt := 0; attempt < sessionCodeAttempts; attempt++ {
		err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			active, err := tx.LockBranch(ctx, branchID)
			if err != nil {
				return err
			}
			if active != 0 {
				return ErrSessionAlreadyActive
			}
			session, err = tx.InsertSession(ctx, Session{
				BranchID:  branchID,
				Status:    SessionActive,
				StartedAt: s.now().UTC(),
				StartedBy: actor.ID,
			}, newSessionCode())
			if err != nil {
				return err
			}
			return tx.SetBranchCounting(ctx, branchID, session.ID)
		})
		if !errors.Is(err, errSessionCodeTaken) {
			break
		}
	}
	if err != nil {
		return Session{}, err
	}
	s.logger.Info("stock take started", slog.Int64("session_id", session.ID), slog.Int64("branch_id", branchID), slog.Int64("actor_id", actor.ID))
	s.audit(ctx, actor, "stocktake:start", "stock_take_session", strconv.FormatInt(session.ID, 10), map[string]any{"branch_id": branchID})
	return session, nil
}

// Get returns a session by id.
func (s *Service) Get(ctx context.Context, id int64) (Session, error) {
	return s.repo.GetSession(ctx, id)
}

// ActiveForBranch returns the active session of a branch or ErrSessionNotFound.
func (s *Service) ActiveForBranch(ctx context.Context, branchID int64) (Session, error) {
	return s.repo.ActiveSession(ctx, branchID)
}

// List returns the sessions of a branch, newest first.
func (s *Service) List(ctx context.Context, branchID int64) ([]Session, error) {
	return s.repo.ListSessions(ctx, branchID)
}

// Complete reconciles the approved counts into the ledger and closes the
// session. On any failure nothing is written and the session stays active.
func (s *Service) Complete(ctx context.Context, actor rbac.Actor, sessionID int64) (CompletionResult, error) {
	if err := authorize(actor, rbac.CapStockTakeManage); err != nil {
		return CompletionResult{}, err
	}
	if s.deps.Locker != nil {
		release, ok, err := s.deps.Locker.TryLock(ctx, shared.StockTakeCompletionLockKey(sessionID), s.opts.LockTTL)
		if err != nil {
			return CompletionResult{}, err
		}
		if !ok {
			return CompletionResult{}, ErrCompletionInProgress
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("stocktake release lock", slog.Int64("session_id", sessionID), slog.Any("error", err))
			}
		}()
	}

	var result CompletionResult
	err := s.repo.WithCompletionTx(ctx, func(ctx context.Context, tx TxRepository) error {
		session, err := tx.GetSessionForUpdate(ctx, sessionID)
		if err != nil {
			return err
		}
		if session.Status != SessionActive {
			return ErrSessionNotActive
		}
		if err := tx.ClaimCompletion(ctx, shared.StockTakeCompletionKey(sessionID)); err != nil {
			return err
		}
		pending, err := tx.PendingShelves(ctx, sessionID)
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			return &UnresolvedShelvesError{Shelves: pending}
		}
		adjustments, reconciled, err := s.reconcile(ctx, tx, actor, session)
		if err != nil {
			return err
		}
		completed, err := tx.MarkSessionCompleted(ctx, sessionID, actor.ID, s.now().UTC())
		if err != nil {
			return err
		}
		if err := tx.ClearBranchCounting(ctx, session.BranchID, sessionID); err != nil {
			return err
		}
		result = CompletionResult{Session: completed, Adjustments: adjustments, Reconciled: reconciled}
		return nil
	})
	if err != nil {
		return CompletionResult{}, err
	}

	s.logger.Info("stock take completed",
		slog.Int64("session_id", sessionID),
		slog.Int64("branch_id", result.Session.BranchID),
		slog.Int("adjustments", len(result.Adjustments)),
		slog.Int("reconciled", result.Reconciled))
	s.audit(ctx, actor, "stocktake:complete", "stock_take_session", strconv.FormatInt(sessionID, 10), map[string]any{
		"branch_id":   result.Session.BranchID,
		"adjustments": len(result.Adjustments),
	})
	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionCompleted(len(result.Adjustments))
	}
	if s.deps.Notifier != nil {
		if err := s.deps.Notifier.StockTakeCompleted(ctx, result); err != nil {
			s.logger.Warn("stocktake notify completion", slog.Int64("session_id", sessionID), slog.Any("error", err))
		}
	}
	return result, nil
}

func activeSession(ctx context.Context, tx TxRepository, sessionID int64) (Session, error) {
	session, err := tx.GetSession(ctx, sessionID)
	if err != nil {
		return Session{}, err
	}
	if session.Status != SessionActive {
		return Session{}, ErrSessionNotActive
	}
	return session, nil
}
