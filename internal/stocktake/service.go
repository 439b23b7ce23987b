package stocktake

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pharmacore/pharmacore/internal/catalog"
	"github.com/pharmacore/pharmacore/internal/ledger"
	"github.com/pharmacore/pharmacore/internal/posting"
	"github.com/pharmacore/pharmacore/internal/rbac"
	"github.com/pharmacore/pharmacore/internal/shared"
)

// RepositoryPort abstracts persistence for the service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	// WithCompletionTx runs fn at read committed isolation. Statements issued
	// after GetSessionForUpdate see every count change committed while the
	// session lock was awaited.
	WithCompletionTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSession(ctx context.Context, id int64) (Session, error)
	ActiveSession(ctx context.Context, branchID int64) (Session, error)
	ListSessions(ctx context.Context, branchID int64) ([]Session, error)
	ListShelves(ctx context.Context, sessionID int64) ([]ShelfSummary, error)
	ListCounts(ctx context.Context, filter CountFilter) ([]Count, error)
}

// TxRepository exposes transactional operations.
type TxRepository interface {
	// LockBranch locks the branch row and returns its active session id, 0 when idle.
	LockBranch(ctx context.Context, branchID int64) (int64, error)
	InsertSession(ctx context.Context, s Session, code string) (Session, error)
	SetBranchCounting(ctx context.Context, branchID, sessionID int64) error
	ClearBranchCounting(ctx context.Context, branchID, sessionID int64) error
	// GetSession reads the session with a share lock so completion waits for in flight writes.
	GetSession(ctx context.Context, id int64) (Session, error)
	GetSessionForUpdate(ctx context.Context, id int64) (Session, error)
	MarkSessionCompleted(ctx context.Context, id, actorID int64, at time.Time) (Session, error)
	// ClaimCompletion stores the completion key of the session. It fails with
	// ErrSessionNotActive when the key exists.
	ClaimCompletion(ctx context.Context, key string) error

	AcquireShelf(ctx context.Context, sessionID int64, location string, ownerID int64, at time.Time) (Shelf, error)
	GetShelf(ctx context.Context, sessionID int64, location string) (Shelf, error)
	MarkShelfSubmitted(ctx context.Context, sessionID int64, location string, at *time.Time) error
	ShelfSummary(ctx context.Context, sessionID int64, location string) (ShelfSummary, error)

	FindEditableCount(ctx context.Context, key CountKey) (Count, bool, error)
	GetCountForUpdate(ctx context.Context, id int64) (Count, error)
	InsertCount(ctx context.Context, c Count) (Count, error)
	UpdateCount(ctx context.Context, c Count) (Count, error)
	DeleteCount(ctx context.Context, id int64) error

	ApproveShelfCounts(ctx context.Context, sessionID int64, location string, verifierID int64, at time.Time) (int, error)
	RejectShelfCounts(ctx context.Context, sessionID int64, location string, verifierID int64, reason string, at time.Time) (int, error)
	ResetRejectedCounts(ctx context.Context, sessionID int64, location string, counterID int64, at time.Time) (int, error)

	PendingShelves(ctx context.Context, sessionID int64) ([]string, error)
	ApprovedCounts(ctx context.Context, sessionID int64) ([]Count, error)

	Ledger() ledger.TxRepository
}

// CountKey identifies the row a recorded count upserts into.
type CountKey struct {
	SessionID   int64
	Shelf       string
	CountedBy   int64
	ItemID      int64
	BatchNumber *string
	ExpiryDate  *time.Time
	UnitName    string
}

// CatalogPort resolves item definitions and units.
type CatalogPort interface {
	Lookup(ctx context.Context, ids ...int64) (catalog.Snapshot, error)
}

// DocumentChecker lists drafts that block counting.
type DocumentChecker interface {
	OpenDocuments(ctx context.Context, branchID int64) ([]posting.DocumentRef, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Locker serialises completion across instances.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error)
}

// Notifier is told about completed sessions after commit.
type Notifier interface {
	StockTakeCompleted(ctx context.Context, result CompletionResult) error
}

// MetricsPort records stock-take activity.
type MetricsPort interface {
	CountRecorded()
	ShelfVerified(outcome string)
	SessionCompleted(adjustments int)
}

// Options carries tunables from configuration.
type Options struct {
	DefaultCost decimal.Decimal
	LockTTL     time.Duration
}

// Dependencies groups the optional collaborators of Service.
type Dependencies struct {
	Documents DocumentChecker
	Audit     AuditPort
	Locker    Locker
	Notifier  Notifier
	Metrics   MetricsPort
}

// Service implements the stock-take workflow.
type Service struct {
	repo    RepositoryPort
	catalog CatalogPort
	deps    Dependencies
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, catalog CatalogPort, deps Dependencies, opts Options, logger *slog.Logger) *Service {
	if opts.LockTTL <= 0 {
		opts.LockTTL = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, catalog: catalog, deps: deps, opts: opts, logger: logger, now: time.Now}
}

func authorize(actor rbac.Actor, caps ...rbac.Capability) error {
	if err := rbac.Authorize(actor, caps...); err != nil {
		return fmt.Errorf("stocktake: %w", err)
	}
	return nil
}

func (s *Service) audit(ctx context.Context, actor rbac.Actor, action, entity, id string, meta map[string]any) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.Record(ctx, shared.AuditLog{ActorID: actor.ID, Action: action, Entity: entity, EntityID: id, Meta: meta, At: s.now().UTC()}); err != nil {
		s.logger.Warn("stocktake audit failed", slog.String("action", action), slog.Any("error", err))
	}
}
