// Package stocktake runs branch stock counts: sessions, shelf counting,
// verification and reconciliation into the ledger.
package stocktake

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"

	"github.com/pharmacore/pharmacore/internal/posting"
	"github.com/pharmacore/pharmacore/internal/rbac"
)

// SessionStatus enumerates the lifecycle states of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "ACTIVE"
	SessionCompleted SessionStatus = "COMPLETED"
)

// VerificationStatus enumerates review states of a count.
type VerificationStatus string

const (
	StatusPending  VerificationStatus = "PENDING"
	StatusApproved VerificationStatus = "APPROVED"
	StatusRejected VerificationStatus = "REJECTED"
)

// Session is a branch scoped counting exercise.
type Session struct {
	ID          int64         `json:"id"`
	BranchID    int64         `json:"branch_id"`
	Status      SessionStatus `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	StartedBy   int64         `json:"started_by"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	CompletedBy *int64        `json:"completed_by,omitempty"`
}

// Count is one counted line on a shelf.
type Count struct {
	ID                 int64              `json:"id"`
	SessionID          int64              `json:"session_id"`
	ShelfLocation      string             `json:"shelf_location"`
	ItemID             int64              `json:"item_id"`
	BatchNumber        *string            `json:"batch_number,omitempty"`
	ExpiryDate         *time.Time         `json:"expiry_date,omitempty"`
	UnitName           string             `json:"unit_name"`
	QuantityInUnit     decimal.Decimal    `json:"quantity_in_unit"`
	CountedQuantity    decimal.Decimal    `json:"counted_quantity"`
	CountedBy          int64              `json:"counted_by"`
	Notes              string             `json:"notes,omitempty"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	VerifiedBy         *int64             `json:"verified_by,omitempty"`
	VerifiedAt         *time.Time         `json:"verified_at,omitempty"`
	RejectionReason    *string            `json:"rejection_reason,omitempty"`
	CreatedAt          time.Time          `json:"created_at"`
	UpdatedAt          time.Time          `json:"updated_at"`
}

// Editable reports whether the owning counter may still change the count.
func (c Count) Editable() bool {
	return c.VerificationStatus == StatusPending || c.VerificationStatus == StatusRejected
}

// Shelf records which counter owns a shelf name within a session.
type Shelf struct {
	SessionID   int64      `json:"session_id"`
	Location    string     `json:"location"`
	OwnerID     int64      `json:"owner_id"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
}

// ShelfSummary is the verification view of a shelf.
type ShelfSummary struct {
	Location   string             `json:"location"`
	OwnerID    int64              `json:"owner_id"`
	Status     VerificationStatus `json:"status"`
	Submitted  bool               `json:"submitted"`
	CountTotal int                `json:"count_total"`
	Pending    int                `json:"pending"`
	Approved   int                `json:"approved"`
	Rejected   int                `json:"rejected"`
}

// AggregateStatus derives the shelf status from its count tallies.
func AggregateStatus(pending, approved, rejected int) VerificationStatus {
	switch {
	case rejected > 0:
		return StatusRejected
	case pending == 0 && approved > 0:
		return StatusApproved
	default:
		return StatusPending
	}
}

// Adjustment is one reconciliation line for an item or item batch.
type Adjustment struct {
	ItemID      int64           `json:"item_id"`
	BatchNumber *string         `json:"batch_number,omitempty"`
	ExpiryDate  *time.Time      `json:"expiry_date,omitempty"`
	Expected    decimal.Decimal `json:"expected"`
	Counted     decimal.Decimal `json:"counted"`
	Delta       decimal.Decimal `json:"delta"`
	UnitCost    decimal.Decimal `json:"unit_cost"`
	// NewBatch marks a batch the ledger had never received.
	NewBatch bool `json:"new_batch"`
}

// CompletionResult describes a completed session.
type CompletionResult struct {
	Session     Session      `json:"session"`
	Adjustments []Adjustment `json:"adjustments"`
	Reconciled  int          `json:"reconciled"`
}

// CountFilter narrows ListCounts.
type CountFilter struct {
	SessionID int64
	Shelf     string
	CountedBy int64
	Status    VerificationStatus
}

var (
	// ErrSessionNotFound indicates a missing session.
	ErrSessionNotFound = errors.New("stocktake: session not found")
	// ErrCountNotFound indicates a missing count.
	ErrCountNotFound = errors.New("stocktake: count not found")
	// ErrSessionAlreadyActive indicates the branch already counts.
	ErrSessionAlreadyActive = errors.New("stocktake: branch already has an active session")
	// ErrOpenDocumentsExist indicates unposted documents block the start.
	ErrOpenDocumentsExist = errors.New("stocktake: branch has open documents")
	// ErrShelvesNotResolved indicates pending counts block completion.
	ErrShelvesNotResolved = errors.New("stocktake: shelves still pending verification")
	// ErrCountLocked indicates an approved count.
	ErrCountLocked = errors.New("stocktake: count is approved and locked")
	// ErrSessionNotActive indicates the session is completed.
	ErrSessionNotActive = errors.New("stocktake: session is not active")
	// ErrShelfNameTaken indicates another counter owns the shelf.
	ErrShelfNameTaken = errors.New("stocktake: shelf name is used by another counter")
	// ErrShelfNotFound indicates no counts exist under the shelf name.
	ErrShelfNotFound = errors.New("stocktake: shelf not found")
	// ErrShelfRequired indicates an empty shelf location.
	ErrShelfRequired = errors.New("stocktake: shelf location required")
	// ErrMissingBatchInfo indicates a batch tracked item counted without batch.
	ErrMissingBatchInfo = errors.New("stocktake: batch number required")
	// ErrMissingExpiryInfo indicates an expiry tracked item counted without expiry.
	ErrMissingExpiryInfo = errors.New("stocktake: expiry date required")
	// ErrInvalidQuantity indicates a negative quantity.
	ErrInvalidQuantity = errors.New("stocktake: quantity must not be negative")
	// ErrReasonRequired indicates a rejection without reason.
	ErrReasonRequired = errors.New("stocktake: rejection reason required")
	// ErrConflict indicates a lost race; retry with fresh data.
	ErrConflict = errors.New("stocktake: concurrent update, retry")
	// ErrCompletionInProgress indicates another completion holds the lock.
	ErrCompletionInProgress = errors.New("stocktake: completion already in progress")
	// ErrReconciliationFailed indicates no adjustment was written.
	ErrReconciliationFailed = errors.New("stocktake: reconciliation failed")
	// ErrForbidden indicates the actor role may not perform the operation.
	ErrForbidden = rbac.ErrForbidden
)

// OpenDocumentsError lists the drafts blocking a session start.
type OpenDocumentsError struct {
	Documents []posting.DocumentRef
}

func (e *OpenDocumentsError) Error() string {
	refs := make([]string, 0, len(e.Documents))
	for _, d := range e.Documents {
		refs = append(refs, d.String())
	}
	return fmt.Sprintf("%s: %s", ErrOpenDocumentsExist, strings.Join(refs, ", "))
}

func (e *OpenDocumentsError) Unwrap() error { return ErrOpenDocumentsExist }

// UnresolvedShelvesError lists shelves that still hold pending counts.
type UnresolvedShelvesError struct {
	Shelves []string
}

func (e *UnresolvedShelvesError) Error() string {
	return fmt.Sprintf("%s: %s", ErrShelvesNotResolved, strings.Join(e.Shelves, ", "))
}

func (e *UnresolvedShelvesError) Unwrap() error { return ErrShelvesNotResolved }

// AdjustmentFailure names one line that could not be written.
type AdjustmentFailure struct {
	ItemID      int64   `json:"item_id"`
	BatchNumber *string `json:"batch_number,omitempty"`
	Reason      string  `json:"reason"`
}

// ReconciliationError reports every line that failed. The session stays active.
type ReconciliationError struct {
	Failed []AdjustmentFailure
}

func (e *ReconciliationError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		label := fmt.Sprintf("item %d", f.ItemID)
		if f.BatchNumber != nil {
			label += " batch " + *f.BatchNumber
		}
		parts = append(parts, label+": "+f.Reason)
	}
	return fmt.Sprintf("%s: %s", ErrReconciliationFailed, strings.Join(parts, "; "))
}

func (e *ReconciliationError) Unwrap() error { return ErrReconciliationFailed }

// ShelfKey folds a shelf location so "a1" and " A1 " name the same shelf.
func ShelfKey(location string) string {
	return cases.Fold().String(normalizeLocation(location))
}

func normalizeLocation(location string) string {
	return strings.Join(strings.Fields(location), " ")
}
