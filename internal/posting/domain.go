// Package posting exposes the contract the sales, purchase and credit note
// flows consult before they write to a branch ledger.
package posting

import (
	"errors"
	"fmt"
	"time"
)

// DocumentKind identifies the document tables that can hold drafts.
type DocumentKind string

const (
	KindSalesInvoice DocumentKind = "SALES_INVOICE"
	KindPurchaseGRN  DocumentKind = "PURCHASE_GRN"
	KindCreditNote   DocumentKind = "CREDIT_NOTE"
)

// DocumentRef points to an unposted document of a branch.
type DocumentRef struct {
	Kind      DocumentKind `json:"kind"`
	ID        int64        `json:"id"`
	Number    string       `json:"number"`
	CreatedAt time.Time    `json:"created_at"`
}

func (d DocumentRef) String() string {
	return fmt.Sprintf("%s %s", d.Kind, d.Number)
}

var (
	// ErrBranchCounting indicates the branch is in counting mode.
	ErrBranchCounting = errors.New("posting: branch is counting stock")
	// ErrBranchNotFound indicates an unknown branch.
	ErrBranchNotFound = errors.New("posting: branch not found")
)

// CountingError carries the session holding the branch.
type CountingError struct {
	BranchID  int64
	SessionID int64
}

func (e *CountingError) Error() string {
	return fmt.Sprintf("posting: branch %d is counting stock (session %d)", e.BranchID, e.SessionID)
}

func (e *CountingError) Unwrap() error { return ErrBranchCounting }
