package posting

import (
	"context"
)

// RepositoryPort abstracts persistence for the gate.
type RepositoryPort interface {
	ListDraftDocuments(ctx context.Context, branchID int64) ([]DocumentRef, error)
}

// Gate reports the drafts that keep a branch from starting a stock take.
type Gate struct {
	repo RepositoryPort
}

// NewGate constructs Gate.
func NewGate(repo RepositoryPort) *Gate {
	return &Gate{repo: repo}
}

// CheckOpen fails with ErrBranchCounting when sessionID names the active
// stock take of the branch. Writers read sessionID from the branch row inside
// the transaction that posts, holding a share lock on it.
func CheckOpen(branchID, sessionID int64) error {
	if sessionID != 0 {
		return &CountingError{BranchID: branchID, SessionID: sessionID}
	}
	return nil
}

// OpenDocuments lists the draft sales invoices, goods received notes and
// credit notes of the branch.
func (g *Gate) OpenDocuments(ctx context.Context, branchID int64) ([]DocumentRef, error) {
	docs, err := g.repo.ListDraftDocuments(ctx, branchID)
	if err != nil {
		return nil, err
	}
	if docs == nil {
		docs = []DocumentRef{}
	}
	return docs, nil
}
