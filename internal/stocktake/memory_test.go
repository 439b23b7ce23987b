package stocktake

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pharmacore/pharmacore/internal/ledger"
	"github.com/pharmacore/pharmacore/internal/posting"
	"github.com/pharmacore/pharmacore/internal/shared"
)

type memoryState struct {
	branches map[int64]int64
	sessions map[int64]Session
	codes    map[string]bool
	shelves  map[string]Shelf
	counts   map[int64]Count
	keys     map[string]bool
	entries  []ledger.Entry
	nextID   int64
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		branches: make(map[int64]int64, len(s.branches)),
		sessions: make(map[int64]Session, len(s.sessions)),
		codes:    make(map[string]bool, len(s.codes)),
		shelves:  make(map[string]Shelf, len(s.shelves)),
		counts:   make(map[int64]Count, len(s.counts)),
		keys:     make(map[string]bool, len(s.keys)),
		entries:  append([]ledger.Entry(nil), s.entries...),
		nextID:   s.nextID,
	}
	for k, v := range s.branches {
		c.branches[k] = v
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	for k, v := range s.codes {
		c.codes[k] = v
	}
	for k, v := range s.shelves {
		c.shelves[k] = v
	}
	for k, v := range s.counts {
		c.counts[k] = v
	}
	for k, v := range s.keys {
		c.keys[k] = v
	}
	return c
}

type memoryRepo struct {
	state *memoryState
	// failInsertItem makes ledger inserts for the item fail.
	failInsertItem int64
	// whileLocking runs while a completion waits for the session lock and
	// stands for writers that commit in that window.
	whileLocking func(r *memoryRepo)
}

func newMemoryRepo(branches ...int64) *memoryRepo {
	state := &memoryState{
		branches: map[int64]int64{},
		sessions: map[int64]Session{},
		codes:    map[string]bool{},
		shelves:  map[string]Shelf{},
		counts:   map[int64]Count{},
		keys:     map[string]bool{},
	}
	for _, b := range branches {
		state.branches[b] = 0
	}
	return &memoryRepo{state: state}
}

func shelfMapKey(sessionID int64, location string) string {
	return fmt.Sprintf("%d|%s", sessionID, ShelfKey(location))
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	work := r.state.clone()
	if err := fn(ctx, &memoryTx{repo: r, state: work}); err != nil {
		return err
	}
	r.state = work
	return nil
}

// WithCompletionTx refreshes the working state once the session lock is
// taken, the way a read committed statement sees newly committed rows.
func (r *memoryRepo) WithCompletionTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	work := r.state.clone()
	if err := fn(ctx, &memoryTx{repo: r, state: work, readCommitted: true}); err != nil {
		return err
	}
	r.state = work
	return nil
}

func (r *memoryRepo) GetSession(ctx context.Context, id int64) (Session, error) {
	s, ok := r.state.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (r *memoryRepo) ActiveSession(ctx context.Context, branchID int64) (Session, error) {
	for _, s := range r.state.sessions {
		if s.BranchID == branchID && s.Status == SessionActive {
			return s, nil
		}
	}
	return Session{}, ErrSessionNotFound
}

func (r *memoryRepo) ListSessions(ctx context.Context, branchID int64) ([]Session, error) {
	out := []Session{}
	for _, s := range r.state.sessions {
		if s.BranchID == branchID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r *memoryRepo) ListShelves(ctx context.Context, sessionID int64) ([]ShelfSummary, error) {
	tx := &memoryTx{repo: r, state: r.state}
	out := []ShelfSummary{}
	for _, shelf := range r.state.shelves {
		if shelf.SessionID != sessionID {
			continue
		}
		sum, err := tx.ShelfSummary(ctx, sessionID, shelf.Location)
		if err != nil {
			return nil, err
		}
		if sum.CountTotal == 0 {
			continue
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return ShelfKey(out[i].Location) < ShelfKey(out[j].Location) })
	return out, nil
}

func (r *memoryRepo) ListCounts(ctx context.Context, filter CountFilter) ([]Count, error) {
	out := []Count{}
	for _, c := range r.state.counts {
		if c.SessionID != filter.SessionID {
			continue
		}
		if filter.Shelf != "" && ShelfKey(c.ShelfLocation) != ShelfKey(filter.Shelf) {
			continue
		}
		if filter.CountedBy != 0 && c.CountedBy != filter.CountedBy {
			continue
		}
		if filter.Status != "" && c.VerificationStatus != filter.Status {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memoryTx struct {
	repo          *memoryRepo
	state         *memoryState
	readCommitted bool
}

func (t *memoryTx) id() int64 {
	t.state.nextID++
	return t.state.nextID
}

func (t *memoryTx) LockBranch(ctx context.Context, branchID int64) (int64, error) {
	active, ok := t.state.branches[branchID]
	if !ok {
		return 0, posting.ErrBranchNotFound
	}
	return active, nil
}

func (t *memoryTx) InsertSession(ctx context.Context, s Session, code string) (Session, error) {
	if t.state.codes[code] {
		return Session{}, errSessionCodeTaken
	}
	for _, existing := range t.state.sessions {
		if existing.BranchID == s.BranchID && existing.Status == SessionActive {
			return Session{}, ErrSessionAlreadyActive
		}
	}
	s.ID = t.id()
	t.state.codes[code] = true
	t.state.sessions[s.ID] = s
	return s, nil
}

func (t *memoryTx) SetBranchCounting(ctx context.Context, branchID, sessionID int64) error {
	t.state.branches[branchID] = sessionID
	return nil
}

func (t *memoryTx) ClearBranchCounting(ctx context.Context, branchID, sessionID int64) error {
	if t.state.branches[branchID] == sessionID {
		t.state.branches[branchID] = 0
	}
	return nil
}

func (t *memoryTx) GetSession(ctx context.Context, id int64) (Session, error) {
	s, ok := t.state.sessions[id]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return s, nil
}

func (t *memoryTx) GetSessionForUpdate(ctx context.Context, id int64) (Session, error) {
	if hook := t.repo.whileLocking; hook != nil {
		t.repo.whileLocking = nil
		hook(t.repo)
	}
	if t.readCommitted {
		*t.state = *t.repo.state.clone()
	}
	return t.GetSession(ctx, id)
}

func (t *memoryTx) ClaimCompletion(ctx context.Context, key string) error {
	if t.state.keys[key] {
		return ErrSessionNotActive
	}
	t.state.keys[key] = true
	return nil
}

func (t *memoryTx) MarkSessionCompleted(ctx context.Context, id, actorID int64, at time.Time) (Session, error) {
	s, ok := t.state.sessions[id]
	if !ok || s.Status != SessionActive {
		return Session{}, ErrSessionNotFound
	}
	s.Status = SessionCompleted
	s.CompletedAt = &at
	s.CompletedBy = &actorID
	t.state.sessions[id] = s
	return s, nil
}

func (t *memoryTx) AcquireShelf(ctx context.Context, sessionID int64, location string, ownerID int64, at time.Time) (Shelf, error) {
	key := shelfMapKey(sessionID, location)
	if shelf, ok := t.state.shelves[key]; ok {
		return shelf, nil
	}
	shelf := Shelf{SessionID: sessionID, Location: location, OwnerID: ownerID}
	t.state.shelves[key] = shelf
	return shelf, nil
}

func (t *memoryTx) GetShelf(ctx context.Context, sessionID int64, location string) (Shelf, error) {
	shelf, ok := t.state.shelves[shelfMapKey(sessionID, location)]
	if !ok {
		return Shelf{}, fmt.Errorf("%w: %s", ErrShelfNotFound, location)
	}
	return shelf, nil
}

func (t *memoryTx) MarkShelfSubmitted(ctx context.Context, sessionID int64, location string, at *time.Time) error {
	key := shelfMapKey(sessionID, location)
	shelf := t.state.shelves[key]
	shelf.SubmittedAt = at
	t.state.shelves[key] = shelf
	return nil
}

func (t *memoryTx) ShelfSummary(ctx context.Context, sessionID int64, location string) (ShelfSummary, error) {
	shelf, err := t.GetShelf(ctx, sessionID, location)
	if err != nil {
		return ShelfSummary{}, err
	}
	sum := ShelfSummary{Location: shelf.Location, OwnerID: shelf.OwnerID, Submitted: shelf.SubmittedAt != nil}
	for _, c := range t.state.counts {
		if c.SessionID != sessionID || ShelfKey(c.ShelfLocation) != ShelfKey(location) {
			continue
		}
		sum.CountTotal++
		switch c.VerificationStatus {
		case StatusPending:
			sum.Pending++
		case StatusApproved:
			sum.Approved++
		case StatusRejected:
			sum.Rejected++
		}
	}
	sum.Status = AggregateStatus(sum.Pending, sum.Approved, sum.Rejected)
	return sum, nil
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

func (t *memoryTx) FindEditableCount(ctx context.Context, key CountKey) (Count, bool, error) {
	for _, c := range t.state.counts {
		if c.SessionID == key.SessionID && ShelfKey(c.ShelfLocation) == ShelfKey(key.Shelf) &&
			c.CountedBy == key.CountedBy && c.ItemID == key.ItemID && c.UnitName == key.UnitName &&
			sameString(c.BatchNumber, key.BatchNumber) && sameDate(c.ExpiryDate, key.ExpiryDate) && c.Editable() {
			return c, true, nil
		}
	}
	return Count{}, false, nil
}

func (t *memoryTx) GetCountForUpdate(ctx context.Context, id int64) (Count, error) {
	c, ok := t.state.counts[id]
	if !ok {
		return Count{}, ErrCountNotFound
	}
	return c, nil
}

func (t *memoryTx) InsertCount(ctx context.Context, c Count) (Count, error) {
	c.ID = t.id()
	t.state.counts[c.ID] = c
	return c, nil
}

func (t *memoryTx) UpdateCount(ctx context.Context, c Count) (Count, error) {
	if _, ok := t.state.counts[c.ID]; !ok {
		return Count{}, ErrCountNotFound
	}
	t.state.counts[c.ID] = c
	return c, nil
}

func (t *memoryTx) DeleteCount(ctx context.Context, id int64) error {
	if _, ok := t.state.counts[id]; !ok {
		return ErrCountNotFound
	}
	delete(t.state.counts, id)
	return nil
}

func (t *memoryTx) updateShelf(sessionID int64, location string, match func(Count) bool, apply func(*Count)) int {
	n := 0
	for id, c := range t.state.counts {
		if c.SessionID != sessionID || ShelfKey(c.ShelfLocation) != ShelfKey(location) || !match(c) {
			continue
		}
		apply(&c)
		t.state.counts[id] = c
		n++
	}
	return n
}

func (t *memoryTx) ApproveShelfCounts(ctx context.Context, sessionID int64, location string, verifierID int64, at time.Time) (int, error) {
	return t.updateShelf(sessionID, location, func(c Count) bool { return c.VerificationStatus == StatusPending }, func(c *Count) {
		c.VerificationStatus = StatusApproved
		c.VerifiedBy = &verifierID
		c.VerifiedAt = &at
		c.RejectionReason = nil
	}), nil
}

func (t *memoryTx) RejectShelfCounts(ctx context.Context, sessionID int64, location string, verifierID int64, reason string, at time.Time) (int, error) {
	return t.updateShelf(sessionID, location, func(c Count) bool { return c.VerificationStatus == StatusPending }, func(c *Count) {
		c.VerificationStatus = StatusRejected
		c.VerifiedBy = &verifierID
		c.VerifiedAt = &at
		c.RejectionReason = &reason
	}), nil
}

func (t *memoryTx) ResetRejectedCounts(ctx context.Context, sessionID int64, location string, counterID int64, at time.Time) (int, error) {
	return t.updateShelf(sessionID, location, func(c Count) bool {
		return c.VerificationStatus == StatusRejected && c.CountedBy == counterID
	}, resetReview), nil
}

func (t *memoryTx) PendingShelves(ctx context.Context, sessionID int64) ([]string, error) {
	seen := map[string]string{}
	for _, c := range t.state.counts {
		if c.SessionID == sessionID && c.VerificationStatus == StatusPending {
			seen[ShelfKey(c.ShelfLocation)] = c.ShelfLocation
		}
	}
	var out []string
	for _, loc := range seen {
		out = append(out, loc)
	}
	sort.Strings(out)
	return out, nil
}

func (t *memoryTx) ApprovedCounts(ctx context.Context, sessionID int64) ([]Count, error) {
	var out []Count
	for _, c := range t.state.counts {
		if c.SessionID == sessionID && c.VerificationStatus == StatusApproved {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memoryTx) Ledger() ledger.TxRepository {
	return &memoryLedger{tx: t}
}

type memoryLedger struct {
	tx *memoryTx
}

func entryMatches(e ledger.Entry, q ledger.BalanceQuery) bool {
	if e.ItemID != q.ItemID || e.BranchID != q.BranchID {
		return false
	}
	return q.BatchNumber == nil || sameString(e.BatchNumber, q.BatchNumber)
}

func (l *memoryLedger) CountingSession(ctx context.Context, branchID int64) (int64, error) {
	sessionID, ok := l.tx.state.branches[branchID]
	if !ok {
		return 0, posting.ErrBranchNotFound
	}
	return sessionID, nil
}

func (l *memoryLedger) ClaimKey(ctx context.Context, key string) error {
	if l.tx.state.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	l.tx.state.keys[key] = true
	return nil
}

func (l *memoryLedger) InsertEntry(ctx context.Context, e ledger.Entry) (ledger.Entry, error) {
	if l.tx.repo.failInsertItem == e.ItemID {
		return ledger.Entry{}, errors.New("insert failed")
	}
	e.ID = l.tx.id()
	l.tx.state.entries = append(l.tx.state.entries, e)
	return e, nil
}

func (l *memoryLedger) SumQuantity(ctx context.Context, q ledger.BalanceQuery) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, e := range l.tx.state.entries {
		if entryMatches(e, q) {
			total = total.Add(e.QuantityDelta)
		}
	}
	return total, nil
}

func (l *memoryLedger) LastUnitCost(ctx context.Context, q ledger.BalanceQuery) (decimal.Decimal, bool, error) {
	entries := l.tx.state.entries
	for i := len(entries) - 1; i >= 0; i-- {
		if entryMatches(entries[i], q) && entries[i].QuantityDelta.IsPositive() {
			return entries[i].UnitCost, true, nil
		}
	}
	return decimal.Zero, false, nil
}
