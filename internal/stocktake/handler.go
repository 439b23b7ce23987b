package stocktake

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/pharmacore/pharmacore/internal/catalog"
	"github.com/pharmacore/pharmacore/internal/platform/httpx"
	"github.com/pharmacore/pharmacore/internal/posting"
	"github.com/pharmacore/pharmacore/internal/rbac"
)

// StockTakeService is the behaviour Handler needs from Service.
type StockTakeService interface {
	Start(ctx context.Context, actor rbac.Actor, branchID int64) (Session, error)
	Complete(ctx context.Context, actor rbac.Actor, sessionID int64) (CompletionResult, error)
	Get(ctx context.Context, id int64) (Session, error)
	ActiveForBranch(ctx context.Context, branchID int64) (Session, error)
	List(ctx context.Context, branchID int64) ([]Session, error)
	RecordCount(ctx context.Context, actor rbac.Actor, in RecordCountInput) (Count, error)
	UpdateCount(ctx context.Context, actor rbac.Actor, sessionID, countID int64, in UpdateCountInput) (Count, error)
	DeleteCount(ctx context.Context, actor rbac.Actor, sessionID, countID int64) error
	SubmitShelf(ctx context.Context, actor rbac.Actor, sessionID int64, location string) (ShelfSummary, error)
	ListCounts(ctx context.Context, filter CountFilter) ([]Count, error)
	ListShelves(ctx context.Context, sessionID int64) ([]ShelfSummary, error)
	ApproveShelf(ctx context.Context, actor rbac.Actor, sessionID int64, location string) (ShelfSummary, error)
	RejectShelf(ctx context.Context, actor rbac.Actor, sessionID int64, location, reason string) (ShelfSummary, error)
	RevertCount(ctx context.Context, actor rbac.Actor, sessionID, countID int64) (Count, error)
}

// Handler exposes the stock-take workflow over JSON.
type Handler struct {
	logger  *slog.Logger
	service StockTakeService
	rbac    rbac.Middleware
}

// NewHandler constructs the stock-take handler.
func NewHandler(logger *slog.Logger, service StockTakeService, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers stock-take routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.CapStockTakeView))
		r.Get("/", h.handleList)
		r.Get("/active", h.handleActive)
		r.Get("/{sessionID}", h.handleDetail)
		r.Get("/{sessionID}/shelves", h.handleShelves)
		r.Get("/{sessionID}/counts", h.handleCounts)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.CapStockTakeManage))
		r.Post("/", h.handleStart)
		r.Post("/{sessionID}/complete", h.handleComplete)
		r.Post("/{sessionID}/counts/{countID}/revert", h.handleRevert)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.CapStockTakeCount))
		r.Post("/{sessionID}/counts", h.handleRecord)
		r.Put("/{sessionID}/counts/{countID}", h.handleUpdate)
		r.Delete("/{sessionID}/counts/{countID}", h.handleDelete)
		r.Post("/{sessionID}/shelves/submit", h.handleSubmit)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.CapStockTakeVerify))
		r.Post("/{sessionID}/shelves/approve", h.handleApprove)
		r.Post("/{sessionID}/shelves/reject", h.handleReject)
	})
}

type startRequest struct {
	BranchID int64 `json:"branch_id" validate:"required,gt=0"`
}

type countRequest struct {
	ShelfLocation string           `json:"shelf_location" validate:"required,max=64"`
	ItemID        int64            `json:"item_id" validate:"required,gt=0"`
	UnitName      string           `json:"unit_name" validate:"required,max=32"`
	Quantity      *decimal.Decimal `json:"quantity" validate:"required"`
	BatchNumber   *string          `json:"batch_number" validate:"omitempty,max=64"`
	ExpiryDate    string           `json:"expiry_date" validate:"omitempty,datetime=2006-01-02"`
	Notes         string           `json:"notes" validate:"max=500"`
}

type updateCountRequest struct {
	UnitName    string           `json:"unit_name" validate:"required,max=32"`
	Quantity    *decimal.Decimal `json:"quantity" validate:"required"`
	BatchNumber *string          `json:"batch_number" validate:"omitempty,max=64"`
	ExpiryDate  string           `json:"expiry_date" validate:"omitempty,datetime=2006-01-02"`
	Notes       string           `json:"notes" validate:"max=500"`
}

type shelfRequest struct {
	ShelfLocation string `json:"shelf_location" validate:"required,max=64"`
}

type rejectRequest struct {
	ShelfLocation string `json:"shelf_location" validate:"required,max=64"`
	Reason        string `json:"reason" validate:"required,max=255"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	branchID, err := strconv.ParseInt(r.URL.Query().Get("branch_id"), 10, 64)
	if err != nil || branchID <= 0 {
		httpx.ValidationProblem(w, map[string]string{"branch_id": "required"})
		return
	}
	sessions, err := h.service.List(r.Context(), branchID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (h *Handler) handleActive(w http.ResponseWriter, r *http.Request) {
	branchID, err := strconv.ParseInt(r.URL.Query().Get("branch_id"), 10, 64)
	if err != nil || branchID <= 0 {
		httpx.ValidationProblem(w, map[string]string{"branch_id": "required"})
		return
	}
	session, err := h.service.ActiveForBranch(r.Context(), branchID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, session)
}

func (h *Handler) handleDetail(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "sessionID")
	if !ok {
		return
	}
	var (
		session Session
		shelves []ShelfSummary
		counts  []Count
	)
	g, ctx := errgroup.WithContext(r.Context())
	g.Go(func() error {
		var err error
		session, err = h.service.Get(ctx, sessionID)
		return err
	})
	g.Go(func() error {
		var err error
		shelves, err = h.service.ListShelves(ctx, sessionID)
		return err
	})
	g.Go(func() error {
		var err error
		counts, err = h.service.ListCounts(ctx, CountFilter{SessionID: sessionID})
		return err
	})
	if err := g.Wait(); err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"session": session,
		"shelves": shelves,
		"counts":  counts,
	})
}

func (h *Handler) handleShelves(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "sessionID")
	if !ok {
		return
	}
	shelves, err := h.service.ListShelves(r.Context(), sessionID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"shelves": shelves})
}

func (h *Handler) handleCounts(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "sessionID")
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := CountFilter{SessionID: sessionID, Shelf: q.Get("shelf")}
	if q.Get("mine") == "1" {
		actor, _ := rbac.ActorFromContext(r.Context())
		filter.CountedBy = actor.ID
	}
	switch status := VerificationStatus(q.Get("status")); status {
	case "", StatusPending, StatusApproved, StatusRejected:
		filter.Status = status
	default:
		httpx.ValidationProblem(w, map[string]string{"status": "must be PENDING, APPROVED or REJECTED"})
		return
	}
	counts, err := h.service.ListCounts(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"counts": counts})
}

func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !httpx.DecodeValid(w, r, &req) {
		return
	}
	session, err := h.service.Start(r.Context(), actorFrom(r), req.BranchID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, session)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "sessionID")
	if !ok {
		return
	}
	result, err := h.service.Complete(r.Context(), actorFrom(r), sessionID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleRecord(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "sessionID")
	if !ok {
		return
	}
	var req countRequest
	if !httpx.DecodeValid(w, r, &req) {
		return
	}
	count, err := h.service.RecordCount(r.Context(), actorFrom(r), RecordCountInput{
		SessionID:     sessionID,
		ShelfLocation: req.ShelfLocation,
		ItemID:        req.ItemID,
		UnitName:      req.UnitName,
		Quantity:      *req.Quantity,
		BatchNumber:   req.BatchNumber,
		ExpiryDate:    parseDate(req.ExpiryDate),
		Notes:         req.Notes,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, count)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "sessionID")
	if !ok {
		return
	}
	countID, ok := pathID(w, r, "countID")
	if !ok {
		return
	}
	var req updateCountRequest
	if !httpx.DecodeValid(w, r, &req) {
		return
	}
	count, err := h.service.UpdateCount(r.Context(), actorFrom(r), sessionID, countID, UpdateCountInput{
		UnitName:    req.UnitName,
		Quantity:    *req.Quantity,
		BatchNumber: req.BatchNumber,
		ExpiryDate:  parseDate(req.ExpiryDate),
		Notes:       req.Notes,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, count)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "sessionID")
	if !ok {
		return
	}
	countID, ok := pathID(w, r, "countID")
	if !ok {
		return
	}
	if err := h.service.DeleteCount(r.Context(), actorFrom(r), sessionID, countID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleRevert(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "sessionID")
	if !ok {
		return
	}
	countID, ok := pathID(w, r, "countID")
	if !ok {
		return
	}
	count, err := h.service.RevertCount(r.Context(), actorFrom(r), sessionID, countID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, count)
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	h.shelfAction(w, r, func(ctx context.Context, sessionID int64, req shelfRequest) (ShelfSummary, error) {
		return h.service.SubmitShelf(ctx, actorFrom(r), sessionID, req.ShelfLocation)
	})
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	h.shelfAction(w, r, func(ctx context.Context, sessionID int64, req shelfRequest) (ShelfSummary, error) {
		return h.service.ApproveShelf(ctx, actorFrom(r), sessionID, req.ShelfLocation)
	})
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathID(w, r, "sessionID")
	if !ok {
		return
	}
	var req rejectRequest
	if !httpx.DecodeValid(w, r, &req) {
		return
	}
	summary, err := h.service.RejectShelf(r.Context(), actorFrom(r), sessionID, req.ShelfLocation, req.Reason)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) shelfAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, int64, shelfRequest) (ShelfSummary, error)) {
	sessionID, ok := pathID(w, r, "sessionID")
	if !ok {
		return
	}
	var req shelfRequest
	if !httpx.DecodeValid(w, r, &req) {
		return
	}
	summary, err := fn(r.Context(), sessionID, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

type conflictBody struct {
	Title     string                `json:"title"`
	Status    int                   `json:"status"`
	Detail    string                `json:"detail"`
	Documents []posting.DocumentRef `json:"documents,omitempty"`
	Shelves   []string              `json:"shelves,omitempty"`
	Failed    []AdjustmentFailure   `json:"failed,omitempty"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var (
		openDocs   *OpenDocumentsError
		unresolved *UnresolvedShelvesError
		recErr     *ReconciliationError
	)
	switch {
	case errors.As(err, &openDocs):
		writeConflict(w, conflictBody{Title: "Open Documents", Detail: err.Error(), Documents: openDocs.Documents})
	case errors.As(err, &unresolved):
		writeConflict(w, conflictBody{Title: "Shelves Not Resolved", Detail: err.Error(), Shelves: unresolved.Shelves})
	case errors.As(err, &recErr):
		writeConflict(w, conflictBody{Title: "Reconciliation Failed", Detail: err.Error(), Failed: recErr.Failed})
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrCountNotFound), errors.Is(err, ErrShelfNotFound),
		errors.Is(err, catalog.ErrItemNotFound), errors.Is(err, posting.ErrBranchNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrShelfNameTaken), errors.Is(err, ErrShelfRequired), errors.Is(err, ErrMissingBatchInfo),
		errors.Is(err, ErrMissingExpiryInfo), errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrReasonRequired),
		errors.Is(err, catalog.ErrUnknownUnit):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	case errors.Is(err, ErrSessionAlreadyActive), errors.Is(err, ErrCountLocked), errors.Is(err, ErrSessionNotActive),
		errors.Is(err, ErrCompletionInProgress), errors.Is(err, ErrConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrForbidden):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	default:
		if h.logger != nil {
			h.logger.Error("stocktake request failed", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
	}
}

func writeConflict(w http.ResponseWriter, body conflictBody) {
	body.Status = http.StatusConflict
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusConflict)
	_ = json.NewEncoder(w).Encode(body)
}

func actorFrom(r *http.Request) rbac.Actor {
	actor, _ := rbac.ActorFromContext(r.Context())
	return actor
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid "+name)
		return 0, false
	}
	return id, true
}

func parseDate(raw string) *time.Time {
	if raw == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil
	}
	return &t
}
