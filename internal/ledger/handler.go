package ledger

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pharmacore/pharmacore/internal/catalog"
	"github.com/pharmacore/pharmacore/internal/platform/httpx"
	"github.com/pharmacore/pharmacore/internal/posting"
	"github.com/pharmacore/pharmacore/internal/rbac"
	"github.com/pharmacore/pharmacore/internal/shared"
)

// LedgerService is the subset of Service used by Handler.
type LedgerService interface {
	Append(ctx context.Context, entry Entry) (Entry, error)
	QuantityOnHand(ctx context.Context, itemID, branchID int64, batch *string) (decimal.Decimal, error)
	Balances(ctx context.Context, branchID, itemID int64) ([]Balance, error)
	StockCard(ctx context.Context, filter StockCardFilter) ([]StockCardEntry, error)
}

// Handler wires JSON endpoints for the ledger.
type Handler struct {
	logger  *slog.Logger
	service LedgerService
	rbac    rbac.Middleware
}

// NewHandler constructs ledger handler.
func NewHandler(logger *slog.Logger, service LedgerService, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.CapLedgerView))
		r.Get("/on-hand", h.handleOnHand)
		r.Get("/balances", h.handleBalances)
		r.Get("/stock-card", h.handleStockCard)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.CapLedgerPost))
		r.Post("/entries", h.handleAppend)
	})
}

type appendRequest struct {
	ItemID         int64           `json:"item_id" validate:"required,gt=0"`
	BranchID       int64           `json:"branch_id" validate:"required,gt=0"`
	QuantityDelta  decimal.Decimal `json:"quantity_delta"`
	BatchNumber    *string         `json:"batch_number"`
	ExpiryDate     string          `json:"expiry_date" validate:"omitempty,datetime=2006-01-02"`
	UnitCost       decimal.Decimal `json:"unit_cost"`
	SourceType     string          `json:"source_type" validate:"required,oneof=SALE PURCHASE CREDIT_NOTE OPENING"`
	SourceDocument string          `json:"source_document" validate:"required,max=64"`
	Note           string          `json:"note" validate:"max=255"`
}

func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request) {
	var req appendRequest
	if !httpx.DecodeValid(w, r, &req) {
		return
	}
	actor, _ := rbac.ActorFromContext(r.Context())
	entry := Entry{
		ItemID:         req.ItemID,
		BranchID:       req.BranchID,
		QuantityDelta:  req.QuantityDelta,
		BatchNumber:    req.BatchNumber,
		UnitCost:       req.UnitCost,
		SourceType:     SourceType(req.SourceType),
		SourceDocument: req.SourceDocument,
		Note:           strings.TrimSpace(req.Note),
		CreatedBy:      actor.ID,
	}
	if req.ExpiryDate != "" {
		expiry, _ := time.Parse("2006-01-02", req.ExpiryDate)
		entry.ExpiryDate = &expiry
	}
	stored, err := h.service.Append(r.Context(), entry)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, stored)
}

func (h *Handler) handleOnHand(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	itemID, itemErr := parseID(q.Get("item_id"))
	branchID, branchErr := parseID(q.Get("branch_id"))
	if itemErr != nil || branchErr != nil {
		httpx.ValidationProblem(w, idErrors(itemErr, branchErr))
		return
	}
	var batch *string
	if raw := strings.TrimSpace(q.Get("batch_number")); raw != "" {
		batch = &raw
	}
	qty, err := h.service.QuantityOnHand(r.Context(), itemID, branchID, batch)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"item_id":      itemID,
		"branch_id":    branchID,
		"batch_number": batch,
		"quantity":     qty,
	})
}

func (h *Handler) handleBalances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	branchID, err := parseID(q.Get("branch_id"))
	if err != nil {
		httpx.ValidationProblem(w, map[string]string{"branch_id": "required"})
		return
	}
	var itemID int64
	if raw := q.Get("item_id"); raw != "" {
		if itemID, err = parseID(raw); err != nil {
			httpx.ValidationProblem(w, map[string]string{"item_id": "invalid"})
			return
		}
	}
	balances, err := h.service.Balances(r.Context(), branchID, itemID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"balances": balances})
}

func (h *Handler) handleStockCard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	itemID, itemErr := parseID(q.Get("item_id"))
	branchID, branchErr := parseID(q.Get("branch_id"))
	if itemErr != nil || branchErr != nil {
		httpx.ValidationProblem(w, idErrors(itemErr, branchErr))
		return
	}
	filter := StockCardFilter{BranchID: branchID, ItemID: itemID}
	fields := map[string]string{}
	if from := q.Get("from"); from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			fields["from"] = "use YYYY-MM-DD"
		}
		filter.From = t
	}
	if to := q.Get("to"); to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			fields["to"] = "use YYYY-MM-DD"
		}
		filter.To = t.Add(24*time.Hour - time.Nanosecond)
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 {
			fields["limit"] = "must be positive"
		}
		filter.Limit = n
	}
	if len(fields) > 0 {
		httpx.ValidationProblem(w, fields)
		return
	}
	entries, err := h.service.StockCard(r.Context(), filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrZeroQuantity), errors.Is(err, ErrMissingBatch), errors.Is(err, ErrMissingExpiry),
		errors.Is(err, ErrInvalidUnitCost), errors.Is(err, ErrInvalidEntry), errors.Is(err, ErrItemMismatch):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	case errors.Is(err, catalog.ErrItemNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, posting.ErrBranchNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, posting.ErrBranchCounting), errors.Is(err, ErrConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	default:
		if h.logger != nil {
			h.logger.Error("ledger request failed", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
	}
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

func idErrors(itemErr, branchErr error) map[string]string {
	fields := map[string]string{}
	if itemErr != nil {
		fields["item_id"] = "required"
	}
	if branchErr != nil {
		fields["branch_id"] = "required"
	}
	return fields
}
