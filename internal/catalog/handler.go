package catalog

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/pharmacore/pharmacore/internal/platform/httpx"
	"github.com/pharmacore/pharmacore/internal/rbac"
)

// UnitService is the subset of Service used by Handler.
type UnitService interface {
	Item(ctx context.Context, id int64) (Item, error)
	Units(ctx context.Context, itemID int64) ([]ItemUnit, error)
	RegisterUnits(ctx context.Context, itemID int64, units []ItemUnit) ([]ItemUnit, error)
}

// Handler exposes item unit tables over JSON.
type Handler struct {
	logger  *slog.Logger
	service UnitService
	rbac    rbac.Middleware
}

// NewHandler constructs the catalog handler.
func NewHandler(logger *slog.Logger, service UnitService, rbac rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbac}
}

// MountRoutes registers catalog routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.rbac.RequireAny(rbac.CapStockTakeView, rbac.CapLedgerView)).Get("/{itemID}", h.handleGet)
	r.With(h.rbac.RequireAny(rbac.CapCatalogEdit)).Put("/{itemID}/units", h.handleReplaceUnits)
}

type unitPayload struct {
	UnitName         string          `json:"unit_name" validate:"required,max=32"`
	MultiplierToBase decimal.Decimal `json:"multiplier_to_base"`
	IsDefault        bool            `json:"is_default"`
}

type replaceUnitsRequest struct {
	Units []unitPayload `json:"units" validate:"required,min=1,dive"`
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	itemID, ok := itemIDParam(w, r)
	if !ok {
		return
	}
	item, err := h.service.Item(r.Context(), itemID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	units, err := h.service.Units(r.Context(), itemID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"item": item, "units": units})
}

func (h *Handler) handleReplaceUnits(w http.ResponseWriter, r *http.Request) {
	itemID, ok := itemIDParam(w, r)
	if !ok {
		return
	}
	var req replaceUnitsRequest
	if !httpx.DecodeValid(w, r, &req) {
		return
	}
	units := make([]ItemUnit, 0, len(req.Units))
	for _, u := range req.Units {
		units = append(units, ItemUnit{ItemID: itemID, UnitName: u.UnitName, MultiplierToBase: u.MultiplierToBase, IsDefault: u.IsDefault})
	}
	stored, err := h.service.RegisterUnits(r.Context(), itemID, units)
	if err != nil {
		h.writeError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"units": stored})
}

func itemIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "itemID"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid item id")
		return 0, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrItemNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrUnknownUnit), errors.Is(err, ErrInvalidMultiplier), errors.Is(err, ErrDuplicateUnit),
		errors.Is(err, ErrDefaultUnit), errors.Is(err, ErrUnitNameRequired):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	default:
		if h.logger != nil {
			h.logger.Error("catalog request failed", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
	}
}
