package fifo

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/governance"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler wires inventory endpoints.
type Handler struct {
	logger   *slog.Logger
	engine   *Engine
	resolver *governance.Resolver
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, engine *Engine, resolver *governance.Resolver) *Handler {
	return &Handler{logger: logger, engine: engine, resolver: resolver, validate: validator.New()}
}

// MountRoutes registers HTTP routes for the inventory module.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/inventory/receipts", h.receive)
	r.Post("/inventory/consumptions", h.consume)
	r.Post("/inventory/restocks", h.restock)
	r.Get("/inventory/products/{productID}/lots", h.listLots)
}

type overrideRequest struct {
	BranchID     *int64 `json:"branch_id"`
	CostCenterID *int64 `json:"cost_center_id"`
	WarehouseID  *int64 `json:"warehouse_id"`
}

func (o *overrideRequest) toOverride() governance.Override {
	if o == nil {
		return governance.Override{}
	}
	return governance.Override{BranchID: o.BranchID, CostCenterID: o.CostCenterID, WarehouseID: o.WarehouseID}
}

type receiveRequest struct {
	ProductID  int64            `json:"product_id" validate:"required"`
	Qty        string           `json:"qty" validate:"required"`
	UnitCost   string           `json:"unit_cost" validate:"required"`
	SourceKind string           `json:"source_kind" validate:"required"`
	SourceID   string           `json:"source_id" validate:"required,uuid"`
	Override   *overrideRequest `json:"override"`
}

func (h *Handler) receive(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req receiveRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.resolver.Authorize(actor, governance.CapMoveInventory); err != nil {
		h.respondErr(w, r, err)
		return
	}
	scope, err := h.resolver.Resolve(r.Context(), actor, req.Override.toOverride())
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	qty, err := decimal.NewFromString(req.Qty)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "qty must be a decimal string")
		return
	}
	unitCost, err := decimal.NewFromString(req.UnitCost)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unit_cost must be a decimal string")
		return
	}
	sourceID, err := uuid.Parse(req.SourceID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "source_id must be a UUID")
		return
	}
	lot, err := h.engine.Receive(r.Context(), ReceiveInput{
		ProductID:  req.ProductID,
		Qty:        qty,
		UnitCost:   unitCost,
		SourceKind: req.SourceKind,
		SourceID:   sourceID,
		Scope:      scope,
		ActorID:    actor.ID,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toLotResponse(lot))
}

type consumeRequest struct {
	ProductID int64            `json:"product_id" validate:"required"`
	Qty       string           `json:"qty" validate:"required"`
	RefKind   string           `json:"ref_kind" validate:"required"`
	RefID     string           `json:"ref_id" validate:"required,uuid"`
	Override  *overrideRequest `json:"override"`
}

func (h *Handler) consume(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req consumeRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.resolver.Authorize(actor, governance.CapMoveInventory); err != nil {
		h.respondErr(w, r, err)
		return
	}
	scope, err := h.resolver.Resolve(r.Context(), actor, req.Override.toOverride())
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	qty, err := decimal.NewFromString(req.Qty)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "qty must be a decimal string")
		return
	}
	refID, err := uuid.Parse(req.RefID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "ref_id must be a UUID")
		return
	}
	res, err := h.engine.Consume(r.Context(), ConsumeInput{
		ProductID: req.ProductID,
		Qty:       qty,
		RefKind:   req.RefKind,
		RefID:     refID,
		Scope:     scope,
		ActorID:   actor.ID,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toConsumeResponse(res))
}

type restockRequest struct {
	ProductID int64            `json:"product_id" validate:"required"`
	Qty       string           `json:"qty" validate:"required"`
	UnitCost  string           `json:"unit_cost"`
	RefKind   string           `json:"ref_kind" validate:"required"`
	RefID     string           `json:"ref_id" validate:"required,uuid"`
	LotHint   *int64           `json:"lot_hint"`
	Override  *overrideRequest `json:"override"`
}

func (h *Handler) restock(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req restockRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	if err := h.resolver.Authorize(actor, governance.CapMoveInventory); err != nil {
		h.respondErr(w, r, err)
		return
	}
	scope, err := h.resolver.Resolve(r.Context(), actor, req.Override.toOverride())
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	qty, err := decimal.NewFromString(req.Qty)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "qty must be a decimal string")
		return
	}
	unitCost := decimal.Zero
	if req.UnitCost != "" {
		if unitCost, err = decimal.NewFromString(req.UnitCost); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unit_cost must be a decimal string")
			return
		}
	}
	refID, err := uuid.Parse(req.RefID)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "ref_id must be a UUID")
		return
	}
	res, err := h.engine.Restock(r.Context(), RestockInput{
		ProductID: req.ProductID,
		Qty:       qty,
		UnitCost:  unitCost,
		RefKind:   req.RefKind,
		RefID:     refID,
		LotHint:   req.LotHint,
		Scope:     scope,
		ActorID:   actor.ID,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRestockResponse(res))
}

func (h *Handler) listLots(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	productID, err := strconv.ParseInt(chi.URLParam(r, "productID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "product id must be numeric")
		return
	}
	scope, err := h.resolver.Resolve(r.Context(), actor, governance.Override{})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	lots, err := h.engine.Lots(r.Context(), productID, scope)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	out := make([]lotResponse, 0, len(lots))
	onHand := decimal.Zero
	for _, lot := range lots {
		out = append(out, toLotResponse(lot))
		onHand = onHand.Add(lot.RemainingQty)
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"product_id": productID,
		"on_hand":    onHand.String(),
		"lots":       out,
	})
}

type lotResponse struct {
	ID           int64  `json:"id"`
	ProductID    int64  `json:"product_id"`
	OriginalQty  string `json:"original_qty"`
	RemainingQty string `json:"remaining_qty"`
	UnitCost     string `json:"unit_cost"`
	SourceKind   string `json:"source_kind"`
	SourceID     string `json:"source_id"`
	ReceivedAt   string `json:"received_at"`
}

func toLotResponse(lot Lot) lotResponse {
	return lotResponse{
		ID:           lot.ID,
		ProductID:    lot.ProductID,
		OriginalQty:  lot.OriginalQty.String(),
		RemainingQty: lot.RemainingQty.String(),
		UnitCost:     lot.UnitCost.StringFixed(2),
		SourceKind:   lot.SourceKind,
		SourceID:     lot.SourceID.String(),
		ReceivedAt:   lot.ReceivedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

type allocationResponse struct {
	LotID    int64  `json:"lot_id"`
	Qty      string `json:"qty"`
	UnitCost string `json:"unit_cost"`
}

func toAllocations(allocs []Allocation) []allocationResponse {
	out := make([]allocationResponse, 0, len(allocs))
	for _, a := range allocs {
		out = append(out, allocationResponse{LotID: a.LotID, Qty: a.Qty.String(), UnitCost: a.UnitCost.StringFixed(2)})
	}
	return out
}

func toConsumeResponse(res ConsumeResult) map[string]any {
	return map[string]any{
		"allocations": toAllocations(res.Allocations),
		"total_cost":  res.TotalCost.StringFixed(2),
		"backordered": res.Backordered.String(),
	}
}

func toRestockResponse(res RestockResult) map[string]any {
	out := map[string]any{
		"allocations": toAllocations(res.Allocations),
		"total_cost":  res.TotalCost.StringFixed(2),
	}
	if res.NewLot != nil {
		out["new_lot"] = toLotResponse(*res.NewLot)
	}
	return out
}

func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	var stockErr *InsufficientStockError
	var capErr *governance.CapabilityError
	var scopeErr *governance.ScopeError
	switch {
	case errors.As(err, &stockErr):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Insufficient Stock", stockErr.Error())
	case errors.As(err, &capErr):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", capErr.Error())
	case errors.As(err, &scopeErr):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Incomplete Scope", scopeErr.Error())
	case errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrInvalidUnitCost):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	case errors.Is(err, ErrLotNotFound), errors.Is(err, ErrNothingToRestock):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	default:
		h.logger.Error("inventory request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		httpx.RespondError(w, err)
	}
}
