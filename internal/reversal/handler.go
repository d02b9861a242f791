package reversal

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/fifo"
	"github.com/meridian-erp/meridian-erp/internal/governance"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler wires return and write-off endpoints.
type Handler struct {
	logger   *slog.Logger
	engine   *Engine
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, engine *Engine) *Handler {
	return &Handler{logger: logger, engine: engine, validate: validator.New()}
}

// MountRoutes registers HTTP routes for the reversal module.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/reversals/returns", h.postReturn)
	r.Post("/reversals/write-offs", h.postWriteOff)
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

type returnLineRequest struct {
	ProductID int64  `json:"product_id" validate:"required"`
	Qty       string `json:"qty" validate:"required"`
}

type returnRequest struct {
	ReturnID     string              `json:"return_id" validate:"required,uuid"`
	InvoiceID    string              `json:"invoice_id" validate:"required,uuid"`
	Description  string              `json:"description" validate:"required"`
	Lines        []returnLineRequest `json:"lines" validate:"required,min=1,dive"`
	RefundAmount string              `json:"refund_amount" validate:"required"`
	Date         string              `json:"date" validate:"required"`
	Override     *overrideRequest    `json:"override"`
}

func (h *Handler) postReturn(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req returnRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	returnID, _ := uuid.Parse(req.ReturnID)
	invoiceID, _ := uuid.Parse(req.InvoiceID)
	lines := make([]ReturnLine, 0, len(req.Lines))
	for _, line := range req.Lines {
		qty, err := decimal.NewFromString(line.Qty)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "qty must be a decimal string")
			return
		}
		lines = append(lines, ReturnLine{ProductID: line.ProductID, Qty: qty})
	}
	refund, err := decimal.NewFromString(req.RefundAmount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "refund_amount must be a decimal string")
		return
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "date must be YYYY-MM-DD")
		return
	}
	entry, err := h.engine.ReverseForReturn(r.Context(), actor, ReturnInput{
		ReturnID:     returnID,
		InvoiceID:    invoiceID,
		Description:  req.Description,
		Lines:        lines,
		RefundAmount: refund,
		Override:     req.Override.toOverride(),
		Date:         date,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entrySummary(entry))
}

type writeOffRequest struct {
	WriteOffID  string           `json:"write_off_id" validate:"required,uuid"`
	InvoiceID   string           `json:"invoice_id" validate:"required,uuid"`
	Description string           `json:"description" validate:"required"`
	Amount      string           `json:"amount" validate:"required"`
	Date        string           `json:"date" validate:"required"`
	Override    *overrideRequest `json:"override"`
}

func (h *Handler) postWriteOff(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req writeOffRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	writeOffID, _ := uuid.Parse(req.WriteOffID)
	invoiceID, _ := uuid.Parse(req.InvoiceID)
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "amount must be a decimal string")
		return
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "date must be YYYY-MM-DD")
		return
	}
	entry, err := h.engine.ReverseForWriteOff(r.Context(), actor, WriteOffInput{
		WriteOffID:  writeOffID,
		InvoiceID:   invoiceID,
		Description: req.Description,
		Amount:      amount,
		Override:    req.Override.toOverride(),
		Date:        date,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, entrySummary(entry))
}

func entrySummary(entry ledger.JournalEntry) map[string]any {
	return map[string]any{
		"entry_id": entry.ID,
		"ref_kind": string(entry.RefKind),
		"ref_id":   entry.RefID.String(),
		"status":   string(entry.Status),
	}
}

func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	var capErr *governance.CapabilityError
	var scopeErr *governance.ScopeError
	switch {
	case errors.As(err, &capErr):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", capErr.Error())
	case errors.As(err, &scopeErr):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Incomplete Scope", scopeErr.Error())
	case errors.Is(err, ledger.ErrEntryNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ledger.ErrInvalidStatus),
		errors.Is(err, ledger.ErrReversalExceedsOriginal),
		errors.Is(err, ledger.ErrSourceAlreadyLinked),
		errors.Is(err, ErrNothingToReverse):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrInvalidPortion), errors.Is(err, fifo.ErrNothingToRestock):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	default:
		h.logger.Error("reversal request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		httpx.RespondError(w, err)
	}
}
