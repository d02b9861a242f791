package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/fifo"
	"github.com/meridian-erp/meridian-erp/internal/governance"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler wires journal endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers HTTP routes for the ledger module.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/ledger/entries", h.postEntry)
	r.Get("/ledger/entries/{id}", h.getEntry)
	r.Post("/ledger/entries/{id}/reverse", h.reverseEntry)
	r.Post("/ledger/sales", h.postSale)
	r.Post("/ledger/purchases", h.postPurchase)
	r.Post("/ledger/payroll-runs", h.postPayroll)
}

type lineRequest struct {
	AccountID   int64  `json:"account_id" validate:"required"`
	Debit       string `json:"debit"`
	Credit      string `json:"credit"`
	Currency    string `json:"currency" validate:"omitempty,len=3"`
	Description string `json:"description"`
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

type postEntryRequest struct {
	Date           string           `json:"date" validate:"required"`
	Description    string           `json:"description" validate:"required"`
	RefKind        string           `json:"ref_kind" validate:"required"`
	RefID          string           `json:"ref_id" validate:"required,uuid"`
	Override       *overrideRequest `json:"override"`
	IdempotencyKey string           `json:"idempotency_key"`
	Lines          []lineRequest    `json:"lines" validate:"required,min=2,dive"`
}

func (h *Handler) postEntry(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req postEntryRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	in, err := req.toInput()
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	res, err := h.service.PostEntry(r.Context(), actor, in)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, postResponse(res))
}

func (req postEntryRequest) toInput() (PostingInput, error) {
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		return PostingInput{}, fmt.Errorf("invalid date: %w", err)
	}
	refID, err := uuid.Parse(req.RefID)
	if err != nil {
		return PostingInput{}, fmt.Errorf("invalid ref_id: %w", err)
	}
	lines := make([]LineInput, 0, len(req.Lines))
	for idx, lr := range req.Lines {
		line := LineInput{AccountID: lr.AccountID, Currency: lr.Currency, Description: lr.Description}
		if line.Debit, err = parseAmount(lr.Debit); err != nil {
			return PostingInput{}, fmt.Errorf("line %d debit: %w", idx, err)
		}
		if line.Credit, err = parseAmount(lr.Credit); err != nil {
			return PostingInput{}, fmt.Errorf("line %d credit: %w", idx, err)
		}
		lines = append(lines, line)
	}
	return PostingInput{
		Date:           date,
		Description:    req.Description,
		RefKind:        ReferenceKind(req.RefKind),
		RefID:          refID,
		Override:       req.Override.toOverride(),
		IdempotencyKey: req.IdempotencyKey,
		Lines:          lines,
	}, nil
}

func parseAmount(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

type entryResponse struct {
	ID             int64          `json:"id"`
	Date           string         `json:"date"`
	Description    string         `json:"description"`
	RefKind        string         `json:"ref_kind"`
	RefID          string         `json:"ref_id"`
	Status         string         `json:"status"`
	ReversedAmount string         `json:"reversed_amount"`
	Lines          []lineResponse `json:"lines"`
}

type lineResponse struct {
	ID          int64  `json:"id"`
	AccountID   int64  `json:"account_id"`
	Debit       string `json:"debit"`
	Credit      string `json:"credit"`
	Description string `json:"description,omitempty"`
}

func toEntryResponse(entry JournalEntry) entryResponse {
	out := entryResponse{
		ID:             entry.ID,
		Date:           entry.Date.Format("2006-01-02"),
		Description:    entry.Description,
		RefKind:        string(entry.RefKind),
		RefID:          entry.RefID.String(),
		Status:         string(entry.Status),
		ReversedAmount: entry.ReversedAmount.StringFixed(2),
	}
	for _, line := range entry.Lines {
		out.Lines = append(out.Lines, lineResponse{
			ID:          line.ID,
			AccountID:   line.AccountID,
			Debit:       line.Debit.StringFixed(2),
			Credit:      line.Credit.StringFixed(2),
			Description: line.Description,
		})
	}
	return out
}

func postResponse(res PostResult) map[string]any {
	return map[string]any{
		"entry":    toEntryResponse(res.Entry),
		"warnings": res.Warnings,
	}
}

func (h *Handler) getEntry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "entry id must be numeric")
		return
	}
	entry, err := h.service.EntryWithLines(r.Context(), id)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toEntryResponse(entry))
}

type reverseRequest struct {
	Portion string `json:"portion"`
}

func (h *Handler) reverseEntry(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "entry id must be numeric")
		return
	}
	var req reverseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	portion := decimal.Zero
	if req.Portion != "" {
		if portion, err = decimal.NewFromString(req.Portion); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid portion")
			return
		}
	}
	entry, err := h.service.ReverseEntry(r.Context(), actor, id, portion)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toEntryResponse(entry))
}

type postSaleRequest struct {
	Date           string           `json:"date" validate:"required"`
	InvoiceID      string           `json:"invoice_id" validate:"required,uuid"`
	Description    string           `json:"description" validate:"required"`
	ProductID      int64            `json:"product_id" validate:"required"`
	Qty            string           `json:"qty" validate:"required"`
	SaleAmount     string           `json:"sale_amount" validate:"required"`
	Currency       string           `json:"currency" validate:"omitempty,len=3"`
	Override       *overrideRequest `json:"override"`
	IdempotencyKey string           `json:"idempotency_key"`
}

func (h *Handler) postSale(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req postSaleRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	date, qty, amount, err := parseSaleFields(req.Date, req.Qty, req.SaleAmount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	res, err := h.service.PostSale(r.Context(), actor, SaleInput{
		Date:           date,
		InvoiceID:      uuid.MustParse(req.InvoiceID),
		Description:    req.Description,
		ProductID:      req.ProductID,
		Qty:            qty,
		SaleAmount:     amount,
		Currency:       req.Currency,
		Override:       req.Override.toOverride(),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"entry":       toEntryResponse(res.Entry),
		"cogs":        res.Cost.TotalCost.StringFixed(2),
		"backordered": res.Backordered.String(),
		"warnings":    res.Warnings,
	})
}

func parseSaleFields(rawDate, rawQty, rawAmount string) (time.Time, decimal.Decimal, decimal.Decimal, error) {
	date, err := time.Parse("2006-01-02", rawDate)
	if err != nil {
		return time.Time{}, decimal.Zero, decimal.Zero, fmt.Errorf("invalid date: %w", err)
	}
	qty, err := decimal.NewFromString(rawQty)
	if err != nil {
		return time.Time{}, decimal.Zero, decimal.Zero, fmt.Errorf("invalid qty: %w", err)
	}
	amount, err := decimal.NewFromString(rawAmount)
	if err != nil {
		return time.Time{}, decimal.Zero, decimal.Zero, fmt.Errorf("invalid amount: %w", err)
	}
	return date, qty, amount, nil
}

type postPurchaseRequest struct {
	Date           string           `json:"date" validate:"required"`
	BillID         string           `json:"bill_id" validate:"required,uuid"`
	Description    string           `json:"description" validate:"required"`
	ProductID      int64            `json:"product_id" validate:"required"`
	Qty            string           `json:"qty" validate:"required"`
	UnitCost       string           `json:"unit_cost" validate:"required"`
	Currency       string           `json:"currency" validate:"omitempty,len=3"`
	Override       *overrideRequest `json:"override"`
	IdempotencyKey string           `json:"idempotency_key"`
}

func (h *Handler) postPurchase(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req postPurchaseRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	date, qty, unitCost, err := parseSaleFields(req.Date, req.Qty, req.UnitCost)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	res, err := h.service.PostPurchase(r.Context(), actor, PurchaseInput{
		Date:           date,
		BillID:         uuid.MustParse(req.BillID),
		Description:    req.Description,
		ProductID:      req.ProductID,
		Qty:            qty,
		UnitCost:       unitCost,
		Currency:       req.Currency,
		Override:       req.Override.toOverride(),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"entry":    toEntryResponse(res.Entry),
		"lot_id":   res.Lot.ID,
		"warnings": res.Warnings,
	})
}

type postPayrollRequest struct {
	Date           string           `json:"date" validate:"required"`
	RunID          string           `json:"run_id" validate:"required,uuid"`
	Description    string           `json:"description" validate:"required"`
	Gross          string           `json:"gross" validate:"required"`
	Withheld       string           `json:"withheld"`
	Currency       string           `json:"currency" validate:"omitempty,len=3"`
	Override       *overrideRequest `json:"override"`
	IdempotencyKey string           `json:"idempotency_key"`
}

func (h *Handler) postPayroll(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req postPayrollRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid date")
		return
	}
	gross, err := parseAmount(req.Gross)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid gross")
		return
	}
	withheld, err := parseAmount(req.Withheld)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid withheld")
		return
	}
	res, err := h.service.PostPayrollRun(r.Context(), actor, PayrollInput{
		Date:           date,
		RunID:          uuid.MustParse(req.RunID),
		Description:    req.Description,
		Gross:          gross,
		Withheld:       withheld,
		Currency:       req.Currency,
		Override:       req.Override.toOverride(),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, postResponse(res))
}

// respondErr translates domain errors into HTTP problems.
func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	var scopeErr *governance.ScopeError
	var capErr *governance.CapabilityError
	var stockErr *fifo.InsufficientStockError
	switch {
	case errors.As(err, &stockErr):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Insufficient Stock", stockErr.Error())
	case errors.As(err, &scopeErr):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Incomplete Scope", scopeErr.Error())
	case errors.As(err, &capErr):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", capErr.Error())
	case errors.Is(err, ErrUnbalanced), errors.Is(err, ErrTooFewLines), errors.Is(err, ErrValidation):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable Entry", err.Error())
	case errors.Is(err, ErrAccountNotFound), errors.Is(err, ErrEntryNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrSourceAlreadyLinked), errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrReversalExceedsOriginal):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	default:
		h.logger.Error("ledger request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
