package auditor

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/governance"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler wires reconciliation endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers HTTP routes for the auditor module.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/audit/reconcile", h.reconcile)
	r.Post("/audit/corrections", h.postCorrection)
}

type findingResponse struct {
	Kind       string `json:"kind"`
	EntryID    int64  `json:"entry_id,omitempty"`
	AccountID  int64  `json:"account_id,omitempty"`
	Difference string `json:"difference"`
	Detail     string `json:"detail"`
}

type reportResponse struct {
	TenantID   int64             `json:"tenant_id"`
	AsOf       time.Time         `json:"as_of"`
	RunAt      time.Time         `json:"run_at"`
	Clean      bool              `json:"clean"`
	EntryCount int64             `json:"entry_count"`
	Findings   []findingResponse `json:"findings"`
}

type reconcileRequest struct {
	AsOf string `json:"as_of"`
}

func (h *Handler) reconcile(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var asOf time.Time
	if r.ContentLength > 0 {
		var req reconcileRequest
		if err := httpx.DecodeJSON(r, &req); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
			return
		}
		if req.AsOf != "" {
			parsed, err := time.Parse("2006-01-02", req.AsOf)
			if err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "as_of must be YYYY-MM-DD")
				return
			}
			asOf = parsed
		}
	}
	report, err := h.service.Reconcile(r.Context(), actor, asOf)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	resp := reportResponse{
		TenantID:   report.TenantID,
		AsOf:       report.AsOf,
		RunAt:      report.RunAt,
		Clean:      report.Clean(),
		EntryCount: report.EntryCount,
		Findings:   make([]findingResponse, 0, len(report.Findings)),
	}
	for _, f := range report.Findings {
		resp.Findings = append(resp.Findings, findingResponse{
			Kind:       string(f.Kind),
			EntryID:    f.EntryID,
			AccountID:  f.AccountID,
			Difference: f.Difference.StringFixed(2),
			Detail:     f.Detail,
		})
	}
	httpx.JSON(w, http.StatusOK, resp)
}

type correctionLineRequest struct {
	AccountID   int64  `json:"account_id" validate:"required"`
	Debit       string `json:"debit"`
	Credit      string `json:"credit"`
	Description string `json:"description"`
}

type correctionRequest struct {
	Date        string                  `json:"date"`
	Description string                  `json:"description" validate:"required"`
	Lines       []correctionLineRequest `json:"lines" validate:"required,min=2,dive"`
}

func (h *Handler) postCorrection(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req correctionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	in := CorrectionInput{Description: req.Description}
	if req.Date != "" {
		date, err := time.Parse("2006-01-02", req.Date)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid date")
			return
		}
		in.Date = date
	}
	for _, lr := range req.Lines {
		line := ledger.LineInput{AccountID: lr.AccountID, Description: lr.Description}
		var err error
		if lr.Debit != "" {
			if line.Debit, err = decimal.NewFromString(lr.Debit); err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid debit")
				return
			}
		}
		if lr.Credit != "" {
			if line.Credit, err = decimal.NewFromString(lr.Credit); err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid credit")
				return
			}
		}
		in.Lines = append(in.Lines, line)
	}
	res, err := h.service.PostCorrection(r.Context(), actor, in)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"entry_id": res.Entry.ID,
		"warnings": res.Warnings,
	})
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	var capErr *governance.CapabilityError
	var scopeErr *governance.ScopeError
	switch {
	case errors.As(err, &capErr):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", capErr.Error())
	case errors.As(err, &scopeErr):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Incomplete Scope", scopeErr.Error())
	case errors.Is(err, ledger.ErrUnbalanced), errors.Is(err, ledger.ErrTooFewLines):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Unprocessable Entry", err.Error())
	default:
		h.logger.Error("audit request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
