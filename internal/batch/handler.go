package batch

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/governance"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler wires batch run endpoints.
type Handler struct {
	logger   *slog.Logger
	runner   *Runner
	validate *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, runner *Runner) *Handler {
	return &Handler{logger: logger, runner: runner, validate: validator.New()}
}

// MountRoutes registers HTTP routes for the batch module.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/batch/runs", h.createRun)
	r.Post("/batch/runs/{id}/process", h.processRun)
	r.Get("/batch/runs/{id}", h.getRun)
}

type batchLineRequest struct {
	AccountID   int64  `json:"account_id" validate:"required"`
	Debit       string `json:"debit"`
	Credit      string `json:"credit"`
	Currency    string `json:"currency" validate:"omitempty,len=3"`
	Description string `json:"description"`
}

type batchEntryRequest struct {
	Date        string             `json:"date" validate:"required"`
	Description string             `json:"description" validate:"required"`
	RefKind     string             `json:"ref_kind" validate:"required"`
	RefID       string             `json:"ref_id" validate:"required,uuid"`
	Lines       []batchLineRequest `json:"lines" validate:"required,min=2,dive"`
}

type createRunRequest struct {
	Description string              `json:"description" validate:"required"`
	Entries     []batchEntryRequest `json:"entries" validate:"required,min=1,dive"`
}

func (h *Handler) createRun(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req createRunRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	inputs := make([]ledger.PostingInput, 0, len(req.Entries))
	for idx, er := range req.Entries {
		in, err := er.toInput()
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", fmt.Sprintf("entry %d: %v", idx, err))
			return
		}
		inputs = append(inputs, in)
	}
	run, err := h.runner.Create(r.Context(), actor, req.Description, inputs)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toRunResponse(run, len(inputs), 0, 0))
}

func (er batchEntryRequest) toInput() (ledger.PostingInput, error) {
	date, err := time.Parse("2006-01-02", er.Date)
	if err != nil {
		return ledger.PostingInput{}, fmt.Errorf("invalid date: %w", err)
	}
	refID, err := uuid.Parse(er.RefID)
	if err != nil {
		return ledger.PostingInput{}, fmt.Errorf("invalid ref_id: %w", err)
	}
	lines := make([]ledger.LineInput, 0, len(er.Lines))
	for idx, lr := range er.Lines {
		line := ledger.LineInput{AccountID: lr.AccountID, Currency: lr.Currency, Description: lr.Description}
		if lr.Debit != "" {
			if line.Debit, err = decimal.NewFromString(lr.Debit); err != nil {
				return ledger.PostingInput{}, fmt.Errorf("line %d debit: %w", idx, err)
			}
		}
		if lr.Credit != "" {
			if line.Credit, err = decimal.NewFromString(lr.Credit); err != nil {
				return ledger.PostingInput{}, fmt.Errorf("line %d credit: %w", idx, err)
			}
		}
		lines = append(lines, line)
	}
	return ledger.PostingInput{
		Date:        date,
		Description: er.Description,
		RefKind:     ledger.ReferenceKind(er.RefKind),
		RefID:       refID,
		Lines:       lines,
	}, nil
}

func (h *Handler) processRun(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	runID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "run id must be a UUID")
		return
	}
	progress, err := h.runner.Process(r.Context(), actor, runID)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRunResponse(progress.Run, progress.Total, progress.Posted, progress.Failed))
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	runID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid ID", "run id must be a UUID")
		return
	}
	progress, err := h.runner.Status(r.Context(), runID)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toRunResponse(progress.Run, progress.Total, progress.Posted, progress.Failed))
}

func toRunResponse(run Run, total, posted, failed int) map[string]any {
	out := map[string]any{
		"id":          run.ID.String(),
		"description": run.Description,
		"status":      string(run.Status),
		"total":       total,
		"posted":      posted,
		"failed":      failed,
	}
	if run.Error != "" {
		out["error"] = run.Error
	}
	return out
}

func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	var capErr *governance.CapabilityError
	var scopeErr *governance.ScopeError
	switch {
	case errors.As(err, &capErr):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", capErr.Error())
	case errors.As(err, &scopeErr):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Incomplete Scope", scopeErr.Error())
	case errors.Is(err, ErrRunNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrRunNotDraft), errors.Is(err, ErrRunLocked):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrEmptyRun):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	default:
		h.logger.Error("batch request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		httpx.RespondError(w, err)
	}
}
