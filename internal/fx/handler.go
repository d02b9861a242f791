package fx

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/meridian-erp/meridian-erp/internal/governance"
	"github.com/meridian-erp/meridian-erp/internal/platform/httpx"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// Handler wires currency endpoints.
type Handler struct {
	logger    *slog.Logger
	converter *Converter
	resolver  *governance.Resolver
	validate  *validator.Validate
}

// NewHandler builds a Handler instance.
func NewHandler(logger *slog.Logger, converter *Converter, resolver *governance.Resolver) *Handler {
	return &Handler{logger: logger, converter: converter, resolver: resolver, validate: validator.New()}
}

// MountRoutes registers HTTP routes for the fx module.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/fx/convert", h.convert)
	r.Post("/fx/rates", h.storeRate)
}

type convertRequest struct {
	Amount string `json:"amount" validate:"required"`
	From   string `json:"from" validate:"required,len=3"`
	To     string `json:"to" validate:"required,len=3"`
	Date   string `json:"date"`
}

func (h *Handler) convert(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	var req convertRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "amount must be a decimal string")
		return
	}
	on := time.Now()
	if req.Date != "" {
		if on, err = time.Parse("2006-01-02", req.Date); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "date must be YYYY-MM-DD")
			return
		}
	}
	conv, err := h.converter.Convert(r.Context(), amount, req.From, req.To, on)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	out := map[string]any{
		"amount":    conv.Amount.String(),
		"converted": conv.Converted,
	}
	if conv.Converted {
		out["rate"] = conv.Rate.String()
	}
	if conv.Warning != nil {
		out["warning"] = conv.Warning.Error()
	}
	httpx.JSON(w, http.StatusOK, out)
}

type storeRateRequest struct {
	From        string `json:"from" validate:"required,len=3"`
	To          string `json:"to" validate:"required,len=3"`
	Rate        string `json:"rate" validate:"required"`
	EffectiveOn string `json:"effective_on" validate:"required"`
}

func (h *Handler) storeRate(w http.ResponseWriter, r *http.Request) {
	actor := shared.ActorFromContext(r.Context())
	if actor == nil {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return
	}
	if err := h.resolver.Authorize(actor, governance.CapManageRates); err != nil {
		h.respondErr(w, r, err)
		return
	}
	var req storeRateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	rate, err := decimal.NewFromString(req.Rate)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "rate must be a decimal string")
		return
	}
	on, err := time.Parse("2006-01-02", req.EffectiveOn)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "effective_on must be YYYY-MM-DD")
		return
	}
	stored, err := h.converter.StoreManualRate(r.Context(), req.From, req.To, rate, on)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{
		"from":         stored.From,
		"to":           stored.To,
		"rate":         stored.Rate.String(),
		"effective_on": stored.EffectiveOn.Format("2006-01-02"),
		"source":       string(stored.Source),
	})
}

func (h *Handler) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	var capErr *governance.CapabilityError
	switch {
	case errors.As(err, &capErr):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", capErr.Error())
	case errors.Is(err, ErrUnknownCurrency), errors.Is(err, ErrInvalidRate):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	default:
		h.logger.Error("fx request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		httpx.RespondError(w, err)
	}
}
