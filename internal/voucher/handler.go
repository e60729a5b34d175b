package voucher

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atlas-lms/atlas-lms/internal/ledger"
	"github.com/atlas-lms/atlas-lms/internal/money"
	"github.com/atlas-lms/atlas-lms/internal/platform/httpx"
	"github.com/atlas-lms/atlas-lms/internal/rbac"
	"github.com/atlas-lms/atlas-lms/internal/shared"
)

// Handler manages voucher endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbacMW rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbacMW, validator: validator.New()}
}

// MountRoutes registers voucher routes. Posting and cancelling resolve the
// post capability here and pass it down as a boolean.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermVoucherView))
		r.Get("/", h.list)
		r.Get("/{id}", h.get)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(rbac.PermVoucherEdit))
		r.Post("/", h.create)
		r.Put("/{id}", h.update)
		r.Delete("/{id}", h.delete)
		r.Post("/{id}/post", h.post)
		r.Post("/{id}/cancel", h.cancel)
	})
}

type lineRequest struct {
	AccountCode string `json:"account_code" validate:"required"`
	Debit       string `json:"debit"`
	Credit      string `json:"credit"`
	Description string `json:"description"`
}

type voucherRequest struct {
	Type        string        `json:"type" validate:"required,oneof=RECEIPT PAYMENT"`
	BranchID    *int64        `json:"branch_id"`
	Method      string        `json:"method" validate:"omitempty,oneof=cash bank transfer gateway card"`
	Memo        string        `json:"memo"`
	VoucherDate string        `json:"voucher_date"`
	Lines       []lineRequest `json:"lines" validate:"required,min=2,dive"`
}

func (h *Handler) decodeInput(r *http.Request) (CreateInput, error) {
	var req voucherRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		return CreateInput{}, errors.New("malformed JSON body")
	}
	if err := h.validator.Struct(req); err != nil {
		return CreateInput{}, err
	}
	in := CreateInput{
		Type:     Type(req.Type),
		BranchID: req.BranchID,
		Method:   req.Method,
		Memo:     req.Memo,
	}
	if req.VoucherDate != "" {
		date, err := time.Parse("2006-01-02", req.VoucherDate)
		if err != nil {
			return CreateInput{}, errors.New("voucher_date must be YYYY-MM-DD")
		}
		in.VoucherDate = date
	}
	for _, line := range req.Lines {
		parsed := LineInput{AccountCode: line.AccountCode, Description: line.Description}
		var err error
		if line.Debit != "" {
			if parsed.Debit, err = money.FromString(line.Debit); err != nil {
				return CreateInput{}, errors.New("invalid debit amount")
			}
		}
		if line.Credit != "" {
			if parsed.Credit, err = money.FromString(line.Credit); err != nil {
				return CreateInput{}, errors.New("invalid credit amount")
			}
		}
		in.Lines = append(in.Lines, parsed)
	}
	return in, nil
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	in, err := h.decodeInput(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	v, err := h.service.Create(r.Context(), in)
	if err != nil {
		h.respondError(w, err, "create voucher", 0)
		return
	}
	httpx.JSON(w, http.StatusCreated, v)
}

func (h *Handler) update(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid voucher id")
		return
	}
	in, err := h.decodeInput(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	v, err := h.service.Update(r.Context(), id, in)
	if err != nil {
		h.respondError(w, err, "update voucher", id)
		return
	}
	httpx.JSON(w, http.StatusOK, v)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid voucher id")
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		h.respondError(w, err, "delete voucher", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	vouchers, pagination, err := h.service.List(r.Context(), page, perPage)
	if err != nil {
		h.logger.Error("list vouchers", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"vouchers": vouchers, "pagination": pagination})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid voucher id")
		return
	}
	v, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.respondError(w, err, "get voucher", id)
		return
	}
	httpx.JSON(w, http.StatusOK, v)
}

func (h *Handler) post(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid voucher id")
		return
	}
	v, err := h.service.Post(r.Context(), id, actorID(r), h.rbac.Can(r, rbac.PermVoucherPost))
	if err != nil {
		h.respondError(w, err, "post voucher", id)
		return
	}
	httpx.JSON(w, http.StatusOK, v)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid voucher id")
		return
	}
	v, err := h.service.Cancel(r.Context(), id, actorID(r), h.rbac.Can(r, rbac.PermVoucherPost))
	if err != nil {
		h.respondError(w, err, "cancel voucher", id)
		return
	}
	httpx.JSON(w, http.StatusOK, v)
}

func (h *Handler) respondError(w http.ResponseWriter, err error, op string, id int64) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrNotDraft), errors.Is(err, ErrNotPosted):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid State", err.Error())
	case errors.Is(err, ErrForbidden):
		httpx.Problem(w, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, ErrUnbalanced), errors.Is(err, ErrTooFewLines),
		errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, ledger.ErrAccountInactive):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err), slog.Int64("id", id))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func actorID(r *http.Request) int64 {
	if actor := shared.ActorFromContext(r.Context()); actor != nil {
		return actor.UserID
	}
	return 0
}
