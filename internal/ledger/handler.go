package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/singleflight"

	"github.com/atlas-lms/atlas-lms/internal/platform/httpx"
	"github.com/atlas-lms/atlas-lms/internal/rbac"
	"github.com/atlas-lms/atlas-lms/internal/shared"
)

// Handler manages ledger endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
	rbac    rbac.Middleware
	flight  singleflight.Group
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, rbacMW rbac.Middleware) *Handler {
	return &Handler{logger: logger, service: service, rbac: rbacMW}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(rbac.PermLedgerView))
		r.Get("/accounts", h.listAccounts)
		r.Get("/journals", h.listJournals)
		r.Get("/journals/{id}", h.getJournal)
		r.Get("/trial-balance", h.trialBalance)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAll(rbac.PermLedgerPost))
		r.Post("/journals/{id}/void", h.voidJournal)
		r.Post("/journals/{id}/reverse", h.reverseJournal)
	})
}

func (h *Handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.service.ListAccounts(r.Context())
	if err != nil {
		h.logger.Error("list accounts", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"accounts": accounts})
}

func (h *Handler) listJournals(w http.ResponseWriter, r *http.Request) {
	kind := RefKind(r.URL.Query().Get("ref_kind"))
	if kind != "" && !kind.Valid() {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "unknown ref_kind")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	journals, err := h.service.ListJournals(r.Context(), kind, limit, offset)
	if err != nil {
		h.logger.Error("list journals", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"journals": journals})
}

func (h *Handler) getJournal(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid journal id")
		return
	}
	journal, err := h.service.GetJournal(r.Context(), id)
	if err != nil {
		h.respondError(w, err, "get journal", id)
		return
	}
	httpx.JSON(w, http.StatusOK, journal)
}

// trialBalance collapses concurrent report requests into a single scan; the
// aggregate query touches every posted line.
func (h *Handler) trialBalance(w http.ResponseWriter, r *http.Request) {
	rows, err, _ := h.flight.Do("trial_balance", func() (any, error) {
		return h.service.TrialBalance(r.Context())
	})
	if err != nil {
		h.logger.Error("trial balance", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"rows": rows})
}

func (h *Handler) voidJournal(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid journal id")
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	_ = httpx.DecodeJSON(r, &req)
	journal, err := h.service.Void(r.Context(), VoidInput{JournalID: id, ActorID: actorID(r), Reason: req.Reason})
	if err != nil {
		h.respondError(w, err, "void journal", id)
		return
	}
	httpx.JSON(w, http.StatusOK, journal)
}

func (h *Handler) reverseJournal(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid journal id")
		return
	}
	var req struct {
		Memo string `json:"memo"`
	}
	_ = httpx.DecodeJSON(r, &req)
	journal, err := h.service.Reverse(r.Context(), ReverseInput{JournalID: id, ActorID: actorID(r), Memo: req.Memo})
	if err != nil {
		h.respondError(w, err, "reverse journal", id)
		return
	}
	httpx.JSON(w, http.StatusCreated, journal)
}

func (h *Handler) respondError(w http.ResponseWriter, err error, op string, id int64) {
	switch {
	case errors.Is(err, ErrJournalNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInvalidStatus):
		httpx.Problem(w, http.StatusUnprocessableEntity, "Invalid State", err.Error())
	case errors.Is(err, ErrDuplicatePosting):
		httpx.Problem(w, http.StatusConflict, "Duplicate", err.Error())
	case errors.Is(err, ErrUnbalanced), errors.Is(err, ErrTooFewLines), errors.Is(err, ErrInvalidRef):
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
