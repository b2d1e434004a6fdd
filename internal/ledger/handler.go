package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/coldstore/ledger/internal/platform/httpx"
	"github.com/coldstore/ledger/internal/shared"
)

// Handler wires JSON endpoints for the ledger.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/incoming-orders", func(r chi.Router) {
		r.Post("/", h.createIncoming)
		r.Get("/voucher/{number}", h.findByVoucher)
		r.Patch("/{id}", h.editIncoming)
	})
	r.Route("/outgoing-orders", func(r chi.Router) {
		r.Post("/", h.createOutgoing)
		r.Patch("/{id}", h.editOutgoing)
		r.Delete("/{id}", h.deleteOutgoing)
	})
	r.Get("/summary", h.summary)
	r.Get("/trend", h.trend)
	r.Get("/top-farmers", h.topFarmers)
	r.Route("/farmers/{id}", func(r chi.Router) {
		r.Get("/orders", h.farmerOrders)
		r.Get("/varieties", h.farmerVarieties)
	})
	r.Get("/daybook", h.dayBook)
}

type createIncomingRequest struct {
	FarmerAccountID uuid.UUID      `json:"farmerAccount" validate:"required"`
	Variety         string         `json:"variety" validate:"required"`
	BagSizes        []BagSizeInput `json:"bagSizes" validate:"required,min=1"`
	Remarks         string         `json:"remarks" validate:"max=500"`
	DateOfEntry     *time.Time     `json:"dateOfEntry"`
}

type editIncomingRequest struct {
	FarmerAccountID *uuid.UUID      `json:"farmerAccount"`
	Remarks         *string         `json:"remarks" validate:"omitempty,max=500"`
	DateOfEntry     *time.Time      `json:"dateOfEntry"`
	LineItems       []LineItemInput `json:"lineItems" validate:"omitempty,min=1"`
}

type createOutgoingRequest struct {
	FarmerAccountID uuid.UUID           `json:"farmerAccount" validate:"required"`
	Lines           []OutgoingLineInput `json:"orderDetails" validate:"required,min=1,dive"`
	Remarks         string              `json:"remarks" validate:"max=500"`
}

type editOutgoingRequest struct {
	Remarks          *string             `json:"remarks" validate:"omitempty,max=500"`
	DateOfExtraction *time.Time          `json:"dateOfExtraction"`
	Lines            []OutgoingLineInput `json:"orderDetails" validate:"omitempty,min=1,dive"`
}

type dayBookResponse struct {
	Data       []Record          `json:"data"`
	Pagination shared.Pagination `json:"pagination"`
}

func (h *Handler) createIncoming(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req createIncomingRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := CreateIncomingInput{
		ColdStorageID:   scope.ColdStorageID,
		FarmerAccountID: req.FarmerAccountID,
		Variety:         req.Variety,
		BagSizes:        req.BagSizes,
		Remarks:         req.Remarks,
		ActorID:         scope.ActorID,
	}
	if req.DateOfEntry != nil {
		in.DateOfEntry = *req.DateOfEntry
	}
	order, err := h.service.CreateIncomingOrder(r.Context(), in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, order)
}

func (h *Handler) editIncoming(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req editIncomingRequest
	if !h.decode(w, r, &req) {
		return
	}
	order, err := h.service.EditIncomingOrder(r.Context(), scope.ColdStorageID, id, IncomingUpdate{
		Remarks:         req.Remarks,
		DateOfEntry:     req.DateOfEntry,
		FarmerAccountID: req.FarmerAccountID,
		LineItems:       req.LineItems,
	}, scope.ActorID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) findByVoucher(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	number, err := strconv.ParseInt(chi.URLParam(r, "number"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "voucher number must be an integer")
		return
	}
	order, err := h.service.FindIncomingByVoucher(r.Context(), scope.ColdStorageID, number)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) createOutgoing(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	var req createOutgoingRequest
	if !h.decode(w, r, &req) {
		return
	}
	order, err := h.service.CreateOutgoingOrder(r.Context(), CreateOutgoingInput{
		ColdStorageID:   scope.ColdStorageID,
		FarmerAccountID: req.FarmerAccountID,
		Lines:           req.Lines,
		Remarks:         req.Remarks,
		IdempotencyKey:  r.Header.Get("Idempotency-Key"),
		ActorID:         scope.ActorID,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, order)
}

func (h *Handler) editOutgoing(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req editOutgoingRequest
	if !h.decode(w, r, &req) {
		return
	}
	order, err := h.service.EditOutgoingOrder(r.Context(), scope.ColdStorageID, id, OutgoingUpdate{
		Remarks:          req.Remarks,
		DateOfExtraction: req.DateOfExtraction,
		Lines:            req.Lines,
	}, scope.ActorID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) deleteOutgoing(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteOutgoingOrder(r.Context(), scope.ColdStorageID, id, scope.ActorID); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	filter := SummaryFilter{Variety: q.Get("variety")}
	var err error
	if v := q.Get("farmer_profile"); v != "" {
		if filter.FarmerProfileID, err = uuid.Parse(v); err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "farmer_profile must be a uuid")
			return
		}
	}
	if filter.From, err = parseDate(q.Get("from")); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from must be YYYY-MM-DD")
		return
	}
	if filter.To, err = parseDate(q.Get("to")); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "to must be YYYY-MM-DD")
		return
	}
	if !filter.To.IsZero() {
		filter.To = filter.To.AddDate(0, 0, 1)
	}
	out, err := h.service.GetStockSummary(r.Context(), scope.ColdStorageID, filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) trend(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	from, err := parseDate(r.URL.Query().Get("from"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "from must be YYYY-MM-DD")
		return
	}
	out, err := h.service.GetStockTrend(r.Context(), scope.ColdStorageID, from)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) topFarmers(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	out, err := h.service.TopFarmers(r.Context(), scope.ColdStorageID, limit)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) farmerOrders(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	typ := DayBookType(strings.ToLower(r.URL.Query().Get("type")))
	records, err := h.service.FarmerOrders(r.Context(), scope.ColdStorageID, []uuid.UUID{id}, typ)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, records)
}

func (h *Handler) farmerVarieties(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	out, err := h.service.FarmerVarieties(r.Context(), scope.ColdStorageID, id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) dayBook(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.scope(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	records, pagination, err := h.service.DayBook(r.Context(), scope.ColdStorageID, DayBookFilter{
		Type:        DayBookType(strings.ToLower(q.Get("type"))),
		OldestFirst: q.Get("order") == "oldest",
		Page:        page,
		PerPage:     perPage,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, dayBookResponse{Data: records, Pagination: pagination})
}

func (h *Handler) scope(w http.ResponseWriter, r *http.Request) (shared.TenantScope, bool) {
	scope, ok := shared.TenantFromContext(r.Context())
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "cold storage header required")
		return shared.TenantScope{}, false
	}
	return scope, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid fields: "+strings.Join(fields, ", "))
			return false
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

var ledgerErrors = httpx.ErrorMapper{
	Rules: []httpx.ErrorRule{
		{Target: ErrValidation, Status: http.StatusBadRequest, Title: "Validation Failed"},
		{Target: ErrNotFound, Status: http.StatusNotFound, Title: "Not Found"},
		{Target: ErrDuplicateVoucher, Status: http.StatusConflict, Title: "Duplicate Voucher"},
		{Target: shared.ErrIdempotencyConflict, Status: http.StatusConflict, Title: "Duplicate"},
		{Target: ErrUnauthorized, Status: http.StatusForbidden, Title: "Forbidden"},
	},
	Detail: func(err error) string { return unwrapAbort(err).Error() },
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var stockErr *InsufficientStockError
	if errors.As(err, &stockErr) {
		httpx.ProblemWith(w, http.StatusConflict, "Insufficient Stock", stockErr.Error(), map[string]any{
			"incomingOrderId": stockErr.IncomingOrderID,
			"variety":         stockErr.Variety,
			"size":            stockErr.Size,
			"location":        stockErr.Location,
			"requested":       stockErr.Requested,
			"available":       stockErr.Available,
		})
		return
	}
	if ledgerErrors.Respond(w, err) {
		return
	}
	h.logger.Error("ledger request failed",
		slog.String("path", r.URL.Path),
		slog.Any("error", err))
	httpx.RespondError(w, err)
}

func unwrapAbort(err error) error {
	var abortErr *TransactionAbortError
	if errors.As(err, &abortErr) {
		return abortErr.Err
	}
	return err
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a uuid")
		return uuid.Nil, false
	}
	return id, true
}

func parseDate(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.ParseInLocation("2006-01-02", v, time.UTC)
}
