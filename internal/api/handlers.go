package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/example/order-saga/internal/domain/order"
	"github.com/example/order-saga/internal/infrastructure/broker"
	"github.com/example/order-saga/internal/saga"
)

// UserHeader carries the caller's user id. Authentication happens upstream.
const UserHeader = "X-User-ID"

type Handlers struct {
	coordinator *saga.Coordinator
}

func NewHandlers(coordinator *saga.Coordinator) *Handlers {
	return &Handlers{coordinator: coordinator}
}

type CancelOrderRequest struct {
	Reason string `json:"reason"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	OrderID string `json:"orderId,omitempty"`
}

// CreateOrder places a new order. The user id comes from the body or, when
// absent there, from the X-User-ID header.
func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req saga.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.UserID == "" {
		req.UserID = r.Header.Get(UserHeader)
	}

	o, err := h.coordinator.CreateOrder(r.Context(), req)
	if err != nil {
		respondError(w, r, o, err)
		return
	}
	respondJSON(w, http.StatusCreated, o)
}

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.coordinator.GetOrder(r.Context(), chi.URLParam(r, "id"), r.Header.Get(UserHeader))
	if err != nil {
		respondError(w, r, nil, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (h *Handlers) ListUserOrders(w http.ResponseWriter, r *http.Request) {
	page, err := queryInt(r, "page")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "page must be an integer")
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "limit must be an integer")
		return
	}

	result, err := h.coordinator.ListUserOrders(r.Context(), chi.URLParam(r, "userID"), page, limit)
	if err != nil {
		respondError(w, r, nil, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// CancelOrder cancels the order. The body is optional.
func (h *Handlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var req CancelOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	o, err := h.coordinator.CancelOrder(r.Context(), chi.URLParam(r, "id"), r.Header.Get(UserHeader), req.Reason)
	if err != nil {
		respondError(w, r, o, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func queryInt(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// respondError maps the coordinator's error taxonomy to HTTP statuses. A
// non-nil order means the state change was persisted but its event was not
// published.
func respondError(w http.ResponseWriter, r *http.Request, o *order.Order, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, saga.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, saga.ErrInvalidRequest):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, saga.ErrInvalidState):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, broker.ErrBrokerUnavailable):
		status, code = http.StatusServiceUnavailable, "broker_unavailable"
	}
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}

	resp := ErrorResponse{Error: code, Message: err.Error()}
	if o != nil {
		resp.OrderID = o.ID
	}
	respondJSON(w, status, resp)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, ErrorResponse{Error: code, Message: msg})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
