// Package handler содержит HTTP-обработчики API сервиса возвратов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mmeshcher/returns-system/internal/model"
	"github.com/mmeshcher/returns-system/internal/proration"
	"github.com/mmeshcher/returns-system/internal/repository"
	"github.com/mmeshcher/returns-system/internal/service"
	"github.com/mmeshcher/returns-system/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreateReturn(ctx context.Context, orderID int64, in service.CreateReturnInput) (*model.ReturnRequest, error)
	GetReturn(ctx context.Context, id uuid.UUID) (*model.ReturnRequest, error)
	ListReturnsByOrder(ctx context.Context, orderID int64) ([]model.ReturnRequest, error)
	UpdateReturn(ctx context.Context, id uuid.UUID, in service.UpdateReturnInput) (*model.ReturnRequest, error)
	CreditNoteData(ctx context.Context, id uuid.UUID) (*model.CreditNote, error)
}

// Handler реализует HTTP-обработчики API сервиса возвратов.
type Handler struct {
	service Service
	logger  *zap.Logger
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger) *Handler {
	return &Handler{
		service: s,
		logger:  logger,
	}
}

type returnItemResponse struct {
	LineNo      int   `json:"line_no"`
	Quantity    int   `json:"quantity"`
	Accepted    bool  `json:"accepted"`
	RefundCents int64 `json:"refund_cents"`
}

type refundResponse struct {
	Method      string `json:"method,omitempty"`
	Reference   string `json:"reference,omitempty"`
	AmountCents int64  `json:"amount_cents"`
}

type returnResponse struct {
	ID        string               `json:"id"`
	OrderID   int64                `json:"order_id"`
	UserID    int64                `json:"user_id"`
	Status    string               `json:"status"`
	Items     []returnItemResponse `json:"items"`
	Refund    refundResponse       `json:"refund"`
	Notes     string               `json:"notes,omitempty"`
	CreatedAt string               `json:"created_at"`
	UpdatedAt string               `json:"updated_at"`
}

func toReturnResponse(ret *model.ReturnRequest) returnResponse {
	items := make([]returnItemResponse, 0, len(ret.Items))
	for _, it := range ret.Items {
		items = append(items, returnItemResponse{
			LineNo:      it.LineNo,
			Quantity:    it.Quantity,
			Accepted:    it.Accepted,
			RefundCents: it.RefundCents,
		})
	}

	return returnResponse{
		ID:      ret.ID.String(),
		OrderID: ret.OrderID,
		UserID:  ret.UserID,
		Status:  string(ret.Status),
		Items:   items,
		Refund: refundResponse{
			Method:      ret.Refund.Method,
			Reference:   ret.Refund.Reference,
			AmountCents: ret.Refund.AmountCents,
		},
		Notes:     ret.Notes,
		CreatedAt: ret.CreatedAt.Format(time.RFC3339),
		UpdatedAt: ret.UpdatedAt.Format(time.RFC3339),
	}
}

func orderIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	return id, err == nil && id > 0
}

func returnIDParam(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "returnID"))
	return id, err == nil
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, repository.ErrOrderNotFound),
		errors.Is(err, repository.ErrReturnNotFound),
		errors.Is(err, repository.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, validation.ErrNoItems):
		return http.StatusBadRequest
	case errors.Is(err, validation.ErrUnknownLine),
		errors.Is(err, proration.ErrUnknownLine):
		return http.StatusUnprocessableEntity
	case errors.Is(err, validation.ErrOverReturn),
		errors.Is(err, validation.ErrInvalidTransition),
		errors.Is(err, service.ErrReturnNotCompleted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	http.Error(w, http.StatusText(status), status)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response", zap.Error(err))
	}
}

type createReturnRequest struct {
	Items []struct {
		LineNo   int `json:"line_no"`
		Quantity int `json:"quantity"`
	} `json:"items"`
	Notes string `json:"notes"`
}

// CreateReturn принимает новую заявку на возврат по заказу.
func (h *Handler) CreateReturn(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req createReturnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	in := service.CreateReturnInput{Notes: req.Notes}
	for _, it := range req.Items {
		in.Items = append(in.Items, service.NewReturnLine{LineNo: it.LineNo, Quantity: it.Quantity})
	}

	ret, err := h.service.CreateReturn(r.Context(), orderID, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, toReturnResponse(ret))
}

// GetReturn возвращает заявку на возврат по идентификатору.
func (h *Handler) GetReturn(w http.ResponseWriter, r *http.Request) {
	id, ok := returnIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	ret, err := h.service.GetReturn(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toReturnResponse(ret))
}

// ListReturns возвращает заявки на возврат по заказу.
func (h *Handler) ListReturns(w http.ResponseWriter, r *http.Request) {
	orderID, ok := orderIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	returns, err := h.service.ListReturnsByOrder(r.Context(), orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if len(returns) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]returnResponse, 0, len(returns))
	for i := range returns {
		resp = append(resp, toReturnResponse(&returns[i]))
	}

	h.writeJSON(w, http.StatusOK, resp)
}

type updateReturnRequest struct {
	Items []struct {
		LineNo   int  `json:"line_no"`
		Accepted bool `json:"accepted"`
		Quantity *int `json:"quantity,omitempty"`
	} `json:"items"`
	Status *string `json:"status"`
	Notes  *string `json:"notes"`
	Refund *struct {
		Method      string `json:"method"`
		Reference   string `json:"reference"`
		AmountCents int64  `json:"amount_cents"`
	} `json:"refund"`
}

// UpdateReturn применяет решения по строкам и/или смену статуса заявки.
// Перевод в completed завершает возврат: пополняет остатки, корректирует
// баллы и рассчитывает выплату.
func (h *Handler) UpdateReturn(w http.ResponseWriter, r *http.Request) {
	id, ok := returnIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	var req updateReturnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	in := service.UpdateReturnInput{Notes: req.Notes}

	if req.Status != nil {
		status := model.ReturnStatus(*req.Status)
		switch status {
		case model.ReturnStatusProcessing, model.ReturnStatusCompleted, model.ReturnStatusRejected:
			in.Status = &status
		default:
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
	}

	for _, it := range req.Items {
		in.Items = append(in.Items, service.ItemDecision{
			LineNo:   it.LineNo,
			Accepted: it.Accepted,
			Quantity: it.Quantity,
		})
	}

	if req.Refund != nil {
		in.Refund = &service.RefundInput{
			Method:      req.Refund.Method,
			Reference:   req.Refund.Reference,
			AmountCents: req.Refund.AmountCents,
		}
	}

	ret, err := h.service.UpdateReturn(r.Context(), id, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, toReturnResponse(ret))
}

// GetCreditNote возвращает данные кредит-ноты по завершённой заявке.
func (h *Handler) GetCreditNote(w http.ResponseWriter, r *http.Request) {
	id, ok := returnIDParam(r)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	note, err := h.service.CreditNoteData(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, note)
}
