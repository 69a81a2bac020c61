package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/storefront/internal/order"
)

const IdempotencyKeyHeader = "Idempotency-Key"

type CustomerRequest struct {
	Name    string `json:"name" validate:"required,max=255"`
	Email   string `json:"email" validate:"required,email,max=255"`
	Address string `json:"address" validate:"required,max=500"`
	City    string `json:"city" validate:"required,max=100"`
	ZipCode string `json:"zipCode" validate:"required,max=20"`
}

// CartItemRequest carries the client's view of a cart line. Only ID and
// Quantity are used; the server reprices every line.
type CartItemRequest struct {
	ID       int64           `json:"id" validate:"gt=0"`
	Name     string          `json:"name"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity" validate:"gt=0,max=2147483647"`
}

type CheckoutRequest struct {
	Customer CustomerRequest     `json:"customer"`
	Items    []CartItemRequest   `json:"items" validate:"required,min=1,dive"`
	Subtotal decimal.NullDecimal `json:"subtotal"`
	Tax      decimal.NullDecimal `json:"tax"`
	Total    decimal.NullDecimal `json:"total"`
}

type CheckoutResponse struct {
	Success     bool   `json:"success"`
	OrderID     int64  `json:"orderId"`
	OrderNumber string `json:"orderNumber"`
	Message     string `json:"message"`
}

type OrderDetailsResponse struct {
	Order order.Order       `json:"order"`
	Items []order.OrderItem `json:"items"`
}

type UpdateStatusRequest struct {
	Status string `json:"status" validate:"required,max=32"`
}

type OrderHandler struct {
	service  order.Service
	validate *validator.Validate
}

func NewOrderHandler(service order.Service) *OrderHandler {
	return &OrderHandler{
		service:  service,
		validate: newValidator(),
	}
}

func (h *OrderHandler) RegisterRoutes(router chi.Router) {
	router.Post("/orders", h.handleCheckout)
	router.Get("/orders", h.handleListOrders)
	router.Get("/orders/{id}", h.handleGetOrder)
	router.Patch("/orders/{id}/status", h.handleUpdateStatus)
}

func (h *OrderHandler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	var key uuid.UUID
	if raw := r.Header.Get(IdempotencyKeyHeader); raw != "" {
		parsed, err := uuid.FromString(raw)
		if err != nil || parsed == uuid.Nil {
			log.Warn().Str("idempotency_key", raw).Msg("Invalid Idempotency-Key header")
			respondWithError(w, http.StatusBadRequest, "Idempotency-Key must be a UUID")
			return
		}
		key = parsed
	}

	var requestPayload CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&requestPayload); err != nil {
		log.Warn().Err(err).Msg("Failed to decode checkout body")
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request payload %v", err))
		return
	}

	if err := h.validate.Struct(requestPayload); err != nil {
		respondWithValidation(w, err)
		return
	}

	req := order.CheckoutRequest{
		Customer: order.Customer{
			Name:    requestPayload.Customer.Name,
			Email:   requestPayload.Customer.Email,
			Address: requestPayload.Customer.Address,
			City:    requestPayload.Customer.City,
			ZipCode: requestPayload.Customer.ZipCode,
		},
		Items:          make([]order.CartLine, 0, len(requestPayload.Items)),
		Subtotal:       requestPayload.Subtotal,
		Tax:            requestPayload.Tax,
		Total:          requestPayload.Total,
		IdempotencyKey: key,
	}
	for _, item := range requestPayload.Items {
		req.Items = append(req.Items, order.CartLine{
			ProductID: item.ID,
			Name:      item.Name,
			Price:     item.Price,
			Quantity:  item.Quantity,
		})
	}

	receipt, err := h.service.PlaceOrder(r.Context(), req)
	if err != nil {
		respondWithCheckoutError(w, err)
		return
	}

	status := http.StatusCreated
	if receipt.Replayed {
		status = http.StatusOK
	}
	respondWithJSON(w, status, CheckoutResponse{
		Success:     true,
		OrderID:     receipt.OrderID,
		OrderNumber: receipt.OrderNumber,
		Message:     receipt.Message,
	})
}

func respondWithCheckoutError(w http.ResponseWriter, err error) {
	statusCode := mapErrorToStatusCode(err)
	retriable := false
	response := ErrorResponse{Retriable: &retriable}

	var (
		verr     *order.ValidationError
		stockErr *order.InsufficientStockError
	)
	switch {
	case errors.As(err, &verr):
		response.Error = "Validation failed"
		response.Details = verr.Fields
	case errors.As(err, &stockErr):
		response.Error = "Insufficient stock"
		response.Details = map[string]string{
			fmt.Sprintf("product_%d", stockErr.ProductID): stockErr.Error(),
		}
	case errors.Is(err, order.ErrDuplicateIdempotencyKey):
		retriable = true
		response.Error = "A request with this Idempotency-Key is already being processed"
	default:
		log.Error().Err(err).Msg("Failed to place order via service")
		retriable = errors.Is(err, order.ErrStorage)
		response.Error = "Failed to create order"
	}

	respondWithJSON(w, statusCode, response)
}

func (h *OrderHandler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		log.Warn().Str("order_id", chi.URLParam(r, "id")).Msg("Failed to parse id parameter from URL")
		respondWithError(w, http.StatusBadRequest, "Invalid id parameter")
		return
	}

	found, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		statusCode := mapErrorToStatusCode(err)
		if errors.Is(err, order.ErrOrderNotFound) {
			respondWithError(w, statusCode, "Order not found")
			return
		}
		log.Error().Err(err).Int64("order_id", id).Msg("Failed to get order via service")
		respondWithError(w, statusCode, "Failed to get order")
		return
	}

	items := found.Items
	if items == nil {
		items = []order.OrderItem{}
	}
	respondWithJSON(w, http.StatusOK, OrderDetailsResponse{Order: *found, Items: items})
}

func (h *OrderHandler) handleListOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.service.ListOrders(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to list orders via service")
		respondWithError(w, mapErrorToStatusCode(err), "Failed to list orders")
		return
	}

	respondWithJSON(w, http.StatusOK, orders)
}

func (h *OrderHandler) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid id parameter")
		return
	}

	var requestPayload UpdateStatusRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&requestPayload); err != nil {
		log.Warn().Err(err).Msg("Failed to decode status update body")
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request payload %v", err))
		return
	}
	if err := h.validate.Struct(requestPayload); err != nil {
		respondWithValidation(w, err)
		return
	}

	err = h.service.UpdateOrderStatus(r.Context(), id, order.Status(requestPayload.Status))
	if err != nil {
		statusCode := mapErrorToStatusCode(err)

		var clientMessage string
		switch {
		case errors.Is(err, order.ErrOrderNotFound):
			clientMessage = "Order not found"
		case errors.Is(err, order.ErrInvalidStatus):
			clientMessage = "Invalid status"
		default:
			log.Error().Err(err).Int64("order_id", id).Msg("Failed to update order status via service")
			clientMessage = "Failed to update order status"
		}

		respondWithError(w, statusCode, clientMessage)
		return
	}

	respondWithJSON(w, http.StatusOK, map[string]any{"success": true, "status": requestPayload.Status})
}
