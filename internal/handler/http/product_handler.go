package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/storefront/internal/product"
)

type ProductRequest struct {
	Name        string          `json:"name" validate:"required,max=255"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Image       string          `json:"image" validate:"max=10"`
	Stock       int             `json:"stock" validate:"gte=0"`
}

type RestockRequest struct {
	Quantity int `json:"quantity" validate:"gt=0"`
}

type StockResponse struct {
	ProductID int64 `json:"productId"`
	Stock     int   `json:"stock"`
}

type ProductHandler struct {
	service  product.Service
	validate *validator.Validate
}

func NewProductHandler(service product.Service) *ProductHandler {
	return &ProductHandler{
		service:  service,
		validate: newValidator(),
	}
}

func (h *ProductHandler) RegisterRoutes(router chi.Router) {
	router.Get("/products", h.handleListProducts)
	router.Post("/products", h.handleCreateProduct)
	router.Get("/products/{id}", h.handleGetProduct)
	router.Put("/products/{id}", h.handleUpdateProduct)
	router.Delete("/products/{id}", h.handleDeleteProduct)
	router.Get("/products/{id}/stock", h.handleGetStock)
	router.Post("/products/{id}/stock", h.handleRestock)
}

func (h *ProductHandler) handleListProducts(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	params := product.ListParams{
		Filter: product.StockFilter(query.Get("filter")),
		Query:  query.Get("q"),
	}
	if raw := query.Get("threshold"); raw != "" {
		threshold, err := strconv.Atoi(raw)
		if err != nil || threshold <= 0 {
			respondWithError(w, http.StatusBadRequest, "Invalid threshold parameter")
			return
		}
		params.Threshold = threshold
	}

	products, err := h.service.ListProducts(r.Context(), params)
	if err != nil {
		statusCode := mapErrorToStatusCode(err)
		if errors.Is(err, product.ErrInvalidProduct) {
			respondWithError(w, statusCode, "Invalid filter parameter")
			return
		}
		log.Error().Err(err).Msg("Failed to list products via service")
		respondWithError(w, statusCode, "Failed to list products")
		return
	}

	respondWithJSON(w, http.StatusOK, products)
}

func (h *ProductHandler) handleGetProduct(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid id parameter")
		return
	}

	found, err := h.service.GetProduct(r.Context(), id)
	if err != nil {
		h.respondWithProductError(w, err, id, "Failed to get product")
		return
	}

	respondWithJSON(w, http.StatusOK, found)
}

func (h *ProductHandler) decodeProduct(w http.ResponseWriter, r *http.Request) (*ProductRequest, bool) {
	var requestPayload ProductRequest

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&requestPayload); err != nil {
		log.Warn().Err(err).Msg("Failed to decode request body")
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request payload %v", err))
		return nil, false
	}

	if err := h.validate.Struct(requestPayload); err != nil {
		respondWithValidation(w, err)
		return nil, false
	}

	if requestPayload.Price.IsNegative() {
		respondWithJSON(w, http.StatusBadRequest, ValidationErrorResponse{
			Error:   "Validation failed",
			Details: map[string]string{"price": "must not be negative"},
		})
		return nil, false
	}

	return &requestPayload, true
}

func (h *ProductHandler) handleCreateProduct(w http.ResponseWriter, r *http.Request) {
	requestPayload, ok := h.decodeProduct(w, r)
	if !ok {
		return
	}

	created, err := h.service.CreateProduct(r.Context(), &product.Product{
		Name:        requestPayload.Name,
		Description: requestPayload.Description,
		Price:       requestPayload.Price,
		Image:       requestPayload.Image,
		Stock:       requestPayload.Stock,
	})
	if err != nil {
		h.respondWithProductError(w, err, 0, "Failed to create product")
		return
	}

	respondWithJSON(w, http.StatusCreated, created)
}

func (h *ProductHandler) handleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid id parameter")
		return
	}

	requestPayload, ok := h.decodeProduct(w, r)
	if !ok {
		return
	}

	err = h.service.UpdateProduct(r.Context(), &product.Product{
		ID:          id,
		Name:        requestPayload.Name,
		Description: requestPayload.Description,
		Price:       requestPayload.Price,
		Image:       requestPayload.Image,
		Stock:       requestPayload.Stock,
	})
	if err != nil {
		h.respondWithProductError(w, err, id, "Failed to update product")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *ProductHandler) handleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid id parameter")
		return
	}

	if err := h.service.DeleteProduct(r.Context(), id); err != nil {
		h.respondWithProductError(w, err, id, "Failed to delete product")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *ProductHandler) handleGetStock(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid id parameter")
		return
	}

	stock, err := h.service.GetStock(r.Context(), id)
	if err != nil {
		h.respondWithProductError(w, err, id, "Failed to get stock")
		return
	}

	respondWithJSON(w, http.StatusOK, StockResponse{ProductID: id, Stock: stock})
}

func (h *ProductHandler) handleRestock(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid id parameter")
		return
	}

	var requestPayload RestockRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&requestPayload); err != nil {
		log.Warn().Err(err).Msg("Failed to decode restock body")
		respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request payload %v", err))
		return
	}
	if err := h.validate.Struct(requestPayload); err != nil {
		respondWithValidation(w, err)
		return
	}

	stock, err := h.service.Restock(r.Context(), id, requestPayload.Quantity)
	if err != nil {
		h.respondWithProductError(w, err, id, "Failed to restock product")
		return
	}

	respondWithJSON(w, http.StatusOK, StockResponse{ProductID: id, Stock: stock})
}

func (h *ProductHandler) respondWithProductError(w http.ResponseWriter, err error, id int64, fallback string) {
	statusCode := mapErrorToStatusCode(err)

	var clientMessage string
	switch {
	case errors.Is(err, product.ErrProductNotFound):
		clientMessage = "Product not found"
	case errors.Is(err, product.ErrInvalidProduct):
		clientMessage = err.Error()
	default:
		log.Error().Err(err).Int64("product_id", id).Msg(fallback + " via service")
		clientMessage = fallback
	}

	respondWithError(w, statusCode, clientMessage)
}
