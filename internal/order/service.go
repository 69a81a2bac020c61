package order

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/storefront/internal/inventory"
	"github.com/vasiliy-maslov/storefront/internal/product"
)

const EventOrderPlaced = "order.placed"

var statusPattern = regexp.MustCompile(`^[a-z][a-z_]{0,31}$`)

// ProductCatalog resolves the products named in a cart.
type ProductCatalog interface {
	GetByIDs(ctx context.Context, ids []int64) (map[int64]product.Product, error)
}

// IdempotencyCache keeps receipts of committed checkouts.
type IdempotencyCache interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any) error
}

type EventPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

type Service interface {
	PlaceOrder(ctx context.Context, req CheckoutRequest) (*Receipt, error)
	GetOrder(ctx context.Context, id int64) (*Order, error)
	ListOrders(ctx context.Context) ([]Order, error)
	UpdateOrderStatus(ctx context.Context, id int64, status Status) error
}

type service struct {
	repo    Repository
	catalog ProductCatalog
	cache   IdempotencyCache
	events  EventPublisher
}

func NewService(repo Repository, catalog ProductCatalog, cache IdempotencyCache, events EventPublisher) Service {
	return &service{
		repo:    repo,
		catalog: catalog,
		cache:   cache,
		events:  events,
	}
}

// PlaceOrder validates the cart, then writes the order header, its items and
// every stock decrement in one transaction. On any error nothing is written.
func (s *service) PlaceOrder(ctx context.Context, req CheckoutRequest) (*Receipt, error) {
	if req.IdempotencyKey != uuid.Nil {
		receipt, err := s.replay(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if receipt != nil {
			return receipt, nil
		}
	}

	if verr := validateCheckout(req); verr != nil {
		log.Warn().Err(verr).Msg("service: checkout rejected")
		return nil, verr
	}

	products, err := s.catalog.GetByIDs(ctx, productIDs(req.Items))
	if err != nil {
		log.Error().Err(err).Msg("service: failed to load cart products")
		return nil, fmt.Errorf("service: failed to load cart products: %w: %w", ErrStorage, err)
	}

	items, verr := snapshotItems(req.Items, products)
	if verr != nil {
		log.Warn().Err(verr).Msg("service: checkout references unknown products")
		return nil, verr
	}

	subtotal, tax, total := Totals(items)
	logClientTotals(req, subtotal, tax, total)

	if total.GreaterThan(MaxAmount) {
		verr := newValidationError()
		verr.add("items", fmt.Sprintf("order total %s exceeds the maximum of %s, reduce quantity or remove item",
			total.StringFixed(2), MaxAmount.StringFixed(2)))
		log.Warn().Err(verr).Msg("service: checkout rejected")
		return nil, verr
	}

	o := &Order{
		CustomerName:    strings.TrimSpace(req.Customer.Name),
		CustomerEmail:   strings.TrimSpace(req.Customer.Email),
		CustomerAddress: strings.TrimSpace(req.Customer.Address),
		CustomerCity:    strings.TrimSpace(req.Customer.City),
		CustomerZipCode: strings.TrimSpace(req.Customer.ZipCode),
		Subtotal:        subtotal,
		Tax:             tax,
		Total:           total,
		Status:          StatusPending,
	}
	if req.IdempotencyKey != uuid.Nil {
		o.IdempotencyKey = uuid.NullUUID{UUID: req.IdempotencyKey, Valid: true}
	}

	err = s.repo.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		orderID, err := tx.InsertOrder(ctx, o)
		if err != nil {
			return err
		}

		if err := tx.InsertItems(ctx, orderID, items); err != nil {
			return err
		}

		ledger := tx.Ledger()
		for _, item := range items {
			ok, err := ledger.ConditionalDecrement(ctx, item.ProductID, item.Quantity)
			if err != nil {
				if errors.Is(err, inventory.ErrProductNotFound) {
					verr := newValidationError()
					verr.add("items", fmt.Sprintf("product %d not found", item.ProductID))
					return verr
				}
				return err
			}
			if !ok {
				return &InsufficientStockError{
					ProductID:   item.ProductID,
					ProductName: item.ProductName,
					Requested:   item.Quantity,
				}
			}
		}

		return nil
	})
	if err != nil {
		return s.abort(ctx, req.IdempotencyKey, err)
	}

	o.Items = items
	receipt := newReceipt(o.ID)

	log.Info().
		Int64("order_id", o.ID).
		Str("order_number", receipt.OrderNumber).
		Str("total", total.StringFixed(2)).
		Int("items", len(items)).
		Msg("service: order committed")

	if req.IdempotencyKey != uuid.Nil {
		if err := s.cache.Set(ctx, req.IdempotencyKey.String(), receipt); err != nil {
			log.Warn().Err(err).Stringer("idempotency_key", req.IdempotencyKey).Msg("service: failed to cache receipt")
		}
	}

	// The order is committed even if the client has gone away.
	s.publishPlaced(context.WithoutCancel(ctx), o, receipt)

	return &receipt, nil
}

// abort classifies a failed commit. The transaction is already rolled back.
func (s *service) abort(ctx context.Context, key uuid.UUID, err error) (*Receipt, error) {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInsufficientStock):
		log.Warn().Err(err).Msg("service: order aborted")
		return nil, err
	case errors.Is(err, ErrDuplicateIdempotencyKey):
		// Another request with the same key committed first.
		receipt, lookupErr := s.replay(ctx, key)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if receipt == nil {
			return nil, ErrDuplicateIdempotencyKey
		}
		return receipt, nil
	default:
		log.Error().Err(err).Msg("service: order aborted by storage failure")
		return nil, fmt.Errorf("service: failed to commit order: %w: %w", ErrStorage, err)
	}
}

// replay returns the receipt of an order already committed under key, or nil
// when there is none.
func (s *service) replay(ctx context.Context, key uuid.UUID) (*Receipt, error) {
	var cached Receipt
	hit, err := s.cache.Get(ctx, key.String(), &cached)
	if err != nil {
		log.Warn().Err(err).Stringer("idempotency_key", key).Msg("service: idempotency cache unavailable")
	}
	if hit {
		cached.Replayed = true
		return &cached, nil
	}

	o, err := s.repo.GetOrderByIdempotencyKey(ctx, key)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return nil, nil
		}
		log.Error().Err(err).Stringer("idempotency_key", key).Msg("service: failed to look up idempotency key")
		return nil, fmt.Errorf("service: failed to look up idempotency key: %w: %w", ErrStorage, err)
	}

	receipt := newReceipt(o.ID)
	if err := s.cache.Set(ctx, key.String(), receipt); err != nil {
		log.Warn().Err(err).Stringer("idempotency_key", key).Msg("service: failed to cache receipt")
	}

	receipt.Replayed = true
	log.Info().Int64("order_id", o.ID).Stringer("idempotency_key", key).Msg("service: replayed committed order")
	return &receipt, nil
}

func (s *service) publishPlaced(ctx context.Context, o *Order, receipt Receipt) {
	eventID, err := uuid.NewV4()
	if err != nil {
		log.Error().Err(err).Int64("order_id", o.ID).Msg("service: failed to generate event id")
		return
	}

	event := OrderPlacedEvent{
		EventID:     eventID.String(),
		OrderID:     o.ID,
		OrderNumber: receipt.OrderNumber,
		Email:       o.CustomerEmail,
		Items:       o.Items,
		Total:       o.Total,
		Timestamp:   time.Now().UTC(),
	}
	if err := s.events.Publish(ctx, EventOrderPlaced, event); err != nil {
		log.Error().Err(err).Int64("order_id", o.ID).Msg("service: failed to publish order placed event")
	}
}

func (s *service) GetOrder(ctx context.Context, id int64) (*Order, error) {
	o, err := s.repo.GetOrderByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			log.Warn().Int64("order_id", id).Msg("service: order not found by id")
			return nil, ErrOrderNotFound
		}
		log.Error().Err(err).Int64("order_id", id).Msg("service: failed to fetch order by id")
		return nil, fmt.Errorf("service: failed to fetch order by id: %w", err)
	}

	return o, nil
}

func (s *service) ListOrders(ctx context.Context) ([]Order, error) {
	orders, err := s.repo.ListOrders(ctx)
	if err != nil {
		log.Error().Err(err).Msg("service: failed to list orders")
		return nil, fmt.Errorf("service: failed to list orders: %w", err)
	}

	return orders, nil
}

func (s *service) UpdateOrderStatus(ctx context.Context, id int64, status Status) error {
	if !statusPattern.MatchString(string(status)) {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	current, err := s.repo.GetOrderByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			log.Warn().Int64("order_id", id).Stringer("new_status", status).Msg("service: order not found, cannot update status")
			return ErrOrderNotFound
		}
		log.Error().Err(err).Int64("order_id", id).Msg("service: failed to get order for status update")
		return fmt.Errorf("service: failed to get order for status update: %w", err)
	}

	if current.Status == status {
		log.Info().Int64("order_id", id).Stringer("status", status).Msg("service: order status is already the same, no update needed")
		return nil
	}

	if err := s.repo.UpdateOrderStatus(ctx, id, status); err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return ErrOrderNotFound
		}
		log.Error().Err(err).Int64("order_id", id).Stringer("new_status", status).Msg("service: failed to update order status")
		return fmt.Errorf("service: failed to update order status: %w", err)
	}

	log.Info().Int64("order_id", id).Stringer("old_status", current.Status).Stringer("new_status", status).Msg("service: order status updated")
	return nil
}

func validateCheckout(req CheckoutRequest) error {
	verr := newValidationError()

	required := []struct{ field, value string }{
		{"customer.name", req.Customer.Name},
		{"customer.email", req.Customer.Email},
		{"customer.address", req.Customer.Address},
		{"customer.city", req.Customer.City},
		{"customer.zipCode", req.Customer.ZipCode},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			verr.add(r.field, "is required")
		}
	}

	if len(req.Items) == 0 {
		verr.add("items", "cart is empty")
	}
	for i, line := range req.Items {
		if line.ProductID <= 0 {
			verr.add(fmt.Sprintf("items[%d].id", i), "must be a positive product id")
		}
		if line.Quantity <= 0 {
			verr.add(fmt.Sprintf("items[%d].quantity", i), "must be greater than zero")
		}
		if line.Quantity > MaxQuantity {
			verr.add(fmt.Sprintf("items[%d].quantity", i), fmt.Sprintf("must not exceed %d", MaxQuantity))
		}
	}

	if verr.empty() {
		return nil
	}
	return verr
}

func productIDs(lines []CartLine) []int64 {
	seen := make(map[int64]struct{}, len(lines))
	ids := make([]int64, 0, len(lines))
	for _, line := range lines {
		if _, ok := seen[line.ProductID]; ok {
			continue
		}
		seen[line.ProductID] = struct{}{}
		ids = append(ids, line.ProductID)
	}
	return ids
}

// logClientTotals records carts whose client side figures disagree with the
// server's. The client figures are never used.
func logClientTotals(req CheckoutRequest, subtotal, tax, total decimal.Decimal) {
	differs := func(client decimal.NullDecimal, server decimal.Decimal) bool {
		return client.Valid && !client.Decimal.Round(2).Equal(server)
	}
	if differs(req.Subtotal, subtotal) || differs(req.Tax, tax) || differs(req.Total, total) {
		log.Debug().
			Str("client_total", req.Total.Decimal.String()).
			Str("server_total", total.StringFixed(2)).
			Msg("service: client totals differ from server totals")
	}
}
