package product

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/storefront/internal/inventory"
)

var ErrInvalidProduct = errors.New("invalid product")

// StockLedger is the part of the inventory ledger the catalog exposes.
type StockLedger interface {
	Increment(ctx context.Context, productID int64, quantity int) error
	GetAvailable(ctx context.Context, productID int64) (int, error)
}

type Service interface {
	ListProducts(ctx context.Context, params ListParams) ([]Product, error)
	GetProduct(ctx context.Context, id int64) (*Product, error)
	CreateProduct(ctx context.Context, p *Product) (*Product, error)
	UpdateProduct(ctx context.Context, p *Product) error
	DeleteProduct(ctx context.Context, id int64) error
	Restock(ctx context.Context, id int64, quantity int) (int, error)
	GetStock(ctx context.Context, id int64) (int, error)
}

type service struct {
	repo   Repository
	ledger StockLedger
}

func NewService(repo Repository, ledger StockLedger) Service {
	return &service{repo: repo, ledger: ledger}
}

func (s *service) ListProducts(ctx context.Context, params ListParams) ([]Product, error) {
	if term := strings.TrimSpace(params.Query); term != "" {
		products, err := s.repo.Search(ctx, term)
		if err != nil {
			log.Error().Err(err).Str("term", term).Msg("service: failed to search products")
			return nil, fmt.Errorf("service: failed to search products: %w", err)
		}
		return products, nil
	}

	filter := params.Filter
	if filter == "" {
		filter = FilterInStock
	}
	if !filter.Valid() {
		return nil, fmt.Errorf("%w: unknown filter %q", ErrInvalidProduct, filter)
	}

	threshold := params.Threshold
	if threshold <= 0 {
		threshold = DefaultLowStockThreshold
	}

	products, err := s.repo.List(ctx, filter, threshold)
	if err != nil {
		log.Error().Err(err).Str("filter", string(filter)).Msg("service: failed to list products")
		return nil, fmt.Errorf("service: failed to list products: %w", err)
	}

	return products, nil
}

func (s *service) GetProduct(ctx context.Context, id int64) (*Product, error) {
	p, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrProductNotFound) {
			return nil, ErrProductNotFound
		}
		log.Error().Err(err).Int64("product_id", id).Msg("service: failed to fetch product")
		return nil, fmt.Errorf("service: failed to fetch product: %w", err)
	}

	return p, nil
}

func (s *service) CreateProduct(ctx context.Context, p *Product) (*Product, error) {
	if err := validateProduct(p); err != nil {
		return nil, err
	}
	if p.Image == "" {
		p.Image = DefaultImage
	}

	if _, err := s.repo.Create(ctx, p); err != nil {
		log.Error().Err(err).Str("name", p.Name).Msg("service: failed to create product")
		return nil, fmt.Errorf("service: failed to create product: %w", err)
	}

	log.Info().Int64("product_id", p.ID).Str("name", p.Name).Int("stock", p.Stock).Msg("service: product created")
	return p, nil
}

func (s *service) UpdateProduct(ctx context.Context, p *Product) error {
	if err := validateProduct(p); err != nil {
		return err
	}
	if p.Image == "" {
		p.Image = DefaultImage
	}

	if err := s.repo.Update(ctx, p); err != nil {
		if errors.Is(err, ErrProductNotFound) {
			return ErrProductNotFound
		}
		log.Error().Err(err).Int64("product_id", p.ID).Msg("service: failed to update product")
		return fmt.Errorf("service: failed to update product: %w", err)
	}

	return nil
}

func (s *service) DeleteProduct(ctx context.Context, id int64) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, ErrProductNotFound) {
			return ErrProductNotFound
		}
		log.Error().Err(err).Int64("product_id", id).Msg("service: failed to delete product")
		return fmt.Errorf("service: failed to delete product: %w", err)
	}

	log.Info().Int64("product_id", id).Msg("service: product deleted")
	return nil
}

// Restock adds quantity through the ledger and returns the stock read back
// afterwards (advisory).
func (s *service) Restock(ctx context.Context, id int64, quantity int) (int, error) {
	if quantity <= 0 {
		return 0, fmt.Errorf("%w: restock quantity must be greater than zero", ErrInvalidProduct)
	}

	if err := s.ledger.Increment(ctx, id, quantity); err != nil {
		return 0, s.ledgerError(err, id, "restock")
	}

	available, err := s.ledger.GetAvailable(ctx, id)
	if err != nil {
		return 0, s.ledgerError(err, id, "read stock after restock")
	}

	log.Info().Int64("product_id", id).Int("added", quantity).Int("stock", available).Msg("service: product restocked")
	return available, nil
}

func (s *service) GetStock(ctx context.Context, id int64) (int, error) {
	available, err := s.ledger.GetAvailable(ctx, id)
	if err != nil {
		return 0, s.ledgerError(err, id, "read stock")
	}

	return available, nil
}

func (s *service) ledgerError(err error, id int64, op string) error {
	if errors.Is(err, inventory.ErrProductNotFound) {
		return ErrProductNotFound
	}
	log.Error().Err(err).Int64("product_id", id).Msgf("service: failed to %s", op)
	return fmt.Errorf("service: failed to %s: %w", op, err)
}

func validateProduct(p *Product) error {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidProduct)
	}
	if p.Price.IsNegative() {
		return fmt.Errorf("%w: price must be non-negative, got %s", ErrInvalidProduct, p.Price)
	}
	if p.Stock < 0 {
		return fmt.Errorf("%w: stock must be non-negative, got %d", ErrInvalidProduct, p.Stock)
	}
	return nil
}
