package product

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var ErrProductNotFound = errors.New("product not found")

type Repository interface {
	List(ctx context.Context, filter StockFilter, threshold int) ([]Product, error)
	Search(ctx context.Context, term string) ([]Product, error)
	GetByID(ctx context.Context, id int64) (*Product, error)
	GetByIDs(ctx context.Context, ids []int64) (map[int64]Product, error)
	Create(ctx context.Context, p *Product) (int64, error)
	Update(ctx context.Context, p *Product) error
	Delete(ctx context.Context, id int64) error
}

const productColumns = `id, name, description, price, image, stock, created_at, updated_at`

type postgresRepository struct {
	db *sqlx.DB
}

func NewRepository(db *sqlx.DB) Repository {
	return &postgresRepository{db: db}
}

func (r *postgresRepository) List(ctx context.Context, filter StockFilter, threshold int) ([]Product, error) {
	var (
		query string
		args  []any
	)

	switch filter {
	case FilterInStock:
		query = `SELECT ` + productColumns + ` FROM products WHERE stock > 0 ORDER BY name`
	case FilterLowStock:
		query = `SELECT ` + productColumns + ` FROM products WHERE stock <= $1 AND stock > 0 ORDER BY stock, name`
		args = append(args, threshold)
	case FilterOutOfStock:
		query = `SELECT ` + productColumns + ` FROM products WHERE stock = 0 ORDER BY name`
	default:
		query = `SELECT ` + productColumns + ` FROM products ORDER BY created_at DESC, id DESC`
	}

	products := make([]Product, 0)
	if err := r.db.SelectContext(ctx, &products, query, args...); err != nil {
		return nil, fmt.Errorf("repository: failed to list products (filter %s): %w", filter, err)
	}

	return products, nil
}

func (r *postgresRepository) Search(ctx context.Context, term string) ([]Product, error) {
	query := `
		SELECT ` + productColumns + `
		FROM products
		WHERE name ILIKE '%' || $1 || '%' OR description ILIKE '%' || $1 || '%'
		ORDER BY name
	`

	products := make([]Product, 0)
	if err := r.db.SelectContext(ctx, &products, query, term); err != nil {
		return nil, fmt.Errorf("repository: failed to search products by %q: %w", term, err)
	}

	return products, nil
}

func (r *postgresRepository) GetByID(ctx context.Context, id int64) (*Product, error) {
	var p Product
	err := r.db.GetContext(ctx, &p, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("repository: failed to select product by id %d: %w", id, err)
	}

	return &p, nil
}

// GetByIDs returns the products that exist among ids, keyed by id. Missing ids
// are simply absent from the map.
func (r *postgresRepository) GetByIDs(ctx context.Context, ids []int64) (map[int64]Product, error) {
	result := make(map[int64]Product, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	var products []Product
	err := r.db.SelectContext(ctx, &products, `SELECT `+productColumns+` FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("repository: failed to select products by ids: %w", err)
	}

	for _, p := range products {
		result[p.ID] = p
	}

	return result, nil
}

func (r *postgresRepository) Create(ctx context.Context, p *Product) (int64, error) {
	query := `
		INSERT INTO products (name, description, price, image, stock)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at, updated_at
	`
	err := r.db.QueryRowxContext(ctx, query, p.Name, p.Description, p.Price, p.Image, p.Stock).
		Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return 0, fmt.Errorf("repository: failed to insert product: %w", err)
	}

	return p.ID, nil
}

func (r *postgresRepository) Update(ctx context.Context, p *Product) error {
	query := `
		UPDATE products
		SET name = :name, description = :description, price = :price, image = :image, stock = :stock, updated_at = NOW()
		WHERE id = :id
	`
	res, err := r.db.NamedExecContext(ctx, query, p)
	if err != nil {
		return fmt.Errorf("repository: failed to update product %d: %w", p.ID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: failed to read rows affected for product %d: %w", p.ID, err)
	}
	if affected == 0 {
		return ErrProductNotFound
	}

	return nil
}

func (r *postgresRepository) Delete(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("repository: failed to delete product %d: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: failed to read rows affected for product %d: %w", id, err)
	}
	if affected == 0 {
		return ErrProductNotFound
	}

	return nil
}
