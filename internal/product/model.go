package product

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

const DefaultImage = "📦"

type Product struct {
	ID          int64           `json:"id" db:"id"`
	Name        string          `json:"name" db:"name"`
	Description string          `json:"description" db:"description"`
	Price       decimal.Decimal `json:"price" db:"price"`
	Image       string          `json:"image" db:"image"`
	Stock       int             `json:"stock" db:"stock"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// MarshalJSON renders the price with two decimals, e.g. "10.00".
func (p Product) MarshalJSON() ([]byte, error) {
	type plain Product
	return json.Marshal(struct {
		plain
		Price string `json:"price"`
	}{
		plain: plain(p),
		Price: p.Price.StringFixed(2),
	})
}

// StockFilter selects products by how much stock they have left.
type StockFilter string

const (
	FilterAll        StockFilter = "all"
	FilterInStock    StockFilter = "in_stock"
	FilterLowStock   StockFilter = "low_stock"
	FilterOutOfStock StockFilter = "out_of_stock"
)

const DefaultLowStockThreshold = 5

func (f StockFilter) Valid() bool {
	switch f {
	case FilterAll, FilterInStock, FilterLowStock, FilterOutOfStock:
		return true
	}
	return false
}

type ListParams struct {
	Filter    StockFilter
	Threshold int
	Query     string
}
