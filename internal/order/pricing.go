package order

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/vasiliy-maslov/storefront/internal/product"
)

// Totals returns subtotal, tax and total for already priced items.
// Tax is rounded half away from zero to two places; total is subtotal + tax.
func Totals(items []OrderItem) (subtotal, tax, total decimal.Decimal) {
	subtotal = decimal.Zero
	for _, it := range items {
		subtotal = subtotal.Add(it.Total)
	}
	tax = subtotal.Mul(TaxRate).Round(2)
	total = subtotal.Add(tax)
	return subtotal, tax, total
}

// snapshotItems prices every cart line with the catalog's current price.
// Lines keep the cart's order, duplicates included.
func snapshotItems(lines []CartLine, catalog map[int64]product.Product) ([]OrderItem, *ValidationError) {
	verr := newValidationError()
	items := make([]OrderItem, 0, len(lines))

	for i, line := range lines {
		p, ok := catalog[line.ProductID]
		if !ok {
			verr.add(fmt.Sprintf("items[%d].id", i), fmt.Sprintf("product %d not found", line.ProductID))
			continue
		}

		qty := decimal.NewFromInt(int64(line.Quantity))
		items = append(items, OrderItem{
			ProductID:   p.ID,
			ProductName: p.Name,
			Price:       p.Price,
			Quantity:    line.Quantity,
			Total:       p.Price.Mul(qty),
		})
	}

	if !verr.empty() {
		return nil, verr
	}
	return items, nil
}
