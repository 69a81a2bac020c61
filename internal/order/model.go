package order

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/gofrs/uuid"
	"github.com/shopspring/decimal"
)

// Status is an open set. Only StatusPending is assigned by this service;
// every later state is set by an administrator.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusShipped   Status = "shipped"
	StatusDelivered Status = "delivered"
	StatusCancelled Status = "cancelled"
)

func (s Status) String() string {
	return string(s)
}

// TaxRate is applied to the subtotal; the result is rounded to cents.
var TaxRate = decimal.RequireFromString("0.08")

// MaxQuantity and MaxAmount are the largest values the order columns hold
// (INTEGER and NUMERIC(10,2)).
const MaxQuantity = math.MaxInt32

var MaxAmount = decimal.RequireFromString("99999999.99")

const orderNumberPrefix = "ORD-"

// FormatOrderNumber renders the customer facing order number, e.g. ORD-000042.
func FormatOrderNumber(id int64) string {
	return fmt.Sprintf("%s%06d", orderNumberPrefix, id)
}

type Customer struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Address string `json:"address"`
	City    string `json:"city"`
	ZipCode string `json:"zipCode"`
}

type Order struct {
	ID              int64           `json:"id"`
	CustomerName    string          `json:"customer_name"`
	CustomerEmail   string          `json:"customer_email"`
	CustomerAddress string          `json:"customer_address"`
	CustomerCity    string          `json:"customer_city"`
	CustomerZipCode string          `json:"customer_zipcode"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	Tax             decimal.Decimal `json:"tax"`
	Total           decimal.Decimal `json:"total"`
	Status          Status          `json:"status"`
	IdempotencyKey  uuid.NullUUID   `json:"-"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Items           []OrderItem     `json:"-"` // loaded by GetOrder only
}

// MarshalJSON renders money with two decimals, e.g. "20.00".
func (o Order) MarshalJSON() ([]byte, error) {
	type plain Order
	return json.Marshal(struct {
		plain
		Subtotal string `json:"subtotal"`
		Tax      string `json:"tax"`
		Total    string `json:"total"`
	}{
		plain:    plain(o),
		Subtotal: o.Subtotal.StringFixed(2),
		Tax:      o.Tax.StringFixed(2),
		Total:    o.Total.StringFixed(2),
	})
}

// OrderItem is a snapshot of the product at purchase time. Later edits to the
// product never change it.
type OrderItem struct {
	ID          int64           `json:"id"`
	OrderID     int64           `json:"order_id"`
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int             `json:"quantity"`
	Total       decimal.Decimal `json:"total"`
}

func (i OrderItem) MarshalJSON() ([]byte, error) {
	type plain OrderItem
	return json.Marshal(struct {
		plain
		Price string `json:"price"`
		Total string `json:"total"`
	}{
		plain: plain(i),
		Price: i.Price.StringFixed(2),
		Total: i.Total.StringFixed(2),
	})
}

// CartLine is one requested product. Name and Price come from the client and
// are never trusted.
type CartLine struct {
	ProductID int64
	Name      string
	Price     decimal.Decimal
	Quantity  int
}

type CheckoutRequest struct {
	Customer Customer
	Items    []CartLine

	// Client computed figures, kept only to log disagreements.
	Subtotal decimal.NullDecimal
	Tax      decimal.NullDecimal
	Total    decimal.NullDecimal

	IdempotencyKey uuid.UUID
}

type Receipt struct {
	OrderID     int64  `json:"orderId"`
	OrderNumber string `json:"orderNumber"`
	Message     string `json:"message"`
	Replayed    bool   `json:"replayed,omitempty"`
}

func newReceipt(orderID int64) Receipt {
	return Receipt{
		OrderID:     orderID,
		OrderNumber: FormatOrderNumber(orderID),
		Message:     "Order created successfully",
	}
}

// OrderPlacedEvent is published after a successful commit.
type OrderPlacedEvent struct {
	EventID     string          `json:"eventId"`
	OrderID     int64           `json:"orderId"`
	OrderNumber string          `json:"orderNumber"`
	Email       string          `json:"email"`
	Items       []OrderItem     `json:"items"`
	Total       decimal.Decimal `json:"total"`
	Timestamp   time.Time       `json:"timestamp"`
}

func (e OrderPlacedEvent) MarshalJSON() ([]byte, error) {
	type plain OrderPlacedEvent
	return json.Marshal(struct {
		plain
		Total string `json:"total"`
	}{
		plain: plain(e),
		Total: e.Total.StringFixed(2),
	})
}
