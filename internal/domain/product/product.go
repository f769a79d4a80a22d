package product

import (
	"errors"

	"github.com/shopspring/decimal"
)

var ErrProductNotFound = errors.New("product not found")

// Product is the catalog view the coordinator reads when pricing an order.
// Stock is owned by the inventory service and is never mutated here.
type Product struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
	Stock Stock           `json:"stock"`
}

type Stock struct {
	Quantity int `json:"quantity"`
	Reserved int `json:"reserved"`
}

// Available returns the quantity that can still be promised to new orders.
func (s Stock) Available() int {
	if s.Reserved >= s.Quantity {
		return 0
	}
	return s.Quantity - s.Reserved
}

// CanFulfil reports whether the requested quantity is covered by available stock.
func (p *Product) CanFulfil(quantity int) bool {
	return quantity > 0 && p.Stock.Available() >= quantity
}
