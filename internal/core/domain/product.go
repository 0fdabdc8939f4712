package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID            string
	Title         string
	UnitPrice     decimal.Decimal
	StockQuantity int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
