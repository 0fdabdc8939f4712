package service

import (
	"github.com/shopspring/decimal"

	"github.com/rl1809/cart-inventory/internal/core/domain"
)

// PresentCart projects cart lines and their live products into a view.
// Lines whose product no longer exists are kept with a zero price.
func PresentCart(cart domain.Cart, lines []domain.PricedLine) *domain.CartView {
	view := &domain.CartView{
		CartID:     cart.ID,
		UserID:     cart.UserID,
		Items:      make([]domain.CartViewItem, 0, len(lines)),
		TotalPrice: decimal.Zero,
	}

	for _, pl := range lines {
		item := domain.CartViewItem{
			ProductID: pl.Line.ProductID,
			Quantity:  pl.Line.Quantity,
			UnitPrice: decimal.Zero,
			LineTotal: decimal.Zero,
		}
		if pl.Product != nil {
			item.Title = pl.Product.Title
			item.UnitPrice = pl.Product.UnitPrice
			item.LineTotal = pl.Product.UnitPrice.Mul(decimal.NewFromInt(int64(pl.Line.Quantity)))
		}

		view.TotalPrice = view.TotalPrice.Add(item.LineTotal)
		view.Items = append(view.Items, item)
	}

	return view
}
