package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Cart struct {
	ID        string
	UserID    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CartLine holds the units of one product reserved in a cart. Quantity is
// always >= 1; a line that would drop to zero is deleted instead.
type CartLine struct {
	ID        string    `json:"id"`
	CartID    string    `json:"cart_id"`
	ProductID string    `json:"product_id"`
	Quantity  int       `json:"quantity"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PricedLine is a cart line joined with the live product row. Product is nil
// when the product was removed from the catalog after the line was created.
type PricedLine struct {
	Line    CartLine
	Product *Product
}

type CartViewItem struct {
	ProductID string          `json:"product_id"`
	Title     string          `json:"title,omitempty"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type CartView struct {
	CartID     string          `json:"cart_id,omitempty"`
	UserID     string          `json:"user_id"`
	Items      []CartViewItem  `json:"items"`
	TotalPrice decimal.Decimal `json:"total_price"`
}

func (v *CartView) IsEmpty() bool {
	return v == nil || len(v.Items) == 0
}

// Clone returns a copy that shares no slice with v.
func (v *CartView) Clone() *CartView {
	if v == nil {
		return nil
	}
	c := *v
	c.Items = append(make([]CartViewItem, 0, len(v.Items)), v.Items...)
	return &c
}

// EmptyCartView is returned for users without a cart or with no lines.
func EmptyCartView(userID string) *CartView {
	return &CartView{
		UserID:     userID,
		Items:      []CartViewItem{},
		TotalPrice: decimal.Zero,
	}
}

type Action string

const (
	ActionIncrement Action = "increment"
	ActionDecrement Action = "decrement"
)

func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionIncrement, ActionDecrement:
		return a, nil
	default:
		return "", InvalidArgumentf("unknown action %q", s)
	}
}

// LineUpdate is the outcome of UpdateItem. Line is nil when Removed is set.
type LineUpdate struct {
	Line    *CartLine `json:"line,omitempty"`
	Removed bool      `json:"removed"`
	Cart    *CartView `json:"cart"`
}
