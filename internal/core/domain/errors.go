package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrProductNotFound  = fmt.Errorf("product %w", ErrNotFound)
	ErrCartNotFound     = fmt.Errorf("cart %w", ErrNotFound)
	ErrLineNotFound     = errors.New("product not found in cart")
	ErrOutOfStock       = errors.New("out of stock")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrConflict         = errors.New("concurrent update conflict")
	ErrDuplicateRequest = errors.New("duplicate request")
)

type Kind string

const (
	KindNotFound         Kind = "not_found"
	KindLineNotFound     Kind = "line_not_found"
	KindOutOfStock       Kind = "out_of_stock"
	KindInvalidArgument  Kind = "invalid_argument"
	KindConflict         Kind = "conflict"
	KindDuplicateRequest Kind = "duplicate_request"
	KindInternal         Kind = "internal"
)

// KindOf classifies err into the failure taxonomy exposed to callers.
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrLineNotFound):
		return KindLineNotFound
	case errors.Is(err, ErrOutOfStock):
		return KindOutOfStock
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrDuplicateRequest):
		return KindDuplicateRequest
	default:
		return KindInternal
	}
}

// Retriable reports whether the whole operation may be replayed from the top.
func Retriable(err error) bool {
	return errors.Is(err, ErrConflict)
}

func InvalidArgumentf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
