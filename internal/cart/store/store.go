// Package store provides persistence for the product identifiers of a cart.
package store

import "context"

// CartStore persists the ordered list of product identifiers of a cart.
// Duplicates are meaningful: each occurrence is one unit.
// Implementations always replace the whole list; there are no partial updates.
type CartStore interface {
	// Load returns the persisted identifiers. A cart that was never saved loads as empty.
	Load(ctx context.Context) ([]string, error)

	// Save replaces the persisted identifiers.
	Save(ctx context.Context, ids []string) error
}
