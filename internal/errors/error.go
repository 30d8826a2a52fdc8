// Package errors provides custom error types for cart-related operations.
package errors

import "errors"

var ErrLoadCart = errors.New("failed to load cart")
var ErrSaveCart = errors.New("failed to save cart")
var ErrMalformedCookie = errors.New("malformed cart cookie")
var ErrCartTooLarge = errors.New("cart does not fit in a cookie")

var ErrInvalidMode = errors.New("invalid change count mode")
var ErrManagerClosed = errors.New("cart manager is closed")

var ErrProductNotFound = errors.New("product not found")
var ErrInvalidProductID = errors.New("invalid product id")
var ErrMalformedResponse = errors.New("malformed product response")
var ErrUnexpectedStatus = errors.New("unexpected product service status")
var ErrCircuitOpen = errors.New("product service circuit is open")
