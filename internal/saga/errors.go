package saga

import "errors"

// Errors returned synchronously by the coordinator's API operations.
var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidRequest = errors.New("invalid request")
	ErrInvalidState   = errors.New("invalid state")
)
