package models

import "github.com/zeebo/errs"

// Error classes shared across the service. Handlers map them to HTTP codes.
var (
	ErrNotFound               = errs.Class("not found")
	ErrLimitExceeded          = errs.Class("limit exceeded")
	ErrCodeExhausted          = errs.Class("code exhausted")
	ErrConsistency            = errs.Class("consistency violation")
	ErrUnsupportedCombination = errs.Class("unsupported combination")
	ErrInvalidArgument        = errs.Class("invalid argument")
	ErrUnavailable            = errs.Class("unavailable")
)
