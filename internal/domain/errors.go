package domain

import "errors"

var (
	ErrMalformedInput      = errors.New("malformed input")
	ErrIntegrity           = errors.New("integrity check failed")
	ErrForbidden           = errors.New("forbidden")
	ErrNotFound            = errors.New("not found")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrDuplicate           = errors.New("duplicate")
)
