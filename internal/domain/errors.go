package domain

import "errors"

// ErrMalformedRecord marks stored values that cannot be mapped to a canonical shape.
var ErrMalformedRecord = errors.New("malformed record")
