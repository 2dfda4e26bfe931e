package store

import "errors"

var (
	errOrderNotFound    = errors.New("order not found")
	errDuplicateContent = errors.New("duplicate id with different content")
)

// IsOrderNotFound reports whether err is the store's missing-order error.
func IsOrderNotFound(err error) bool { return errors.Is(err, errOrderNotFound) }

// IsDuplicateContent reports whether err is the conflicting-duplicate error.
func IsDuplicateContent(err error) bool { return errors.Is(err, errDuplicateContent) }
