package domain

import "errors"

var (
	ErrNotFound         = errors.New("not_found")
	ErrAlreadyExists    = errors.New("already_exists")
	ErrStoreUnavailable = errors.New("store_unavailable")
	ErrInvalidKey       = errors.New("invalid_key")
	ErrConditionFailed  = errors.New("condition_failed")
	ErrSerialization    = errors.New("serialization_error")
)

// Unavailable wraps a backend failure so callers can match ErrStoreUnavailable.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return "kvstore " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() []error {
	return []error{ErrStoreUnavailable, e.Err}
}
