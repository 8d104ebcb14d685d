package core

import "errors"

var (
	ErrNotFound               = errors.New("not found")
	ErrTransientStorage       = errors.New("transient storage error")
	ErrRecalculation          = errors.New("recalculation failed")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrDeletionFailed         = errors.New("deletion failed")
	ErrDuplicateID            = errors.New("duplicate transaction id")

	ErrTokenNotFound = errors.New("confirmation token not found")
	ErrTokenExpired  = errors.New("confirmation token expired")

	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidDate        = errors.New("invalid date")
	ErrInvalidType        = errors.New("invalid transaction type")
	ErrDescriptionTooLong = errors.New("description too long (max 200 characters)")
	ErrEmptyName          = errors.New("empty name")
)

// IsTransient reports whether err may succeed when retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStorage)
}
