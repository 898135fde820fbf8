package asset

import "errors"

// Item-level failures. Pipelines log these and skip the item.
var (
	ErrValidation    = errors.New("validation error")
	ErrNotFound      = errors.New("not found")
	ErrUnmappedValue = errors.New("unmapped value")
	ErrTransientIO   = errors.New("transient io error")
	ErrAlreadyExists = errors.New("already exists")
)

// ErrAlreadyInitialized is returned by a second Start on a running pipeline.
var ErrAlreadyInitialized = errors.New("already initialized")

// KindOf classifies err for metrics labels.
func KindOf(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnmappedValue):
		return "unmapped"
	case errors.Is(err, ErrTransientIO):
		return "transient"
	case errors.Is(err, ErrAlreadyExists):
		return "conflict"
	default:
		return "unknown"
	}
}
