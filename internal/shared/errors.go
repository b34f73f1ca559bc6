package shared

import "errors"

var (
	// ErrNotFound indicates a referenced document does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden indicates the actor may not perform the action.
	ErrForbidden = errors.New("forbidden")
	// ErrInvalidState indicates an action against a terminal or wrong-stage entity.
	ErrInvalidState = errors.New("invalid state for operation")
	// ErrValidation indicates malformed or incomplete input.
	ErrValidation = errors.New("validation failed")
)

// UserSafeMessage returns a message suitable for API clients. Known domain
// errors pass through verbatim, anything else collapses to a generic message
// so internals never leak.
func UserSafeMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrForbidden),
		errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrValidation):
		return err.Error()
	default:
		return "something went wrong, please try again"
	}
}
