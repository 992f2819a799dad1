package registry

import "errors"

// InvalidRequestError rejects a malformed subscribe request synchronously;
// nothing is mutated when it is returned.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return "invalid request: " + e.Reason
}

// ErrInvalidRequest creates an InvalidRequestError with the given reason.
func ErrInvalidRequest(reason string) error {
	return &InvalidRequestError{Reason: reason}
}

// IsInvalidRequest reports whether err is an InvalidRequestError.
func IsInvalidRequest(err error) bool {
	var target *InvalidRequestError
	return errors.As(err, &target)
}
