package provider

import "fmt"

// Error wraps a provider failure with the HTTP status of the underlying
// response, when one exists. It satisfies the retry package's
// HTTPStatused interface.
type Error struct {
	Provider string
	Status   int
	Err      error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s request failed (status %d): %v", e.Provider, e.Status, e.Err)
	}
	return fmt.Sprintf("%s request failed: %v", e.Provider, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status of the failed request, 0 if unknown
func (e *Error) HTTPStatus() int {
	return e.Status
}
