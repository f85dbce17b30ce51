package idp

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnavailable wraps transport failures: the provider could not be reached
// or did not answer in time.
var ErrUnavailable = errors.New("idp: provider unavailable")

// ProviderError reports a response the client could not accept, either a
// non-2xx status or a body that failed to decode. Body holds the provider's
// response for diagnostics.
type ProviderError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("idp: %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("idp: %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Rejected reports whether the provider refused the request itself (4xx), as
// opposed to failing on its side.
func (e *ProviderError) Rejected() bool {
	return e.StatusCode >= http.StatusBadRequest && e.StatusCode < http.StatusInternalServerError
}
