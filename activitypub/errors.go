package activitypub

import (
	"errors"
	"fmt"
)

// Federation error taxonomy. Boundary validation failures are terminal for
// the request; network failures are retried with bounded backoff.
var (
	ErrInvalidSignature   = errors.New("http signature did not verify")
	ErrUnknownKey         = errors.New("actor key could not be resolved")
	ErrDigestMismatch     = errors.New("digest header does not match body")
	ErrInvalidContentType = errors.New("content type is not an accepted json-ld type")
	ErrTooManyRedirects   = errors.New("too many redirects while resolving")
	ErrUnresolvableURI    = errors.New("uri is malformed or unresolvable")
	ErrMissingDependency  = errors.New("activity depends on an unresolvable object")
	ErrInvalidURL         = errors.New("url is invalid or not https")
	ErrConflict           = errors.New("conflicting concurrent write")
)

// FetchError is a failed remote fetch carrying the HTTP status
// (0 when the request never produced a response).
type FetchError struct {
	URI    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s failed with status %d", e.URI, e.Status)
	}
	return fmt.Sprintf("fetch %s failed: %v", e.URI, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// RetryableStatus reports whether an HTTP status from a remote server is
// worth retrying. 408 and 429 are the only retryable 4xx codes; all other
// 4xx mean the remote explicitly rejected the request.
func RetryableStatus(status int) bool {
	if status == 408 || status == 429 {
		return true
	}
	if status >= 400 && status < 500 {
		return false
	}
	return status >= 500 || status == 0
}

// IsRetryable is the single retry/no-retry decision for the whole
// federation core. Malformed input is terminal; transient store conflicts
// and network failures are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return RetryableStatus(fetchErr.Status)
	}

	if errors.Is(err, ErrConflict) {
		return true
	}

	return false
}
