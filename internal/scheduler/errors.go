package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrAborted rejects work on a scheduler that has been aborted.
	ErrAborted = errors.New("scheduler aborted")
	// ErrMissingURL rejects a request submitted without a URL.
	ErrMissingURL = errors.New("request url is required")
	// ErrMissingConverter rejects a request submitted without a converter.
	ErrMissingConverter = errors.New("request converter is required")
)

// RequestError is the rejection of a single request. URL names the page that
// could not be produced.
type RequestError struct {
	URL string
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request %s: %v", e.URL, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// ConversionError reports that a fetched payload could not be converted. It is
// never retried.
type ConversionError struct {
	URL string
	Err error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("convert %s: %v", e.URL, e.Err)
}

func (e *ConversionError) Unwrap() error { return e.Err }

// FailedURL extracts the URL from a request rejection, or "" when err did not
// come from a scheduled request.
func FailedURL(err error) string {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.URL
	}
	return ""
}
