package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Fetch error kinds, used as log fields and metric labels.
const (
	KindTimeout     = "timeout"
	KindConnection  = "connection"
	KindForbidden   = "forbidden"
	KindNotFound    = "not_found"
	KindRateLimited = "rate_limited"
	KindOther       = "other"
)

// FetchError wraps a transport failure for one URL with its classification.
// Fetch errors are always per-listing: the failed URL is recorded and the
// run continues.
type FetchError struct {
	URL  string
	Kind string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// classifyFetch builds a FetchError from a transport error and response
// status.
func classifyFetch(url string, err error, statusCode int) *FetchError {
	kind := KindOther

	var netErr net.Error
	var opErr *net.OpError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = KindTimeout
	case errors.As(err, &opErr):
		kind = KindConnection
	case statusCode == http.StatusForbidden:
		kind = KindForbidden
	case statusCode == http.StatusNotFound:
		kind = KindNotFound
	case statusCode == http.StatusTooManyRequests:
		kind = KindRateLimited
	}

	if err == nil {
		err = fmt.Errorf("http status %d", statusCode)
	}
	return &FetchError{URL: url, Kind: kind, Err: err}
}
