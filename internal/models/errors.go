package models

import (
	"errors"
	"fmt"
)

var (
	// ErrIgnoreRequest drops a request without retry or error logging.
	ErrIgnoreRequest = errors.New("request ignored")

	// ErrIgnoreItem drops a scraped item.
	ErrIgnoreItem = errors.New("item ignored")

	// ErrNotEnabled is returned by a stage factory when the stage should not
	// be registered for the current configuration.
	ErrNotEnabled = errors.New("not enabled")

	// ErrStopCrawler is raised by spiders to shut down the whole crawl.
	ErrStopCrawler = errors.New("stop crawler")

	// ErrNotImplemented is returned by spider methods that were not provided.
	ErrNotImplemented = errors.New("not implemented")
)

// ClientError wraps a transport level failure (DNS, connect, TLS, timeout).
type ClientError struct {
	URL string
	Err error
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client error for %s: %v", e.URL, e.Err)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// HTTPError is returned when the transport succeeded but the status is
// configured as a failure.
type HTTPError struct {
	Response *Response
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http error %d for %s", e.Response.Status, e.Response.URL)
}

// IgnoreRequest wraps ErrIgnoreRequest with a reason.
func IgnoreRequest(reason string) error {
	return fmt.Errorf("%w: %s", ErrIgnoreRequest, reason)
}

// IgnoreItem wraps ErrIgnoreItem with a reason.
func IgnoreItem(reason string) error {
	return fmt.Errorf("%w: %s", ErrIgnoreItem, reason)
}

// StopCrawler wraps ErrStopCrawler with a reason.
func StopCrawler(reason string) error {
	return fmt.Errorf("%w: %s", ErrStopCrawler, reason)
}
