package fetch

import (
	"fmt"
	"net/http"
)

// ErrorClass represents a classification of fetch errors.
type ErrorClass string

const (
	// ClassClient represents 4xx client errors other than rate limiting.
	ClassClient ErrorClass = "client"

	// ClassServer represents 5xx server errors.
	ClassServer ErrorClass = "server"

	// ClassRateLimit represents 429 Too Many Requests.
	ClassRateLimit ErrorClass = "rate_limit"

	// ClassNetwork represents transport errors and timeouts.
	ClassNetwork ErrorClass = "network"

	// ClassMalformed represents a 2xx response whose body could not be decoded.
	ClassMalformed ErrorClass = "malformed"
)

// RequestError describes a failed fetch.
type RequestError struct {
	URL        string
	Class      ErrorClass
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("fetch %s: %s error (status %d %s)", e.URL, e.Class, e.StatusCode, http.StatusText(e.StatusCode))
	case e.Err != nil:
		return fmt.Sprintf("fetch %s: %s error: %v", e.URL, e.Class, e.Err)
	default:
		return fmt.Sprintf("fetch %s: %s error", e.URL, e.Class)
	}
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// Classify maps an HTTP status code to an error class.
func Classify(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ClassRateLimit
	case status >= 400 && status < 500:
		return ClassClient
	case status >= 500:
		return ClassServer
	default:
		return ClassClient
	}
}
