// Package ingesterr defines the error taxonomy used across the ingestion
// core, mirroring the sentinel-error style of the venue adapters' circuit
// breaker (ErrCircuitOpen, ErrRequestTimeout): typed errors that wrap an
// underlying cause and carry enough context for the orchestrator's retry and
// exit-code logic to classify them without string matching.
package ingesterr

import (
	"errors"
	"fmt"
)

// Class is the error-handling policy bucket from the error handling design:
// fatal, transient, rate-limited, data-quality, or duplicate.
type Class string

const (
	ClassFatal       Class = "fatal"
	ClassTransient   Class = "transient"
	ClassRateLimited Class = "rate_limited"
	ClassDataQuality Class = "data_quality"
	ClassDuplicate   Class = "duplicate"
)

// TransportError wraps a connection, handshake, or I/O failure. It is
// always transient unless Fatal is set (e.g. TLS config rejected outright).
type TransportError struct {
	Venue string
	Op    string
	Err   error
	Fatal bool
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: venue=%s op=%s: %v", e.Venue, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RateLimitError indicates an HTTP 429 or equivalent venue response.
type RateLimitError struct {
	Venue      string
	RetryAfter string // venue-reported Retry-After, if any; empty if unknown
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: venue=%s retry_after=%s", e.Venue, e.RetryAfter)
}

// PayloadError indicates a malformed or unparsable venue payload.
type PayloadError struct {
	Venue string
	Err   error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("payload error: venue=%s: %v", e.Venue, e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

// FatalError indicates a condition that must never be retried: malformed
// config, schema violation at startup, or an invariant failure in a code
// path such as dedup buffer corruption.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("fatal: %s", e.Reason)
}

func (e *FatalError) Unwrap() error { return e.Err }

// DataQualityError indicates a record that failed an OHLC/alignment/volume
// invariant and was rejected.
type DataQualityError struct {
	Reason string
}

func (e *DataQualityError) Error() string {
	return fmt.Sprintf("data quality: %s", e.Reason)
}

// Classify maps an error to its handling-policy class. Unrecognized errors
// default to ClassTransient, the conservative choice: retry rather than
// silently drop.
func Classify(err error) Class {
	if err == nil {
		return ""
	}
	var fatal *FatalError
	var rate *RateLimitError
	var payload *PayloadError
	var dq *DataQualityError
	var transport *TransportError
	switch {
	case errors.As(err, &fatal):
		return ClassFatal
	case errors.As(err, &rate):
		return ClassRateLimited
	case errors.As(err, &dq):
		return ClassDataQuality
	case errors.As(err, &transport):
		if transport.Fatal {
			return ClassFatal
		}
		return ClassTransient
	case errors.As(err, &payload):
		return ClassDataQuality
	default:
		return ClassTransient
	}
}

// Retryable reports whether the orchestrator's retry policy should attempt
// the operation again.
func Retryable(err error) bool {
	switch Classify(err) {
	case ClassTransient, ClassRateLimited:
		return true
	default:
		return false
	}
}
