package domain

import "errors"

var (
	// ErrInvalidInput marks nonsensical calculator or order inputs. It is
	// fatal to the caller and never coerced into a zero result.
	ErrInvalidInput = errors.New("invalid input")

	ErrNotFound            = errors.New("not found")
	ErrVenueRejected       = errors.New("rejected by venue")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTradingDisabled     = errors.New("trading disabled")
	ErrBreakerOpen         = errors.New("circuit breaker open")
	ErrNotCancellable      = errors.New("execution no longer cancellable")
	ErrStreamClosed        = errors.New("quote stream closed")
	ErrStaleQuote          = errors.New("stale quote")
)
