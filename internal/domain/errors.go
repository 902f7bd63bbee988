package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")

	// Upstream brokerage error taxonomy. brokerage.Classify is the only
	// place raw upstream errors are mapped onto these sentinels.
	ErrRateLimited       = errors.New("rate limited")
	ErrTransientUpstream = errors.New("transient upstream error")
	ErrInsufficientFunds = errors.New("insufficient buying power")
	ErrInvalidSymbol     = errors.New("invalid or halted symbol")
	ErrUnauthorized      = errors.New("unauthorized")

	ErrBreakerOpen     = errors.New("circuit breaker open")
	ErrNoMasterAccount = errors.New("no active master account")
)

// Retryable reports whether an error belongs to the retryable subset of the
// taxonomy. Unknown errors are not retryable.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransientUpstream)
}
