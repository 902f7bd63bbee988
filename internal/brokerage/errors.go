package brokerage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stratbase/tradecopier/internal/domain"
)

// apiError is a non-2xx response from the brokerage.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("brokerage: http %d: %s", e.Status, e.Message)
}

// Token sets for message-based classification. Checked lowercase.
var (
	authTokens         = []string{"401", "403", "unauthorized", "forbidden", "failed to authenticate", "invalid credentials", "access key"}
	insufficientTokens = []string{"insufficient", "buying power"}
	rateTokens         = []string{"rate limit", "too many requests", "429"}
	symbolTokens       = []string{"not found", "invalid", "halted", "not tradable", "not active"}
	transientTokens    = []string{"500", "502", "503", "504", "timeout", "timed out", "connection reset", "connection refused", "temporarily", "eof"}
)

// Classify maps a raw brokerage error onto the domain error taxonomy. Errors
// that match no category are returned unchanged and treated as permanent.
//
// Auth tokens are checked before symbol tokens: "invalid credentials" must
// classify as an auth failure, not an invalid symbol.
func Classify(err error) error {
	if err == nil {
		return nil
	}

	var ae *apiError
	if errors.As(err, &ae) {
		switch ae.Status {
		case 401:
			return fmt.Errorf("%w: %s", domain.ErrUnauthorized, ae.Message)
		case 429:
			return fmt.Errorf("%w: %s", domain.ErrRateLimited, ae.Message)
		case 500, 502, 503, 504:
			return fmt.Errorf("%w: %s", domain.ErrTransientUpstream, ae.Message)
		}
	}

	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, insufficientTokens):
		return fmt.Errorf("%w: %s", domain.ErrInsufficientFunds, err)
	case containsAny(msg, authTokens):
		return fmt.Errorf("%w: %s", domain.ErrUnauthorized, err)
	case containsAny(msg, rateTokens):
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, err)
	case containsAny(msg, symbolTokens):
		return fmt.Errorf("%w: %s", domain.ErrInvalidSymbol, err)
	case containsAny(msg, transientTokens):
		return fmt.Errorf("%w: %s", domain.ErrTransientUpstream, err)
	}
	return err
}

func containsAny(s string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
