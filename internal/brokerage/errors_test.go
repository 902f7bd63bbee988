package brokerage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stratbase/tradecopier/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{
			name: "insufficient buying power",
			err:  errors.New("insufficient buying power for order"),
			want: domain.ErrInsufficientFunds,
		},
		{
			name: "insufficient wins over 403 status",
			err:  &apiError{Status: 403, Message: "insufficient buying power"},
			want: domain.ErrInsufficientFunds,
		},
		{
			name: "rate limit text",
			err:  errors.New("rate limit exceeded"),
			want: domain.ErrRateLimited,
		},
		{
			name: "http 429",
			err:  &apiError{Status: 429, Message: "slow down"},
			want: domain.ErrRateLimited,
		},
		{
			name: "symbol not found",
			err:  errors.New("asset ZZZZ not found"),
			want: domain.ErrInvalidSymbol,
		},
		{
			name: "halted symbol",
			err:  errors.New("trading halted for symbol"),
			want: domain.ErrInvalidSymbol,
		},
		{
			name: "invalid credentials is auth not symbol",
			err:  errors.New("invalid credentials"),
			want: domain.ErrUnauthorized,
		},
		{
			name: "http 401",
			err:  &apiError{Status: 401, Message: "unauthorized"},
			want: domain.ErrUnauthorized,
		},
		{
			name: "http 503",
			err:  &apiError{Status: 503, Message: "service unavailable"},
			want: domain.ErrTransientUpstream,
		},
		{
			name: "timeout text",
			err:  errors.New("request timed out"),
			want: domain.ErrTransientUpstream,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			require.ErrorIs(t, got, tt.want)
		})
	}
}

func TestClassifyUnknownPassesThrough(t *testing.T) {
	err := errors.New("wash trade detected")
	got := Classify(err)
	require.Equal(t, err, got)
	require.False(t, domain.Retryable(got))
}

func TestClassifyNil(t *testing.T) {
	require.NoError(t, Classify(nil))
}

func TestRetryableSubset(t *testing.T) {
	require.True(t, domain.Retryable(Classify(&apiError{Status: 429, Message: "x"})))
	require.True(t, domain.Retryable(Classify(&apiError{Status: 502, Message: "x"})))
	require.False(t, domain.Retryable(Classify(errors.New("insufficient buying power"))))
	require.False(t, domain.Retryable(Classify(errors.New("invalid credentials"))))
}
