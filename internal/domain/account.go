// Package domain defines the core data model of the trade copier: accounts,
// trade events, audit records, and the store interfaces implemented by the
// persistence layer.
package domain

import "time"

// BreakerState is the persisted circuit-breaker state of a client account.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// TradeDirection restricts which side of the market a client replicates.
type TradeDirection string

const (
	DirectionLong  TradeDirection = "long"
	DirectionShort TradeDirection = "short"
	DirectionBoth  TradeDirection = "both"
)

// MasterAccount is the upstream account whose fills drive replication. At
// most one row is active at any time; UpdatedAt is the signal watched by the
// credential-reload loop.
type MasterAccount struct {
	AccountID string
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Credentials is a decrypted API key pair. It only ever lives in memory,
// transiently, while a brokerage client is being built.
type Credentials struct {
	APIKey    string
	SecretKey string
}

// ClientAccount is a downstream account that mirrors the master. Credentials
// are stored encrypted and are not part of this struct; use
// EligibleClient when the decrypted pair is needed.
type ClientAccount struct {
	AccountID           string
	AccountName         string
	Email               string
	IsActive            bool
	BreakerState        BreakerState
	FailureCount        int
	LastFailure         *time.Time
	RiskMultiplier      float64
	TradeDirection      TradeDirection
	LastSuccessfulTrade *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// EligibleClient is a client account that passed the eligibility query
// (active and breaker closed), bundled with its decrypted credentials.
type EligibleClient struct {
	ClientAccount
	Credentials Credentials
}
