package domain

import (
	"context"
	"time"
)

// ClientStore manages client account rows and their breaker state.
type ClientStore interface {
	// UpsertClient inserts or updates a client account along with its
	// encrypted credentials.
	UpsertClient(ctx context.Context, acct ClientAccount, creds Credentials) error

	GetClient(ctx context.Context, accountID string) (ClientAccount, error)
	ListClients(ctx context.Context, activeOnly bool) ([]ClientAccount, error)

	// ListEligibleClients returns active clients whose breaker is closed,
	// with decrypted credentials.
	ListEligibleClients(ctx context.Context) ([]EligibleClient, error)

	// SetBreaker persists a breaker state transition. When countFailure is
	// true the failure counter is incremented atomically in the same
	// statement and last_failure is stamped.
	SetBreaker(ctx context.Context, accountID string, state BreakerState, countFailure bool) error

	// RecordTradeSuccess stamps last_successful_trade and resets the
	// failure counter.
	RecordTradeSuccess(ctx context.Context, accountID string) error

	// Deactivate soft-deletes a client; its rows and history remain.
	Deactivate(ctx context.Context, accountID string) error

	// Delete removes the client row entirely.
	Delete(ctx context.Context, accountID string) error
}

// MasterStore manages the single active master account.
type MasterStore interface {
	// GetMaster returns the active master account with decrypted
	// credentials, or ErrNoMasterAccount.
	GetMaster(ctx context.Context) (MasterAccount, Credentials, error)

	// GetMasterMeta returns the active master row without touching the
	// credential columns. Used by the credential-reload poller.
	GetMasterMeta(ctx context.Context) (MasterAccount, error)

	// SetMaster deactivates any current master and activates the given
	// account, encrypting its credentials.
	SetMaster(ctx context.Context, accountID string, creds Credentials) error
}

// AuditLog records replication attempts.
type AuditLog interface {
	LogTradeAttempt(ctx context.Context, attempt TradeAttempt) (int64, error)
	UpdateTradeResult(ctx context.Context, id int64, result TradeResult) error

	// ListTerminalBefore returns terminal rows executed before cutoff,
	// oldest first, for archival.
	ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]TradeAuditLog, error)
}

// DedupStore is the processed-event ledger.
type DedupStore interface {
	// CheckAndRecordEvent atomically garbage-collects expired entries,
	// checks the event against live entries by event id or content hash,
	// and records it. Returns true when the event is a duplicate.
	CheckAndRecordEvent(ctx context.Context, entry DedupEntry) (bool, error)
}

// MetricStore persists named observations.
type MetricStore interface {
	RecordMetric(ctx context.Context, name string, value float64, tags map[string]string) error
}
