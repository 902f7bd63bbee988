// Package keystore is the credential store: client and master accounts with
// encrypted API keys, the trade audit trail, the event dedup ledger, and
// system metrics, all backed by PostgreSQL.
package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stratbase/tradecopier/internal/crypto"
	"github.com/stratbase/tradecopier/internal/domain"
)

// dedupTTL is how long processed events stay in the ledger.
const dedupTTL = 24 * time.Hour

// uniqueViolation is the PostgreSQL error code for duplicate primary keys.
const uniqueViolation = "23505"

// KeyStore implements the domain store interfaces over a pgx pool. All
// credential columns hold cipher blobs; plaintext keys never reach the
// database.
type KeyStore struct {
	pool   *pgxpool.Pool
	cipher *crypto.Cipher
	logger *slog.Logger
}

// New builds a KeyStore over an established pool.
func New(pool *pgxpool.Pool, cipher *crypto.Cipher, logger *slog.Logger) *KeyStore {
	return &KeyStore{
		pool:   pool,
		cipher: cipher,
		logger: logger.With(slog.String("component", "keystore")),
	}
}

// Interface checks.
var (
	_ domain.ClientStore = (*KeyStore)(nil)
	_ domain.MasterStore = (*KeyStore)(nil)
	_ domain.AuditLog    = (*KeyStore)(nil)
	_ domain.DedupStore  = (*KeyStore)(nil)
	_ domain.MetricStore = (*KeyStore)(nil)
)

// UpsertClient inserts or updates a client account with freshly encrypted
// credentials.
func (s *KeyStore) UpsertClient(ctx context.Context, acct domain.ClientAccount, creds domain.Credentials) error {
	encKey, err := s.cipher.Encrypt(creds.APIKey)
	if err != nil {
		return fmt.Errorf("keystore: encrypting api key: %w", err)
	}
	encSecret, err := s.cipher.Encrypt(creds.SecretKey)
	if err != nil {
		return fmt.Errorf("keystore: encrypting secret key: %w", err)
	}

	riskMultiplier := acct.RiskMultiplier
	if riskMultiplier == 0 {
		riskMultiplier = 1.0
	}
	direction := acct.TradeDirection
	if direction == "" {
		direction = domain.DirectionBoth
	}

	const q = `
		INSERT INTO client_accounts (
			account_id, encrypted_api_key, encrypted_secret_key,
			email, account_name, is_active, risk_multiplier, trade_direction
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (account_id) DO UPDATE SET
			encrypted_api_key = EXCLUDED.encrypted_api_key,
			encrypted_secret_key = EXCLUDED.encrypted_secret_key,
			email = EXCLUDED.email,
			account_name = EXCLUDED.account_name,
			is_active = EXCLUDED.is_active,
			risk_multiplier = EXCLUDED.risk_multiplier,
			trade_direction = EXCLUDED.trade_direction,
			updated_at = NOW()`
	_, err = s.pool.Exec(ctx, q,
		acct.AccountID, encKey, encSecret,
		nullableStr(acct.Email), nullableStr(acct.AccountName),
		acct.IsActive, riskMultiplier, string(direction),
	)
	if err != nil {
		return fmt.Errorf("keystore: upsert client %s: %w", acct.AccountID, err)
	}

	s.logger.Info("client account stored", slog.String("account_id", acct.AccountID))
	return nil
}

const clientColumns = `
	account_id, COALESCE(account_name, ''), COALESCE(email, ''),
	is_active, circuit_breaker_state, failure_count, last_failure_time,
	risk_multiplier, trade_direction, last_successful_trade,
	created_at, updated_at`

func scanClient(row pgx.Row) (domain.ClientAccount, error) {
	var (
		acct  domain.ClientAccount
		state string
		dir   string
	)
	err := row.Scan(
		&acct.AccountID, &acct.AccountName, &acct.Email,
		&acct.IsActive, &state, &acct.FailureCount, &acct.LastFailure,
		&acct.RiskMultiplier, &dir, &acct.LastSuccessfulTrade,
		&acct.CreatedAt, &acct.UpdatedAt,
	)
	if err != nil {
		return domain.ClientAccount{}, err
	}
	acct.BreakerState = domain.BreakerState(state)
	acct.TradeDirection = domain.TradeDirection(dir)
	return acct, nil
}

// GetClient fetches a single client account by id.
func (s *KeyStore) GetClient(ctx context.Context, accountID string) (domain.ClientAccount, error) {
	q := `SELECT ` + clientColumns + ` FROM client_accounts WHERE account_id = $1`
	acct, err := scanClient(s.pool.QueryRow(ctx, q, accountID))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ClientAccount{}, fmt.Errorf("keystore: client %s: %w", accountID, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ClientAccount{}, fmt.Errorf("keystore: get client %s: %w", accountID, err)
	}
	return acct, nil
}

// ListClients returns all client accounts, optionally only active ones.
func (s *KeyStore) ListClients(ctx context.Context, activeOnly bool) ([]domain.ClientAccount, error) {
	q := `SELECT ` + clientColumns + ` FROM client_accounts`
	if activeOnly {
		q += ` WHERE is_active`
	}
	q += ` ORDER BY account_id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("keystore: list clients: %w", err)
	}
	defer rows.Close()

	var out []domain.ClientAccount
	for rows.Next() {
		acct, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("keystore: scan client: %w", err)
		}
		out = append(out, acct)
	}
	return out, rows.Err()
}

// ListEligibleClients returns active clients with a closed breaker, with
// decrypted credentials. A client whose blob fails to decrypt is skipped so
// one bad row cannot stall the whole batch.
func (s *KeyStore) ListEligibleClients(ctx context.Context) ([]domain.EligibleClient, error) {
	q := `SELECT ` + clientColumns + `, encrypted_api_key, encrypted_secret_key
		FROM client_accounts
		WHERE is_active AND circuit_breaker_state = 'closed'
		ORDER BY account_id`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("keystore: list eligible clients: %w", err)
	}
	defer rows.Close()

	var out []domain.EligibleClient
	for rows.Next() {
		var (
			acct      domain.ClientAccount
			state     string
			dir       string
			encKey    string
			encSecret string
		)
		err := rows.Scan(
			&acct.AccountID, &acct.AccountName, &acct.Email,
			&acct.IsActive, &state, &acct.FailureCount, &acct.LastFailure,
			&acct.RiskMultiplier, &dir, &acct.LastSuccessfulTrade,
			&acct.CreatedAt, &acct.UpdatedAt,
			&encKey, &encSecret,
		)
		if err != nil {
			return nil, fmt.Errorf("keystore: scan eligible client: %w", err)
		}
		acct.BreakerState = domain.BreakerState(state)
		acct.TradeDirection = domain.TradeDirection(dir)

		apiKey, err := s.cipher.Decrypt(encKey)
		if err != nil {
			s.logger.Error("skipping client with undecryptable credentials",
				slog.String("account_id", acct.AccountID),
				slog.String("error", err.Error()))
			continue
		}
		secretKey, err := s.cipher.Decrypt(encSecret)
		if err != nil {
			s.logger.Error("skipping client with undecryptable credentials",
				slog.String("account_id", acct.AccountID),
				slog.String("error", err.Error()))
			continue
		}

		out = append(out, domain.EligibleClient{
			ClientAccount: acct,
			Credentials:   domain.Credentials{APIKey: apiKey, SecretKey: secretKey},
		})
	}
	return out, rows.Err()
}

// SetBreaker persists a breaker transition. With countFailure the failure
// counter increments atomically in the same statement; closing the breaker
// without a failure resets the counter.
func (s *KeyStore) SetBreaker(ctx context.Context, accountID string, state domain.BreakerState, countFailure bool) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if countFailure {
		const q = `
			UPDATE client_accounts SET
				circuit_breaker_state = $2,
				failure_count = failure_count + 1,
				last_failure_time = NOW(),
				updated_at = NOW()
			WHERE account_id = $1`
		tag, err = s.pool.Exec(ctx, q, accountID, string(state))
	} else if state == domain.BreakerClosed {
		const q = `
			UPDATE client_accounts SET
				circuit_breaker_state = $2,
				failure_count = 0,
				last_failure_time = NULL,
				updated_at = NOW()
			WHERE account_id = $1`
		tag, err = s.pool.Exec(ctx, q, accountID, string(state))
	} else {
		const q = `
			UPDATE client_accounts SET
				circuit_breaker_state = $2,
				updated_at = NOW()
			WHERE account_id = $1`
		tag, err = s.pool.Exec(ctx, q, accountID, string(state))
	}
	if err != nil {
		return fmt.Errorf("keystore: set breaker for %s: %w", accountID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("keystore: set breaker for %s: %w", accountID, domain.ErrNotFound)
	}

	s.logger.Info("breaker state persisted",
		slog.String("account_id", accountID),
		slog.String("state", string(state)),
		slog.Bool("counted_failure", countFailure))
	return nil
}

// RecordTradeSuccess stamps last_successful_trade and resets failures.
func (s *KeyStore) RecordTradeSuccess(ctx context.Context, accountID string) error {
	const q = `
		UPDATE client_accounts SET
			last_successful_trade = NOW(),
			failure_count = 0,
			updated_at = NOW()
		WHERE account_id = $1`
	if _, err := s.pool.Exec(ctx, q, accountID); err != nil {
		return fmt.Errorf("keystore: record trade success for %s: %w", accountID, err)
	}
	return nil
}

// Deactivate soft-deletes a client.
func (s *KeyStore) Deactivate(ctx context.Context, accountID string) error {
	const q = `UPDATE client_accounts SET is_active = FALSE, updated_at = NOW() WHERE account_id = $1`
	tag, err := s.pool.Exec(ctx, q, accountID)
	if err != nil {
		return fmt.Errorf("keystore: deactivate client %s: %w", accountID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("keystore: deactivate client %s: %w", accountID, domain.ErrNotFound)
	}
	s.logger.Info("client account deactivated", slog.String("account_id", accountID))
	return nil
}

// Delete removes a client row permanently.
func (s *KeyStore) Delete(ctx context.Context, accountID string) error {
	const q = `DELETE FROM client_accounts WHERE account_id = $1`
	tag, err := s.pool.Exec(ctx, q, accountID)
	if err != nil {
		return fmt.Errorf("keystore: delete client %s: %w", accountID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("keystore: delete client %s: %w", accountID, domain.ErrNotFound)
	}
	s.logger.Info("client account deleted", slog.String("account_id", accountID))
	return nil
}

// LogTradeAttempt inserts a pending audit row and returns its id.
func (s *KeyStore) LogTradeAttempt(ctx context.Context, attempt domain.TradeAttempt) (int64, error) {
	const q = `
		INSERT INTO trade_audit_logs (
			master_order_id, client_account_id, symbol, side, order_type,
			master_qty, master_price, scaled_qty, status, master_trade_time
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id`

	var id int64
	err := s.pool.QueryRow(ctx, q,
		attempt.MasterOrderID, attempt.ClientAccountID, attempt.Symbol,
		string(attempt.Side), string(attempt.OrderType),
		attempt.MasterQty, attempt.MasterPrice, attempt.ScaledQty,
		string(domain.TradePending), attempt.MasterTradeTime,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("keystore: log trade attempt: %w", err)
	}
	return id, nil
}

// UpdateTradeResult moves a pending audit row to its terminal state.
func (s *KeyStore) UpdateTradeResult(ctx context.Context, id int64, result domain.TradeResult) error {
	const q = `
		UPDATE trade_audit_logs SET
			status = $2,
			client_order_id = NULLIF($3, ''),
			client_broker_order_id = NULLIF($4, ''),
			client_filled_qty = $5,
			client_avg_price = $6,
			error_message = NULLIF($7, ''),
			retry_count = $8,
			replication_latency_ms = $9,
			replication_completed_at = NOW()
		WHERE id = $1`
	tag, err := s.pool.Exec(ctx, q, id,
		string(result.Status), result.ClientOrderID, result.BrokerOrderID,
		result.FilledQty, result.FilledAvgPrice, result.ErrorMessage,
		result.RetryCount, result.LatencyMS,
	)
	if err != nil {
		return fmt.Errorf("keystore: update trade result %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("keystore: update trade result %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ListTerminalBefore returns terminal audit rows started before cutoff,
// oldest first.
func (s *KeyStore) ListTerminalBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.TradeAuditLog, error) {
	const q = `
		SELECT id, master_order_id, client_account_id, COALESCE(client_order_id, ''),
			COALESCE(client_broker_order_id, ''),
			symbol, side, order_type, master_qty, master_price, scaled_qty,
			client_filled_qty, client_avg_price,
			status, COALESCE(error_message, ''), retry_count,
			replication_latency_ms, master_trade_time,
			replication_started_at, replication_completed_at
		FROM trade_audit_logs
		WHERE status <> 'pending' AND replication_started_at < $1
		ORDER BY id
		LIMIT $2`

	rows, err := s.pool.Query(ctx, q, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("keystore: list terminal audit rows: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeAuditLog
	for rows.Next() {
		var (
			rec   domain.TradeAuditLog
			side  string
			otype string
			stat  string
		)
		err := rows.Scan(
			&rec.ID, &rec.MasterOrderID, &rec.ClientAccountID, &rec.ClientOrderID,
			&rec.BrokerOrderID,
			&rec.Symbol, &side, &otype, &rec.MasterQty, &rec.MasterPrice, &rec.ScaledQty,
			&rec.FilledQty, &rec.FilledAvgPrice,
			&stat, &rec.ErrorMessage, &rec.RetryCount,
			&rec.LatencyMS, &rec.MasterTradeTime,
			&rec.StartedAt, &rec.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("keystore: scan audit row: %w", err)
		}
		rec.Side = domain.OrderSide(side)
		rec.OrderType = domain.OrderType(otype)
		rec.Status = domain.TradeStatus(stat)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CheckAndRecordEvent runs the dedup check in a single transaction: expired
// entries are garbage-collected, the event is matched against live entries by
// id or content hash, and recorded if new. Returns true for duplicates.
func (s *KeyStore) CheckAndRecordEvent(ctx context.Context, entry domain.DedupEntry) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("keystore: begin dedup tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM deduplication_cache WHERE expires_at < NOW()`); err != nil {
		return false, fmt.Errorf("keystore: dedup gc: %w", err)
	}

	var existingID string
	err = tx.QueryRow(ctx,
		`SELECT event_id FROM deduplication_cache WHERE event_id = $1 OR content_hash = $2 LIMIT 1`,
		entry.EventID, entry.ContentHash,
	).Scan(&existingID)
	switch {
	case err == nil:
		s.logger.Warn("duplicate event detected",
			slog.String("event_id", entry.EventID),
			slog.String("original_event_id", existingID))
		return true, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return false, fmt.Errorf("keystore: dedup lookup: %w", err)
	}

	expiresAt := entry.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = time.Now().UTC().Add(dedupTTL)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO deduplication_cache (event_id, event_type, content_hash, expires_at)
		 VALUES ($1, $2, $3, $4)`,
		entry.EventID, entry.EventType, entry.ContentHash, expiresAt,
	)
	if err != nil {
		// A concurrent insert of the same event id loses the race and is a
		// duplicate, not an error.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return true, nil
		}
		return false, fmt.Errorf("keystore: dedup insert: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("keystore: commit dedup tx: %w", err)
	}
	return false, nil
}

// RecordMetric persists a named observation with optional tags.
func (s *KeyStore) RecordMetric(ctx context.Context, name string, value float64, tags map[string]string) error {
	var tagsJSON []byte
	if len(tags) > 0 {
		var err error
		tagsJSON, err = json.Marshal(tags)
		if err != nil {
			return fmt.Errorf("keystore: encoding metric tags: %w", err)
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO system_metrics (metric_name, metric_value, tags) VALUES ($1, $2, $3)`,
		name, value, tagsJSON,
	)
	if err != nil {
		return fmt.Errorf("keystore: record metric %s: %w", name, err)
	}
	return nil
}

// GetMaster returns the active master account with decrypted credentials.
func (s *KeyStore) GetMaster(ctx context.Context) (domain.MasterAccount, domain.Credentials, error) {
	const q = `
		SELECT account_id, is_active, created_at, updated_at,
			encrypted_api_key, encrypted_secret_key
		FROM master_accounts WHERE is_active
		ORDER BY updated_at DESC LIMIT 1`

	var (
		master    domain.MasterAccount
		encKey    string
		encSecret string
	)
	err := s.pool.QueryRow(ctx, q).Scan(
		&master.AccountID, &master.IsActive, &master.CreatedAt, &master.UpdatedAt,
		&encKey, &encSecret,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.MasterAccount{}, domain.Credentials{}, domain.ErrNoMasterAccount
	}
	if err != nil {
		return domain.MasterAccount{}, domain.Credentials{}, fmt.Errorf("keystore: get master: %w", err)
	}

	apiKey, err := s.cipher.Decrypt(encKey)
	if err != nil {
		return domain.MasterAccount{}, domain.Credentials{}, fmt.Errorf("keystore: decrypting master api key: %w", err)
	}
	secretKey, err := s.cipher.Decrypt(encSecret)
	if err != nil {
		return domain.MasterAccount{}, domain.Credentials{}, fmt.Errorf("keystore: decrypting master secret key: %w", err)
	}

	return master, domain.Credentials{APIKey: apiKey, SecretKey: secretKey}, nil
}

// GetMasterMeta returns the active master row without credential columns.
func (s *KeyStore) GetMasterMeta(ctx context.Context) (domain.MasterAccount, error) {
	const q = `
		SELECT account_id, is_active, created_at, updated_at
		FROM master_accounts WHERE is_active
		ORDER BY updated_at DESC LIMIT 1`

	var master domain.MasterAccount
	err := s.pool.QueryRow(ctx, q).Scan(
		&master.AccountID, &master.IsActive, &master.CreatedAt, &master.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.MasterAccount{}, domain.ErrNoMasterAccount
	}
	if err != nil {
		return domain.MasterAccount{}, fmt.Errorf("keystore: get master meta: %w", err)
	}
	return master, nil
}

// SetMaster deactivates any current master and activates the given account,
// both inside one transaction.
func (s *KeyStore) SetMaster(ctx context.Context, accountID string, creds domain.Credentials) error {
	encKey, err := s.cipher.Encrypt(creds.APIKey)
	if err != nil {
		return fmt.Errorf("keystore: encrypting master api key: %w", err)
	}
	encSecret, err := s.cipher.Encrypt(creds.SecretKey)
	if err != nil {
		return fmt.Errorf("keystore: encrypting master secret key: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("keystore: begin master tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`UPDATE master_accounts SET is_active = FALSE, updated_at = NOW() WHERE is_active`,
	); err != nil {
		return fmt.Errorf("keystore: deactivate masters: %w", err)
	}

	const q = `
		INSERT INTO master_accounts (account_id, encrypted_api_key, encrypted_secret_key, is_active)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (account_id) DO UPDATE SET
			encrypted_api_key = EXCLUDED.encrypted_api_key,
			encrypted_secret_key = EXCLUDED.encrypted_secret_key,
			is_active = TRUE,
			updated_at = NOW()`
	if _, err := tx.Exec(ctx, q, accountID, encKey, encSecret); err != nil {
		return fmt.Errorf("keystore: upsert master %s: %w", accountID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("keystore: commit master tx: %w", err)
	}

	s.logger.Info("master account updated", slog.String("account_id", accountID))
	return nil
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
