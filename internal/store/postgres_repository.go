/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all SQL queries and row-scanning logic, and most importantly the
 * single-transaction settlement path that is the only place in the system
 * allowed to mutate account balances and token remaining amounts.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver and connection pool.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pinkpay/settlement-service/internal/domain"
)

const tokenColumns = `token_id, owner_account_id, currency, authorized_amount, remaining_amount,
	device_id, device_public_key, balance_at_creation, issued_at, expires_at, status, version`

const settlementColumns = `id, claim_nonce, token_id, sender_account_id, recipient_account_id,
	amount, currency, device_id, status, reason, created_at, settled_at`

// PostgresRepository implements the Repository interface backed by PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgresRepository instance.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// rowQuerier is satisfied by both *pgxpool.Pool and pgx.Tx, letting read
// helpers run inside or outside a transaction.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// isConcurrencyAbort reports whether the database aborted the transaction for
// a reason that a clean retry can resolve (serialization failure, deadlock).
func isConcurrencyAbort(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// CreateAccount inserts a new ledger account and returns it with its
// database-assigned timestamps.
func (r *PostgresRepository) CreateAccount(ctx context.Context, account *domain.Account) (*domain.Account, error) {
	if account.ID == uuid.Nil {
		account.ID = uuid.New()
	}
	query := `
		INSERT INTO accounts (id, balance, currency, risk_score, kyc_status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		account.ID, account.Balance, account.Currency, account.RiskScore, account.KYCStatus,
	).Scan(&account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return account, nil
}

// FindAccountByID retrieves a single account by its ID.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	query := `
		SELECT id, balance, currency, risk_score, kyc_status, created_at, updated_at
		FROM accounts
		WHERE id = $1
	`
	var account domain.Account
	err := r.db.QueryRow(ctx, query, id).Scan(
		&account.ID, &account.Balance, &account.Currency,
		&account.RiskScore, &account.KYCStatus, &account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return &account, nil
}

// CreateToken persists a freshly issued offline token.
func (r *PostgresRepository) CreateToken(ctx context.Context, token *domain.OfflineToken) error {
	query := `
		INSERT INTO offline_tokens (
			token_id, owner_account_id, currency, authorized_amount, remaining_amount,
			device_id, device_public_key, balance_at_creation, issued_at, expires_at, status, version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	_, err := r.db.Exec(ctx, query,
		token.TokenID, token.OwnerAccountID, token.Currency,
		token.AuthorizedAmount, token.RemainingAmount,
		token.DeviceID, token.DevicePublicKey, token.BalanceAtCreation,
		token.IssuedAt, token.ExpiresAt, token.Status, token.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to create offline token: %w", err)
	}
	return nil
}

func scanToken(row pgx.Row) (*domain.OfflineToken, error) {
	var t domain.OfflineToken
	err := row.Scan(
		&t.TokenID, &t.OwnerAccountID, &t.Currency,
		&t.AuthorizedAmount, &t.RemainingAmount,
		&t.DeviceID, &t.DevicePublicKey, &t.BalanceAtCreation,
		&t.IssuedAt, &t.ExpiresAt, &t.Status, &t.Version,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// FindTokenByID retrieves a token and applies lazy expiry: if the token is
// still marked spendable but its deadline has passed, the row is transitioned
// to expired before being returned.
func (r *PostgresRepository) FindTokenByID(ctx context.Context, tokenID string) (*domain.OfflineToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM offline_tokens WHERE token_id = $1`
	token, err := scanToken(r.db.QueryRow(ctx, query, tokenID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTokenNotFound
		}
		return nil, fmt.Errorf("failed to find token: %w", err)
	}

	if (token.Status == domain.TokenStatusActive || token.Status == domain.TokenStatusPartiallySpent) &&
		token.IsExpired(time.Now().UTC()) {
		expireQuery := `
			UPDATE offline_tokens
			SET status = $1, version = version + 1
			WHERE token_id = $2 AND status IN ($3, $4)
			RETURNING ` + tokenColumns
		expired, err := scanToken(r.db.QueryRow(ctx, expireQuery,
			domain.TokenStatusExpired, tokenID,
			domain.TokenStatusActive, domain.TokenStatusPartiallySpent,
		))
		if err != nil {
			if err == pgx.ErrNoRows {
				// A concurrent writer changed the status first; re-read.
				return r.FindTokenByID(ctx, tokenID)
			}
			return nil, fmt.Errorf("failed to expire token: %w", err)
		}
		return expired, nil
	}
	return token, nil
}

// FindTokensByOwner lists all tokens issued to an account, newest first.
func (r *PostgresRepository) FindTokensByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.OfflineToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM offline_tokens WHERE owner_account_id = $1 ORDER BY issued_at DESC`
	rows, err := r.db.Query(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer rows.Close()

	var tokens []domain.OfflineToken
	for rows.Next() {
		var t domain.OfflineToken
		if err := rows.Scan(
			&t.TokenID, &t.OwnerAccountID, &t.Currency,
			&t.AuthorizedAmount, &t.RemainingAmount,
			&t.DeviceID, &t.DevicePublicKey, &t.BalanceAtCreation,
			&t.IssuedAt, &t.ExpiresAt, &t.Status, &t.Version,
		); err != nil {
			return nil, fmt.Errorf("failed to scan token row: %w", err)
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// CancelTokenAtomic cancels a token under the same row lock settlement uses.
// If a settlement transaction commits first the token is no longer in a
// cancellable state and ErrTokenNotCancellable is returned for fully redeemed
// tokens; a partially spent token can still be cancelled for its remainder.
func (r *PostgresRepository) CancelTokenAtomic(ctx context.Context, tokenID string, ownerID uuid.UUID) (*domain.OfflineToken, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin cancel transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + tokenColumns + ` FROM offline_tokens WHERE token_id = $1 FOR UPDATE`
	token, err := scanToken(tx.QueryRow(ctx, query, tokenID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTokenNotFound
		}
		if isConcurrencyAbort(err) {
			return nil, fmt.Errorf("%w: %v", ErrConcurrentModification, err)
		}
		return nil, fmt.Errorf("failed to lock token for cancel: %w", err)
	}

	if token.OwnerAccountID != ownerID {
		return nil, ErrNotTokenOwner
	}

	now := time.Now().UTC()
	if token.Status == domain.TokenStatusActive || token.Status == domain.TokenStatusPartiallySpent {
		if token.IsExpired(now) {
			// Lazy expiry wins over cancellation.
			_, err = tx.Exec(ctx,
				`UPDATE offline_tokens SET status = $1, version = version + 1 WHERE token_id = $2`,
				domain.TokenStatusExpired, tokenID,
			)
			if err != nil {
				return nil, fmt.Errorf("failed to expire token during cancel: %w", err)
			}
			if err := tx.Commit(ctx); err != nil {
				return nil, fmt.Errorf("failed to commit token expiry: %w", err)
			}
			return nil, ErrTokenNotCancellable
		}
	} else {
		return nil, ErrTokenNotCancellable
	}

	updated, err := scanToken(tx.QueryRow(ctx,
		`UPDATE offline_tokens SET status = $1, version = version + 1 WHERE token_id = $2 RETURNING `+tokenColumns,
		domain.TokenStatusCancelled, tokenID,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to cancel token: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		if isConcurrencyAbort(err) {
			return nil, fmt.Errorf("%w: %v", ErrConcurrentModification, err)
		}
		return nil, fmt.Errorf("failed to commit token cancel: %w", err)
	}
	return updated, nil
}

// SweepExpiredTokens transitions every overdue spendable token to expired and
// returns the number of rows affected.
func (r *PostgresRepository) SweepExpiredTokens(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE offline_tokens
		SET status = $1, version = version + 1
		WHERE status IN ($2, $3) AND expires_at <= NOW()
	`, domain.TokenStatusExpired, domain.TokenStatusActive, domain.TokenStatusPartiallySpent)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetTokenStats aggregates the token population in a single query.
func (r *PostgresRepository) GetTokenStats(ctx context.Context) (*domain.TokenStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'active'),
			COUNT(*) FILTER (WHERE status = 'partially_spent'),
			COUNT(*) FILTER (WHERE status = 'redeemed'),
			COUNT(*) FILTER (WHERE status = 'expired'),
			COUNT(*) FILTER (WHERE status = 'cancelled'),
			COALESCE(SUM(remaining_amount) FILTER (WHERE status IN ('active', 'partially_spent')), 0)
		FROM offline_tokens
	`
	var stats domain.TokenStats
	err := r.db.QueryRow(ctx, query).Scan(
		&stats.TotalTokens, &stats.Active, &stats.PartiallySpent,
		&stats.Redeemed, &stats.Expired, &stats.Cancelled, &stats.ActiveValue,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate token stats: %w", err)
	}
	if stats.TotalTokens > 0 {
		stats.RedemptionRate = float64(stats.Redeemed) / float64(stats.TotalTokens) * 100
	}
	return &stats, nil
}

func findSettlementByNonce(ctx context.Context, q rowQuerier, nonce uuid.UUID) (*domain.SettlementRecord, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlement_records WHERE claim_nonce = $1`
	var rec domain.SettlementRecord
	err := q.QueryRow(ctx, query, nonce).Scan(
		&rec.ID, &rec.ClaimNonce, &rec.TokenID,
		&rec.SenderAccountID, &rec.RecipientAccountID,
		&rec.Amount, &rec.Currency, &rec.DeviceID,
		&rec.Status, &rec.Reason, &rec.CreatedAt, &rec.SettledAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrSettlementNotFound
		}
		return nil, fmt.Errorf("failed to find settlement record: %w", err)
	}
	return &rec, nil
}

// FindSettlementByNonce retrieves the settlement record for a claim nonce.
func (r *PostgresRepository) FindSettlementByNonce(ctx context.Context, nonce uuid.UUID) (*domain.SettlementRecord, error) {
	return findSettlementByNonce(ctx, r.db, nonce)
}

// accountBalance reads a balance without locking; used only to enrich
// replayed outcomes, where staleness is acceptable.
func (r *PostgresRepository) accountBalance(ctx context.Context, id uuid.UUID) int64 {
	var balance int64
	if err := r.db.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1`, id).Scan(&balance); err != nil {
		return 0
	}
	return balance
}

func (r *PostgresRepository) replayedOutcome(ctx context.Context, rec *domain.SettlementRecord) *domain.SettlementOutcome {
	return &domain.SettlementOutcome{
		Record:           rec,
		SenderBalance:    r.accountBalance(ctx, rec.SenderAccountID),
		RecipientBalance: r.accountBalance(ctx, rec.RecipientAccountID),
		Replayed:         true,
	}
}

// SettleClaimAtomic applies a claim to the ledger exactly once. See the
// Repository interface for the contract; the ordering here is deliberate:
//
//  1. idempotency probe on claim_nonce (terminal records are returned as-is),
//  2. FOR UPDATE lock on the token row, then lazy expiry on the locked row,
//  3. re-run of the verification checks via the ClaimCheck callback,
//  4. FOR UPDATE locks on both accounts in deterministic ID order,
//  5. balance floor check, token decrement with version bump, double balance
//     mutation, and the settled record insert,
//  6. commit.
//
// A check failure commits a rejected record (audit trail) and returns the
// check error. A concurrent settle of the same nonce loses the unique index
// race and returns the winner's record instead of a double application.
func (r *PostgresRepository) SettleClaimAtomic(ctx context.Context, claim *domain.PaymentClaim, check ClaimCheck) (*domain.SettlementOutcome, error) {
	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, fmt.Errorf("failed to begin settlement transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// 1. Idempotency probe. An existing record is terminal by construction.
	existing, err := findSettlementByNonce(ctx, tx, claim.Nonce)
	if err == nil {
		return r.replayedOutcome(ctx, existing), nil
	}
	if !errors.Is(err, ErrSettlementNotFound) {
		return nil, err
	}

	// 2. Lock the token row for the duration of the transaction.
	token, err := scanToken(tx.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM offline_tokens WHERE token_id = $1 FOR UPDATE`, claim.TokenID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return r.rejectClaim(ctx, tx, claim, now, ErrTokenNotFound)
		}
		if isConcurrencyAbort(err) {
			return nil, fmt.Errorf("%w: %v", ErrConcurrentModification, err)
		}
		return nil, fmt.Errorf("failed to lock token: %w", err)
	}

	// Lazy expiry under the lock, so the check callback sees the real status.
	if (token.Status == domain.TokenStatusActive || token.Status == domain.TokenStatusPartiallySpent) &&
		token.IsExpired(now) {
		if _, err := tx.Exec(ctx,
			`UPDATE offline_tokens SET status = $1, version = version + 1 WHERE token_id = $2`,
			domain.TokenStatusExpired, token.TokenID,
		); err != nil {
			return nil, fmt.Errorf("failed to expire token during settlement: %w", err)
		}
		token.Status = domain.TokenStatusExpired
		token.Version++
	}

	// 3. Authoritative re-verification.
	if err := check(claim, token, now); err != nil {
		return r.rejectClaim(ctx, tx, claim, now, err)
	}

	// 4. Lock both accounts in deterministic ID order to avoid deadlocks.
	firstID, secondID := claim.SenderAccountID, claim.RecipientAccountID
	if firstID.String() > secondID.String() {
		firstID, secondID = secondID, firstID
	}
	balances := make(map[uuid.UUID]int64, 2)
	for _, id := range []uuid.UUID{firstID, secondID} {
		var balance int64
		err := tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1 FOR UPDATE`, id).Scan(&balance)
		if err != nil {
			if err == pgx.ErrNoRows {
				return r.rejectClaim(ctx, tx, claim, now, ErrAccountNotFound)
			}
			if isConcurrencyAbort(err) {
				return nil, fmt.Errorf("%w: %v", ErrConcurrentModification, err)
			}
			return nil, fmt.Errorf("failed to lock account: %w", err)
		}
		balances[id] = balance
	}

	// 5. Balance floor: the sender's balance never goes negative, regardless
	// of what issuance promised.
	if balances[claim.SenderAccountID] < claim.Amount {
		return r.rejectClaim(ctx, tx, claim, now, ErrInsufficientBalance)
	}

	newRemaining := token.RemainingAmount - claim.Amount
	newStatus := domain.TokenStatusPartiallySpent
	if newRemaining == 0 {
		newStatus = domain.TokenStatusRedeemed
	}
	tag, err := tx.Exec(ctx, `
		UPDATE offline_tokens
		SET remaining_amount = $1, status = $2, version = version + 1
		WHERE token_id = $3 AND version = $4
	`, newRemaining, newStatus, token.TokenID, token.Version)
	if err != nil {
		return nil, fmt.Errorf("failed to consume token authorization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// The version moved underneath us despite the row lock; bail out and
		// let the caller retry.
		return nil, ErrConcurrentModification
	}

	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = balance - $1, updated_at = NOW() WHERE id = $2`,
		claim.Amount, claim.SenderAccountID,
	); err != nil {
		return nil, fmt.Errorf("failed to debit sender: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`UPDATE accounts SET balance = balance + $1, updated_at = NOW() WHERE id = $2`,
		claim.Amount, claim.RecipientAccountID,
	); err != nil {
		return nil, fmt.Errorf("failed to credit recipient: %w", err)
	}

	rec := &domain.SettlementRecord{
		ID:                 uuid.New(),
		ClaimNonce:         claim.Nonce,
		TokenID:            claim.TokenID,
		SenderAccountID:    claim.SenderAccountID,
		RecipientAccountID: claim.RecipientAccountID,
		Amount:             claim.Amount,
		Currency:           claim.Currency,
		DeviceID:           claim.DeviceID,
		Status:             domain.SettlementStatusSettled,
		CreatedAt:          now,
		SettledAt:          &now,
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO settlement_records (
			id, claim_nonce, token_id, sender_account_id, recipient_account_id,
			amount, currency, device_id, status, reason, created_at, settled_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, rec.ID, rec.ClaimNonce, rec.TokenID, rec.SenderAccountID, rec.RecipientAccountID,
		rec.Amount, rec.Currency, rec.DeviceID, rec.Status, rec.Reason, rec.CreatedAt, rec.SettledAt,
	); err != nil {
		if isUniqueViolation(err) {
			// Lost the nonce race to a concurrent settle; surface the winner.
			tx.Rollback(ctx)
			winner, findErr := r.FindSettlementByNonce(ctx, claim.Nonce)
			if findErr != nil {
				return nil, fmt.Errorf("failed to load winning settlement record: %w", findErr)
			}
			return r.replayedOutcome(ctx, winner), nil
		}
		return nil, fmt.Errorf("failed to insert settlement record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isConcurrencyAbort(err) {
			return nil, fmt.Errorf("%w: %v", ErrConcurrentModification, err)
		}
		return nil, fmt.Errorf("failed to commit settlement: %w", err)
	}

	return &domain.SettlementOutcome{
		Record:           rec,
		SenderBalance:    balances[claim.SenderAccountID] - claim.Amount,
		RecipientBalance: balances[claim.RecipientAccountID] + claim.Amount,
	}, nil
}

// rejectClaim commits a rejected settlement record for audit and returns the
// causing error. Nothing else has been mutated at the points it is called
// from, apart from lazy expiry of the token, which must survive the rejection
// anyway.
func (r *PostgresRepository) rejectClaim(ctx context.Context, tx pgx.Tx, claim *domain.PaymentClaim, now time.Time, cause error) (*domain.SettlementOutcome, error) {
	reason := cause.Error()
	rec := &domain.SettlementRecord{
		ID:                 uuid.New(),
		ClaimNonce:         claim.Nonce,
		TokenID:            claim.TokenID,
		SenderAccountID:    claim.SenderAccountID,
		RecipientAccountID: claim.RecipientAccountID,
		Amount:             claim.Amount,
		Currency:           claim.Currency,
		DeviceID:           claim.DeviceID,
		Status:             domain.SettlementStatusRejected,
		Reason:             &reason,
		CreatedAt:          now,
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO settlement_records (
			id, claim_nonce, token_id, sender_account_id, recipient_account_id,
			amount, currency, device_id, status, reason, created_at, settled_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULL)
	`, rec.ID, rec.ClaimNonce, rec.TokenID, rec.SenderAccountID, rec.RecipientAccountID,
		rec.Amount, rec.Currency, rec.DeviceID, rec.Status, rec.Reason, rec.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			tx.Rollback(ctx)
			winner, findErr := r.FindSettlementByNonce(ctx, claim.Nonce)
			if findErr != nil {
				return nil, fmt.Errorf("failed to load winning settlement record: %w", findErr)
			}
			return r.replayedOutcome(ctx, winner), nil
		}
		return nil, fmt.Errorf("failed to insert rejected settlement record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		if isConcurrencyAbort(err) {
			return nil, fmt.Errorf("%w: %v", ErrConcurrentModification, err)
		}
		return nil, fmt.Errorf("failed to commit rejected settlement record: %w", err)
	}
	return &domain.SettlementOutcome{Record: rec}, cause
}
