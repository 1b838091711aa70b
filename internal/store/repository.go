/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the settlement-service. By defining an interface,
 * we decouple the application's business logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation and handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/pinkpay/settlement-service/internal/domain"
)

// Storage-level sentinel errors. Validation and authorization errors carry a
// domain meaning and live in internal/app; these describe what the store
// itself can observe.
var (
	ErrAccountNotFound    = errors.New("account not found")
	ErrTokenNotFound      = errors.New("token not found")
	ErrSettlementNotFound = errors.New("settlement record not found")

	// ErrInsufficientBalance is returned when a debit would take an account
	// balance negative. The balance-never-negative invariant is enforced
	// inside the settlement transaction, regardless of what issuance checked.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrTokenNotCancellable is returned when cancellation targets a token
	// that is already redeemed, expired, or cancelled.
	ErrTokenNotCancellable = errors.New("token is not in a cancellable state")

	// ErrNotTokenOwner is returned when cancellation is attempted by an
	// account other than the token's owner.
	ErrNotTokenOwner = errors.New("caller is not the token owner")

	// ErrConcurrentModification is returned when the database aborts the
	// settlement transaction with a serialization failure or deadlock.
	// It is retriable; the service layer retries a bounded number of times.
	ErrConcurrentModification = errors.New("concurrent modification, retry")
)

// ClaimCheck re-runs claim verification against the token row locked inside
// the settlement transaction. The store calls it after acquiring the token
// lock and applying lazy expiry, so its verdict is authoritative, unlike the
// advisory result of a standalone verify call. A nil return means the claim
// may be applied; a non-nil error both rejects the claim and becomes the
// audit reason on the rejected settlement record.
type ClaimCheck func(claim *domain.PaymentClaim, token *domain.OfflineToken, now time.Time) error

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Account methods
	CreateAccount(ctx context.Context, account *domain.Account) (*domain.Account, error)
	FindAccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error)

	// Token methods
	CreateToken(ctx context.Context, token *domain.OfflineToken) error
	// FindTokenByID applies lazy expiry: a spendable token whose deadline has
	// passed is transitioned to expired before being returned.
	FindTokenByID(ctx context.Context, tokenID string) (*domain.OfflineToken, error)
	FindTokensByOwner(ctx context.Context, ownerID uuid.UUID) ([]domain.OfflineToken, error)
	// CancelTokenAtomic transitions a token to cancelled under the same row
	// lock used by settlement, so a cancel racing an in-flight settle is
	// resolved by whichever transaction commits first.
	CancelTokenAtomic(ctx context.Context, tokenID string, ownerID uuid.UUID) (*domain.OfflineToken, error)
	SweepExpiredTokens(ctx context.Context) (int64, error)
	GetTokenStats(ctx context.Context) (*domain.TokenStats, error)

	// Settlement methods
	FindSettlementByNonce(ctx context.Context, nonce uuid.UUID) (*domain.SettlementRecord, error)
	// SettleClaimAtomic applies a claim exactly once inside a single database
	// transaction: replayed nonces return the existing terminal record, checks
	// are re-run via the ClaimCheck callback under the token row lock, and the
	// token decrement, both balance mutations, and the settlement record are
	// committed together or not at all. Rejections are committed as rejected
	// records for audit; the specific check error is returned alongside.
	SettleClaimAtomic(ctx context.Context, claim *domain.PaymentClaim, check ClaimCheck) (*domain.SettlementOutcome, error)
}
