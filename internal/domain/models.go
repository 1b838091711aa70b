/**
 * @description
 * This file defines the core domain models for the settlement-service.
 * These structs represent the main entities and data transfer objects (DTOs)
 * used throughout the service's business logic, database interactions, and API layers.
 *
 * @notes
 * - Using distinct types for API requests, database models, and external service
 *   payloads ensures clear separation of concerns and type safety.
 * - Amounts are stored as `int64` to represent the value in the smallest currency
 *   unit (sen for MYR), which avoids floating-point inaccuracies with financial data.
 */

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Offline token lifecycle statuses.
const (
	TokenStatusActive         = "active"
	TokenStatusPartiallySpent = "partially_spent"
	TokenStatusRedeemed       = "redeemed"
	TokenStatusExpired        = "expired"
	TokenStatusCancelled      = "cancelled"
)

// Settlement record lifecycle statuses. Pending and Verified are transient
// states a record moves through inside the settlement transaction; only
// Settled and Rejected are ever durable, and neither admits further transitions.
const (
	SettlementStatusPending  = "pending"
	SettlementStatusVerified = "verified"
	SettlementStatusSettled  = "settled"
	SettlementStatusRejected = "rejected"
)

// Account represents a user's balance in the central ledger. It maps directly
// to the `accounts` table. Balances are mutated exclusively by the settlement
// transaction and must never go negative.
type Account struct {
	ID        uuid.UUID `json:"id"`
	Balance   int64     `json:"balance"` // in sen
	Currency  string    `json:"currency"`
	RiskScore int       `json:"risk_score"`
	KYCStatus string    `json:"kyc_status"` // e.g., 'pending', 'verified', 'rejected'
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OfflineToken is a pre-authorized, amount-capped, device-bound spending
// authorization issued while the owner is online. It maps to the
// `offline_tokens` table. RemainingAmount only ever decreases, and the row's
// version column backs optimistic concurrency checks during settlement.
type OfflineToken struct {
	TokenID           string    `json:"token_id"`
	OwnerAccountID    uuid.UUID `json:"owner_account_id"`
	Currency          string    `json:"currency"`
	AuthorizedAmount  int64     `json:"authorized_amount"` // in sen
	RemainingAmount   int64     `json:"remaining_amount"`  // in sen
	DeviceID          string    `json:"device_id"`
	DevicePublicKey   []byte    `json:"device_public_key"` // Ed25519, registered at issuance
	BalanceAtCreation int64     `json:"balance_at_creation"`
	IssuedAt          time.Time `json:"issued_at"`
	ExpiresAt         time.Time `json:"expires_at"`
	Status            string    `json:"status"`
	Version           int64     `json:"version"`
}

// IsExpired reports whether the token's hard deadline has passed. Expiry is
// enforced at verification and settlement time, never by a background timer.
func (t *OfflineToken) IsExpired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// Spendable reports whether claims against this token may still settle.
func (t *OfflineToken) Spendable(now time.Time) bool {
	if t.Status != TokenStatusActive && t.Status != TokenStatusPartiallySpent {
		return false
	}
	return !t.IsExpired(now)
}

// TimeRemaining returns the seconds until expiry, or zero if already expired.
func (t *OfflineToken) TimeRemaining(now time.Time) int64 {
	if t.IsExpired(now) {
		return 0
	}
	return int64(t.ExpiresAt.Sub(now).Seconds())
}

// PaymentClaim is the artifact carried over the offline transport: a signed,
// single-use instruction to transfer an amount under a token to a recipient.
// It is immutable once signed; Nonce must be unique per token so that a
// retried claim collapses to a single settlement.
type PaymentClaim struct {
	TokenID            string    `json:"token_id"`
	SenderAccountID    uuid.UUID `json:"sender_account_id"`
	RecipientAccountID uuid.UUID `json:"recipient_account_id"`
	Amount             int64     `json:"amount"` // in sen
	Currency           string    `json:"currency"`
	DeviceID           string    `json:"device_id"`
	Nonce              uuid.UUID `json:"claim_nonce"`
	Signature          []byte    `json:"signature"` // Ed25519 over SigningPayload, by the bound device key
	CreatedAt          time.Time `json:"created_at"`
}

// SigningPayload returns the canonical byte string covered by the claim
// signature. Every field that settlement relies on is bound here; changing
// any of them invalidates the signature.
func (c *PaymentClaim) SigningPayload() []byte {
	parts := []string{
		c.TokenID,
		c.SenderAccountID.String(),
		c.RecipientAccountID.String(),
		fmt.Sprintf("%d", c.Amount),
		c.Currency,
		c.DeviceID,
		c.Nonce.String(),
		fmt.Sprintf("%d", c.CreatedAt.UTC().Unix()),
	}
	return []byte(strings.Join(parts, ":"))
}

// SettlementRecord is the durable outcome of presenting a claim to the
// settlement engine. It maps to the `settlement_records` table; the unique
// constraint on ClaimNonce is what makes settlement idempotent across retries
// and process restarts.
type SettlementRecord struct {
	ID                 uuid.UUID  `json:"id"`
	ClaimNonce         uuid.UUID  `json:"claim_nonce"`
	TokenID            string     `json:"token_id"`
	SenderAccountID    uuid.UUID  `json:"sender_account_id"`
	RecipientAccountID uuid.UUID  `json:"recipient_account_id"`
	Amount             int64      `json:"amount"`
	Currency           string     `json:"currency"`
	DeviceID           string     `json:"device_id"`
	Status             string     `json:"status"`
	Reason             *string    `json:"reason,omitempty"` // populated on rejection
	CreatedAt          time.Time  `json:"created_at"`
	SettledAt          *time.Time `json:"settled_at,omitempty"`
}

// IssueTokenRequest is the DTO for issuing a new offline token.
type IssueTokenRequest struct {
	OwnerAccountID  uuid.UUID `json:"owner_account_id"`
	Amount          int64     `json:"amount"` // in sen
	Currency        string    `json:"currency"`
	DeviceID        string    `json:"device_id"`
	DevicePublicKey string    `json:"device_public_key"` // base64-encoded Ed25519 public key
	TTLHours        int       `json:"ttl_hours"`
}

// IssuedToken pairs the persisted token with the signed voucher the device
// carries offline. The voucher lets a payee check the token's binding data
// without contacting the server.
type IssuedToken struct {
	Token   *OfflineToken `json:"token"`
	Voucher string        `json:"voucher"` // EdDSA-signed JWT
}

// CancelTokenRequest is the DTO for cancelling an unspent or partially spent token.
type CancelTokenRequest struct {
	OwnerAccountID uuid.UUID `json:"owner_account_id"`
}

// VerificationResult reports whether a claim could settle right now, plus the
// individual checks so a client can distinguish "try again" from "this token
// is dead". Verification never mutates state and is only advisory; the
// authoritative checks are re-run inside the settlement transaction.
type VerificationResult struct {
	CanProceed          bool   `json:"can_proceed"`
	Reason              string `json:"reason,omitempty"`
	SignatureValid      bool   `json:"signature_valid"`
	TokenValid          bool   `json:"token_valid"`
	DeviceAuthenticated bool   `json:"device_authenticated"`
	AmountAuthorized    bool   `json:"amount_authorized"`
	NonceUnused         bool   `json:"nonce_unused"`
}

// SettlementOutcome is returned to the caller of settle_claim: the durable
// record plus the post-settlement balances of both accounts.
type SettlementOutcome struct {
	Record           *SettlementRecord `json:"record"`
	SenderBalance    int64             `json:"sender_balance"`
	RecipientBalance int64             `json:"recipient_balance"`
	Replayed         bool              `json:"replayed"` // true when an existing terminal record was returned
}

// TokenStats summarizes the token population for the dashboard glue.
type TokenStats struct {
	TotalTokens    int64   `json:"total_tokens"`
	Active         int64   `json:"active"`
	PartiallySpent int64   `json:"partially_spent"`
	Redeemed       int64   `json:"redeemed"`
	Expired        int64   `json:"expired"`
	Cancelled      int64   `json:"cancelled"`
	ActiveValue    int64   `json:"active_value"`    // sum of remaining_amount across spendable tokens, in sen
	RedemptionRate float64 `json:"redemption_rate"` // percent of tokens fully redeemed
}

// CreateAccountRequest is the DTO for provisioning a ledger account.
type CreateAccountRequest struct {
	Currency       string `json:"currency"`
	InitialBalance int64  `json:"initial_balance"` // in sen
}
