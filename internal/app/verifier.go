/**
 * @description
 * This file implements claim verification: the ordered, side-effect-free
 * checks a payee runs before attempting settlement. Verification reads token
 * and settlement state but mutates nothing, so it can be called any number of
 * times; its result is advisory. The same check sequence is re-run inside the
 * settlement transaction, where it becomes authoritative.
 *
 * @dependencies
 * - internal/domain, internal/store: Domain models and data access.
 * - pkg/tokensign: Claim signature verification.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pinkpay/settlement-service/internal/domain"
	"github.com/pinkpay/settlement-service/internal/metrics"
	"github.com/pinkpay/settlement-service/internal/store"
	"github.com/pinkpay/settlement-service/pkg/tokensign"
)

// Authorization and validation sentinel errors surfaced by verification and
// settlement. Each maps to a distinct reason code so clients can tell "try
// again" from "this token is dead".
var (
	ErrInvalidAmount         = errors.New("amount must be positive")
	ErrInvalidSignature      = errors.New("invalid claim signature")
	ErrTokenExpired          = errors.New("token expired")
	ErrTokenCancelled        = errors.New("token cancelled")
	ErrDeviceMismatch        = errors.New("claim device does not match token device binding")
	ErrSenderMismatch        = errors.New("claim sender is not the token owner")
	ErrCurrencyMismatch      = errors.New("claim currency does not match token currency")
	ErrAuthorizationExceeded = errors.New("claim amount exceeds remaining authorization")
	ErrReplayedClaim         = errors.New("claim nonce already settled")
	ErrIncompleteClaim       = errors.New("claim is missing required fields")
)

// ReasonForError maps a verification or settlement error to the stable reason
// code reported to clients and recorded on rejected settlement records.
func ReasonForError(err error) string {
	switch {
	case errors.Is(err, store.ErrTokenNotFound):
		return "token_not_found"
	case errors.Is(err, store.ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, store.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrTokenExpired):
		return "token_expired"
	case errors.Is(err, ErrTokenCancelled):
		return "token_cancelled"
	case errors.Is(err, ErrDeviceMismatch):
		return "device_mismatch"
	case errors.Is(err, ErrSenderMismatch):
		return "sender_mismatch"
	case errors.Is(err, ErrCurrencyMismatch):
		return "currency_mismatch"
	case errors.Is(err, ErrAuthorizationExceeded):
		return "authorization_exceeded"
	case errors.Is(err, ErrReplayedClaim):
		return "replayed_claim"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrIncompleteClaim):
		return "incomplete_claim"
	case errors.Is(err, store.ErrConcurrentModification):
		return "concurrent_modification"
	default:
		return "internal_error"
	}
}

// validateClaimShape rejects structurally incomplete claims before any state
// is read. These are validation errors: reported verbatim, never recorded.
func validateClaimShape(claim *domain.PaymentClaim) error {
	if claim.TokenID == "" || claim.DeviceID == "" ||
		claim.SenderAccountID == uuid.Nil || claim.RecipientAccountID == uuid.Nil ||
		claim.Nonce == uuid.Nil || len(claim.Signature) == 0 {
		return ErrIncompleteClaim
	}
	if claim.Amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// checkClaim runs the ordered claim checks against a known token: signature,
// token status, device binding, ownership, currency, and remaining amount.
// Replay is checked separately, since it needs a settlement-record lookup.
// This function is handed to the store as the ClaimCheck re-run inside the
// settlement transaction.
func checkClaim(claim *domain.PaymentClaim, token *domain.OfflineToken, now time.Time) error {
	if err := tokensign.VerifyClaimSignature(token.DevicePublicKey, claim.SigningPayload(), claim.Signature); err != nil {
		return ErrInvalidSignature
	}
	switch token.Status {
	case domain.TokenStatusCancelled:
		return ErrTokenCancelled
	case domain.TokenStatusExpired:
		return ErrTokenExpired
	}
	if token.IsExpired(now) {
		return ErrTokenExpired
	}
	if claim.DeviceID != token.DeviceID {
		return ErrDeviceMismatch
	}
	if claim.SenderAccountID != token.OwnerAccountID {
		return ErrSenderMismatch
	}
	if claim.Currency != token.Currency {
		return ErrCurrencyMismatch
	}
	if claim.Amount > token.RemainingAmount {
		return ErrAuthorizationExceeded
	}
	return nil
}

// VerifyClaim evaluates whether a claim could settle right now. Domain
// failures produce a result with CanProceed=false and a reason code, not an
// error; only infrastructure failures return a non-nil error.
func (s *Service) VerifyClaim(ctx context.Context, claim *domain.PaymentClaim) (*domain.VerificationResult, error) {
	result := &domain.VerificationResult{}

	if err := validateClaimShape(claim); err != nil {
		result.Reason = ReasonForError(err)
		metrics.VerificationsTotal.WithLabelValues(result.Reason).Inc()
		return result, nil
	}

	token, err := s.repo.FindTokenByID(ctx, claim.TokenID)
	if err != nil {
		if errors.Is(err, store.ErrTokenNotFound) {
			result.Reason = ReasonForError(err)
			metrics.VerificationsTotal.WithLabelValues(result.Reason).Inc()
			return result, nil
		}
		return nil, fmt.Errorf("failed to load token for verification: %w", err)
	}

	now := time.Now().UTC()
	result.SignatureValid = tokensign.VerifyClaimSignature(token.DevicePublicKey, claim.SigningPayload(), claim.Signature) == nil
	result.TokenValid = token.Spendable(now)
	result.DeviceAuthenticated = claim.DeviceID == token.DeviceID &&
		claim.SenderAccountID == token.OwnerAccountID
	result.AmountAuthorized = claim.Currency == token.Currency &&
		claim.Amount <= token.RemainingAmount

	_, err = s.repo.FindSettlementByNonce(ctx, claim.Nonce)
	switch {
	case errors.Is(err, store.ErrSettlementNotFound):
		result.NonceUnused = true
	case err != nil:
		return nil, fmt.Errorf("failed to check claim nonce: %w", err)
	}

	if checkErr := checkClaim(claim, token, now); checkErr != nil {
		result.Reason = ReasonForError(checkErr)
		metrics.VerificationsTotal.WithLabelValues(result.Reason).Inc()
		return result, nil
	}
	if !result.NonceUnused {
		result.Reason = ReasonForError(ErrReplayedClaim)
		metrics.VerificationsTotal.WithLabelValues(result.Reason).Inc()
		return result, nil
	}

	result.CanProceed = true
	metrics.VerificationsTotal.WithLabelValues("can_proceed").Inc()
	return result, nil
}
