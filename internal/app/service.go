/**
 * @description
 * This file contains the core business logic for the settlement-service. The
 * `Service` struct orchestrates the token authority and the settlement engine,
 * coordinating between the database repository, the voucher signing authority,
 * and the message broker.
 *
 * Key features:
 * - Issues device-bound, amount-capped, time-limited offline tokens.
 * - Settles offline payment claims at most once per claim nonce, retrying
 *   bounded concurrency conflicts before surfacing them to the caller.
 * - Publishes token and settlement lifecycle events to RabbitMQ for
 *   asynchronous consumption by the surrounding product.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID generation.
 * - internal/domain, internal/store, internal/metrics: Domain models, data
 *   access, and Prometheus instruments.
 * - pkg/tokensign, pkg/rabbitmq: Voucher signing and event publishing.
 */

package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/pinkpay/settlement-service/internal/domain"
	"github.com/pinkpay/settlement-service/internal/metrics"
	"github.com/pinkpay/settlement-service/internal/store"
	"github.com/pinkpay/settlement-service/pkg/rabbitmq"
	"github.com/pinkpay/settlement-service/pkg/tokensign"
)

// Issuance validation errors.
var (
	ErrMissingDeviceID  = errors.New("device_id is required")
	ErrAmountAboveLimit = errors.New("amount exceeds the per-token issuance limit")
)

const (
	routingKeyTokenIssued    = "token.issued"
	routingKeyTokenCancelled = "token.cancelled"
	routingKeyClaimSettled   = "claim.settled"
	routingKeyClaimRejected  = "claim.rejected"
)

// Service provides the core business logic for offline tokens and settlement.
type Service struct {
	repo            store.Repository
	authority       *tokensign.Authority
	eventProducer   rabbitmq.Publisher
	eventExchange   string
	defaultCurrency string
	defaultTTL      time.Duration
	maxTokenAmount  int64 // 0 disables the per-token cap
	settleRetries   int

	verifyLimiter *RedisClaimRateLimiter
	verifyLimit   int
	verifyWindow  time.Duration
}

// NewService creates a new settlement service instance.
func NewService(
	repo store.Repository,
	authority *tokensign.Authority,
	producer rabbitmq.Publisher,
	eventExchange string,
	defaultCurrency string,
	defaultTTLHours int,
	maxTokenAmount int64,
	settleRetryAttempts int,
) *Service {
	if defaultTTLHours <= 0 {
		defaultTTLHours = 72
	}
	if settleRetryAttempts <= 0 {
		settleRetryAttempts = 3
	}
	return &Service{
		repo:            repo,
		authority:       authority,
		eventProducer:   producer,
		eventExchange:   eventExchange,
		defaultCurrency: defaultCurrency,
		defaultTTL:      time.Duration(defaultTTLHours) * time.Hour,
		maxTokenAmount:  maxTokenAmount,
		settleRetries:   settleRetryAttempts,
	}
}

// ConfigureRateLimiting attaches a Redis-backed limiter applied per device to
// verify and settle calls. A nil limiter or non-positive limit disables it.
func (s *Service) ConfigureRateLimiting(limiter *RedisClaimRateLimiter, perMinute int) {
	s.verifyLimiter = limiter
	s.verifyLimit = perMinute
	s.verifyWindow = time.Minute
}

// generateTokenID produces an unguessable token identifier, 32 random bytes
// in URL-safe base64.
func generateTokenID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// IssueToken creates a new offline authorization token for an online owner.
// The authorized amount is capped by (not escrowed from) the owner's current
// balance; the authoritative cap check re-runs at settlement.
func (s *Service) IssueToken(ctx context.Context, req domain.IssueTokenRequest) (*domain.IssuedToken, error) {
	if req.Amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if s.maxTokenAmount > 0 && req.Amount > s.maxTokenAmount {
		return nil, ErrAmountAboveLimit
	}
	if req.DeviceID == "" {
		return nil, ErrMissingDeviceID
	}
	devicePublicKey, err := tokensign.DecodeDevicePublicKey(req.DevicePublicKey)
	if err != nil {
		return nil, err
	}

	account, err := s.repo.FindAccountByID(ctx, req.OwnerAccountID)
	if err != nil {
		return nil, err
	}
	if req.Amount > account.Balance {
		return nil, store.ErrInsufficientBalance
	}

	currency := req.Currency
	if currency == "" {
		currency = s.defaultCurrency
	}
	if currency != account.Currency {
		return nil, ErrCurrencyMismatch
	}

	ttl := s.defaultTTL
	if req.TTLHours > 0 {
		ttl = time.Duration(req.TTLHours) * time.Hour
	}

	tokenID, err := generateTokenID()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	token := &domain.OfflineToken{
		TokenID:           tokenID,
		OwnerAccountID:    account.ID,
		Currency:          currency,
		AuthorizedAmount:  req.Amount,
		RemainingAmount:   req.Amount,
		DeviceID:          req.DeviceID,
		DevicePublicKey:   devicePublicKey,
		BalanceAtCreation: account.Balance,
		IssuedAt:          now,
		ExpiresAt:         now.Add(ttl),
		Status:            domain.TokenStatusActive,
		Version:           1,
	}
	if err := s.repo.CreateToken(ctx, token); err != nil {
		return nil, err
	}

	voucher, err := s.authority.SignVoucher(
		token.TokenID, token.OwnerAccountID.String(),
		token.AuthorizedAmount, token.Currency, token.DeviceID,
		token.IssuedAt, token.ExpiresAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token voucher: %w", err)
	}

	metrics.TokensIssued.Inc()
	s.publishTokenEvent(ctx, routingKeyTokenIssued, token)
	log.Printf("level=info component=app msg=\"token issued\" token_id=%s owner=%s amount=%d expires_at=%s",
		token.TokenID, token.OwnerAccountID, token.AuthorizedAmount, token.ExpiresAt.Format(time.RFC3339))

	return &domain.IssuedToken{Token: token, Voucher: voucher}, nil
}

// CancelToken cancels a token on behalf of its owner. Unspent and partially
// spent tokens are cancellable; anything else fails with the store's state
// error, including the case where an in-flight settlement committed first.
func (s *Service) CancelToken(ctx context.Context, tokenID string, ownerAccountID uuid.UUID) (*domain.OfflineToken, error) {
	token, err := s.repo.CancelTokenAtomic(ctx, tokenID, ownerAccountID)
	if err != nil {
		return nil, err
	}
	metrics.TokensCancelled.Inc()
	s.publishTokenEvent(ctx, routingKeyTokenCancelled, token)
	log.Printf("level=info component=app msg=\"token cancelled\" token_id=%s owner=%s remaining=%d",
		token.TokenID, token.OwnerAccountID, token.RemainingAmount)
	return token, nil
}

// GetToken returns a token by ID, applying lazy expiry.
func (s *Service) GetToken(ctx context.Context, tokenID string) (*domain.OfflineToken, error) {
	return s.repo.FindTokenByID(ctx, tokenID)
}

// ListAccountTokens returns all tokens issued to an account.
func (s *Service) ListAccountTokens(ctx context.Context, ownerAccountID uuid.UUID) ([]domain.OfflineToken, error) {
	if _, err := s.repo.FindAccountByID(ctx, ownerAccountID); err != nil {
		return nil, err
	}
	return s.repo.FindTokensByOwner(ctx, ownerAccountID)
}

// GetTokenStats aggregates the token population for dashboards.
func (s *Service) GetTokenStats(ctx context.Context) (*domain.TokenStats, error) {
	return s.repo.GetTokenStats(ctx)
}

// SweepExpiredTokens eagerly expires overdue tokens. Expiry is already
// enforced lazily at every access; the sweep just keeps listings tidy.
func (s *Service) SweepExpiredTokens(ctx context.Context) (int64, error) {
	swept, err := s.repo.SweepExpiredTokens(ctx)
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		log.Printf("level=info component=app msg=\"expired token sweep\" count=%d", swept)
	}
	return swept, nil
}

// CreateAccount provisions a ledger account.
func (s *Service) CreateAccount(ctx context.Context, req domain.CreateAccountRequest) (*domain.Account, error) {
	if req.InitialBalance < 0 {
		return nil, ErrInvalidAmount
	}
	currency := req.Currency
	if currency == "" {
		currency = s.defaultCurrency
	}
	return s.repo.CreateAccount(ctx, &domain.Account{
		ID:        uuid.New(),
		Balance:   req.InitialBalance,
		Currency:  currency,
		KYCStatus: "pending",
	})
}

// GetAccount returns a ledger account by ID.
func (s *Service) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	return s.repo.FindAccountByID(ctx, id)
}

// GetSettlement returns the settlement record for a claim nonce, letting
// payer and payee devices poll the fate of a submitted claim.
func (s *Service) GetSettlement(ctx context.Context, nonce uuid.UUID) (*domain.SettlementRecord, error) {
	return s.repo.FindSettlementByNonce(ctx, nonce)
}

// SettleClaim applies a claim to the ledger at most once. Concurrency
// conflicts are retried a bounded number of times before
// store.ErrConcurrentModification is surfaced as retriable to the caller.
// Authorization failures return both the rejected record and the causing
// error; validation failures return only the error and leave no record.
func (s *Service) SettleClaim(ctx context.Context, claim *domain.PaymentClaim) (*domain.SettlementOutcome, error) {
	if err := validateClaimShape(claim); err != nil {
		return nil, err
	}

	timer := time.Now()
	var outcome *domain.SettlementOutcome
	var err error
	for attempt := 0; attempt < s.settleRetries; attempt++ {
		outcome, err = s.repo.SettleClaimAtomic(ctx, claim, checkClaim)
		if !errors.Is(err, store.ErrConcurrentModification) {
			break
		}
		log.Printf("level=warn component=app msg=\"settlement conflict; retrying\" claim_nonce=%s attempt=%d", claim.Nonce, attempt+1)
	}
	metrics.SettlementDuration.Observe(time.Since(timer).Seconds())

	switch {
	case errors.Is(err, store.ErrConcurrentModification):
		metrics.SettlementsTotal.WithLabelValues("conflict").Inc()
		return nil, err
	case err != nil && outcome == nil:
		metrics.SettlementsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	record := outcome.Record
	switch {
	case outcome.Replayed:
		metrics.SettlementsTotal.WithLabelValues("replayed").Inc()
		log.Printf("level=info component=app msg=\"claim replayed\" claim_nonce=%s status=%s", record.ClaimNonce, record.Status)
	case record.Status == domain.SettlementStatusSettled:
		metrics.SettlementsTotal.WithLabelValues("settled").Inc()
		s.publishSettlementEvent(ctx, routingKeyClaimSettled, record)
		log.Printf("level=info component=app msg=\"claim settled\" claim_nonce=%s token_id=%s amount=%d",
			record.ClaimNonce, record.TokenID, record.Amount)
	default:
		metrics.SettlementsTotal.WithLabelValues("rejected").Inc()
		s.publishSettlementEvent(ctx, routingKeyClaimRejected, record)
		log.Printf("level=warn component=app msg=\"claim rejected\" claim_nonce=%s token_id=%s reason=%s",
			record.ClaimNonce, record.TokenID, ReasonForError(err))
	}
	return outcome, err
}

// ConsumeClaimRateLimit applies the per-device limiter. It returns the number
// of seconds to wait when the budget is exhausted, or zero when the call may
// proceed. A broken limiter fails open.
func (s *Service) ConsumeClaimRateLimit(ctx context.Context, deviceID string) int {
	if s.verifyLimiter == nil || s.verifyLimit <= 0 {
		return 0
	}
	count, retryAfter, err := s.verifyLimiter.ConsumeRateLimit(ctx, "claims", deviceID, s.verifyLimit, s.verifyWindow)
	if err != nil {
		log.Printf("level=warn component=app msg=\"rate limiter unavailable; failing open\" err=%v", err)
		return 0
	}
	if count > s.verifyLimit {
		return retryAfter
	}
	return 0
}

func (s *Service) publishTokenEvent(ctx context.Context, routingKey string, token *domain.OfflineToken) {
	if s.eventProducer == nil {
		return
	}
	event := rabbitmq.TokenEvent{
		TokenID:        token.TokenID,
		OwnerAccountID: token.OwnerAccountID,
		Amount:         token.AuthorizedAmount,
		Currency:       token.Currency,
		DeviceID:       token.DeviceID,
		ExpiresAt:      token.ExpiresAt,
		Timestamp:      time.Now().UTC(),
	}
	if err := s.eventProducer.PublishTokenEvent(ctx, s.eventExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=app msg=\"token event publish failed\" routing_key=%s token_id=%s err=%v",
			routingKey, token.TokenID, err)
	}
}

func (s *Service) publishSettlementEvent(ctx context.Context, routingKey string, record *domain.SettlementRecord) {
	if s.eventProducer == nil {
		return
	}
	event := rabbitmq.SettlementEvent{
		SettlementID:       record.ID,
		ClaimNonce:         record.ClaimNonce,
		TokenID:            record.TokenID,
		SenderAccountID:    record.SenderAccountID,
		RecipientAccountID: record.RecipientAccountID,
		Amount:             record.Amount,
		Currency:           record.Currency,
		Status:             record.Status,
		Timestamp:          time.Now().UTC(),
	}
	if record.Reason != nil {
		event.Reason = *record.Reason
	}
	if err := s.eventProducer.PublishSettlementEvent(ctx, s.eventExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=app msg=\"settlement event publish failed\" routing_key=%s claim_nonce=%s err=%v",
			routingKey, record.ClaimNonce, err)
	}
}
