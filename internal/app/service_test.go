package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pinkpay/settlement-service/internal/domain"
	"github.com/pinkpay/settlement-service/internal/store"
	"github.com/pinkpay/settlement-service/pkg/tokensign"
)

// settlementRepoStub implements store.Repository for service tests. It mirrors
// the store's settlement contract in memory: replayed nonces return the
// existing record, check failures produce a rejected record plus the causing
// error, and anything else settles.
type settlementRepoStub struct {
	store.Repository

	accounts   map[uuid.UUID]*domain.Account
	token      *domain.OfflineToken
	settlement *domain.SettlementRecord

	createdToken *domain.OfflineToken

	settleCalls int
	// settleErrs are returned for the first len(settleErrs) settle calls
	// before the default behavior kicks in. A nil entry means "fall through".
	settleErrs []error
}

func (s *settlementRepoStub) FindAccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	if account, ok := s.accounts[id]; ok {
		return account, nil
	}
	return nil, store.ErrAccountNotFound
}

func (s *settlementRepoStub) CreateAccount(ctx context.Context, account *domain.Account) (*domain.Account, error) {
	if s.accounts == nil {
		s.accounts = map[uuid.UUID]*domain.Account{}
	}
	account.CreatedAt = time.Now().UTC()
	account.UpdatedAt = account.CreatedAt
	s.accounts[account.ID] = account
	return account, nil
}

func (s *settlementRepoStub) CreateToken(ctx context.Context, token *domain.OfflineToken) error {
	s.createdToken = token
	return nil
}

func (s *settlementRepoStub) FindTokenByID(ctx context.Context, tokenID string) (*domain.OfflineToken, error) {
	if s.token == nil || s.token.TokenID != tokenID {
		return nil, store.ErrTokenNotFound
	}
	return s.token, nil
}

func (s *settlementRepoStub) CancelTokenAtomic(ctx context.Context, tokenID string, ownerID uuid.UUID) (*domain.OfflineToken, error) {
	if s.token == nil || s.token.TokenID != tokenID {
		return nil, store.ErrTokenNotFound
	}
	if s.token.OwnerAccountID != ownerID {
		return nil, store.ErrNotTokenOwner
	}
	if s.token.Status != domain.TokenStatusActive && s.token.Status != domain.TokenStatusPartiallySpent {
		return nil, store.ErrTokenNotCancellable
	}
	s.token.Status = domain.TokenStatusCancelled
	s.token.Version++
	return s.token, nil
}

func (s *settlementRepoStub) FindSettlementByNonce(ctx context.Context, nonce uuid.UUID) (*domain.SettlementRecord, error) {
	if s.settlement == nil || s.settlement.ClaimNonce != nonce {
		return nil, store.ErrSettlementNotFound
	}
	return s.settlement, nil
}

func (s *settlementRepoStub) SettleClaimAtomic(ctx context.Context, claim *domain.PaymentClaim, check store.ClaimCheck) (*domain.SettlementOutcome, error) {
	s.settleCalls++
	if len(s.settleErrs) >= s.settleCalls {
		if err := s.settleErrs[s.settleCalls-1]; err != nil {
			return nil, err
		}
	}

	if s.settlement != nil && s.settlement.ClaimNonce == claim.Nonce {
		return &domain.SettlementOutcome{Record: s.settlement, Replayed: true}, nil
	}
	if s.token == nil || s.token.TokenID != claim.TokenID {
		return s.rejected(claim, store.ErrTokenNotFound)
	}

	now := time.Now().UTC()
	if err := check(claim, s.token, now); err != nil {
		return s.rejected(claim, err)
	}

	sender := s.accounts[claim.SenderAccountID]
	if sender.Balance < claim.Amount {
		return s.rejected(claim, store.ErrInsufficientBalance)
	}
	recipient := s.accounts[claim.RecipientAccountID]
	sender.Balance -= claim.Amount
	recipient.Balance += claim.Amount
	s.token.RemainingAmount -= claim.Amount
	if s.token.RemainingAmount == 0 {
		s.token.Status = domain.TokenStatusRedeemed
	} else {
		s.token.Status = domain.TokenStatusPartiallySpent
	}
	s.token.Version++

	s.settlement = &domain.SettlementRecord{
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
	return &domain.SettlementOutcome{
		Record:           s.settlement,
		SenderBalance:    sender.Balance,
		RecipientBalance: recipient.Balance,
	}, nil
}

func (s *settlementRepoStub) rejected(claim *domain.PaymentClaim, cause error) (*domain.SettlementOutcome, error) {
	reason := cause.Error()
	s.settlement = &domain.SettlementRecord{
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
		CreatedAt:          time.Now().UTC(),
	}
	return &domain.SettlementOutcome{Record: s.settlement}, cause
}

// testFixture wires a service against the stub with one funded sender, one
// recipient, and a device-bound active token.
type testFixture struct {
	service   *Service
	repo      *settlementRepoStub
	device    *tokensign.Device
	sender    uuid.UUID
	recipient uuid.UUID
	token     *domain.OfflineToken
}

func newTestFixture(t *testing.T) *testFixture {
	t.Helper()

	authority, err := tokensign.NewEphemeralAuthority()
	if err != nil {
		t.Fatalf("failed to create authority: %v", err)
	}
	device, err := tokensign.NewDevice()
	if err != nil {
		t.Fatalf("failed to create device: %v", err)
	}

	sender := uuid.New()
	recipient := uuid.New()
	repo := &settlementRepoStub{
		accounts: map[uuid.UUID]*domain.Account{
			sender:    {ID: sender, Balance: 100000, Currency: "MYR", KYCStatus: "verified"},
			recipient: {ID: recipient, Balance: 0, Currency: "MYR", KYCStatus: "verified"},
		},
	}

	now := time.Now().UTC()
	token := &domain.OfflineToken{
		TokenID:           "tok_fixture",
		OwnerAccountID:    sender,
		Currency:          "MYR",
		AuthorizedAmount:  50000,
		RemainingAmount:   50000,
		DeviceID:          "device-1",
		DevicePublicKey:   device.PublicKey(),
		BalanceAtCreation: 100000,
		IssuedAt:          now,
		ExpiresAt:         now.Add(72 * time.Hour),
		Status:            domain.TokenStatusActive,
		Version:           1,
	}
	repo.token = token

	service := NewService(repo, authority, nil, "settlement_events", "MYR", 72, 0, 3)
	return &testFixture{
		service:   service,
		repo:      repo,
		device:    device,
		sender:    sender,
		recipient: recipient,
		token:     token,
	}
}

// signedClaim builds a claim against the fixture token and signs it with the
// bound device key.
func (f *testFixture) signedClaim(amount int64) *domain.PaymentClaim {
	claim := &domain.PaymentClaim{
		TokenID:            f.token.TokenID,
		SenderAccountID:    f.sender,
		RecipientAccountID: f.recipient,
		Amount:             amount,
		Currency:           "MYR",
		DeviceID:           "device-1",
		Nonce:              uuid.New(),
		CreatedAt:          time.Now().UTC(),
	}
	claim.Signature = f.device.Sign(claim.SigningPayload())
	return claim
}

func TestIssueToken_Validations(t *testing.T) {
	f := newTestFixture(t)
	ctx := context.Background()

	base := domain.IssueTokenRequest{
		OwnerAccountID:  f.sender,
		Amount:          10000,
		Currency:        "MYR",
		DeviceID:        "device-1",
		DevicePublicKey: f.device.PublicKeyBase64(),
	}

	tests := []struct {
		name    string
		mutate  func(req *domain.IssueTokenRequest)
		wantErr error
	}{
		{
			name:    "zero amount",
			mutate:  func(req *domain.IssueTokenRequest) { req.Amount = 0 },
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "negative amount",
			mutate:  func(req *domain.IssueTokenRequest) { req.Amount = -500 },
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "missing device id",
			mutate:  func(req *domain.IssueTokenRequest) { req.DeviceID = "" },
			wantErr: ErrMissingDeviceID,
		},
		{
			name:    "malformed device key",
			mutate:  func(req *domain.IssueTokenRequest) { req.DevicePublicKey = "not-a-key" },
			wantErr: tokensign.ErrInvalidDeviceKey,
		},
		{
			name:    "unknown owner account",
			mutate:  func(req *domain.IssueTokenRequest) { req.OwnerAccountID = uuid.New() },
			wantErr: store.ErrAccountNotFound,
		},
		{
			name:    "amount above owner balance",
			mutate:  func(req *domain.IssueTokenRequest) { req.Amount = 100001 },
			wantErr: store.ErrInsufficientBalance,
		},
		{
			name:    "currency mismatch with account",
			mutate:  func(req *domain.IssueTokenRequest) { req.Currency = "SGD" },
			wantErr: ErrCurrencyMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			if _, err := f.service.IssueToken(ctx, req); !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestIssueToken_EnforcesPerTokenCap(t *testing.T) {
	f := newTestFixture(t)
	capped := NewService(f.repo, f.service.authority, nil, "settlement_events", "MYR", 72, 5000, 3)

	_, err := capped.IssueToken(context.Background(), domain.IssueTokenRequest{
		OwnerAccountID:  f.sender,
		Amount:          5001,
		DeviceID:        "device-1",
		DevicePublicKey: f.device.PublicKeyBase64(),
	})
	if !errors.Is(err, ErrAmountAboveLimit) {
		t.Fatalf("expected ErrAmountAboveLimit, got %v", err)
	}
}

func TestIssueToken_Success(t *testing.T) {
	f := newTestFixture(t)

	issued, err := f.service.IssueToken(context.Background(), domain.IssueTokenRequest{
		OwnerAccountID:  f.sender,
		Amount:          20000,
		DeviceID:        "device-1",
		DevicePublicKey: f.device.PublicKeyBase64(),
	})
	if err != nil {
		t.Fatalf("IssueToken returned error: %v", err)
	}

	token := issued.Token
	if token.Status != domain.TokenStatusActive {
		t.Fatalf("expected active token, got %q", token.Status)
	}
	if token.RemainingAmount != 20000 || token.AuthorizedAmount != 20000 {
		t.Fatalf("expected remaining=authorized=20000, got remaining=%d authorized=%d",
			token.RemainingAmount, token.AuthorizedAmount)
	}
	if token.Currency != "MYR" {
		t.Fatalf("expected default currency MYR, got %q", token.Currency)
	}
	if token.BalanceAtCreation != 100000 {
		t.Fatalf("expected balance at creation 100000, got %d", token.BalanceAtCreation)
	}
	if got := token.ExpiresAt.Sub(token.IssuedAt); got != 72*time.Hour {
		t.Fatalf("expected default 72h TTL, got %s", got)
	}
	if f.repo.createdToken == nil {
		t.Fatal("expected token to be persisted")
	}

	claims, err := f.service.authority.ParseVoucher(issued.Voucher)
	if err != nil {
		t.Fatalf("issued voucher failed to parse: %v", err)
	}
	if claims.ID != token.TokenID {
		t.Fatalf("expected voucher bound to token %s, got %s", token.TokenID, claims.ID)
	}
	if claims.AuthorizedAmount != 20000 || claims.DeviceID != "device-1" {
		t.Fatalf("expected voucher to carry amount and device binding, got amount=%d device=%q",
			claims.AuthorizedAmount, claims.DeviceID)
	}
}

func TestIssueToken_HonorsRequestedTTL(t *testing.T) {
	f := newTestFixture(t)

	issued, err := f.service.IssueToken(context.Background(), domain.IssueTokenRequest{
		OwnerAccountID:  f.sender,
		Amount:          1000,
		DeviceID:        "device-1",
		DevicePublicKey: f.device.PublicKeyBase64(),
		TTLHours:        6,
	})
	if err != nil {
		t.Fatalf("IssueToken returned error: %v", err)
	}
	if got := issued.Token.ExpiresAt.Sub(issued.Token.IssuedAt); got != 6*time.Hour {
		t.Fatalf("expected 6h TTL, got %s", got)
	}
}

func TestSettleClaim_Success(t *testing.T) {
	f := newTestFixture(t)
	claim := f.signedClaim(30000)

	outcome, err := f.service.SettleClaim(context.Background(), claim)
	if err != nil {
		t.Fatalf("SettleClaim returned error: %v", err)
	}
	if outcome.Record.Status != domain.SettlementStatusSettled {
		t.Fatalf("expected settled record, got %q", outcome.Record.Status)
	}
	if outcome.SenderBalance != 70000 || outcome.RecipientBalance != 30000 {
		t.Fatalf("expected balances 70000/30000, got %d/%d", outcome.SenderBalance, outcome.RecipientBalance)
	}
	if f.token.RemainingAmount != 20000 {
		t.Fatalf("expected remaining authorization 20000, got %d", f.token.RemainingAmount)
	}
	if f.token.Status != domain.TokenStatusPartiallySpent {
		t.Fatalf("expected partially_spent token, got %q", f.token.Status)
	}
}

func TestSettleClaim_FullRedemptionMarksTokenRedeemed(t *testing.T) {
	f := newTestFixture(t)
	claim := f.signedClaim(50000)

	outcome, err := f.service.SettleClaim(context.Background(), claim)
	if err != nil {
		t.Fatalf("SettleClaim returned error: %v", err)
	}
	if outcome.Record.Status != domain.SettlementStatusSettled {
		t.Fatalf("expected settled record, got %q", outcome.Record.Status)
	}
	if f.token.Status != domain.TokenStatusRedeemed {
		t.Fatalf("expected redeemed token, got %q", f.token.Status)
	}
}

func TestSettleClaim_ReplayReturnsExistingRecord(t *testing.T) {
	f := newTestFixture(t)
	claim := f.signedClaim(10000)

	first, err := f.service.SettleClaim(context.Background(), claim)
	if err != nil {
		t.Fatalf("first settle returned error: %v", err)
	}

	second, err := f.service.SettleClaim(context.Background(), claim)
	if err != nil {
		t.Fatalf("replayed settle returned error: %v", err)
	}
	if !second.Replayed {
		t.Fatal("expected replayed outcome")
	}
	if second.Record.ID != first.Record.ID {
		t.Fatal("expected replay to return the original settlement record")
	}
	if f.repo.accounts[f.sender].Balance != 90000 {
		t.Fatalf("expected the transfer applied exactly once, sender balance %d", f.repo.accounts[f.sender].Balance)
	}
}

func TestSettleClaim_SecondClaimAboveRemainingIsRejected(t *testing.T) {
	f := newTestFixture(t)

	if _, err := f.service.SettleClaim(context.Background(), f.signedClaim(30000)); err != nil {
		t.Fatalf("first settle returned error: %v", err)
	}

	outcome, err := f.service.SettleClaim(context.Background(), f.signedClaim(25000))
	if !errors.Is(err, ErrAuthorizationExceeded) {
		t.Fatalf("expected ErrAuthorizationExceeded for 25000 against 20000 remaining, got %v", err)
	}
	if outcome == nil || outcome.Record == nil || outcome.Record.Status != domain.SettlementStatusRejected {
		t.Fatal("expected a rejected settlement record")
	}
	if f.repo.accounts[f.sender].Balance != 70000 || f.repo.accounts[f.recipient].Balance != 30000 {
		t.Fatalf("expected balances unchanged by the rejection, got %d/%d",
			f.repo.accounts[f.sender].Balance, f.repo.accounts[f.recipient].Balance)
	}
	if f.token.RemainingAmount != 20000 {
		t.Fatalf("expected remaining authorization unchanged at 20000, got %d", f.token.RemainingAmount)
	}
}

func TestCancelToken(t *testing.T) {
	f := newTestFixture(t)

	cancelled, err := f.service.CancelToken(context.Background(), f.token.TokenID, f.sender)
	if err != nil {
		t.Fatalf("CancelToken returned error: %v", err)
	}
	if cancelled.Status != domain.TokenStatusCancelled {
		t.Fatalf("expected cancelled token, got %q", cancelled.Status)
	}

	// A claim presented after cancellation must be rejected.
	outcome, err := f.service.SettleClaim(context.Background(), f.signedClaim(10000))
	if !errors.Is(err, ErrTokenCancelled) {
		t.Fatalf("expected ErrTokenCancelled for a claim on a cancelled token, got %v", err)
	}
	if outcome == nil || outcome.Record == nil || outcome.Record.Status != domain.SettlementStatusRejected {
		t.Fatal("expected a rejected settlement record")
	}

	// Cancelling twice fails with the state error.
	if _, err := f.service.CancelToken(context.Background(), f.token.TokenID, f.sender); !errors.Is(err, store.ErrTokenNotCancellable) {
		t.Fatalf("expected ErrTokenNotCancellable on repeat cancel, got %v", err)
	}
}

func TestCancelToken_RequiresOwner(t *testing.T) {
	f := newTestFixture(t)

	if _, err := f.service.CancelToken(context.Background(), f.token.TokenID, uuid.New()); !errors.Is(err, store.ErrNotTokenOwner) {
		t.Fatalf("expected ErrNotTokenOwner for a non-owner cancel, got %v", err)
	}
	if f.token.Status != domain.TokenStatusActive {
		t.Fatalf("expected token untouched by a forbidden cancel, got %q", f.token.Status)
	}
}

func TestSettleClaim_RejectionCarriesRecordAndReason(t *testing.T) {
	f := newTestFixture(t)
	claim := f.signedClaim(10000)
	f.token.Status = domain.TokenStatusCancelled

	outcome, err := f.service.SettleClaim(context.Background(), claim)
	if !errors.Is(err, ErrTokenCancelled) {
		t.Fatalf("expected ErrTokenCancelled, got %v", err)
	}
	if outcome == nil || outcome.Record == nil {
		t.Fatal("expected a rejected settlement record for audit")
	}
	if outcome.Record.Status != domain.SettlementStatusRejected {
		t.Fatalf("expected rejected record, got %q", outcome.Record.Status)
	}
	if outcome.Record.Reason == nil {
		t.Fatal("expected rejection reason to be recorded")
	}
	if f.repo.accounts[f.sender].Balance != 100000 {
		t.Fatalf("expected no balance movement on rejection, got %d", f.repo.accounts[f.sender].Balance)
	}
}

func TestSettleClaim_InsufficientBalanceRejects(t *testing.T) {
	f := newTestFixture(t)
	f.repo.accounts[f.sender].Balance = 5000
	claim := f.signedClaim(10000)

	outcome, err := f.service.SettleClaim(context.Background(), claim)
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if outcome == nil || outcome.Record == nil || outcome.Record.Status != domain.SettlementStatusRejected {
		t.Fatal("expected a rejected settlement record")
	}
}

func TestSettleClaim_MalformedClaimSkipsStore(t *testing.T) {
	f := newTestFixture(t)
	claim := f.signedClaim(10000)
	claim.Signature = nil

	_, err := f.service.SettleClaim(context.Background(), claim)
	if !errors.Is(err, ErrIncompleteClaim) {
		t.Fatalf("expected ErrIncompleteClaim, got %v", err)
	}
	if f.repo.settleCalls != 0 {
		t.Fatalf("expected no store call for a malformed claim, got %d", f.repo.settleCalls)
	}
}

func TestSettleClaim_RetriesConcurrentConflicts(t *testing.T) {
	f := newTestFixture(t)
	f.repo.settleErrs = []error{store.ErrConcurrentModification, store.ErrConcurrentModification, nil}
	claim := f.signedClaim(10000)

	outcome, err := f.service.SettleClaim(context.Background(), claim)
	if err != nil {
		t.Fatalf("expected settlement to succeed after retries, got %v", err)
	}
	if outcome.Record.Status != domain.SettlementStatusSettled {
		t.Fatalf("expected settled record, got %q", outcome.Record.Status)
	}
	if f.repo.settleCalls != 3 {
		t.Fatalf("expected 3 settle attempts, got %d", f.repo.settleCalls)
	}
}

func TestSettleClaim_SurfacesConflictAfterRetryBudget(t *testing.T) {
	f := newTestFixture(t)
	f.repo.settleErrs = []error{
		store.ErrConcurrentModification,
		store.ErrConcurrentModification,
		store.ErrConcurrentModification,
	}
	claim := f.signedClaim(10000)

	_, err := f.service.SettleClaim(context.Background(), claim)
	if !errors.Is(err, store.ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification after retry budget, got %v", err)
	}
	if f.repo.settleCalls != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", f.repo.settleCalls)
	}
}

func TestCreateAccount_Defaults(t *testing.T) {
	f := newTestFixture(t)

	account, err := f.service.CreateAccount(context.Background(), domain.CreateAccountRequest{InitialBalance: 2500})
	if err != nil {
		t.Fatalf("CreateAccount returned error: %v", err)
	}
	if account.Currency != "MYR" {
		t.Fatalf("expected default currency MYR, got %q", account.Currency)
	}
	if account.KYCStatus != "pending" {
		t.Fatalf("expected pending KYC status, got %q", account.KYCStatus)
	}
	if account.Balance != 2500 {
		t.Fatalf("expected initial balance 2500, got %d", account.Balance)
	}

	if _, err := f.service.CreateAccount(context.Background(), domain.CreateAccountRequest{InitialBalance: -1}); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount for negative opening balance, got %v", err)
	}
}
