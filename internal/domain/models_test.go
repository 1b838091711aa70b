package domain

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestOfflineTokenSpendable(t *testing.T) {
	now := time.Now().UTC()

	tests := []struct {
		name   string
		status string
		expiry time.Time
		want   bool
	}{
		{name: "active unexpired", status: TokenStatusActive, expiry: now.Add(time.Hour), want: true},
		{name: "partially spent unexpired", status: TokenStatusPartiallySpent, expiry: now.Add(time.Hour), want: true},
		{name: "active past deadline", status: TokenStatusActive, expiry: now.Add(-time.Minute), want: false},
		{name: "redeemed", status: TokenStatusRedeemed, expiry: now.Add(time.Hour), want: false},
		{name: "expired", status: TokenStatusExpired, expiry: now.Add(time.Hour), want: false},
		{name: "cancelled", status: TokenStatusCancelled, expiry: now.Add(time.Hour), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			token := OfflineToken{Status: tt.status, ExpiresAt: tt.expiry}
			if got := token.Spendable(now); got != tt.want {
				t.Fatalf("expected spendable=%t, got %t", tt.want, got)
			}
		})
	}
}

func TestOfflineTokenTimeRemaining(t *testing.T) {
	now := time.Now().UTC()

	token := OfflineToken{ExpiresAt: now.Add(90 * time.Second)}
	if got := token.TimeRemaining(now); got != 90 {
		t.Fatalf("expected 90 seconds remaining, got %d", got)
	}

	expired := OfflineToken{ExpiresAt: now.Add(-time.Second)}
	if got := expired.TimeRemaining(now); got != 0 {
		t.Fatalf("expected 0 seconds for an expired token, got %d", got)
	}
}

func TestSigningPayloadIsStable(t *testing.T) {
	claim := PaymentClaim{
		TokenID:            "tok_1",
		SenderAccountID:    uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		RecipientAccountID: uuid.MustParse("22222222-2222-2222-2222-222222222222"),
		Amount:             2500,
		Currency:           "MYR",
		DeviceID:           "device-1",
		Nonce:              uuid.MustParse("33333333-3333-3333-3333-333333333333"),
		CreatedAt:          time.Unix(1700000000, 0).UTC(),
	}

	want := "tok_1:11111111-1111-1111-1111-111111111111:22222222-2222-2222-2222-222222222222:2500:MYR:device-1:33333333-3333-3333-3333-333333333333:1700000000"
	if got := claim.SigningPayload(); !bytes.Equal(got, []byte(want)) {
		t.Fatalf("expected payload %q, got %q", want, got)
	}
}

func TestSigningPayloadBindsEveryField(t *testing.T) {
	base := PaymentClaim{
		TokenID:            "tok_1",
		SenderAccountID:    uuid.New(),
		RecipientAccountID: uuid.New(),
		Amount:             2500,
		Currency:           "MYR",
		DeviceID:           "device-1",
		Nonce:              uuid.New(),
		CreatedAt:          time.Unix(1700000000, 0).UTC(),
	}

	mutations := map[string]func(c *PaymentClaim){
		"token id":   func(c *PaymentClaim) { c.TokenID = "tok_2" },
		"sender":     func(c *PaymentClaim) { c.SenderAccountID = uuid.New() },
		"recipient":  func(c *PaymentClaim) { c.RecipientAccountID = uuid.New() },
		"amount":     func(c *PaymentClaim) { c.Amount = 9999 },
		"currency":   func(c *PaymentClaim) { c.Currency = "SGD" },
		"device id":  func(c *PaymentClaim) { c.DeviceID = "device-2" },
		"nonce":      func(c *PaymentClaim) { c.Nonce = uuid.New() },
		"created at": func(c *PaymentClaim) { c.CreatedAt = c.CreatedAt.Add(time.Second) },
	}

	original := base.SigningPayload()
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			claim := base
			mutate(&claim)
			if bytes.Equal(claim.SigningPayload(), original) {
				t.Fatalf("expected mutating %s to change the signing payload", name)
			}
		})
	}
}
