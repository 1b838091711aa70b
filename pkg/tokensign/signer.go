/**
 * @description
 * This package provides the cryptographic capability for offline tokens: the
 * authority side that signs token vouchers at issuance, and the device side
 * that signs payment claims. The voucher is an EdDSA-signed JWT binding the
 * token's identity, owner, cap, device, and expiry, so a payee can check a
 * presented token without contacting the server. Claim signatures are raw
 * Ed25519 over the claim's canonical payload, verified against the device
 * public key registered at issuance.
 *
 * @dependencies
 * - crypto/ed25519, crypto/rand: Standard Go asymmetric signature primitives.
 * - github.com/golang-jwt/jwt/v5: JWT envelope for the token voucher.
 */
package tokensign

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidSeed      = errors.New("signing seed must be a base64-encoded 32-byte Ed25519 seed")
	ErrInvalidDeviceKey = errors.New("device public key must be a base64-encoded 32-byte Ed25519 key")
	ErrBadSignature     = errors.New("signature verification failed")
	ErrBadVoucher       = errors.New("voucher is not a valid signed token voucher")
)

const voucherIssuer = "pinkpay-settlement-service"

// Authority holds the service's signing keypair. It signs vouchers at token
// issuance and can verify them on behalf of a payee.
type Authority struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewAuthorityFromSeed builds an Authority from a base64-encoded 32-byte seed,
// the form the signing key takes in configuration.
func NewAuthorityFromSeed(seedBase64 string) (*Authority, error) {
	seed, err := base64.StdEncoding.DecodeString(seedBase64)
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidSeed
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Authority{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
}

// NewEphemeralAuthority generates a fresh keypair. Vouchers signed by an
// ephemeral authority do not survive a restart; intended for development.
func NewEphemeralAuthority() (*Authority, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate authority keypair: %w", err)
	}
	return &Authority{priv: priv, pub: pub}, nil
}

// PublicKeyBase64 returns the authority's public key for distribution to
// payee devices.
func (a *Authority) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(a.pub)
}

// VoucherClaims is the payload of the signed token voucher. RegisteredClaims
// carries the token ID (jti), owner (sub), issue and expiry times.
type VoucherClaims struct {
	jwt.RegisteredClaims
	AuthorizedAmount int64  `json:"authorized_amount"`
	Currency         string `json:"currency"`
	DeviceID         string `json:"device_id"`
}

// SignVoucher produces the compact voucher the payer device carries offline.
func (a *Authority) SignVoucher(tokenID, ownerAccountID string, amount int64, currency, deviceID string, issuedAt, expiresAt time.Time) (string, error) {
	claims := VoucherClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   ownerAccountID,
			Issuer:    voucherIssuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		AuthorizedAmount: amount,
		Currency:         currency,
		DeviceID:         deviceID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(a.priv)
}

// ParseVoucher validates a voucher's signature and expiry and returns its
// claims. Expired vouchers fail here; token state is checked separately.
func (a *Authority) ParseVoucher(voucher string) (*VoucherClaims, error) {
	token, err := jwt.ParseWithClaims(voucher, &VoucherClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadVoucher, err)
	}
	claims, ok := token.Claims.(*VoucherClaims)
	if !ok || !token.Valid {
		return nil, ErrBadVoucher
	}
	return claims, nil
}

// DecodeDevicePublicKey decodes and validates a device public key submitted
// at issuance.
func DecodeDevicePublicKey(keyBase64 string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(keyBase64)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return nil, ErrInvalidDeviceKey
	}
	return key, nil
}

// VerifyClaimSignature checks an Ed25519 claim signature against the device
// public key bound to the token at issuance.
func VerifyClaimSignature(devicePublicKey, payload, signature []byte) error {
	if len(devicePublicKey) != ed25519.PublicKeySize {
		return ErrInvalidDeviceKey
	}
	if !ed25519.Verify(ed25519.PublicKey(devicePublicKey), payload, signature) {
		return ErrBadSignature
	}
	return nil
}

// Device is the payer-side half of the capability. The service never holds a
// device private key; this type exists for client tooling and tests.
type Device struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// NewDevice generates a device keypair.
func NewDevice() (*Device, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate device keypair: %w", err)
	}
	return &Device{priv: priv, pub: pub}, nil
}

// Sign signs a claim payload with the device key.
func (d *Device) Sign(payload []byte) []byte {
	return ed25519.Sign(d.priv, payload)
}

// PublicKey returns the raw device public key.
func (d *Device) PublicKey() []byte {
	return d.pub
}

// PublicKeyBase64 returns the device public key in the form the issue-token
// API accepts.
func (d *Device) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(d.pub)
}
