// Package signer produces signatures over order payloads. Key custody is
// outside this service; the signer only holds an already provisioned key.
package signer

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jonboulle/clockwork"
)

// MinSignatureLength is the length of an r || s || v secp256k1 signature
const MinSignatureLength = crypto.SignatureLength

var (
	ErrSignerUnavailable  = errors.New("signer unavailable")
	ErrMalformedSignature = errors.New("malformed signature")
	ErrSignatureExpired   = errors.New("signature expired")
)

// Signature is an opaque signature blob with its expiry
type Signature struct {
	Bytes     []byte
	ExpiresAt time.Time
}

// Hex returns the 0x-prefixed encoding of the signature
func (s Signature) Hex() string {
	return hexutil.Encode(s.Bytes)
}

// Signer produces a signature over an order payload
type Signer interface {
	Sign(ctx context.Context, payload []byte) (Signature, error)
}

// KeySigner signs keccak256(payload) with a secp256k1 key
type KeySigner struct {
	key   *ecdsa.PrivateKey
	ttl   time.Duration
	clock clockwork.Clock
}

var _ Signer = (*KeySigner)(nil)

// NewKeySigner creates a signer from a hex private key. An empty key yields a
// signer that reports ErrSignerUnavailable on every call.
func NewKeySigner(privateKeyHex string, ttl time.Duration, clk clockwork.Clock) (*KeySigner, error) {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	s := &KeySigner{ttl: ttl, clock: clk}

	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if privateKeyHex == "" {
		return s, nil
	}
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signer private key: %v", err)
	}
	s.key = key
	return s, nil
}

// Available reports whether a key is loaded
func (s *KeySigner) Available() bool {
	return s.key != nil
}

// Address returns the signing address, or the zero address without a key
func (s *KeySigner) Address() common.Address {
	if s.key == nil {
		return common.Address{}
	}
	return crypto.PubkeyToAddress(s.key.PublicKey)
}

// Sign signs keccak256(payload)
func (s *KeySigner) Sign(ctx context.Context, payload []byte) (Signature, error) {
	if err := ctx.Err(); err != nil {
		return Signature{}, err
	}
	if s.key == nil {
		return Signature{}, ErrSignerUnavailable
	}
	if len(payload) == 0 {
		return Signature{}, fmt.Errorf("empty order payload")
	}

	sig := Signature{ExpiresAt: s.clock.Now().Add(s.ttl)}
	var err error
	sig.Bytes, err = crypto.Sign(crypto.Keccak256(payload), s.key)
	if err != nil {
		return Signature{}, fmt.Errorf("%w: %v", ErrSignerUnavailable, err)
	}
	addr, err := recoverAddress(payload, sig)
	if err != nil || addr != s.Address() {
		return Signature{}, fmt.Errorf("%w: signature does not recover to %s", ErrSignerUnavailable, s.Address().Hex())
	}
	return sig, nil
}

// recoverAddress returns the address that produced sig over payload
func recoverAddress(payload []byte, sig Signature) (common.Address, error) {
	if len(sig.Bytes) != crypto.SignatureLength {
		return common.Address{}, ErrMalformedSignature
	}
	pub, err := crypto.SigToPub(crypto.Keccak256(payload), sig.Bytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// ValidateSignature performs the local checks required before submission:
// minimum length and expiry. The same input is always rejected the same way.
func ValidateSignature(sig Signature, now time.Time) error {
	if len(sig.Bytes) < MinSignatureLength {
		return fmt.Errorf("%w: %d bytes, need at least %d", ErrMalformedSignature, len(sig.Bytes), MinSignatureLength)
	}
	if !sig.ExpiresAt.IsZero() && !now.Before(sig.ExpiresAt) {
		return ErrSignatureExpired
	}
	return nil
}
