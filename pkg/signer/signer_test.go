package signer

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/jonboulle/clockwork"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKeyHex(t *testing.T) string {
	key, err := crypto.GenerateKey()
	require.NoError(t, err, "Failed to generate private key")
	return hexutil.Encode(crypto.FromECDSA(key))
}

func TestKeySigner(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	fc := clockwork.NewFakeClockAt(now)

	t.Run("Signs and recovers", func(t *testing.T) {
		s, err := NewKeySigner(newTestKeyHex(t), 2*time.Minute, fc)
		require.NoError(t, err)
		require.True(t, s.Available())

		payload := []byte(`{"order":"abc"}`)
		sig, err := s.Sign(context.Background(), payload)
		require.NoError(t, err)
		assert.Len(t, sig.Bytes, MinSignatureLength)
		assert.Equal(t, now.Add(2*time.Minute), sig.ExpiresAt)

		addr, err := recoverAddress(payload, sig)
		require.NoError(t, err)
		assert.Equal(t, s.Address(), addr)
		assert.NoError(t, ValidateSignature(sig, now))
	})

	t.Run("No key is unavailable", func(t *testing.T) {
		s, err := NewKeySigner("", time.Minute, fc)
		require.NoError(t, err)
		assert.False(t, s.Available())

		_, err = s.Sign(context.Background(), []byte("payload"))
		assert.ErrorIs(t, err, ErrSignerUnavailable)
	})

	t.Run("Malformed key is rejected", func(t *testing.T) {
		_, err := NewKeySigner("0xnothex", time.Minute, fc)
		assert.Error(t, err)
	})

	t.Run("Cancelled context", func(t *testing.T) {
		s, err := NewKeySigner(newTestKeyHex(t), time.Minute, fc)
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = s.Sign(ctx, []byte("payload"))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestValidateSignature(t *testing.T) {
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		sig  Signature
		err  error
	}{
		{name: "valid", sig: Signature{Bytes: make([]byte, 65), ExpiresAt: now.Add(time.Minute)}},
		{name: "no expiry", sig: Signature{Bytes: make([]byte, 65)}},
		{name: "too short", sig: Signature{Bytes: make([]byte, 64), ExpiresAt: now.Add(time.Minute)}, err: ErrMalformedSignature},
		{name: "empty", sig: Signature{}, err: ErrMalformedSignature},
		{name: "expired", sig: Signature{Bytes: make([]byte, 65), ExpiresAt: now}, err: ErrSignatureExpired},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateSignature(tc.sig, now)
			if tc.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestRecoverAddressRejectsMalformed(t *testing.T) {
	_, err := recoverAddress([]byte("payload"), Signature{Bytes: make([]byte, 64)})
	assert.ErrorIs(t, err, ErrMalformedSignature)

	_, err = recoverAddress([]byte("payload"), Signature{Bytes: make([]byte, 65)})
	assert.ErrorIs(t, err, ErrMalformedSignature)
}

func TestShortSignatureAlwaysRejected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	now := time.Now()

	properties.Property("signatures shorter than the minimum are rejected every time", prop.ForAll(
		func(b []byte) bool {
			sig := Signature{Bytes: b, ExpiresAt: now.Add(time.Hour)}
			first := ValidateSignature(sig, now)
			second := ValidateSignature(sig, now)
			if len(b) < MinSignatureLength {
				return first != nil && second != nil && first.Error() == second.Error()
			}
			return first == nil && second == nil
		},
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
