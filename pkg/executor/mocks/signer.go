package mocks

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/speedrun-hq/speedrun-dca/pkg/signer"
)

// MockSigner returns a fixed signature, or Err when set
type MockSigner struct {
	mu       sync.Mutex
	Sig      []byte
	TTL      time.Duration
	Err      error
	Calls    int
	Payloads [][]byte
	Now      func() time.Time
}

var _ signer.Signer = (*MockSigner)(nil)

// NewMockSigner returns a signer producing a well-formed 65 byte signature
func NewMockSigner(now func() time.Time) *MockSigner {
	return &MockSigner{
		Sig: bytes.Repeat([]byte{0x1b}, signer.MinSignatureLength),
		TTL: time.Hour,
		Now: now,
	}
}

func (m *MockSigner) Sign(ctx context.Context, payload []byte) (signer.Signature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	m.Payloads = append(m.Payloads, payload)
	if m.Err != nil {
		return signer.Signature{}, m.Err
	}
	return signer.Signature{Bytes: m.Sig, ExpiresAt: m.Now().Add(m.TTL)}, nil
}
