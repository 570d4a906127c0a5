package mocks

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/speedrun-dca/pkg/exchange"
	"github.com/speedrun-hq/speedrun-dca/pkg/models"
)

// PollResponse is one scripted answer of PollStatus
type PollResponse struct {
	Result *exchange.StatusResult
	Err    error
}

// MockExchange is a deterministic exchange.Client. Scripted errors are
// returned first, in order, before the call succeeds.
type MockExchange struct {
	mu sync.Mutex

	QuoteErrors    []error
	AnnounceErrors []error
	SubmitErr      error
	// OnSubmit runs when SubmitOrder is called, before it returns
	OnSubmit func()
	// Polls is consumed in order; the last entry repeats once exhausted
	Polls []PollResponse
	// OnPoll runs after each poll with the number of polls so far
	OnPoll func(n int)

	QuoteResp  exchange.Quote
	OrderResp  exchange.Order
	SubmitHash string

	QuoteCalls   int
	Announces    int
	Submits      int
	PollCalls    int
	Calls        []string
	Signatures   [][]byte
	PolledHashes []string
}

var _ exchange.Client = (*MockExchange)(nil)

// NewMockExchange returns an exchange that quotes, announces and accepts
// every order, reporting it Filled on the first poll
func NewMockExchange() *MockExchange {
	return &MockExchange{
		QuoteResp: exchange.Quote{
			ID:        "q-1",
			AmountIn:  decimal.NewFromInt(10),
			AmountOut: decimal.RequireFromString("0.004"),
			Fee:       decimal.RequireFromString("0.02"),
		},
		OrderResp: exchange.Order{
			Hash:    "0xaa",
			QuoteID: "q-1",
			Payload: json.RawMessage(`{"order":"0xaa"}`),
		},
		Polls: []PollResponse{{Result: Filled("0xresolver", "0xtx")}},
	}
}

// Filled builds a Filled status with one fill
func Filled(resolver, txHash string) *exchange.StatusResult {
	return &exchange.StatusResult{
		Status: models.OrderStatusFilled,
		Fills: []exchange.Fill{{
			Resolver:  resolver,
			TxHash:    txHash,
			AmountIn:  decimal.NewFromInt(10),
			AmountOut: decimal.RequireFromString("0.0041"),
			Fee:       decimal.RequireFromString("0.015"),
		}},
	}
}

// Status builds a fill-less status
func Status(status models.OrderStatus) *exchange.StatusResult {
	return &exchange.StatusResult{Status: status}
}

func (m *MockExchange) Quote(ctx context.Context, params exchange.QuoteParams) (*exchange.Quote, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.QuoteCalls++
	m.Calls = append(m.Calls, "quote")
	if len(m.QuoteErrors) > 0 {
		err := m.QuoteErrors[0]
		m.QuoteErrors = m.QuoteErrors[1:]
		return nil, err
	}
	q := m.QuoteResp
	return &q, nil
}

func (m *MockExchange) AnnounceOrder(ctx context.Context, quote *exchange.Quote, params exchange.QuoteParams) (*exchange.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Announces++
	m.Calls = append(m.Calls, "announce")
	if quote == nil {
		return nil, fmt.Errorf("announce without quote")
	}
	if len(m.AnnounceErrors) > 0 {
		err := m.AnnounceErrors[0]
		m.AnnounceErrors = m.AnnounceErrors[1:]
		return nil, err
	}
	o := m.OrderResp
	o.QuoteID = quote.ID
	return &o, nil
}

func (m *MockExchange) SubmitOrder(ctx context.Context, order *exchange.Order, signature []byte) (*exchange.SubmitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Submits++
	m.Calls = append(m.Calls, "submit")
	m.Signatures = append(m.Signatures, signature)
	if m.OnSubmit != nil {
		m.OnSubmit()
	}
	if m.SubmitErr != nil {
		return nil, m.SubmitErr
	}
	hash := order.Hash
	if m.SubmitHash != "" {
		hash = m.SubmitHash
	}
	return &exchange.SubmitResult{OrderHash: hash}, nil
}

func (m *MockExchange) PollStatus(ctx context.Context, orderHash string) (*exchange.StatusResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.PollCalls++
	m.Calls = append(m.Calls, "poll")
	m.PolledHashes = append(m.PolledHashes, orderHash)
	if m.OnPoll != nil {
		defer m.OnPoll(m.PollCalls)
	}
	if len(m.Polls) == 0 {
		return Status(models.OrderStatusPending), nil
	}
	resp := m.Polls[0]
	if len(m.Polls) > 1 {
		m.Polls = m.Polls[1:]
	}
	return resp.Result, resp.Err
}

// CallLog returns the remote calls made so far, in order
func (m *MockExchange) CallLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.Calls))
	copy(out, m.Calls)
	return out
}
