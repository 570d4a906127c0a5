package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/speedrun-dca/pkg/circuitbreaker"
	"github.com/speedrun-hq/speedrun-dca/pkg/exchange"
	"github.com/speedrun-hq/speedrun-dca/pkg/executor/mocks"
	"github.com/speedrun-hq/speedrun-dca/pkg/logger"
	"github.com/speedrun-hq/speedrun-dca/pkg/models"
	"github.com/speedrun-hq/speedrun-dca/pkg/retry"
	"github.com/speedrun-hq/speedrun-dca/pkg/signer"
	"github.com/speedrun-hq/speedrun-dca/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var startTime = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

type harness struct {
	engine   *Engine
	memory   *store.MemoryStore
	store    *mocks.FlakyStore
	exchange *mocks.MockExchange
	signer   *mocks.MockSigner
	clock    *mocks.AutoClock
	intent   models.Intent
}

func testConfig() Config {
	return Config{
		Retry: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   10 * time.Millisecond,
			MaxDelay:    100 * time.Millisecond,
		},
		PollInterval:    time.Second,
		PollDeadline:    5 * time.Second,
		AttemptDeadline: time.Minute,
	}
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		memory:   store.NewMemoryStore(),
		exchange: mocks.NewMockExchange(),
		clock:    mocks.NewAutoClock(startTime),
	}
	h.store = mocks.NewFlakyStore(h.memory)
	h.signer = mocks.NewMockSigner(h.clock.Now)
	h.intent = models.Intent{
		ID:           "intent-1",
		Account:      "0xAbC",
		SourceToken:  "USDC",
		SourceChain:  8453,
		TargetToken:  "WETH",
		TargetChain:  8453,
		Amount:       decimal.NewFromInt(10),
		Cadence:      models.CadenceDaily,
		FeeTolerance: decimal.RequireFromString("0.01"),
		Status:       models.IntentStatusActive,
	}
	h.memory.PutIntent(h.intent)
	h.engine = NewEngine(cfg, h.store, h.exchange, h.signer, nil, h.clock, &logger.EmptyLogger{})
	return h
}

func (h *harness) run(t *testing.T) (*models.ExecutionRecord, error) {
	t.Helper()
	intent := h.intent
	return h.engine.Run(context.Background(), &intent)
}

func (h *harness) lastExecuted(t *testing.T) *time.Time {
	t.Helper()
	intent, err := h.memory.GetIntent(context.Background(), h.intent.ID)
	require.NoError(t, err)
	return intent.LastExecutedAt
}

func (h *harness) marker(t *testing.T) *models.SubmissionMarker {
	t.Helper()
	m, err := h.memory.GetSubmissionMarker(context.Background(), h.intent.ID)
	require.NoError(t, err)
	return m
}

func transient() error {
	return &exchange.RemoteError{Status: 503, Message: "service unavailable"}
}

func TestEngineFillsAfterPendingPolls(t *testing.T) {
	h := newHarness(t, testConfig())
	h.exchange.Polls = []mocks.PollResponse{
		{Result: mocks.Status(models.OrderStatusPending)},
		{Result: mocks.Status(models.OrderStatusPending)},
		{Result: mocks.Status(models.OrderStatusPending)},
		{Result: mocks.Filled("0xresolver", "0xtx")},
	}

	rec, err := h.run(t)
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, models.ExecutionStatusFilled, rec.Status)
	assert.Equal(t, "0xaa", rec.OrderHash)
	assert.Equal(t, "0xresolver", rec.Resolver)
	assert.Equal(t, "0xtx", rec.TxHash)
	assert.Equal(t, "0.0041", rec.AmountOut.String())
	assert.Equal(t, "0xabc", rec.Account)
	assert.Equal(t, []string{"quote", "announce", "submit", "poll", "poll", "poll", "poll"}, h.exchange.CallLog())

	records := h.memory.Executions()
	require.Len(t, records, 1)
	assert.Equal(t, rec.AttemptID, records[0].AttemptID)

	last := h.lastExecuted(t)
	require.NotNil(t, last)
	assert.True(t, last.Equal(rec.ExecutedAt))
	assert.Nil(t, h.marker(t), "marker must be cleared after the terminal record")
}

func TestEngineQuoteRetries(t *testing.T) {
	t.Run("Succeeds within limit", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.exchange.QuoteErrors = []error{transient(), transient()}

		rec, err := h.run(t)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusFilled, rec.Status)
		assert.Equal(t, 3, h.exchange.QuoteCalls)
		assert.Equal(t, 1, h.exchange.Announces)
	})

	t.Run("Exhausted limit fails before announce", func(t *testing.T) {
		cfg := testConfig()
		cfg.Retry.MaxAttempts = 2
		h := newHarness(t, cfg)
		h.exchange.QuoteErrors = []error{transient(), transient()}

		rec, err := h.run(t)
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.Equal(t, models.ExecutionStatusFailed, rec.Status)
		assert.Contains(t, rec.FailureReason, "retries_exhausted")
		assert.Equal(t, 2, h.exchange.QuoteCalls)
		assert.Equal(t, 0, h.exchange.Announces)
		assert.Nil(t, h.lastExecuted(t), "failed attempts leave the intent due")
	})

	t.Run("Permanent error is not retried", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.exchange.QuoteErrors = []error{&exchange.RemoteError{Status: 400, Message: "unsupported pair"}}

		rec, err := h.run(t)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusFailed, rec.Status)
		assert.Equal(t, 1, h.exchange.QuoteCalls)
	})
}

func TestEngineAnnounceRetries(t *testing.T) {
	h := newHarness(t, testConfig())
	h.exchange.AnnounceErrors = []error{transient(), transient(), transient()}

	rec, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, rec.Status)
	assert.Equal(t, 3, h.exchange.Announces)
	assert.Equal(t, 0, h.signer.Calls)
}

func TestEnginePollDeadlineRecordsExpired(t *testing.T) {
	h := newHarness(t, testConfig())
	h.exchange.Polls = []mocks.PollResponse{{Err: errors.New("connection reset by peer")}}

	rec, err := h.run(t)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, models.ExecutionStatusExpired, rec.Status)
	assert.Equal(t, "0xaa", rec.OrderHash)
	// One poll at submission time, then one per second until the 5s deadline
	assert.Equal(t, 6, h.exchange.PollCalls)
	assert.Len(t, h.memory.Executions(), 1)
	assert.NotNil(t, h.lastExecuted(t))
}

func TestEngineLastObservedStatusAtDeadline(t *testing.T) {
	h := newHarness(t, testConfig())
	h.exchange.Polls = []mocks.PollResponse{{Result: mocks.Status(models.OrderStatusPending)}}

	rec, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusExpired, rec.Status)
}

func TestEngineCancelledOrderKeepsIntentDue(t *testing.T) {
	h := newHarness(t, testConfig())
	h.exchange.Polls = []mocks.PollResponse{{Result: mocks.Status(models.OrderStatusCancelled)}}

	rec, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, rec.Status)
	assert.Nil(t, h.lastExecuted(t))
}

func TestEngineSignatureFailures(t *testing.T) {
	t.Run("Signer unavailable", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.signer.Err = signer.ErrSignerUnavailable

		rec, err := h.run(t)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusFailed, rec.Status)
		assert.Contains(t, rec.FailureReason, "signer_unavailable")
		assert.Equal(t, 1, h.signer.Calls, "signing is not retried")
		assert.Equal(t, 0, h.exchange.Submits)
	})

	t.Run("Short signature never reaches submit", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.signer.Sig = []byte{0x01, 0x02, 0x03}

		for i := 0; i < 2; i++ {
			rec, err := h.run(t)
			require.NoError(t, err)
			assert.Equal(t, models.ExecutionStatusFailed, rec.Status)
			assert.Contains(t, rec.FailureReason, "invalid_signature")
		}
		assert.Equal(t, 0, h.exchange.Submits)
		assert.Nil(t, h.marker(t))
	})

	t.Run("Expired signature", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.signer.TTL = -time.Second

		rec, err := h.run(t)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusFailed, rec.Status)
		assert.Equal(t, 0, h.exchange.Submits)
	})
}

func TestEngineSubmitRejected(t *testing.T) {
	h := newHarness(t, testConfig())
	h.exchange.SubmitErr = &exchange.RemoteError{Status: 400, Message: "auction closed"}

	rec, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, rec.Status)
	assert.Equal(t, 1, h.exchange.Submits, "submission is never retried")
	assert.Equal(t, 0, h.exchange.PollCalls)
	assert.Nil(t, h.lastExecuted(t))
	assert.Nil(t, h.marker(t))
}

func TestEngineSubmitOutcomeUnknown(t *testing.T) {
	t.Run("Order found by polling", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.exchange.SubmitErr = transient()
		h.exchange.Polls = []mocks.PollResponse{
			{Result: mocks.Status(models.OrderStatusPending)},
			{Result: mocks.Filled("0xresolver", "0xtx")},
		}

		rec, err := h.run(t)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusFilled, rec.Status)
		assert.Equal(t, 1, h.exchange.Submits, "submission is never retried")
		assert.Equal(t, []string{"0xaa", "0xaa"}, h.exchange.PolledHashes)
		assert.NotNil(t, h.lastExecuted(t))
		assert.Nil(t, h.marker(t))
	})

	t.Run("Order unknown to exchange", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.exchange.SubmitErr = context.DeadlineExceeded
		h.exchange.Polls = []mocks.PollResponse{
			{Err: &exchange.RemoteError{Status: 404, Message: "order not found"}},
		}

		rec, err := h.run(t)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusFailed, rec.Status)
		assert.Contains(t, rec.FailureReason, "unknown to exchange")
		assert.Equal(t, 1, h.exchange.Submits)
		assert.Equal(t, 1, h.exchange.PollCalls)
		assert.Nil(t, h.lastExecuted(t))
		assert.Nil(t, h.marker(t))
	})

	t.Run("Interrupted keeps the marker", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.exchange.SubmitErr = context.Canceled
		ctx, cancel := context.WithCancel(context.Background())
		h.exchange.OnSubmit = cancel

		intent := h.intent
		rec, err := h.engine.Run(ctx, &intent)
		assert.Nil(t, rec)
		assert.ErrorIs(t, err, ErrInterrupted)
		assert.Empty(t, h.memory.Executions())
		require.NotNil(t, h.marker(t), "next run resumes polling instead of submitting again")
	})
}

func TestEngineResumesFromSubmissionMarker(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.memory.SaveSubmissionMarker(context.Background(), &models.SubmissionMarker{
		IntentID:  h.intent.ID,
		AttemptID: "attempt-before-restart",
		OrderHash: "0xbb",
		CreatedAt: startTime.Add(-time.Minute),
	}))

	rec, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFilled, rec.Status)
	assert.Equal(t, "attempt-before-restart", rec.AttemptID)
	assert.Equal(t, "0xbb", rec.OrderHash)
	assert.Equal(t, []string{"poll"}, h.exchange.CallLog())
	assert.Equal(t, []string{"0xbb"}, h.exchange.PolledHashes)
	assert.Nil(t, h.marker(t))
}

func TestEngineInterruptedWhilePolling(t *testing.T) {
	h := newHarness(t, testConfig())
	h.exchange.Polls = []mocks.PollResponse{{Result: mocks.Status(models.OrderStatusPending)}}

	ctx, cancel := context.WithCancel(context.Background())
	h.exchange.OnPoll = func(n int) {
		if n == 2 {
			cancel()
		}
	}

	intent := h.intent
	rec, err := h.engine.Run(ctx, &intent)
	assert.Nil(t, rec)
	assert.ErrorIs(t, err, ErrInterrupted)
	assert.Empty(t, h.memory.Executions())

	marker := h.marker(t)
	require.NotNil(t, marker, "marker survives so the next run resumes")
	assert.Equal(t, "0xaa", marker.OrderHash)

	h.exchange.OnPoll = nil
	h.exchange.Polls = []mocks.PollResponse{{Result: mocks.Filled("0xr", "0xt")}}
	rec, err = h.run(t)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFilled, rec.Status)
	assert.Equal(t, marker.AttemptID, rec.AttemptID)
	assert.Equal(t, 1, h.exchange.Submits, "order submitted exactly once")
}

func TestEngineValidation(t *testing.T) {
	t.Run("Paused intent", func(t *testing.T) {
		h := newHarness(t, testConfig())
		paused := h.intent
		paused.Status = models.IntentStatusPaused
		h.memory.PutIntent(paused)

		rec, err := h.run(t)
		assert.Nil(t, rec)
		assert.True(t, IsValidation(err))
		assert.Empty(t, h.exchange.CallLog())
		assert.Empty(t, h.memory.Executions())
	})

	t.Run("Unsupported chain", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.intent.TargetChain = 999999

		_, err := h.run(t)
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "intent-1", verr.IntentID)
		assert.Empty(t, h.exchange.CallLog())
	})

	t.Run("Nil intent", func(t *testing.T) {
		h := newHarness(t, testConfig())
		_, err := h.engine.Run(context.Background(), nil)
		assert.True(t, IsValidation(err))
	})
}

func TestEngineFeeAboveTolerance(t *testing.T) {
	h := newHarness(t, testConfig())
	h.exchange.QuoteResp.Fee = decimal.NewFromInt(1)

	rec, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, rec.Status)
	assert.Contains(t, rec.FailureReason, "fee_above_tolerance")
	assert.Equal(t, 1, h.exchange.QuoteCalls)
	assert.Equal(t, 0, h.exchange.Announces)
}

func TestEngineRecordPersistence(t *testing.T) {
	t.Run("Transient store error is retried", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.store.RecordErrors = []error{errors.New("connection reset")}

		rec, err := h.run(t)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusFilled, rec.Status)
		assert.Equal(t, 2, h.store.RecordCalls)
		assert.Len(t, h.memory.Executions(), 1)
	})

	t.Run("Persistent store failure is fatal and keeps marker", func(t *testing.T) {
		h := newHarness(t, testConfig())
		down := errors.New("database is down")
		h.store.RecordErrors = []error{down, down, down}

		rec, err := h.run(t)
		assert.Nil(t, rec)
		assert.True(t, IsFatal(err))
		assert.ErrorIs(t, err, down)
		assert.NotNil(t, h.marker(t))
		assert.Nil(t, h.lastExecuted(t))
	})

	t.Run("Marker save failure fails before submit", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.store.MarkerErr = errors.New("database is down")

		rec, err := h.run(t)
		require.NoError(t, err)
		assert.Equal(t, models.ExecutionStatusFailed, rec.Status)
		assert.Equal(t, 0, h.exchange.Submits)
	})
}

func TestEngineCircuitBreakerFailsFast(t *testing.T) {
	h := newHarness(t, testConfig())
	breaker := circuitbreaker.NewCircuitBreaker("exchange", circuitbreaker.Config{
		Enabled:       true,
		Threshold:     1,
		FailureWindow: time.Minute,
		ResetTimeout:  time.Hour,
	}, h.clock, &logger.EmptyLogger{})
	h.engine = NewEngine(testConfig(), h.store, h.exchange, h.signer, breaker, h.clock, &logger.EmptyLogger{})
	h.exchange.QuoteErrors = []error{transient()}

	rec, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, rec.Status)
	assert.Equal(t, 1, h.exchange.QuoteCalls, "open breaker short-circuits retries")
	assert.True(t, breaker.IsOpen())
}

func TestEnginePollingIgnoresOpenBreaker(t *testing.T) {
	h := newHarness(t, testConfig())
	breaker := circuitbreaker.NewCircuitBreaker("exchange", circuitbreaker.Config{
		Enabled:       true,
		Threshold:     1,
		FailureWindow: time.Minute,
		ResetTimeout:  time.Hour,
	}, h.clock, &logger.EmptyLogger{})
	h.engine = NewEngine(testConfig(), h.store, h.exchange, h.signer, breaker, h.clock, &logger.EmptyLogger{})
	// another attempt trips the breaker while this order is being submitted
	h.exchange.OnSubmit = func() { breaker.RecordFailure() }
	h.exchange.Polls = []mocks.PollResponse{{Result: mocks.Filled("0xresolver", "0xtx")}}

	rec, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFilled, rec.Status)
	assert.Equal(t, 1, h.exchange.PollCalls)
	assert.True(t, breaker.IsOpen())
	assert.NotNil(t, h.lastExecuted(t))
	assert.Nil(t, h.marker(t))
}

func TestEngineAttemptDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.AttemptDeadline = 15 * time.Millisecond
	h := newHarness(t, cfg)
	h.exchange.QuoteErrors = []error{transient(), transient()}

	rec, err := h.run(t)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusFailed, rec.Status)
	assert.Contains(t, rec.FailureReason, "deadline_exceeded")
	assert.Equal(t, 2, h.exchange.QuoteCalls)
}

func TestAttemptPhasesOnlyMoveForward(t *testing.T) {
	a := newAttempt("intent-1", "att-1", 1, startTime, 0)

	err := a.advance(PhaseAwaitSignature)
	assert.True(t, IsFatal(err), "cannot sign without an announced order")

	a.Order = &exchange.Order{Hash: "0xaa"}
	require.NoError(t, a.advance(PhaseAwaitSignature))
	assert.True(t, IsFatal(a.advance(PhaseAnnounce)))
	assert.True(t, IsFatal(a.advance(PhaseAwaitSignature)))
	assert.True(t, IsFatal(a.advance(PhaseSubmit)), "cannot submit without a signature")

	a.Signature = signer.Signature{Bytes: []byte{1}}
	require.NoError(t, a.advance(PhaseSubmit))
	assert.True(t, IsFatal(a.advance(PhasePoll)), "cannot poll without an order hash")

	a.OrderHash = "0xaa"
	require.NoError(t, a.advance(PhasePoll))
	require.NoError(t, a.advance(PhaseTerminal))
	assert.Equal(t, []Phase{PhaseQuote, PhaseAwaitSignature, PhaseSubmit, PhasePoll, PhaseTerminal}, a.History)
}

func TestPhaseString(t *testing.T) {
	assert.Equal(t, "await_signature", PhaseAwaitSignature.String())
	assert.Equal(t, "phase(42)", Phase(42).String())
}
