// Package executor drives one investment intent through the order lifecycle:
// quote, announce, signature, submission, status polling and the terminal
// execution record.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/speedrun-hq/speedrun-dca/pkg/chains"
	"github.com/speedrun-hq/speedrun-dca/pkg/circuitbreaker"
	"github.com/speedrun-hq/speedrun-dca/pkg/exchange"
	"github.com/speedrun-hq/speedrun-dca/pkg/logger"
	"github.com/speedrun-hq/speedrun-dca/pkg/metrics"
	"github.com/speedrun-hq/speedrun-dca/pkg/models"
	"github.com/speedrun-hq/speedrun-dca/pkg/retry"
	"github.com/speedrun-hq/speedrun-dca/pkg/signer"
	"github.com/speedrun-hq/speedrun-dca/pkg/store"
)

// Default timings used when Config leaves a field empty
const (
	DefaultPollInterval    = 5 * time.Second
	DefaultPollDeadline    = 5 * time.Minute
	DefaultAttemptDeadline = 2 * time.Minute
)

// Config holds the timing and retry settings of the engine
type Config struct {
	Retry        retry.Policy
	PollInterval time.Duration
	PollDeadline time.Duration
	// AttemptDeadline bounds the phases before submission. Once an order is
	// submitted only PollDeadline applies.
	AttemptDeadline time.Duration
}

// Engine runs execution attempts. It is safe for concurrent use; each Run
// owns its own Attempt.
type Engine struct {
	cfg     Config
	store   store.Store
	client  exchange.Client
	signer  signer.Signer
	breaker *circuitbreaker.CircuitBreaker
	clock   clockwork.Clock
	logger  logger.Logger
	seq     atomic.Uint64
}

// NewEngine creates an execution engine. breaker may be nil.
func NewEngine(
	cfg Config,
	st store.Store,
	client exchange.Client,
	sgn signer.Signer,
	breaker *circuitbreaker.CircuitBreaker,
	clk clockwork.Clock,
	log logger.Logger,
) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollDeadline <= 0 {
		cfg.PollDeadline = DefaultPollDeadline
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 1
	}
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Engine{
		cfg:     cfg,
		store:   st,
		client:  client,
		signer:  sgn,
		breaker: breaker,
		clock:   clk,
		logger:  log,
	}
}

// Run executes one attempt for the intent with a fresh attempt id
func (e *Engine) Run(ctx context.Context, intent *models.Intent) (*models.ExecutionRecord, error) {
	return e.RunAttempt(ctx, intent, uuid.NewString())
}

// RunAttempt executes one attempt for the intent. Expected remote failures
// yield a Failed record and a nil error. The error is non-nil only for a
// *ValidationError, a *FatalError or ErrInterrupted.
func (e *Engine) RunAttempt(ctx context.Context, intent *models.Intent, attemptID string) (rec *models.ExecutionRecord, err error) {
	if intent == nil {
		return nil, &ValidationError{Reason: "nil intent"}
	}
	a := newAttempt(intent.ID, attemptID, e.seq.Add(1), e.clock.Now(), e.cfg.AttemptDeadline)

	defer func() {
		if r := recover(); r != nil {
			rec = nil
			err = &FatalError{Phase: a.Phase, Err: fmt.Errorf("panic: %v", r)}
		}
		if IsFatal(err) {
			metrics.FatalErrors.Inc()
			e.logger.ErrorWithChain(intent.TargetChain, "Attempt %s for intent %s aborted: %v", a.ID, intent.ID, err)
		}
	}()

	marker, err := e.store.GetSubmissionMarker(ctx, intent.ID)
	if err != nil {
		return e.fail(ctx, intent, a, &PhaseError{Phase: a.Phase, ErrorType: "store_error", Err: err})
	}
	if marker != nil {
		return e.resume(ctx, intent, a, marker)
	}

	if verr := e.validate(ctx, intent); verr != nil {
		e.logger.Notice("Skipping intent %s: %s", intent.ID, verr.Reason)
		return nil, verr
	}

	e.logger.InfoWithChain(intent.TargetChain, "Starting attempt %s (#%d) for intent %s: %s %s -> %s",
		a.ID, a.Seq, intent.ID, intent.Amount.String(), intent.SourceToken, intent.TargetToken)

	params := exchange.ParamsFromIntent(intent)
	if perr := e.quote(ctx, a, params); perr != nil {
		return e.fail(ctx, intent, a, perr)
	}
	if err := e.enter(a, PhaseAnnounce); err != nil {
		return nil, err
	}
	if perr := e.announce(ctx, a, params); perr != nil {
		return e.fail(ctx, intent, a, perr)
	}
	if err := e.enter(a, PhaseAwaitSignature); err != nil {
		return nil, err
	}
	if perr := e.awaitSignature(ctx, a); perr != nil {
		return e.fail(ctx, intent, a, perr)
	}
	if err := e.enter(a, PhaseSubmit); err != nil {
		return nil, err
	}
	if perr := e.submit(ctx, intent, a); perr != nil {
		return e.fail(ctx, intent, a, perr)
	}
	if err := e.enter(a, PhasePoll); err != nil {
		return nil, err
	}
	return e.pollAndRecord(ctx, intent, a)
}

// resume continues an attempt whose order was already submitted
func (e *Engine) resume(ctx context.Context, intent *models.Intent, a *Attempt, marker *models.SubmissionMarker) (*models.ExecutionRecord, error) {
	a.ID = marker.AttemptID
	a.OrderHash = marker.OrderHash
	a.Resumed = true
	a.Phase = PhasePoll
	a.History = append(a.History, PhasePoll)
	metrics.ResumedAttempts.Inc()

	e.logger.NoticeWithChain(intent.TargetChain, "Resuming attempt %s for intent %s at poll phase (order %s submitted %s)",
		a.ID, intent.ID, a.OrderHash, marker.CreatedAt.Format(time.RFC3339))
	return e.pollAndRecord(ctx, intent, a)
}

func (e *Engine) enter(a *Attempt, to Phase) error {
	metrics.PhaseDuration.WithLabelValues(a.Phase.String()).Observe(e.clock.Now().Sub(a.phaseStart()).Seconds())
	if err := a.advance(to); err != nil {
		return err
	}
	a.enteredAt = e.clock.Now()
	return nil
}

// validate reloads the intent and rejects it if it can no longer run
func (e *Engine) validate(ctx context.Context, intent *models.Intent) *ValidationError {
	if intent.ID == "" {
		return &ValidationError{Reason: "missing id"}
	}
	if intent.SourceToken == "" || intent.TargetToken == "" {
		return &ValidationError{IntentID: intent.ID, Reason: "missing token"}
	}
	if !chains.IsSupported(intent.SourceChain) || !chains.IsSupported(intent.TargetChain) {
		return &ValidationError{IntentID: intent.ID, Reason: fmt.Sprintf("unsupported chain pair %d -> %d", intent.SourceChain, intent.TargetChain)}
	}
	if !intent.Amount.IsPositive() {
		return &ValidationError{IntentID: intent.ID, Reason: "amount must be positive"}
	}

	current, err := e.store.GetIntent(ctx, intent.ID)
	if errors.Is(err, store.ErrIntentNotFound) {
		return &ValidationError{IntentID: intent.ID, Reason: "intent no longer exists"}
	}
	if err != nil {
		// The selector already vouched for the intent; a failed refresh is not a reason to skip it
		e.logger.Debug("Failed to refresh intent %s: %v", intent.ID, err)
		return nil
	}
	if current.Status != models.IntentStatusActive {
		return &ValidationError{IntentID: intent.ID, Reason: fmt.Sprintf("intent is %s", current.Status)}
	}
	return nil
}

func (e *Engine) quote(ctx context.Context, a *Attempt, params exchange.QuoteParams) *PhaseError {
	return e.callWithRetry(ctx, a, func(ctx context.Context) error {
		q, err := e.client.Quote(ctx, params)
		if err != nil {
			return err
		}
		if q == nil || q.ID == "" {
			return fmt.Errorf("invalid quote response: missing quote id")
		}
		if exceedsFeeTolerance(q, params.FeeTolerance) {
			return &PhaseError{Phase: PhaseQuote, ErrorType: "fee_above_tolerance",
				Err: fmt.Errorf("quote fee %s on %s exceeds tolerance %s", q.Fee, q.AmountIn, params.FeeTolerance)}
		}
		a.Quote = q
		return nil
	})
}

func (e *Engine) announce(ctx context.Context, a *Attempt, params exchange.QuoteParams) *PhaseError {
	return e.callWithRetry(ctx, a, func(ctx context.Context) error {
		order, err := e.client.AnnounceOrder(ctx, a.Quote, params)
		if err != nil {
			return err
		}
		if order == nil || order.Hash == "" || len(order.Payload) == 0 {
			return fmt.Errorf("invalid announce response: missing order hash or payload")
		}
		a.Order = order
		return nil
	})
}

func (e *Engine) awaitSignature(ctx context.Context, a *Attempt) *PhaseError {
	if a.expired(e.clock.Now()) {
		return &PhaseError{Phase: a.Phase, ErrorType: "deadline_exceeded", Err: errAttemptDeadline}
	}
	sig, err := e.signer.Sign(ctx, a.Order.Payload)
	if err != nil {
		errorType := "signer_error"
		if errors.Is(err, signer.ErrSignerUnavailable) {
			errorType = "signer_unavailable"
		}
		return &PhaseError{Phase: a.Phase, ErrorType: errorType, Err: err}
	}
	a.Signature = sig
	e.logger.Debug("Signed order %s for intent %s: %s", a.Order.Hash, a.IntentID, sig.Hex())
	return nil
}

func (e *Engine) submit(ctx context.Context, intent *models.Intent, a *Attempt) *PhaseError {
	now := e.clock.Now()
	if err := signer.ValidateSignature(a.Signature, now); err != nil {
		reason := "malformed"
		if errors.Is(err, signer.ErrSignatureExpired) {
			reason = "expired"
		}
		metrics.SignatureRejections.WithLabelValues(reason).Inc()
		return &PhaseError{Phase: a.Phase, ErrorType: "invalid_signature", Err: err}
	}
	if a.expired(now) {
		return &PhaseError{Phase: a.Phase, ErrorType: "deadline_exceeded", Err: errAttemptDeadline}
	}

	marker := &models.SubmissionMarker{
		IntentID:  intent.ID,
		AttemptID: a.ID,
		OrderHash: a.Order.Hash,
		QuoteID:   a.Order.QuoteID,
		CreatedAt: now,
	}
	if err := e.store.SaveSubmissionMarker(ctx, marker); err != nil {
		return &PhaseError{Phase: a.Phase, ErrorType: "store_error", Err: fmt.Errorf("failed to save submission marker: %w", err)}
	}
	a.OrderHash = a.Order.Hash

	if err := e.allow(); err != nil {
		return &PhaseError{Phase: a.Phase, ErrorType: "circuit_open", Err: err}
	}
	res, err := e.client.SubmitOrder(ctx, a.Order, a.Signature.Bytes)
	e.observe(err)
	if err != nil {
		transient, errorType := exchange.IsTransient(err)
		if !transient && ctx.Err() == nil {
			return &PhaseError{Phase: a.Phase, ErrorType: errorType, Irrevocable: true, Err: err}
		}
		// The order may have been accepted. Polling its hash settles the
		// outcome; submitting again could fill it twice.
		a.SubmitUncertain = true
		metrics.UncertainSubmissions.Inc()
		e.logger.NoticeWithChain(intent.TargetChain, "Submission of order %s for intent %s has unknown outcome (%s): %v",
			a.OrderHash, intent.ID, errorType, err)
		return nil
	}

	if res != nil && res.OrderHash != "" && res.OrderHash != a.OrderHash {
		a.OrderHash = res.OrderHash
		marker.OrderHash = res.OrderHash
		if err := e.store.SaveSubmissionMarker(ctx, marker); err != nil {
			e.logger.ErrorWithChain(intent.TargetChain, "Failed to update submission marker for intent %s: %v", intent.ID, err)
		}
	}
	e.logger.InfoWithChain(intent.TargetChain, "Submitted order %s for intent %s", a.OrderHash, intent.ID)
	return nil
}

// pollAndRecord polls the order until a terminal status or the poll deadline,
// then writes the execution record
func (e *Engine) pollAndRecord(ctx context.Context, intent *models.Intent, a *Attempt) (*models.ExecutionRecord, error) {
	deadline := e.clock.Now().Add(e.cfg.PollDeadline)
	polls := 0

	for {
		if ctx.Err() != nil {
			e.logger.NoticeWithChain(intent.TargetChain, "Attempt %s for intent %s interrupted while polling order %s; will resume on next run",
				a.ID, intent.ID, a.OrderHash)
			return nil, fmt.Errorf("%w: order %s", ErrInterrupted, a.OrderHash)
		}

		polls++
		res, err := e.pollOnce(ctx, a.OrderHash)
		if err != nil {
			if a.SubmitUncertain && exchange.IsNotFound(err) {
				if ierr := e.enter(a, PhaseTerminal); ierr != nil {
					return nil, ierr
				}
				return e.record(ctx, intent, a, models.ExecutionStatusFailed,
					fmt.Sprintf("order %s unknown to exchange after failed submission: %v", a.OrderHash, err))
			}
			_, errorType := exchange.IsTransient(err)
			metrics.PhaseRetries.WithLabelValues(PhasePoll.String(), errorType).Inc()
			a.Retries[PhasePoll]++
			e.logger.DebugWithChain(intent.TargetChain, "Poll %d for order %s failed (%s): %v", polls, a.OrderHash, errorType, err)
		} else {
			a.SubmitUncertain = false
			a.LastStatus = res.Status
			if len(res.Fills) > 0 {
				a.Fills = res.Fills
			}
			if res.Status.IsTerminal() {
				break
			}
		}

		now := e.clock.Now()
		if !now.Before(deadline) {
			e.logger.NoticeWithChain(intent.TargetChain, "Poll deadline elapsed for order %s after %d polls (last status %q)",
				a.OrderHash, polls, a.LastStatus)
			break
		}
		wait := e.cfg.PollInterval
		if remaining := deadline.Sub(now); remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
		case <-e.clock.After(wait):
		}
	}

	if err := e.enter(a, PhaseTerminal); err != nil {
		return nil, err
	}
	status := models.ExecutionStatusExpired
	if a.LastStatus.IsTerminal() {
		status = a.LastStatus.ExecutionStatus()
	}
	return e.record(ctx, intent, a, status, "")
}

// pollOnce is not gated by the circuit breaker: a submitted order must still
// reach its terminal status
func (e *Engine) pollOnce(ctx context.Context, orderHash string) (*exchange.StatusResult, error) {
	res, err := e.client.PollStatus(ctx, orderHash)
	e.observe(err)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("empty status response")
	}
	return res, nil
}

// fail terminates the attempt as Failed
func (e *Engine) fail(ctx context.Context, intent *models.Intent, a *Attempt, perr *PhaseError) (*models.ExecutionRecord, error) {
	metrics.PhaseFailures.WithLabelValues(perr.Phase.String(), perr.ErrorType).Inc()
	e.logger.ErrorWithChain(intent.TargetChain, "Attempt %s for intent %s failed: %v", a.ID, intent.ID, perr)

	a.Phase = PhaseTerminal
	a.History = append(a.History, PhaseTerminal)
	return e.record(ctx, intent, a, models.ExecutionStatusFailed, perr.Error())
}

// record writes the single execution record of the attempt. The record is
// written even when ctx is already cancelled.
func (e *Engine) record(ctx context.Context, intent *models.Intent, a *Attempt, status models.ExecutionStatus, reason string) (*models.ExecutionRecord, error) {
	wctx := context.WithoutCancel(ctx)
	executedAt := e.clock.Now()
	rec := buildRecord(intent, a, status, reason, executedAt)

	writer := &retry.Retrier{
		Policy: e.cfg.Retry,
		Clock:  e.clock,
		Classify: func(err error) (bool, string) {
			if errors.Is(err, store.ErrDuplicateExecution) {
				return false, "duplicate"
			}
			return true, "store_error"
		},
	}
	_, err := writer.Do(wctx, func(ctx context.Context, _ int) error {
		return e.store.RecordExecution(ctx, rec)
	})
	switch {
	case errors.Is(err, store.ErrDuplicateExecution):
		e.logger.Notice("Execution record for attempt %s already exists", a.ID)
	case err != nil:
		// Keep the marker so a later run resumes and records the outcome
		return nil, &FatalError{Phase: PhaseTerminal, Err: fmt.Errorf("failed to persist execution record: %w", err)}
	}

	if status.TouchesLastExecuted() {
		if err := e.store.TouchLastExecuted(wctx, intent.ID, executedAt); err != nil {
			e.logger.ErrorWithChain(intent.TargetChain, "Failed to update last execution of intent %s: %v", intent.ID, err)
		}
	}
	if a.OrderHash != "" {
		if err := e.store.ClearSubmissionMarker(wctx, intent.ID); err != nil {
			e.logger.ErrorWithChain(intent.TargetChain, "Failed to clear submission marker of intent %s: %v", intent.ID, err)
		}
	}

	metrics.AttemptsCompleted.WithLabelValues(string(intent.Cadence), string(status)).Inc()
	metrics.AttemptDuration.WithLabelValues(string(intent.Cadence)).Observe(executedAt.Sub(a.StartedAt).Seconds())
	e.logger.InfoWithChain(intent.TargetChain, "Attempt %s for intent %s finished: %s (order %s)", a.ID, intent.ID, status, a.OrderHash)
	return rec, nil
}

// callWithRetry runs a pre-submission remote call under the retry policy
func (e *Engine) callWithRetry(ctx context.Context, a *Attempt, call func(ctx context.Context) error) *PhaseError {
	phase := a.Phase
	r := &retry.Retrier{
		Policy:   e.cfg.Retry,
		Clock:    e.clock,
		Classify: classify,
		OnRetry: func(attempt int, errorType string, wait time.Duration, err error) {
			a.Retries[phase]++
			metrics.PhaseRetries.WithLabelValues(phase.String(), errorType).Inc()
			e.logger.Debug("Retrying %s for intent %s in %v (attempt %d, %s): %v", phase, a.IntentID, wait, attempt, errorType, err)
		},
	}

	_, err := r.Do(ctx, func(ctx context.Context, _ int) error {
		if a.expired(e.clock.Now()) {
			return errAttemptDeadline
		}
		if err := e.allow(); err != nil {
			return err
		}
		err := call(ctx)
		e.observe(err)
		return err
	})
	if err == nil {
		return nil
	}

	var perr *PhaseError
	if errors.As(err, &perr) {
		return perr
	}
	_, errorType := classify(err)
	if errors.Is(err, retry.ErrExhausted) {
		errorType = "retries_exhausted"
	}
	return &PhaseError{Phase: phase, ErrorType: errorType, Err: err}
}

func (e *Engine) allow() error {
	if e.breaker == nil {
		return nil
	}
	err := e.breaker.Allow()
	open := 0.0
	if err != nil {
		open = 1
	}
	metrics.CircuitBreakerOpen.WithLabelValues(e.breaker.Name()).Set(open)
	return err
}

// observe feeds the outcome of a remote call to the circuit breaker. Only
// transient failures count against the remote.
func (e *Engine) observe(err error) {
	if e.breaker == nil {
		return
	}
	if err == nil {
		e.breaker.RecordSuccess()
		return
	}
	var perr *PhaseError
	if errors.As(err, &perr) {
		return
	}
	if transient, _ := exchange.IsTransient(err); transient {
		e.breaker.RecordFailure()
	}
}

// classify extends the exchange classification with local failure kinds
func classify(err error) (bool, string) {
	switch {
	case errors.Is(err, errAttemptDeadline):
		return false, "deadline_exceeded"
	case errors.Is(err, circuitbreaker.ErrOpen):
		return true, "circuit_open"
	}
	var perr *PhaseError
	if errors.As(err, &perr) {
		return false, perr.ErrorType
	}
	return exchange.IsTransient(err)
}

func exceedsFeeTolerance(q *exchange.Quote, tolerance decimal.Decimal) bool {
	if !tolerance.IsPositive() || !q.AmountIn.IsPositive() {
		return false
	}
	return q.Fee.Div(q.AmountIn).GreaterThan(tolerance)
}

func buildRecord(intent *models.Intent, a *Attempt, status models.ExecutionStatus, reason string, executedAt time.Time) *models.ExecutionRecord {
	rec := &models.ExecutionRecord{
		ID:            uuid.NewString(),
		IntentID:      intent.ID,
		AttemptID:     a.ID,
		Account:       models.NormalizeAccount(intent.Account),
		SourceToken:   intent.SourceToken,
		SourceChain:   intent.SourceChain,
		TargetToken:   intent.TargetToken,
		TargetChain:   intent.TargetChain,
		Amount:        intent.Amount,
		AmountIn:      decimal.Zero,
		AmountOut:     decimal.Zero,
		FeePaid:       decimal.Zero,
		OrderHash:     a.OrderHash,
		Status:        status,
		FailureReason: reason,
		ExecutedAt:    executedAt,
	}

	for _, fill := range a.Fills {
		rec.AmountIn = rec.AmountIn.Add(fill.AmountIn)
		rec.AmountOut = rec.AmountOut.Add(fill.AmountOut)
		rec.FeePaid = rec.FeePaid.Add(fill.Fee)
		if fill.Resolver != "" {
			rec.Resolver = fill.Resolver
		}
		if fill.TxHash != "" {
			rec.TxHash = fill.TxHash
		}
	}
	if status == models.ExecutionStatusFilled && len(a.Fills) == 0 && a.Quote != nil {
		rec.AmountIn = a.Quote.AmountIn
		rec.AmountOut = a.Quote.AmountOut
		rec.FeePaid = a.Quote.Fee
	}
	return rec
}
