package executor

import (
	"fmt"
	"time"

	"github.com/speedrun-hq/speedrun-dca/pkg/exchange"
	"github.com/speedrun-hq/speedrun-dca/pkg/models"
	"github.com/speedrun-hq/speedrun-dca/pkg/signer"
)

// Phase is a step of the order lifecycle
type Phase int

const (
	PhaseQuote Phase = iota
	PhaseAnnounce
	PhaseAwaitSignature
	PhaseSubmit
	PhasePoll
	PhaseTerminal
)

func (p Phase) String() string {
	switch p {
	case PhaseQuote:
		return "quote"
	case PhaseAnnounce:
		return "announce"
	case PhaseAwaitSignature:
		return "await_signature"
	case PhaseSubmit:
		return "submit"
	case PhasePoll:
		return "poll"
	case PhaseTerminal:
		return "terminal"
	}
	return fmt.Sprintf("phase(%d)", int(p))
}

// Attempt is the engine's transient view of one run for one intent
type Attempt struct {
	IntentID   string
	ID         string
	Seq        uint64
	Phase      Phase
	StartedAt  time.Time
	Deadline   time.Time
	Quote      *exchange.Quote
	Order      *exchange.Order
	Signature  signer.Signature
	OrderHash  string
	LastStatus models.OrderStatus
	Fills      []exchange.Fill
	Retries    map[Phase]int
	Resumed    bool
	// SubmitUncertain is set when SubmitOrder failed without a definite
	// answer; the order may or may not exist at the exchange
	SubmitUncertain bool
	// History lists every phase entered, in order
	History []Phase

	enteredAt time.Time
}

func newAttempt(intentID, attemptID string, seq uint64, now time.Time, deadline time.Duration) *Attempt {
	a := &Attempt{
		IntentID:  intentID,
		ID:        attemptID,
		Seq:       seq,
		Phase:     PhaseQuote,
		StartedAt: now,
		Retries:   make(map[Phase]int),
		History:   []Phase{PhaseQuote},
	}
	if deadline > 0 {
		a.Deadline = now.Add(deadline)
	}
	return a
}

// advance moves the attempt to a later phase. Phases are never revisited.
func (a *Attempt) advance(to Phase) error {
	if to <= a.Phase {
		return &FatalError{Phase: a.Phase, Err: fmt.Errorf("illegal transition %s -> %s", a.Phase, to)}
	}
	switch to {
	case PhaseAwaitSignature:
		if a.Order == nil {
			return &FatalError{Phase: a.Phase, Err: fmt.Errorf("no announced order before %s", to)}
		}
	case PhaseSubmit:
		if a.Order == nil || len(a.Signature.Bytes) == 0 {
			return &FatalError{Phase: a.Phase, Err: fmt.Errorf("no signed order before %s", to)}
		}
	case PhasePoll:
		if a.OrderHash == "" {
			return &FatalError{Phase: a.Phase, Err: fmt.Errorf("no order hash before %s", to)}
		}
	}
	a.Phase = to
	a.History = append(a.History, to)
	return nil
}

func (a *Attempt) phaseStart() time.Time {
	if a.enteredAt.IsZero() {
		return a.StartedAt
	}
	return a.enteredAt
}

// expired reports whether the attempt deadline has passed
func (a *Attempt) expired(now time.Time) bool {
	return !a.Deadline.IsZero() && !now.Before(a.Deadline)
}
