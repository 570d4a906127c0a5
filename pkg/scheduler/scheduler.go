// Package scheduler owns the recurring daily and weekly triggers. Each firing
// selects the due intents and dispatches them to the execution engine under a
// global concurrency cap, one attempt per intent at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"github.com/speedrun-hq/speedrun-dca/pkg/executor"
	"github.com/speedrun-hq/speedrun-dca/pkg/inflight"
	"github.com/speedrun-hq/speedrun-dca/pkg/logger"
	"github.com/speedrun-hq/speedrun-dca/pkg/metrics"
	"github.com/speedrun-hq/speedrun-dca/pkg/models"
	"golang.org/x/sync/semaphore"
)

// Trigger sources reported in cycle reports and metrics
const (
	TriggerTimer  = "timer"
	TriggerManual = "manual"
)

// Default trigger settings
const (
	DefaultDailyInterval  = time.Hour
	DefaultWeeklyInterval = 6 * time.Hour
	DefaultMaxConcurrent  = 8
)

// scheduleParser accepts standard five field expressions, an optional
// leading seconds field and descriptors such as @every 1h
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Runner executes one attempt for an intent
type Runner interface {
	RunAttempt(ctx context.Context, intent *models.Intent, attemptID string) (*models.ExecutionRecord, error)
}

// Config holds the trigger and concurrency settings
type Config struct {
	// Intervals is how often each cadence trigger fires
	Intervals map[models.Cadence]time.Duration
	// Schedules optionally replaces an interval with a cron expression
	Schedules     map[models.Cadence]string
	MaxConcurrent int64
}

// CycleReport summarizes one selection and dispatch cycle
type CycleReport struct {
	Cadence         models.Cadence `json:"cadence"`
	Trigger         string         `json:"trigger"`
	StartedAt       time.Time      `json:"started_at"`
	Selected        int            `json:"selected"`
	Dispatched      int            `json:"dispatched"`
	SkippedInFlight int            `json:"skipped_in_flight"`
	// NotDispatched counts intents left when dispatch was cancelled
	NotDispatched int    `json:"not_dispatched"`
	Error         string `json:"error,omitempty"`
}

// CadenceStatus describes one trigger
type CadenceStatus struct {
	Cadence   models.Cadence `json:"cadence"`
	Running   bool           `json:"running"`
	Interval  string         `json:"interval"`
	Schedule  string         `json:"schedule,omitempty"`
	LastCycle *time.Time     `json:"last_cycle,omitempty"`
	NextRun   *time.Time     `json:"next_run,omitempty"`
}

// Status is the operator view of the scheduler
type Status struct {
	Running       bool              `json:"running"`
	InFlight      int               `json:"in_flight"`
	MaxConcurrent int64             `json:"max_concurrent"`
	Cadences      []CadenceStatus   `json:"cadences"`
	Attempts      []inflight.Marker `json:"attempts"`
}

type trigger struct {
	cadence  models.Cadence
	interval time.Duration
	expr     string
	schedule cron.Schedule
	// cycleMu serializes selection cycles of the cadence
	cycleMu sync.Mutex

	stateMu   sync.Mutex
	lastCycle time.Time
	nextRun   time.Time
}

// Scheduler drives the recurring triggers
type Scheduler struct {
	selector *Selector
	runner   Runner
	registry *inflight.Registry
	sem      *semaphore.Weighted
	maxConc  int64
	clock    clockwork.Clock
	logger   logger.Logger
	triggers map[models.Cadence]*trigger

	// attemptCtx is never cancelled by Stop; Abort cancels it
	attemptCtx context.Context
	abort      context.CancelFunc

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	// loops tracks the trigger loops of the current run only
	loops    *sync.WaitGroup
	attempts sync.WaitGroup
}

// New creates a stopped scheduler
func New(cfg Config, selector *Selector, runner Runner, registry *inflight.Registry, clk clockwork.Clock, log logger.Logger) (*Scheduler, error) {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if registry == nil {
		registry = inflight.NewRegistry(clk.Now)
	}

	defaults := map[models.Cadence]time.Duration{
		models.CadenceDaily:  DefaultDailyInterval,
		models.CadenceWeekly: DefaultWeeklyInterval,
	}
	triggers := make(map[models.Cadence]*trigger, len(models.Cadences))
	for _, cadence := range models.Cadences {
		t := &trigger{cadence: cadence, interval: cfg.Intervals[cadence]}
		if t.interval <= 0 {
			t.interval = defaults[cadence]
		}
		if expr := cfg.Schedules[cadence]; expr != "" {
			schedule, err := scheduleParser.Parse(expr)
			if err != nil {
				return nil, fmt.Errorf("invalid %s schedule %q: %v", cadence, expr, err)
			}
			t.expr = expr
			t.schedule = schedule
		} else {
			t.schedule = cron.Every(t.interval)
		}
		triggers[cadence] = t
	}

	attemptCtx, abort := context.WithCancel(context.Background())
	return &Scheduler{
		selector:   selector,
		runner:     runner,
		registry:   registry,
		sem:        semaphore.NewWeighted(cfg.MaxConcurrent),
		maxConc:    cfg.MaxConcurrent,
		clock:      clk,
		logger:     log,
		triggers:   triggers,
		attemptCtx: attemptCtx,
		abort:      abort,
	}, nil
}

// Start begins the recurring triggers. Calling it while running only returns
// the current status.
func (s *Scheduler) Start() Status {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Info("Scheduler already running")
		return s.GetStatus()
	}
	ctx, cancel := context.WithCancel(context.Background())
	loops := &sync.WaitGroup{}
	s.running = true
	s.cancel = cancel
	s.loops = loops
	for _, cadence := range models.Cadences {
		loops.Add(1)
		go s.loop(ctx, s.triggers[cadence], loops)
	}
	s.mu.Unlock()

	s.logger.Notice("Scheduler started")
	return s.GetStatus()
}

// Stop cancels the recurring triggers. Attempts already dispatched keep
// running; use Wait to block until they finish.
func (s *Scheduler) Stop() Status {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return s.GetStatus()
	}
	s.running = false
	s.cancel()
	loops := s.loops
	s.mu.Unlock()

	loops.Wait()
	s.logger.Notice("Scheduler stopped, %d attempts still in flight", s.registry.Len())
	return s.GetStatus()
}

// Wait blocks until every dispatched attempt has finished
func (s *Scheduler) Wait() {
	s.attempts.Wait()
}

// Abort cancels the context of running attempts. Attempts past submission
// keep their submission marker and resume on the next run.
func (s *Scheduler) Abort() {
	s.abort()
}

// TriggerExecution runs one selection and dispatch cycle for the cadence
// without touching the recurring triggers
func (s *Scheduler) TriggerExecution(ctx context.Context, cadence models.Cadence) (CycleReport, error) {
	t, ok := s.triggers[cadence]
	if !ok {
		return CycleReport{}, fmt.Errorf("unknown cadence: %q", cadence)
	}
	report := s.runCycle(ctx, t, TriggerManual)
	if report.Error != "" {
		return report, errors.New(report.Error)
	}
	return report, nil
}

// GetStatus reports the trigger state and the in-flight attempts
func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	status := Status{
		Running:       running,
		InFlight:      s.registry.Len(),
		MaxConcurrent: s.maxConc,
		Attempts:      s.registry.Snapshot(),
	}
	for _, cadence := range models.Cadences {
		t := s.triggers[cadence]
		t.stateMu.Lock()
		cs := CadenceStatus{
			Cadence:  cadence,
			Running:  running,
			Interval: t.interval.String(),
			Schedule: t.expr,
		}
		if !t.lastCycle.IsZero() {
			last := t.lastCycle
			cs.LastCycle = &last
		}
		if running && !t.nextRun.IsZero() {
			next := t.nextRun
			cs.NextRun = &next
		}
		t.stateMu.Unlock()
		status.Cadences = append(status.Cadences, cs)
	}
	sort.Slice(status.Cadences, func(i, j int) bool { return status.Cadences[i].Cadence < status.Cadences[j].Cadence })
	return status
}

func (s *Scheduler) loop(ctx context.Context, t *trigger, loops *sync.WaitGroup) {
	defer loops.Done()

	for {
		now := s.clock.Now()
		next := t.schedule.Next(now)
		t.stateMu.Lock()
		t.nextRun = next
		t.stateMu.Unlock()

		timer := s.clock.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
		}
		if ctx.Err() != nil {
			return
		}
		s.runCycle(ctx, t, TriggerTimer)
	}
}

// runCycle selects and dispatches the due intents of one cadence. Cycles of
// the same cadence never overlap.
func (s *Scheduler) runCycle(ctx context.Context, t *trigger, source string) CycleReport {
	t.cycleMu.Lock()
	defer t.cycleMu.Unlock()

	now := s.clock.Now()
	report := CycleReport{Cadence: t.cadence, Trigger: source, StartedAt: now}
	metrics.SelectionCycles.WithLabelValues(string(t.cadence), source).Inc()
	defer func() {
		t.stateMu.Lock()
		t.lastCycle = now
		t.stateMu.Unlock()
	}()

	intents, err := s.selector.Select(ctx, t.cadence, now)
	if err != nil {
		s.logger.Error("Selection cycle for %s failed: %v", t.cadence, err)
		report.Error = err.Error()
		return report
	}
	report.Selected = len(intents)

	for i := range intents {
		intent := intents[i]
		marker, ok := s.registry.TryAcquire(intent.ID)
		if !ok {
			report.SkippedInFlight++
			metrics.IntentsSkippedInFlight.WithLabelValues(string(t.cadence)).Inc()
			s.logger.Debug("Intent %s already in flight (attempt %s), skipping", intent.ID, marker.AttemptID)
			continue
		}

		// Blocks until a slot frees up
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.registry.Release(intent.ID)
			report.NotDispatched = len(intents) - i
			s.logger.Notice("Dispatch of %s cycle cancelled with %d intents left", t.cadence, report.NotDispatched)
			break
		}

		report.Dispatched++
		s.attempts.Add(1)
		metrics.InFlightAttempts.Inc()
		go s.execute(intent, marker)
	}

	if report.Selected > 0 {
		s.logger.Info("%s cycle (%s): selected %d, dispatched %d, skipped %d in flight",
			t.cadence, source, report.Selected, report.Dispatched, report.SkippedInFlight)
	}
	return report
}

// execute runs one attempt and always releases its registry entry and slot
func (s *Scheduler) execute(intent models.Intent, marker inflight.Marker) {
	defer func() {
		s.registry.Release(intent.ID)
		s.sem.Release(1)
		metrics.InFlightAttempts.Dec()
		s.attempts.Done()
	}()

	rec, err := s.runner.RunAttempt(s.attemptCtx, &intent, marker.AttemptID)
	switch {
	case executor.IsFatal(err):
		s.logger.ErrorWithChain(intent.TargetChain, "FATAL: attempt %s for intent %s aborted: %v", marker.AttemptID, intent.ID, err)
	case executor.IsValidation(err):
		s.logger.Debug("Intent %s skipped: %v", intent.ID, err)
	case err != nil:
		s.logger.NoticeWithChain(intent.TargetChain, "Attempt %s for intent %s ended early: %v", marker.AttemptID, intent.ID, err)
	case rec != nil:
		s.logger.DebugWithChain(intent.TargetChain, "Intent %s recorded %s after %v",
			intent.ID, rec.Status, s.clock.Now().Sub(marker.StartedAt))
	}
}
