package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/speedrun-hq/speedrun-dca/pkg/circuitbreaker"
	"github.com/speedrun-hq/speedrun-dca/pkg/config"
	"github.com/speedrun-hq/speedrun-dca/pkg/exchange"
	"github.com/speedrun-hq/speedrun-dca/pkg/executor"
	"github.com/speedrun-hq/speedrun-dca/pkg/health"
	"github.com/speedrun-hq/speedrun-dca/pkg/inflight"
	"github.com/speedrun-hq/speedrun-dca/pkg/logger"
	"github.com/speedrun-hq/speedrun-dca/pkg/models"
	"github.com/speedrun-hq/speedrun-dca/pkg/retry"
	"github.com/speedrun-hq/speedrun-dca/pkg/scheduler"
	"github.com/speedrun-hq/speedrun-dca/pkg/signer"
	"github.com/speedrun-hq/speedrun-dca/pkg/store"
)

// drainTimeout bounds how long shutdown waits for in-flight attempts before
// cancelling them
const drainTimeout = 30 * time.Second

// storeBackend is what the service needs from a persistence backend
type storeBackend interface {
	store.Store
	store.IntentManager
}

func main() {
	// Load configuration from environment variables
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	lg := logger.NewStdLogger(cfg.LoggerConfig.Coloring, cfg.LoggerConfig.Level)
	clk := clockwork.NewRealClock()

	// Set up context with cancellation on SIGINT/SIGTERM
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		st     storeBackend
		pinger health.Pinger
	)
	switch cfg.Store.Driver {
	case config.StoreDriverMemory:
		lg.Notice("Using in-memory store, executions will not survive a restart")
		st = store.NewMemoryStore()
	default:
		gs, err := store.Open(cfg.Store.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to open store: %v", err)
		}
		defer gs.Close()
		if err := gs.Migrate(ctx); err != nil {
			log.Fatalf("Failed to migrate store: %v", err)
		}
		st = gs
		pinger = gs
	}

	sgn, err := signer.NewKeySigner(cfg.SignerPrivateKey, cfg.SignatureTTL, clk)
	if err != nil {
		log.Fatalf("Failed to create signer: %v", err)
	}
	if !sgn.Available() {
		lg.Error("SIGNER_PRIVATE_KEY not set, every attempt will fail at the signature phase")
	} else {
		lg.Info("Signing as %s", sgn.Address().Hex())
	}

	breaker := circuitbreaker.NewCircuitBreaker("exchange", circuitbreaker.Config{
		Enabled:       cfg.CircuitBreaker.Enabled,
		Threshold:     cfg.CircuitBreaker.Threshold,
		FailureWindow: cfg.CircuitBreaker.WindowDuration,
		ResetTimeout:  cfg.CircuitBreaker.ResetTimeout,
	}, clk, lg)

	client := exchange.NewHTTPClient(cfg.Exchange.Endpoint, cfg.Exchange.APIKey, cfg.Exchange.RateLimit, lg)

	engine := executor.NewEngine(executor.Config{
		Retry: retry.Policy{
			MaxAttempts: cfg.Retry.MaxRetries,
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
		},
		PollInterval:    cfg.PollInterval,
		PollDeadline:    cfg.PollDeadline,
		AttemptDeadline: cfg.AttemptDeadline,
	}, st, client, sgn, breaker, clk, lg)

	sched, err := scheduler.New(scheduler.Config{
		Intervals: map[models.Cadence]time.Duration{
			models.CadenceDaily:  cfg.Scheduler.DailyInterval,
			models.CadenceWeekly: cfg.Scheduler.WeeklyInterval,
		},
		Schedules: map[models.Cadence]string{
			models.CadenceDaily:  cfg.Scheduler.DailySchedule,
			models.CadenceWeekly: cfg.Scheduler.WeeklySchedule,
		},
		MaxConcurrent: int64(cfg.Scheduler.MaxConcurrent),
	}, scheduler.NewSelector(st, lg), engine, inflight.NewRegistry(clk.Now), clk, lg)
	if err != nil {
		log.Fatalf("Failed to create scheduler: %v", err)
	}

	server := health.NewServer(cfg.MetricsPort, sched, pinger, st, breaker, cfg.MetricsAPIKey, lg)
	go func() {
		if err := server.Start(ctx); err != nil {
			lg.Error("%v", err)
		}
	}()

	// Set up signal handling for graceful shutdown
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	if cfg.Scheduler.Autostart {
		sched.Start()
	} else {
		lg.Notice("Scheduler autostart disabled, waiting for POST /scheduler/start")
	}

	<-signalCh
	lg.Notice("Received termination signal, shutting down gracefully...")
	sched.Stop()

	drained := make(chan struct{})
	go func() {
		sched.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(drainTimeout):
		lg.Error("Attempts still running after %s, cancelling them", drainTimeout)
		sched.Abort()
		<-drained
	}
	cancel()
	lg.Info("Shutdown complete")
}
