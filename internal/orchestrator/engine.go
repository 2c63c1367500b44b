// Package orchestrator drives one event through its run: route the
// decision, persist it, claim delivery, and post. Runs are durable in
// the ledger so a crash mid-flight is resumed at boot, and the claim
// step guarantees a replayed event never delivers twice.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/careloop/careloop/internal/delivery"
	"github.com/careloop/careloop/internal/routing"
	"github.com/careloop/careloop/internal/slackevent"
	"github.com/careloop/careloop/internal/store"
)

var ErrQueueFull = errors.New("run queue is full")

type Run struct {
	Event      slackevent.NormalizedEvent
	EnqueuedAt time.Time
}

// Ledger is the durable run state consumed by the engine. *store.Store
// satisfies it.
type Ledger interface {
	CreateRun(ctx context.Context, input store.CreateRunInput) (bool, error)
	SaveDecision(ctx context.Context, id, decisionJSON string) error
	ClaimDelivery(ctx context.Context, id string) error
	ReleaseDelivery(ctx context.Context, id string) error
	MarkDelivered(ctx context.Context, id, channel, ts, threadTS string) error
	MarkSkipped(ctx context.Context, id, reason string) error
	MarkFailed(ctx context.Context, id, message string) error
	LookupRun(ctx context.Context, id string) (store.RunRecord, error)
	ListIncomplete(ctx context.Context, limit int) ([]store.RunRecord, error)
}

type Router interface {
	Decide(ctx context.Context, event slackevent.NormalizedEvent) (routing.Decision, error)
}

// RouterFunc adapts a plain function to the Router interface.
type RouterFunc func(ctx context.Context, event slackevent.NormalizedEvent) (routing.Decision, error)

func (f RouterFunc) Decide(ctx context.Context, event slackevent.NormalizedEvent) (routing.Decision, error) {
	return f(ctx, event)
}

type Deliverer interface {
	Deliver(ctx context.Context, event slackevent.NormalizedEvent, decision routing.Decision) (delivery.Outcome, error)
}

type Config struct {
	MaxConcurrency      int
	RoutingMaxAttempts  int
	RoutingBackoffBase  time.Duration
	DeliveryMaxAttempts int
	DeliveryBackoffBase time.Duration
}

type Engine struct {
	cfg       Config
	ledger    Ledger
	router    Router
	sender    Deliverer
	runs      chan Run
	logger    *slog.Logger
	startOnce sync.Once
}

func New(cfg Config, ledger Ledger, router Router, sender Deliverer, logger *slog.Logger) *Engine {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.RoutingMaxAttempts < 1 {
		cfg.RoutingMaxAttempts = 1
	}
	if cfg.DeliveryMaxAttempts < 1 {
		cfg.DeliveryMaxAttempts = 1
	}
	if cfg.RoutingBackoffBase <= 0 {
		cfg.RoutingBackoffBase = 500 * time.Millisecond
	}
	if cfg.DeliveryBackoffBase <= 0 {
		cfg.DeliveryBackoffBase = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		ledger: ledger,
		router: router,
		sender: sender,
		runs:   make(chan Run, cfg.MaxConcurrency*50),
		logger: logger.With("component", "orchestrator"),
	}
}

func (e *Engine) Start(ctx context.Context) error {
	var workers sync.WaitGroup
	e.startOnce.Do(func() {
		for index := 0; index < e.cfg.MaxConcurrency; index++ {
			workers.Add(1)
			go func(workerID int) {
				defer workers.Done()
				e.worker(ctx, workerID)
			}(index + 1)
		}
	})

	<-ctx.Done()
	workers.Wait()
	return nil
}

// Submit records the event in the ledger and queues it for processing.
// Replays of an already-terminal event are dropped here; replays of an
// in-flight event are queued again and resolved by the delivery claim.
func (e *Engine) Submit(ctx context.Context, event slackevent.NormalizedEvent) error {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	created, err := e.ledger.CreateRun(ctx, store.CreateRunInput{
		ID:        event.EventID(),
		TeamID:    event.TeamID,
		ChannelID: event.ChannelID,
		EventJSON: string(eventJSON),
	})
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	if !created {
		record, err := e.ledger.LookupRun(ctx, event.EventID())
		if err == nil && record.Terminal() {
			e.logger.Info("duplicate event dropped", "run_id", event.EventID(), "status", record.Status)
			return nil
		}
	}

	select {
	case e.runs <- Run{Event: event, EnqueuedAt: time.Now().UTC()}:
		e.logger.Info("run queued", "run_id", event.EventID(), "channel", event.ChannelID)
		return nil
	default:
		return ErrQueueFull
	}
}

// Recover re-queues runs that were in flight when the previous process
// died. Claimed deliveries are released first so the new worker can
// claim them again.
func (e *Engine) Recover(ctx context.Context) error {
	records, err := e.ledger.ListIncomplete(ctx, 500)
	if err != nil {
		return fmt.Errorf("list incomplete runs: %w", err)
	}
	for _, record := range records {
		if record.Status == store.RunStatusDelivering {
			if err := e.ledger.ReleaseDelivery(ctx, record.ID); err != nil {
				e.logger.Error("failed to release stale delivery claim", "run_id", record.ID, "error", err)
				continue
			}
		}
		var event slackevent.NormalizedEvent
		if err := json.Unmarshal([]byte(record.EventJSON), &event); err != nil {
			e.logger.Error("unreadable event in ledger, marking failed", "run_id", record.ID, "error", err)
			_ = e.ledger.MarkFailed(ctx, record.ID, "unreadable event payload")
			continue
		}
		select {
		case e.runs <- Run{Event: event, EnqueuedAt: time.Now().UTC()}:
			e.logger.Info("run recovered", "run_id", record.ID, "status", record.Status)
		default:
			return ErrQueueFull
		}
	}
	return nil
}

func (e *Engine) worker(ctx context.Context, workerID int) {
	e.logger.Info("worker started", "worker_id", workerID)
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("worker stopped", "worker_id", workerID)
			return
		case run := <-e.runs:
			e.processRun(ctx, workerID, run)
		}
	}
}

func (e *Engine) processRun(ctx context.Context, workerID int, run Run) {
	runID := run.Event.EventID()
	logger := e.logger.With("worker_id", workerID, "run_id", runID)

	decision, reused := e.storedDecision(ctx, runID)
	if reused {
		logger.Info("reusing persisted decision")
	} else {
		var err error
		decision, err = e.route(ctx, run.Event)
		if err != nil {
			// Routing exhaustion resolves to a silent no-reply outcome
			// rather than an error surfaced to the platform.
			logger.Error("routing exhausted", "error", err)
			decision = routing.DefaultDecision("routing_exhausted")
		}

		decisionJSON, err := json.Marshal(decision)
		if err != nil {
			logger.Error("failed to marshal decision", "error", err)
			_ = e.ledger.MarkFailed(ctx, runID, "unserializable decision")
			return
		}
		if err := e.ledger.SaveDecision(ctx, runID, string(decisionJSON)); err != nil {
			if errors.Is(err, store.ErrRunNotFound) {
				logger.Info("run already resolved, skipping")
				return
			}
			logger.Error("failed to save decision", "error", err)
			return
		}
	}

	if err := e.ledger.ClaimDelivery(ctx, runID); err != nil {
		if errors.Is(err, store.ErrRunNotClaimable) {
			logger.Info("delivery already claimed elsewhere")
			return
		}
		logger.Error("failed to claim delivery", "error", err)
		return
	}

	outcome, err := e.deliver(ctx, run.Event, decision)
	if err != nil {
		logger.Error("delivery exhausted", "error", err)
		_ = e.ledger.MarkFailed(ctx, runID, err.Error())
		return
	}
	switch {
	case outcome.Posted:
		_ = e.ledger.MarkDelivered(ctx, runID, outcome.Channel, outcome.TS, outcome.ThreadTS)
		logger.Info("run delivered", "channel", outcome.Channel, "ts", outcome.TS)
	case outcome.Error != "":
		_ = e.ledger.MarkFailed(ctx, runID, outcome.Error)
		logger.Warn("run failed permanently", "error", outcome.Error)
	default:
		_ = e.ledger.MarkSkipped(ctx, runID, outcome.Reason)
		logger.Info("run skipped", "reason", outcome.Reason)
	}
}

// storedDecision returns the decision already persisted for the run, if
// any. Replays and recovered runs reuse it instead of re-invoking the
// models.
func (e *Engine) storedDecision(ctx context.Context, id string) (routing.Decision, bool) {
	record, err := e.ledger.LookupRun(ctx, id)
	if err != nil || record.DecisionJSON == "" {
		return routing.Decision{}, false
	}
	var decision routing.Decision
	if err := json.Unmarshal([]byte(record.DecisionJSON), &decision); err != nil {
		e.logger.Warn("persisted decision unreadable, re-routing", "run_id", id, "error", err)
		return routing.Decision{}, false
	}
	return decision, true
}

func (e *Engine) route(ctx context.Context, event slackevent.NormalizedEvent) (routing.Decision, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.RoutingBackoffBase
	return backoff.Retry(ctx, func() (routing.Decision, error) {
		return e.router.Decide(ctx, event)
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(e.cfg.RoutingMaxAttempts)))
}

func (e *Engine) deliver(ctx context.Context, event slackevent.NormalizedEvent, decision routing.Decision) (delivery.Outcome, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.cfg.DeliveryBackoffBase
	return backoff.Retry(ctx, func() (delivery.Outcome, error) {
		outcome, err := e.sender.Deliver(ctx, event, decision)
		if err != nil && !errors.Is(err, delivery.ErrTransient) {
			return delivery.Outcome{}, backoff.Permanent(err)
		}
		return outcome, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(e.cfg.DeliveryMaxAttempts)))
}
